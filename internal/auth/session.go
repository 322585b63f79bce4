package auth

import (
	"context"
	"sync"

	"github.com/eventodb/hyperstore/internal/dberr"
)

// Role names a database role
type Role string

const (
	// CatalogOwner owns every catalog relation. Catalog writes run as this
	// role regardless of who called the operation.
	CatalogOwner Role = "hyperstore_catalog_owner"

	// DefaultSuperuser is the bootstrap role created on first start
	DefaultSuperuser Role = "postgres"
)

// Session is the privilege context of one caller. The effective role
// starts as the authenticated user and changes only through BecomeOwner.
type Session struct {
	mu        sync.Mutex
	user      Role
	current   Role
	superuser bool
}

// NewSession creates a session for an authenticated role
func NewSession(user Role, superuser bool) *Session {
	return &Session{user: user, current: user, superuser: superuser}
}

// User returns the authenticated role
func (s *Session) User() Role {
	return s.user
}

// Role returns the effective role
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Superuser reports whether the authenticated role bypasses ownership checks
func (s *Session) Superuser() bool {
	return s.superuser
}

// SecurityContext is the saved state returned by BecomeOwner
type SecurityContext struct {
	saved Role
}

// BecomeOwner switches the effective role to owner and returns the
// previous context. Callers restore it with defer:
//
//	sec := session.BecomeOwner(auth.CatalogOwner)
//	defer session.Restore(sec)
func (s *Session) BecomeOwner(owner Role) SecurityContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec := SecurityContext{saved: s.current}
	s.current = owner
	return sec
}

// Restore returns the session to a context saved by BecomeOwner
func (s *Session) Restore(sec SecurityContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = sec.saved
}

// CanMutate reports whether the effective role may alter an object owned
// by owner
func (s *Session) CanMutate(owner Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.superuser || s.current == owner
}

// CheckOwner fails with PermissionDenied unless the session may mutate
// object
func CheckOwner(s *Session, owner Role, object string) error {
	if s == nil {
		return dberr.PermissionDenied("must be owner of %s", object)
	}
	if !s.CanMutate(owner) {
		return dberr.PermissionDenied("must be owner of %s", object).
			WithHint("current role is " + string(s.Role()))
	}
	return nil
}

type contextKey string

const sessionKey contextKey = "session"

// WithSession returns a context carrying s
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromContext returns the session stored in ctx
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	return s, ok && s != nil
}
