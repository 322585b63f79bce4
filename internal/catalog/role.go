package catalog

import (
	"errors"

	"github.com/eventodb/hyperstore/internal/auth"
	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/engine"
)

func roleKey(name auth.Role) []byte {
	return []byte("role:" + string(name))
}

// CreateRole stores a role and returns its bearer token. Only the token
// hash is kept.
func (c *Catalog) CreateRole(name auth.Role, superuser bool) (string, error) {
	if !c.session.Superuser() {
		return "", dberr.PermissionDenied("permission denied to create role")
	}
	if err := auth.ValidateRoleName(name); err != nil {
		return "", dberr.Precondition("%v", err)
	}
	token, err := auth.GenerateToken(name)
	if err != nil {
		return "", err
	}
	err = c.asOwner(RelRole, func() error {
		return c.insertJSON(roleKey(name), &Role{
			Name:      name,
			Superuser: superuser,
			TokenHash: auth.HashToken(token),
		})
	})
	if errors.Is(err, engine.ErrKeyExists) {
		return "", dberr.New(dberr.ErrPreconditionViolation, dberr.CodeDuplicateObject,
			"role %q already exists", name)
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// Role returns a stored role
func (c *Catalog) Role(name auth.Role) (*Role, error) {
	var r Role
	err := c.getJSON(roleKey(name), &r)
	if isNotFound(err) {
		return nil, dberr.NotFound("role %q does not exist", name)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetRoleToken replaces the stored token hash of a role. The token must
// name the role it is set on.
func (c *Catalog) SetRoleToken(name auth.Role, token string) error {
	if !c.session.Superuser() {
		return dberr.PermissionDenied("permission denied to alter role")
	}
	owner, err := auth.ParseToken(token)
	if err != nil {
		return dberr.Precondition("invalid token: %v", err)
	}
	if owner != name {
		return dberr.Precondition("token is for role %q, not %q", owner, name)
	}
	r, err := c.Role(name)
	if err != nil {
		return err
	}
	r.TokenHash = auth.HashToken(token)
	return c.asOwner(RelRole, func() error {
		return c.setJSON(roleKey(name), r)
	})
}
