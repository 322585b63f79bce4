// Package license gates features by license edition.
package license

import (
	"context"
	"fmt"
	"time"

	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/logger"
)

// Edition is a license edition
type Edition string

const (
	// Apache is the open-source edition without compression
	Apache Edition = "apache"

	// Community enables compression
	Community Edition = "community"

	// Enterprise enables compression and may carry an expiry date
	Enterprise Edition = "enterprise"
)

// ExpiryWarningPeriod is how long before expiry Check starts warning
const ExpiryWarningPeriod = 7 * 24 * time.Hour

// ParseEdition parses an edition name
func ParseEdition(s string) (Edition, error) {
	switch Edition(s) {
	case Apache, Community, Enterprise:
		return Edition(s), nil
	}
	return "", fmt.Errorf("invalid license edition %q: must be apache, community or enterprise", s)
}

// Gate authorizes compression operations
type Gate struct {
	edition Edition
	expires time.Time // zero means no expiry
	now     func() time.Time
}

// NewGate creates a gate for an edition. A zero expires never expires.
func NewGate(edition Edition, expires time.Time) *Gate {
	return &Gate{edition: edition, expires: expires, now: time.Now}
}

// Edition returns the configured edition
func (g *Gate) Edition() Edition {
	return g.edition
}

// Check fails with dberr.ErrCapabilityDenied when the edition does not
// include compression or the license has expired. It logs a warning when
// the license expires within ExpiryWarningPeriod.
func (g *Gate) Check(ctx context.Context) error {
	if g.edition == Apache || g.edition == "" {
		return dberr.New(dberr.ErrCapabilityDenied, dberr.CodeLicenseRequired,
			"functionality not supported under the current %q license", string(Apache)).
			WithHint("Upgrade your license to \"community\" to use this feature.")
	}

	if g.expires.IsZero() {
		return nil
	}
	now := g.now()
	if !now.Before(g.expires) {
		return dberr.New(dberr.ErrCapabilityDenied, dberr.CodeLicenseRequired,
			"%s license expired on %s", g.edition, g.expires.Format(time.RFC3339))
	}
	if remaining := g.expires.Sub(now); remaining <= ExpiryWarningPeriod {
		logger.FromContext(ctx).Warn().
			Str("edition", string(g.edition)).
			Time("expires", g.expires).
			Dur("remaining", remaining).
			Msg("License expires soon")
	}
	return nil
}
