// Package auth provides roles, bearer tokens and the per-session privilege
// context used by catalog writes.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Tokens look like role_<base64url(role)>_<64 hex chars>. Only the
// BLAKE3 hash of a token is stored with its role.
const (
	tokenPrefix    = "role_"
	tokenSecretLen = 32
	maxRoleLen     = 63
)

// ErrMalformedToken wraps every ParseToken failure
var ErrMalformedToken = errors.New("malformed token")

// ValidateRoleName checks that name can be used as a role. Role names
// follow identifier rules and may not exceed 63 bytes.
func ValidateRoleName(name Role) error {
	if name == "" {
		return fmt.Errorf("role name cannot be empty")
	}
	if len(name) > maxRoleLen {
		return fmt.Errorf("role name %q is longer than %d bytes", name, maxRoleLen)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return fmt.Errorf("role name %q: invalid character %q", name, r)
		}
	}
	return nil
}

// GenerateToken creates a bearer token for role. The role is embedded so
// the server can load the stored hash directly.
func GenerateToken(role Role) (string, error) {
	if role == "" {
		return "", fmt.Errorf("role cannot be empty")
	}
	secret := make([]byte, tokenSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate token secret: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(role)) + "_" + hex.EncodeToString(secret), nil
}

// ParseToken returns the role embedded in token
func ParseToken(token string) (Role, error) {
	rest, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return "", fmt.Errorf("%w: missing %q prefix", ErrMalformedToken, tokenPrefix)
	}
	// base64url may itself contain '_', the secret never does
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 {
		return "", fmt.Errorf("%w: missing role part", ErrMalformedToken)
	}
	encoded, secret := rest[:i], rest[i+1:]

	if len(secret) != 2*tokenSecretLen {
		return "", fmt.Errorf("%w: secret must be %d hex characters, got %d", ErrMalformedToken, 2*tokenSecretLen, len(secret))
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return "", fmt.Errorf("%w: secret is not hexadecimal", ErrMalformedToken)
	}
	role, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: role part is not base64url", ErrMalformedToken)
	}
	if len(role) == 0 {
		return "", fmt.Errorf("%w: role is empty", ErrMalformedToken)
	}
	return Role(role), nil
}

// HashToken returns the hex BLAKE3 hash stored for token
func HashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken reports whether token hashes to hash, in constant time
func VerifyToken(token, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(hash)) == 1
}
