package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken("alice")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "role_"))

	role, err := ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, Role("alice"), role)
}

func TestGenerateToken_EmptyRole(t *testing.T) {
	_, err := GenerateToken("")
	assert.Error(t, err)
}

func TestParseToken_Invalid(t *testing.T) {
	cases := map[string]string{
		"no prefix":   "ns_YWxpY2U_" + strings.Repeat("a", 64),
		"short hex":   "role_YWxpY2U_abcd",
		"bad hex":     "role_YWxpY2U_" + strings.Repeat("z", 64),
		"extra parts": "role_YWxpY2U_x_" + strings.Repeat("a", 64),
		"empty role":  "role__" + strings.Repeat("a", 64),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseToken(token)
			assert.Error(t, err)
		})
	}
}

func TestParseToken_UnderscoreInEncoding(t *testing.T) {
	// base64url of 0xff 0xfe is "__4"
	token, err := GenerateToken(Role("\xff\xfe"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "role___4_"))

	role, err := ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, Role("\xff\xfe"), role)
}

func TestParseToken_WrapsSentinel(t *testing.T) {
	_, err := ParseToken("bearer")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestHashAndVerifyToken(t *testing.T) {
	assert.Equal(t, HashToken("x"), HashToken("x"))
	assert.NotEqual(t, HashToken("x"), HashToken("y"))
	assert.Len(t, HashToken("x"), 64)

	token, err := GenerateToken("alice")
	require.NoError(t, err)
	hash := HashToken(token)
	assert.True(t, VerifyToken(token, hash))
	assert.False(t, VerifyToken(token+"0", hash))
	assert.False(t, VerifyToken(token, ""))
}

func TestValidateRoleName(t *testing.T) {
	for _, name := range []Role{"alice", "postgres", "hyperstore_catalog_owner", "_svc2"} {
		assert.NoError(t, ValidateRoleName(name), name)
	}
	for _, name := range []Role{"", "Alice", "2fast", "bob-smith", "a b", Role(strings.Repeat("a", 64))} {
		assert.Error(t, ValidateRoleName(name), name)
	}
}

func TestBecomeOwnerRestore(t *testing.T) {
	s := NewSession("alice", false)
	assert.Equal(t, Role("alice"), s.Role())

	func() {
		sec := s.BecomeOwner(CatalogOwner)
		defer s.Restore(sec)
		assert.Equal(t, CatalogOwner, s.Role())
		assert.Equal(t, Role("alice"), s.User())
	}()

	assert.Equal(t, Role("alice"), s.Role())
}

func TestBecomeOwnerNested(t *testing.T) {
	s := NewSession("alice", false)
	outer := s.BecomeOwner("bob")
	inner := s.BecomeOwner(CatalogOwner)
	s.Restore(inner)
	assert.Equal(t, Role("bob"), s.Role())
	s.Restore(outer)
	assert.Equal(t, Role("alice"), s.Role())
}

func TestCheckOwner(t *testing.T) {
	alice := NewSession("alice", false)
	assert.NoError(t, CheckOwner(alice, "alice", "table metrics"))

	err := CheckOwner(alice, "bob", "table metrics")
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberr.ErrPermissionDenied))
	assert.Equal(t, dberr.CodeInsufficientPrivilege, dberr.CodeOf(err))

	root := NewSession(DefaultSuperuser, true)
	assert.NoError(t, CheckOwner(root, "bob", "table metrics"))

	assert.Error(t, CheckOwner(nil, "bob", "table metrics"))
}

func TestSessionContext(t *testing.T) {
	_, ok := SessionFromContext(context.Background())
	assert.False(t, ok)

	s := NewSession("alice", false)
	got, ok := SessionFromContext(WithSession(context.Background(), s))
	require.True(t, ok)
	assert.Same(t, s, got)
}
