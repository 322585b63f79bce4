package license

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/logger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedGate(edition Edition, expires, now time.Time) *Gate {
	g := NewGate(edition, expires)
	g.now = func() time.Time { return now }
	return g
}

func TestCheck_Apache(t *testing.T) {
	err := NewGate(Apache, time.Time{}).Check(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberr.ErrCapabilityDenied))
	assert.Equal(t, dberr.CodeLicenseRequired, dberr.CodeOf(err))
	assert.NotEmpty(t, dberr.HintOf(err))
}

func TestCheck_Community(t *testing.T) {
	assert.NoError(t, NewGate(Community, time.Time{}).Check(context.Background()))
}

func TestCheck_Expired(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	g := fixedGate(Enterprise, now.Add(-time.Hour), now)
	err := g.Check(context.Background())
	assert.True(t, errors.Is(err, dberr.ErrCapabilityDenied))
}

func TestCheck_ExpiryWarning(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	ctx := logger.WithContext(context.Background(), &log)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, fixedGate(Enterprise, now.Add(30*24*time.Hour), now).Check(ctx))
	assert.Empty(t, buf.String())

	require.NoError(t, fixedGate(Enterprise, now.Add(48*time.Hour), now).Check(ctx))
	assert.Contains(t, buf.String(), "License expires soon")
}

func TestParseEdition(t *testing.T) {
	e, err := ParseEdition("community")
	require.NoError(t, err)
	assert.Equal(t, Community, e)

	_, err = ParseEdition("gold")
	assert.Error(t, err)
}
