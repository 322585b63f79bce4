package logger

import (
	"bytes"
	"context"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		m := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestContextFields(t *testing.T) {
	var buf bytes.Buffer
	InitializeWithWriter("debug", "json", &buf)
	t.Cleanup(func() { InitializeWithWriter("info", "json", &bytes.Buffer{}) })

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithTxnID(ctx, "txn-1")
	ctx = WithChunk(ctx, 7, "_hyper.chunk_7")
	FromContext(ctx).Info().Msg("compressing")
	Component("server").Info().Msg("listening")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "req-1", lines[0]["request_id"])
	assert.Equal(t, "txn-1", lines[0]["txn_id"])
	assert.Equal(t, float64(7), lines[0]["chunk_id"])
	assert.Equal(t, "_hyper.chunk_7", lines[0]["chunk"])
	assert.Equal(t, "compressing", lines[0]["message"])

	assert.Equal(t, "server", lines[1]["component"])
	assert.NotContains(t, lines[1], "request_id")
}

func TestFromContextDefaultsToRoot(t *testing.T) {
	var buf bytes.Buffer
	InitializeWithWriter("warn", "json", &buf)
	t.Cleanup(func() { InitializeWithWriter("info", "json", &bytes.Buffer{}) })

	FromContext(context.Background()).Info().Msg("dropped")
	FromContext(context.Background()).Warn().Msg("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["message"])
	assert.Equal(t, "warn", lines[0]["level"])
}
