package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestFromContext_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, "info", "json")

	ctx := WithRequestID(context.Background(), "req-42")
	FromContext(ctx, base).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-42", line["request_id"])
	assert.Equal(t, "hello", line["msg"])
}

func TestNew_TextFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "text")
	l.Info("dropped")
	assert.Empty(t, buf.String())
	l.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}
