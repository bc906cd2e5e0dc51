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

func TestParse(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
	assert.Equal(t, FormatText, ParseFormat("Text"))
	assert.Equal(t, FormatJSON, ParseFormat(""))
}

func TestNew_JSONWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{
		Level:  slog.LevelWarn,
		Format: FormatJSON,
		Output: &buf,
		Attrs:  []slog.Attr{slog.String("service", "trainer")},
	})

	l.Info("dropped")
	l.Warn("kept", "step", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "trainer", rec["service"])
	assert.EqualValues(t, 2, rec["step"])
}

func TestContext(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	l := Discard()
	assert.Same(t, l, FromContext(WithContext(context.Background(), l)))
}
