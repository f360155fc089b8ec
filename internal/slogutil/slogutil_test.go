package slogutil

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelWarn,
		"verbose": slog.LevelWarn,
	}
	for in, want := range cases {
		assert.Equal(t, want, LevelFromString(in), "input %q", in)
	}
	assert.Greater(t, LevelFromString("off"), slog.LevelError)
}

func TestNewLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, slog.LevelWarn)
	l.Info("hidden")
	l.Warn("shown", "project", "proj-A")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "project=proj-A")
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apm.log")
	l, f, err := NewFileLogger(path, slog.LevelInfo)
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, f.Close())
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := NewDiscardLogger()
	assert.Same(t, l, OrDiscard(l))
}
