package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		defer l.Close()

		assert.NotNil(t, l)
	})

	t.Run("with file", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "proxy.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		l.Info().Str("component", "test").Msg("hello")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "nonsense", Console: true})
		require.NoError(t, err)
		defer l.Close()
	})
}

func TestFileSinkRedacts(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "proxy.log")

	l, err := New(Config{Level: "info", File: logFile, Redaction: true})
	require.NoError(t, err)

	l.Info().Str("header", "Bearer abc123.tok456").Msg("outbound request")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), Mask)
	assert.NotContains(t, string(data), "abc123.tok456")
}

func TestRedactorAccessor(t *testing.T) {
	l, err := New(Config{Level: "info", Console: true, Redaction: true})
	require.NoError(t, err)
	defer l.Close()

	assert.NotNil(t, l.Redactor())

	// Disabled redaction still hands out a usable redactor.
	l2, err := New(Config{Level: "info", Console: true})
	require.NoError(t, err)
	defer l2.Close()

	assert.NotNil(t, l2.Redactor())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Redaction)
	assert.True(t, cfg.Console)
}
