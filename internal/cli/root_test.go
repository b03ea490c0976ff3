package cli

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/clawproxy/internal/config"
	"github.com/openclaw/clawproxy/pkg/secrets"
)

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "stop", "status", "configure", "runs"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestVersionSet(t *testing.T) {
	assert.Equal(t, version, rootCmd.Version)
	assert.Equal(t, "clawproxy", rootCmd.Name())
}

func TestConfigureSealsAPIKey(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfgPath := filepath.Join(home, ".clawproxy", "clawproxy.json")
	rootCmd.SetArgs([]string{
		"configure",
		"--config", cfgPath,
		"--provider", "anthropic",
		"--model", "claude-sonnet-4",
		"--base-url", "https://api.anthropic.com",
		"--auth-header", "x-api-key",
		"--auth-prefix", "",
		"--api-key", "sk-ant-secret-value",
	})
	require.NoError(t, rootCmd.Execute())
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		cfgFile = ""
	})

	loaded, err := config.NewLoader(cfgPath).Load()
	require.NoError(t, err)

	assert.Equal(t, "anthropic", loaded.ActiveProvider)
	assert.Equal(t, "claude-sonnet-4", loaded.ActiveModel)

	sealed := loaded.Providers["anthropic"].APIKey
	require.True(t, secrets.IsSealed(sealed), "API key must not be stored in plaintext")
	assert.False(t, strings.Contains(sealed, "sk-ant-secret-value"))
}

func TestPIDHelpers(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "clawproxy.pid")

	assert.False(t, isRunning(pidFile))

	require.NoError(t, writePIDFile(pidFile))
	// Our own PID is alive.
	assert.True(t, isRunning(pidFile))

	pid, err := readPID(pidFile)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)
}
