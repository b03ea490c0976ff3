package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/clawproxy/pkg/policy"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Proxy.Host)
	assert.Equal(t, 8877, cfg.Proxy.Port)
	assert.Equal(t, 8878, cfg.Gateway.Port)
	assert.Equal(t, 5, cfg.Proxy.BreakerThreshold)
	assert.Equal(t, 30, cfg.Proxy.BreakerCooldown)
	assert.False(t, cfg.Permissions.AllowSudo)
	assert.True(t, cfg.Logging.Redaction)
	assert.Empty(t, Validate(cfg))
}

func TestLoaderSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawproxy.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.ActiveProvider = "anthropic"
	cfg.ActiveModel = "claude-sonnet-4"
	cfg.Providers["anthropic"] = ProviderProfile{
		BaseURL:    "https://api.anthropic.com",
		AuthHeader: "x-api-key",
		APIKey:     "enc:v1:deadbeef",
	}
	cfg.Permissions.Rules = append(cfg.Permissions.Rules, policy.Rule{
		Command: "git", Subcommand: "log", ArgsPattern: `^--oneline$`,
	})
	cfg.DataDir = dir

	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "anthropic", loaded.ActiveProvider)
	assert.Equal(t, "claude-sonnet-4", loaded.ActiveModel)
	assert.Equal(t, "https://api.anthropic.com", loaded.Providers["anthropic"].BaseURL)
	assert.Equal(t, "enc:v1:deadbeef", loaded.Providers["anthropic"].APIKey)
	assert.Len(t, loaded.Permissions.Rules, 3)
	assert.Equal(t, `^--oneline$`, loaded.Permissions.Rules[2].ArgsPattern)
}

func TestLoaderMissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 8877, cfg.Proxy.Port)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Logging.File)
	assert.NotEmpty(t, cfg.AuditFile)
}

func TestLoaderFillsDerivedPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawproxy.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.DataDir = dir
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "clawproxy.log"), loaded.Logging.File)
	assert.Equal(t, filepath.Join(dir, "audit.log"), loaded.AuditFile)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad proxy port",
			mutate:  func(c *Config) { c.Proxy.Port = 0 },
			wantErr: "proxy.port",
		},
		{
			name:    "port collision",
			mutate:  func(c *Config) { c.Gateway.Port = c.Proxy.Port },
			wantErr: "share port",
		},
		{
			name:    "missing active provider",
			mutate:  func(c *Config) { c.ActiveProvider = "" },
			wantErr: "active_provider is required",
		},
		{
			name:    "unknown active provider",
			mutate:  func(c *Config) { c.ActiveProvider = "nope" },
			wantErr: "no provider profile",
		},
		{
			name: "provider without base url",
			mutate: func(c *Config) {
				c.Providers["broken"] = ProviderProfile{}
			},
			wantErr: "no base_url",
		},
		{
			name: "malformed rule pattern",
			mutate: func(c *Config) {
				c.Permissions.Rules = []policy.Rule{{Command: "git", ArgsPattern: "("}}
			},
			wantErr: "pattern",
		},
		{
			name:    "negative retention",
			mutate:  func(c *Config) { c.Retention.RunDays = -1 },
			wantErr: "run_days",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			errs := Validate(cfg)
			require.NotEmpty(t, errs)
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.wantErr) {
					found = true
				}
			}
			assert.True(t, found, "expected an error containing %q, got %v", tt.wantErr, errs)
		})
	}
}

func TestSnapshotStoreSwap(t *testing.T) {
	logger := zerolog.Nop()
	cfg := DefaultConfig()
	cfg.ActiveModel = "gpt-4o"

	store := NewStore(cfg, logger)

	first := store.Load()
	require.NotNil(t, first)
	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, "openai", first.ActiveProvider)
	assert.Equal(t, "gpt-4o", first.ActiveModel)
	assert.Equal(t, "https://api.openai.com", first.ActiveProfile.BaseURL)

	cfg2 := DefaultConfig()
	cfg2.ActiveProvider = "anthropic"
	cfg2.ActiveModel = "claude-sonnet-4"
	cfg2.Providers["anthropic"] = ProviderProfile{BaseURL: "https://api.anthropic.com"}
	store.Swap(cfg2)

	second := store.Load()
	assert.Equal(t, uint64(2), second.Version)
	assert.Equal(t, "anthropic", second.ActiveProvider)

	// The reference taken before the swap is untouched
	assert.Equal(t, "openai", first.ActiveProvider)
	assert.Equal(t, uint64(1), first.Version)
}

func TestSnapshotPolicyRebuiltOnSwap(t *testing.T) {
	logger := zerolog.Nop()
	cfg := DefaultConfig()
	store := NewStore(cfg, logger)

	d := store.Load().Policy.Evaluate("git", "push", nil, false)
	assert.False(t, d.Allowed)

	cfg2 := DefaultConfig()
	cfg2.Permissions.Rules = append(cfg2.Permissions.Rules, policy.Rule{Command: "git", Subcommand: "push"})
	store.Swap(cfg2)

	d = store.Load().Policy.Evaluate("git", "push", nil, false)
	assert.True(t, d.Allowed)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawproxy.json")
	loader := NewLoader(path)
	logger := zerolog.Nop()

	cfg := DefaultConfig()
	cfg.DataDir = dir
	require.NoError(t, loader.Save(cfg))

	store := NewStore(cfg, logger)
	require.Equal(t, uint64(1), store.Load().Version)

	w, err := NewWatcher(loader, store, logger)
	require.NoError(t, err)
	defer w.Close()

	cfg.ActiveModel = "gpt-4o-mini"
	require.NoError(t, loader.Save(cfg))

	require.Eventually(t, func() bool {
		snap := store.Load()
		return snap.Version > 1 && snap.ActiveModel == "gpt-4o-mini"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatcherKeepsSnapshotOnInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawproxy.json")
	loader := NewLoader(path)
	logger := zerolog.Nop()

	cfg := DefaultConfig()
	cfg.DataDir = dir
	require.NoError(t, loader.Save(cfg))

	store := NewStore(cfg, logger)
	w, err := NewWatcher(loader, store, logger)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"active_provider": ""}`), 0644))

	// Give the debounce a chance to fire; the invalid file must be
	// rejected and the original snapshot stay live.
	time.Sleep(time.Second)
	snap := store.Load()
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, "openai", snap.ActiveProvider)
}
