package config

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/openclaw/clawproxy/pkg/policy"
)

// Snapshot is an immutable view of the hot-reloadable configuration.
// The dispatcher reads one snapshot reference at the start of a request
// and uses it for the request's whole life, so a reload never tears an
// in-flight request.
type Snapshot struct {
	Version        uint64
	ActiveProvider string
	ActiveModel    string
	ActiveProfile  ProviderProfile
	Providers      map[string]ProviderProfile
	Policy         *policy.Engine
	AllowSudo      bool
}

// Store hands out the current snapshot and swaps in new ones whole
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
	logger  zerolog.Logger
}

// NewStore builds the initial snapshot from cfg
func NewStore(cfg *Config, logger zerolog.Logger) *Store {
	s := &Store{logger: logger}
	s.Swap(cfg)
	return s
}

// Load returns the current snapshot. Never nil after NewStore.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Swap builds a fresh snapshot from cfg and publishes it atomically.
// Requests already holding the old snapshot finish against it; only
// new requests see the change.
func (s *Store) Swap(cfg *Config) {
	snap := &Snapshot{
		Version:        s.version.Add(1),
		ActiveProvider: cfg.ActiveProvider,
		ActiveModel:    cfg.ActiveModel,
		ActiveProfile:  cfg.Providers[cfg.ActiveProvider],
		Providers:      copyProviders(cfg.Providers),
		Policy:         policy.NewEngine(cfg.Permissions.Rules, cfg.Permissions.AllowSudo, s.logger),
		AllowSudo:      cfg.Permissions.AllowSudo,
	}
	s.current.Store(snap)

	s.logger.Info().
		Uint64("version", snap.Version).
		Str("provider", snap.ActiveProvider).
		Str("model", snap.ActiveModel).
		Int("rules", snap.Policy.RuleCount()).
		Msg("Configuration snapshot swapped")
}

func copyProviders(in map[string]ProviderProfile) map[string]ProviderProfile {
	out := make(map[string]ProviderProfile, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
