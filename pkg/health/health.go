// Package health derives point-in-time reachability status without
// touching run, event, or policy state.
package health

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/clawproxy/internal/config"
)

// State is one indicator's value. Probe failures degrade an indicator,
// they never propagate as errors.
type State string

const (
	StateUp      State = "up"
	StateDown    State = "down"
	StateUnknown State = "unknown"
)

// Snapshot is the aggregated picture at one instant
type Snapshot struct {
	ProxyUp           State     `json:"proxy_up"`
	ProviderReachable State     `json:"provider_reachable"`
	InternetReachable State     `json:"internet_reachable"`
	CheckedAt         time.Time `json:"checked_at"`
}

const (
	probeTimeout = 3 * time.Second

	// internetProbeHost answers TCP quickly from almost anywhere
	internetProbeHost = "1.1.1.1:443"
)

// Aggregator samples proxy, provider, and internet reachability. The
// latest snapshot is cached so read-heavy consumers do not trigger a
// probe storm.
type Aggregator struct {
	snapshots *config.Store
	proxyAddr string
	client    *http.Client
	dialer    *net.Dialer
	logger    zerolog.Logger

	mu   sync.RWMutex
	last Snapshot
}

// New creates a health aggregator. proxyAddr is the agent-facing
// listener address, probed like any external check.
func New(snapshots *config.Store, proxyAddr string, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		snapshots: snapshots,
		proxyAddr: proxyAddr,
		client:    &http.Client{Timeout: probeTimeout},
		dialer:    &net.Dialer{Timeout: probeTimeout},
		logger:    logger,
	}
}

// Check runs all probes and caches the result
func (a *Aggregator) Check(ctx context.Context) Snapshot {
	snap := Snapshot{
		ProxyUp:           a.probeProxy(ctx),
		ProviderReachable: a.probeProvider(ctx),
		InternetReachable: a.probeInternet(ctx),
		CheckedAt:         time.Now(),
	}

	a.mu.Lock()
	a.last = snap
	a.mu.Unlock()

	a.logger.Debug().
		Str("proxy", string(snap.ProxyUp)).
		Str("provider", string(snap.ProviderReachable)).
		Str("internet", string(snap.InternetReachable)).
		Msg("Health probes completed")
	return snap
}

// Last returns the most recent snapshot without probing. The zero
// snapshot (all indicators empty) means no probe has run yet.
func (a *Aggregator) Last() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

func (a *Aggregator) probeProxy(ctx context.Context) State {
	if a.proxyAddr == "" {
		return StateUnknown
	}
	conn, err := a.dialer.DialContext(ctx, "tcp", a.proxyAddr)
	if err != nil {
		return StateDown
	}
	conn.Close()
	return StateUp
}

func (a *Aggregator) probeProvider(ctx context.Context) State {
	snap := a.snapshots.Load()
	base := snap.ActiveProfile.BaseURL
	if base == "" {
		return StateUnknown
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	// HEAD against the base endpoint; any HTTP answer at all proves
	// the provider host is reachable, auth errors included.
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, strings.TrimRight(base, "/")+"/", nil)
	if err != nil {
		return StateUnknown
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return StateDown
	}
	resp.Body.Close()
	return StateUp
}

func (a *Aggregator) probeInternet(ctx context.Context) State {
	conn, err := a.dialer.DialContext(ctx, "tcp", internetProbeHost)
	if err != nil {
		return StateDown
	}
	conn.Close()
	return StateUp
}
