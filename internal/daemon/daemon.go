// Package daemon assembles and supervises the proxy's long-running
// services: the agent-facing proxy listener, the subscriber gateway,
// the config watcher, and the maintenance scheduler.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/run"

	"github.com/openclaw/clawproxy/internal/config"
	"github.com/openclaw/clawproxy/internal/logger"
	"github.com/openclaw/clawproxy/internal/maintenance"
	"github.com/openclaw/clawproxy/internal/metrics"
	"github.com/openclaw/clawproxy/internal/observability"
	"github.com/openclaw/clawproxy/pkg/eventbus"
	"github.com/openclaw/clawproxy/pkg/gateway"
	"github.com/openclaw/clawproxy/pkg/health"
	"github.com/openclaw/clawproxy/pkg/proxy"
	"github.com/openclaw/clawproxy/pkg/runstore"
	"github.com/openclaw/clawproxy/pkg/secrets"
)

const shutdownGrace = 15 * time.Second

// Daemon is the assembled clawproxy process
type Daemon struct {
	cfg    *config.Config
	loader *config.Loader
	log    *logger.Logger

	snapshots *config.Store
	secrets   *secrets.Store
	runs      *runstore.Store
	bus       *eventbus.Bus
	metrics   *metrics.Metrics
	audit     *observability.AuditLogger
	health    *health.Aggregator

	proxyServer   *proxy.Server
	gatewayServer *gateway.Server
	bridge        *gateway.Bridge
	watcher       *config.Watcher
	scheduler     *maintenance.Scheduler
}

// New wires all services from the loaded configuration
func New(cfg *config.Config, loader *config.Loader, log *logger.Logger) (*Daemon, error) {
	zl := log.GetZerolog()
	redactor := log.Redactor()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	sec, err := secrets.NewStore(secrets.Config{
		DataDir: cfg.DataDir,
		Logger:  zl,
	})
	if err != nil {
		return nil, fmt.Errorf("open secret store: %w", err)
	}

	runs, err := runstore.NewStore(runstore.Config{
		DBPath:   filepath.Join(cfg.DataDir, "runs.db"),
		Redactor: redactor,
		Logger:   zl,
	})
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	audit, err := observability.NewAuditLogger(cfg.AuditFile, redactor)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.AuditFile).Msg("Audit file unavailable, falling back to stderr")
		audit = observability.NewStderrAuditLogger(redactor)
	}

	snapshots := config.NewStore(cfg, zl)
	bus := eventbus.New(zl)
	m := metrics.New()
	bus.OnDrop = m.EventsDroppedTotal.Inc

	breaker := proxy.NewBreaker(
		cfg.Proxy.BreakerThreshold,
		time.Duration(cfg.Proxy.BreakerCooldown)*time.Second,
		zl,
	)

	dispatcher := proxy.NewDispatcher(proxy.DispatcherConfig{
		Snapshots:   snapshots,
		Secrets:     sec,
		Runs:        runs,
		Bus:         bus,
		Metrics:     m,
		Audit:       audit,
		Redactor:    redactor,
		Breaker:     breaker,
		Logger:      zl,
		IdleTimeout: time.Duration(cfg.Proxy.IdleTimeout) * time.Second,
	})
	executor := proxy.NewExecutor(dispatcher, time.Duration(cfg.Proxy.ExecTimeout)*time.Second)

	proxyServer := proxy.NewServer(proxy.ServerConfig{
		Host:       cfg.Proxy.Host,
		Port:       cfg.Proxy.Port,
		Dispatcher: dispatcher,
		Executor:   executor,
		Logger:     zl,
	})

	proxyAddr := net.JoinHostPort(cfg.Proxy.Host, fmt.Sprintf("%d", cfg.Proxy.Port))
	aggregator := health.New(snapshots, proxyAddr, zl)

	gatewayServer := gateway.NewServer(gateway.ServerConfig{
		Host:         cfg.Proxy.Host,
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		Runs:         runs,
		Health:       aggregator,
		Metrics:      m,
		Logger:       zl,
	})
	bridge := gateway.NewBridge(bus, gatewayServer.Registry(), m, zl)

	loaderWatcher, err := config.NewWatcher(loader, snapshots, zl)
	if err != nil {
		log.Warn().Err(err).Msg("Config hot reload unavailable")
	}

	d := &Daemon{
		cfg:           cfg,
		loader:        loader,
		log:           log,
		snapshots:     snapshots,
		secrets:       sec,
		runs:          runs,
		bus:           bus,
		metrics:       m,
		audit:         audit,
		health:        aggregator,
		proxyServer:   proxyServer,
		gatewayServer: gatewayServer,
		bridge:        bridge,
		watcher:       loaderWatcher,
		scheduler:     maintenance.New(zl),
	}
	if err := d.registerMaintenance(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) registerMaintenance() error {
	if d.cfg.Retention.RunDays > 0 {
		days := d.cfg.Retention.RunDays
		err := d.scheduler.Add("run-retention", d.cfg.Retention.Schedule, func() {
			cutoff := time.Now().AddDate(0, 0, -days)
			n, err := d.runs.Purge(cutoff)
			if err != nil {
				d.log.Error().Err(err).Msg("Run retention purge failed")
				return
			}
			if n > 0 {
				d.log.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("Old runs purged")
			}
		})
		if err != nil {
			return err
		}
	}

	if err := d.scheduler.Add("health-sample", "*/5 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		d.health.Check(ctx)
	}); err != nil {
		return err
	}

	return d.scheduler.Add("log-cleanup", "30 3 * * *", func() {
		d.log.CleanupRotated()
	})
}

// Run blocks until a shutdown signal or a fatal service error
func (d *Daemon) Run() error {
	var g run.Group

	// Signal handler
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			c := make(chan os.Signal, 1)
			signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-c:
				d.log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(error) {
			cancel()
		})
	}

	// Agent-facing proxy listener
	g.Add(func() error {
		return d.proxyServer.ListenAndServe()
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := d.proxyServer.Shutdown(ctx); err != nil {
			d.log.Warn().Err(err).Msg("Proxy shutdown incomplete")
		}
	})

	// Subscriber gateway
	g.Add(func() error {
		return d.gatewayServer.ListenAndServe()
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := d.gatewayServer.Shutdown(ctx); err != nil {
			d.log.Warn().Err(err).Msg("Gateway shutdown incomplete")
		}
	})

	// Maintenance scheduler
	{
		done := make(chan struct{})
		g.Add(func() error {
			d.scheduler.Start()
			<-done
			return nil
		}, func(error) {
			d.scheduler.Stop()
			close(done)
		})
	}

	// Initial health sample so /health answers immediately
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		d.health.Check(ctx)
	}()

	d.log.Info().
		Str("provider", d.cfg.ActiveProvider).
		Str("model", d.cfg.ActiveModel).
		Int("proxy_port", d.cfg.Proxy.Port).
		Int("gateway_port", d.cfg.Gateway.Port).
		Msg("clawproxy started")

	err := g.Run()
	d.close()
	return err
}

func (d *Daemon) close() {
	if d.watcher != nil {
		d.watcher.Close()
	}
	d.bridge.Close()
	if err := d.runs.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Run store close failed")
	}
	if err := d.audit.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Audit log close failed")
	}
	d.log.Info().Msg("clawproxy stopped")
}
