// Package agent assembles the NAT daemon: engine, health server and control
// socket, with one start/stop lifecycle.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/postalsys/conenat/internal/config"
	"github.com/postalsys/conenat/internal/control"
	"github.com/postalsys/conenat/internal/engine"
	"github.com/postalsys/conenat/internal/health"
	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/metrics"
)

// Agent is the running daemon.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	engine        *engine.Engine
	healthServer  *health.Server
	controlServer *control.Server

	running  atomic.Bool
	stopOnce sync.Once
}

// Option configures an Agent.
type Option func(*agentOptions)

type agentOptions struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	engineOpts []engine.Option
}

// WithLogger overrides the logger built from the configuration.
func WithLogger(l *slog.Logger) Option {
	return func(o *agentOptions) { o.logger = l }
}

// WithMetrics records on m instead of the process-wide default.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *agentOptions) { o.metrics = m }
}

// WithEngineOptions passes extra options to the engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *agentOptions) { o.engineOpts = append(o.engineOpts, opts...) }
}

// New creates an agent from cfg. Nothing listens until Start.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	var o agentOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	}
	if o.metrics == nil {
		o.metrics = metrics.Default()
	}

	a := &Agent{
		cfg:     cfg,
		logger:  o.logger,
		metrics: o.metrics,
	}

	eng, err := engine.FromConfig(cfg, a.logger, a.metrics, o.engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	a.engine = eng

	if cfg.Health.Enabled {
		healthCfg := health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}
		a.healthServer = health.NewServer(healthCfg, &agentStatsProvider{agent: a})
		a.healthServer.SetMappingsProvider(a.engine)
	}

	if cfg.Control.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Control.SocketPath), 0o755); err != nil {
			eng.Stop()
			return nil, fmt.Errorf("create control socket directory: %w", err)
		}
		controlCfg := control.DefaultServerConfig()
		controlCfg.SocketPath = cfg.Control.SocketPath
		a.controlServer = control.NewServer(controlCfg, a.engine)
	}

	return a, nil
}

// Start starts the engine and the enabled servers. On error everything
// started so far is stopped again.
func (a *Agent) Start(ctx context.Context) error {
	if a.running.Load() {
		return fmt.Errorf("agent already running")
	}

	a.logger.Info("starting agent",
		logging.KeyComponent, "agent",
		logging.KeyCount, len(a.cfg.NAT.Rules),
		logging.KeyBackend, a.cfg.Conntrack.Backend)

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	a.running.Store(true)

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			a.logger.Error("failed to start HTTP server",
				logging.KeyAddress, a.cfg.Health.Address,
				logging.KeyError, err)
			a.Stop()
			return fmt.Errorf("start HTTP server: %w", err)
		}
		a.logger.Info("HTTP server started",
			logging.KeyAddress, a.healthServer.Address())
	}

	if a.controlServer != nil {
		if err := a.controlServer.Start(); err != nil {
			a.logger.Error("failed to start control socket",
				logging.KeyAddress, a.cfg.Control.SocketPath,
				logging.KeyError, err)
			a.Stop()
			return fmt.Errorf("start control socket: %w", err)
		}
		a.logger.Info("control socket started",
			logging.KeyAddress, a.controlServer.SocketPath())
	}

	a.logger.Info("agent started")
	return nil
}

// Stop gracefully stops the agent. The engine's final drain and teardown
// run before Stop returns.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")
		a.running.Store(false)

		if a.healthServer != nil {
			err = multierr.Append(err, a.healthServer.Stop())
		}
		if a.controlServer != nil {
			err = multierr.Append(err, a.controlServer.Stop())
		}
		err = multierr.Append(err, a.engine.Stop())

		a.logger.Info("agent stopped")
	})

	return err
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Engine returns the NAT engine.
func (a *Agent) Engine() *engine.Engine {
	return a.engine
}

// HealthServerAddress returns the bound health server address, or nil.
func (a *Agent) HealthServerAddress() net.Addr {
	if a.healthServer == nil {
		return nil
	}
	return a.healthServer.Address()
}

// HealthStats returns health statistics for the health.StatsProvider interface.
func (a *Agent) HealthStats() health.Stats {
	s := a.engine.Stats()
	return health.Stats{
		Backend:        s.Backend,
		Rules:          s.Rules,
		Subscribed:     s.Subscribed,
		Mappings:       s.Mappings,
		Flows:          s.Flows,
		PendingDestroy: s.PendingDestroy,
		TrackedFlows:   s.TrackedFlows,
	}
}

// agentStatsProvider adapts Agent to health.StatsProvider interface.
type agentStatsProvider struct {
	agent *Agent
}

// IsRunning implements health.StatsProvider.
func (p *agentStatsProvider) IsRunning() bool {
	return p.agent.IsRunning()
}

// Stats implements health.StatsProvider.
func (p *agentStatsProvider) Stats() health.Stats {
	return p.agent.HealthStats()
}
