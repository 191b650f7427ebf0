// Package agentcore builds a running agent environment from a YAML
// configuration: named dispatchers, cooperation trees registered parents
// first, agents created from registered roles, tracing and an HTTP
// endpoint with metrics and health probes.
package agentcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/agentcore/agent"
	"github.com/aixgo-dev/agentcore/internal/observability"
	"github.com/aixgo-dev/agentcore/internal/subscr"
	"github.com/aixgo-dev/agentcore/pkg/config"
	"github.com/aixgo-dev/agentcore/pkg/disp"
	metrics "github.com/aixgo-dev/agentcore/pkg/observability"
	"github.com/aixgo-dev/agentcore/pkg/timer"
)

const shutdownTimeout = 10 * time.Second

// Option configures Start and Run.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *Registry
	envOpts  []agent.Option
	tracers  []agent.Tracer
}

// WithLogger sets the logger for the environment and the launcher.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry replaces the default role registry.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithEnvironmentOptions appends environment options after the ones
// derived from configuration, so they take precedence.
func WithEnvironmentOptions(opts ...agent.Option) Option {
	return func(o *options) { o.envOpts = append(o.envOpts, opts...) }
}

// WithTracer adds a tracer next to the configured span and metric sinks.
func WithTracer(t agent.Tracer) Option {
	return func(o *options) { o.tracers = append(o.tracers, t) }
}

// System is an environment built from configuration.
type System struct {
	cfg         *config.Config
	logger      *slog.Logger
	env         *agent.Environment
	dispatchers *Dispatchers
	registry    *Registry

	tracing *observability.Provider
	spans   *observability.SpanSink
	counter *metrics.TraceCounter
	server  *metrics.Server

	mu    sync.Mutex
	coops map[string]*agent.Coop

	closeOnce sync.Once
	closeErr  error
}

// Start validates cfg, starts the environment and registers every
// cooperation. Cooperations of one tree level are registered
// concurrently; a level starts only after the previous one succeeded.
// If any step fails the environment is stopped and the error returned.
func Start(ctx context.Context, cfg *config.Config, opts ...Option) (*System, error) {
	o := options{logger: slog.Default(), registry: defaultRegistry}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &System{
		cfg:      cfg,
		logger:   o.logger.With("component", "launcher"),
		registry: o.registry,
		coops:    make(map[string]*agent.Coop),
	}

	envOpts, err := s.environmentOptions(o)
	if err != nil {
		s.close()
		return nil, err
	}

	s.dispatchers, err = NewDispatchers(cfg.Dispatchers, o.logger, disp.WithErrorHandler(s.dispatcherFault))
	if err != nil {
		s.close()
		return nil, err
	}

	s.env = agent.NewEnvironment(envOpts...)
	for _, d := range s.dispatchers.All() {
		s.env.AddDispatcher(d)
	}

	if err := s.startMetrics(); err != nil {
		s.abandon()
		return nil, err
	}

	if err := s.registerCoops(ctx); err != nil {
		s.abandon()
		return nil, err
	}

	s.logger.Info("environment started",
		"env", s.env.ID(),
		"coops", len(cfg.Coops),
		"dispatchers", len(cfg.Dispatchers))
	return s, nil
}

// dispatcherFault forwards a worker fault of a configured dispatcher to
// the environment's abort handler. Workers run demands only after the
// environment exists.
func (s *System) dispatcherFault(name string, err error) {
	s.env.DispatcherFault(name, err)
}

func (s *System) environmentOptions(o options) ([]agent.Option, error) {
	ec := s.cfg.Environment
	envOpts := []agent.Option{agent.WithLogger(o.logger)}

	// Validate has already checked these names.
	if r, _ := agent.ParseExceptionReaction(ec.ExceptionReaction); r != agent.Inherit {
		envOpts = append(envOpts, agent.WithDefaultExceptionReaction(r))
	}
	if ec.SubscriptionStorage != "" {
		k, _ := subscr.ParseKind(ec.SubscriptionStorage)
		envOpts = append(envOpts, agent.WithDefaultSubscriptionStorage(k))
	}
	if ec.TimerCollection != "" {
		k, _ := timer.ParseCollectionKind(ec.TimerCollection)
		envOpts = append(envOpts, agent.WithTimerCollection(k))
	}
	if ec.Lock != "" {
		lock, _ := config.ParseLock(ec.Lock)
		envOpts = append(envOpts, agent.WithDefaultDispatcherLock(lock))
	}
	if ec.Autoshutdown != nil {
		envOpts = append(envOpts, agent.WithAutoshutdown(*ec.Autoshutdown))
	}
	if ec.DropLogInterval > 0 {
		burst := ec.DropLogBurst
		if burst <= 0 {
			burst = 1
		}
		envOpts = append(envOpts, agent.WithDropLogRate(ec.DropLogInterval, burst))
	}

	tracers := append([]agent.Tracer(nil), o.tracers...)
	if s.cfg.Tracing.Enabled {
		tc := observability.ConfigFromEnv()
		tc.Enabled = true
		tc.ExporterType = s.cfg.Tracing.Exporter
		if s.cfg.Tracing.Endpoint != "" {
			tc.OTLPEndpoint = s.cfg.Tracing.Endpoint
		}
		if s.cfg.Tracing.ServiceName != "" {
			tc.ServiceName = s.cfg.Tracing.ServiceName
		}
		provider, err := observability.Init(tc, o.logger)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		s.tracing = provider
		s.spans = observability.NewSpanSink(provider.Tracer())
		tracers = append(tracers, s.spans)
	}

	var counter *metrics.TraceCounter
	if s.cfg.Metrics.Port > 0 {
		counter = metrics.NewTraceCounter()
		tracers = append(tracers, counter)
	}
	switch len(tracers) {
	case 0:
	case 1:
		envOpts = append(envOpts, agent.WithTracer(tracers[0]))
	default:
		envOpts = append(envOpts, agent.WithTracer(metrics.FanOut(tracers...)))
	}

	s.counter = counter
	return append(envOpts, o.envOpts...), nil
}

// startMetrics serves Prometheus metrics and health probes when a metrics
// port is configured.
func (s *System) startMetrics() error {
	if s.counter == nil {
		return nil
	}
	reg, err := metrics.NewRegistry(s.counter, metrics.NewEnvironmentCollector(s.env))
	if err != nil {
		return fmt.Errorf("metrics registry: %w", err)
	}

	checker := metrics.NewHealthChecker(s.env)
	checker.RegisterCheck(metrics.PingCheck())
	checker.RegisterCheck(metrics.EnvironmentCheck(s.env))
	checker.RegisterCheck(metrics.DispatcherCheck(s.env.DefaultDispatcher()))
	for _, d := range s.dispatchers.All() {
		checker.RegisterCheck(metrics.DispatcherCheck(d))
	}

	s.server = metrics.NewServer(s.cfg.Metrics.Port, checker, reg, s.logger)
	return s.server.Start()
}

func (s *System) registerCoops(ctx context.Context) error {
	levels, err := s.cfg.CoopLevels()
	if err != nil {
		return err
	}
	byName := make(map[string]config.CoopConfig, len(s.cfg.Coops))
	for _, c := range s.cfg.Coops {
		byName[c.Name] = c
	}

	for i, level := range levels {
		s.logger.Debug("registering cooperation level", "level", i, "coops", level)
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range level {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return s.registerCoop(byName[name])
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (s *System) registerCoop(cc config.CoopConfig) error {
	opts := []agent.CoopOption{
		agent.WithCoopName(cc.Name),
		agent.OnDeregistered(func(c *agent.Coop, reason agent.DeregReason) {
			s.logger.Info("cooperation deregistered", "coop", c.Name(), "reason", reason.String())
		}),
	}
	if cc.Parent != "" {
		parent := s.Coop(cc.Parent)
		if parent == nil {
			return fmt.Errorf("coop %q: parent %q is not registered", cc.Name, cc.Parent)
		}
		opts = append(opts, agent.WithParent(parent))
	}
	binder, err := s.dispatchers.Binder(cc.Dispatcher, cc.Group)
	if err != nil {
		return fmt.Errorf("coop %q: %w", cc.Name, err)
	}
	if binder != nil {
		opts = append(opts, agent.WithCoopBinder(binder))
	}
	if r, _ := agent.ParseExceptionReaction(cc.ExceptionReaction); r != agent.Inherit {
		opts = append(opts, agent.WithCoopExceptionReaction(r))
	}

	coop := s.env.NewCoop(opts...)
	for _, ac := range cc.Agents {
		b, err := s.registry.Build(ac)
		if err != nil {
			return fmt.Errorf("coop %q: %w", cc.Name, err)
		}
		agentOpts, err := s.agentOptions(cc, ac)
		if err != nil {
			return fmt.Errorf("coop %q agent %q: %w", cc.Name, ac.Name, err)
		}
		if _, err := coop.AddAgent(b, agentOpts...); err != nil {
			return fmt.Errorf("coop %q: %w", cc.Name, err)
		}
	}
	if err := s.env.Register(coop); err != nil {
		return err
	}

	s.mu.Lock()
	s.coops[cc.Name] = coop
	s.mu.Unlock()
	return nil
}

func (s *System) agentOptions(cc config.CoopConfig, ac config.AgentConfig) ([]agent.AgentOption, error) {
	var opts []agent.AgentOption
	if ac.Name != "" {
		opts = append(opts, agent.WithName(ac.Name))
	}
	if ac.Priority != "" {
		p, err := disp.ParsePriority(ac.Priority)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithPriority(p))
	}
	if ac.Dispatcher != "" || ac.Group != "" {
		name, group := cc.Dispatcher, cc.Group
		if ac.Dispatcher != "" {
			name = ac.Dispatcher
		}
		if ac.Group != "" {
			group = ac.Group
		}
		b, err := s.dispatchers.Binder(name, group)
		if err != nil {
			return nil, err
		}
		if b != nil {
			opts = append(opts, agent.WithBinder(b))
		}
	}
	if r, _ := agent.ParseExceptionReaction(ac.ExceptionReaction); r != agent.Inherit {
		opts = append(opts, agent.WithExceptionReaction(r))
	}
	if ac.SubscriptionStorage != "" {
		k, err := subscr.ParseKind(ac.SubscriptionStorage)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithSubscriptionStorage(k))
	}
	if l := ac.Limit; l != nil {
		switch l.Overflow {
		case config.OverflowDrop:
			opts = append(opts, agent.WithLimits(agent.LimitThenDrop[any](l.MaxPending)))
		case config.OverflowDropLogged:
			opts = append(opts, agent.WithLimits(agent.LimitThenDropLogged[any](l.MaxPending)))
		case config.OverflowAbort:
			opts = append(opts, agent.WithLimits(agent.LimitThenAbort[any](l.MaxPending)))
		}
	}
	return opts, nil
}

// Env returns the running environment.
func (s *System) Env() *agent.Environment { return s.env }

// Dispatchers returns the configured dispatchers.
func (s *System) Dispatchers() *Dispatchers { return s.dispatchers }

// Coop returns a registered cooperation by name, or nil.
func (s *System) Coop(name string) *agent.Coop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coops[name]
}

// MetricsHandler returns the metrics and health mux, or nil when the
// metrics endpoint is disabled.
func (s *System) MetricsHandler() http.Handler {
	if s.server == nil {
		return nil
	}
	return s.server.Handler()
}

// Stop asks the environment to shut down. It does not block.
func (s *System) Stop() { s.env.Stop() }

// Wait blocks until the environment has stopped, stopping it first if
// ctx is cancelled, then shuts down the HTTP endpoint and flushes spans.
func (s *System) Wait(ctx context.Context) error {
	select {
	case <-s.env.Done():
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
		s.env.Stop()
		s.env.Wait()
	}
	return s.close()
}

// abandon tears down a partially started system.
func (s *System) abandon() {
	s.env.Stop()
	s.env.Wait()
	s.close()
}

func (s *System) close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if s.server != nil {
			errs = append(errs, s.server.Shutdown(ctx))
		}
		if s.spans != nil {
			s.spans.Close()
		}
		if s.tracing != nil {
			errs = append(errs, s.tracing.Shutdown(ctx))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Run loads the configuration at path, starts it and blocks until the
// environment stops or SIGINT/SIGTERM arrives.
func Run(ctx context.Context, path string, opts ...Option) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := Start(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	return s.Wait(ctx)
}
