package agent

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/agentcore/pkg/disp"
	"github.com/aixgo-dev/agentcore/pkg/disp/onethread"
	"github.com/aixgo-dev/agentcore/pkg/timer"
)

// StopGuard delays environment shutdown. Stop is called when shutdown is
// requested; shutdown proceeds once every guard has been removed with
// RemoveStopGuard.
type StopGuard interface {
	Stop()
}

// Option configures an Environment.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	reaction     ExceptionReaction
	storage      StorageKind
	timerKind    timer.CollectionKind
	tracer       Tracer
	traceFilter  TraceFilter
	abort        func(err error)
	autoshutdown bool
	dropEvery    time.Duration
	dropBurst    int
	lock         disp.LockFactory
}

func defaultOptions() options {
	return options{
		logger:       slog.Default(),
		reaction:     Abort,
		storage:      StorageAdaptive,
		timerKind:    timer.CollectionHeap,
		autoshutdown: true,
		dropEvery:    time.Second,
		dropBurst:    10,
	}
}

// WithLogger sets the logger for the environment and its default dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDefaultExceptionReaction sets the reaction used when agents and
// cooperations inherit. Inherit at this level means Abort.
func WithDefaultExceptionReaction(r ExceptionReaction) Option {
	return func(o *options) { o.reaction = r }
}

// WithDefaultSubscriptionStorage sets the storage used by agents that do
// not choose one.
func WithDefaultSubscriptionStorage(k StorageKind) Option {
	return func(o *options) { o.storage = k }
}

// WithTimerCollection selects the timer thread's entry collection.
func WithTimerCollection(k timer.CollectionKind) Option {
	return func(o *options) { o.timerKind = k }
}

// WithTracer installs a message tracer.
func WithTracer(t Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithTraceFilter restricts which events reach the tracer.
func WithTraceFilter(f TraceFilter) Option {
	return func(o *options) { o.traceFilter = f }
}

// WithAbortHandler replaces process termination on fatal errors. The
// handler must not return control to code that relies on the abort, so
// it is mostly useful in tests.
func WithAbortHandler(fn func(err error)) Option {
	return func(o *options) { o.abort = fn }
}

// WithAutoshutdown controls whether the environment stops after its last
// cooperation is deregistered. Enabled by default.
func WithAutoshutdown(enabled bool) Option {
	return func(o *options) { o.autoshutdown = enabled }
}

// WithDropLogRate throttles warnings of LimitThenDropLogged.
func WithDropLogRate(every time.Duration, burst int) Option {
	return func(o *options) {
		o.dropEvery = every
		o.dropBurst = burst
	}
}

// WithDefaultDispatcherLock sets the queue lock of the default dispatcher.
func WithDefaultDispatcherLock(f disp.LockFactory) Option {
	return func(o *options) { o.lock = f }
}

// Environment owns cooperations, named mboxes, the timer thread and the
// default dispatcher.
type Environment struct {
	id           string
	logger       *slog.Logger
	reaction     ExceptionReaction
	storage      StorageKind
	tracer       Tracer
	traceFilter  TraceFilter
	abortFn      func(err error)
	autoshutdown bool
	dropLimiter  *rate.Limiter

	ids           atomic.Uint64
	timer         *timer.Thread
	named         *namedRegistry
	defaultDisp   *onethread.Dispatcher
	defaultBinder disp.Binder

	mu              sync.Mutex
	coops           map[uint64]*Coop
	dispatchers     []disp.Dispatcher
	guards          map[StopGuard]struct{}
	stopping        bool
	shutdownStarted bool
	finalQ          []*Coop

	wake chan struct{}
	done chan struct{}
}

// NewEnvironment creates and starts an environment.
func NewEnvironment(opts ...Option) *Environment {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	logger := o.logger.With("component", "environment", "env", id[:8])
	e := &Environment{
		id:           id,
		logger:       logger,
		reaction:     o.reaction,
		storage:      o.storage,
		tracer:       o.tracer,
		traceFilter:  o.traceFilter,
		abortFn:      o.abort,
		autoshutdown: o.autoshutdown,
		dropLimiter:  rate.NewLimiter(rate.Every(o.dropEvery), o.dropBurst),
		coops:        make(map[uint64]*Coop),
		guards:       make(map[StopGuard]struct{}),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	if e.abortFn == nil {
		e.abortFn = func(err error) {
			logger.Error("aborting process", "error", err)
			os.Exit(2)
		}
	}
	e.named = newNamedRegistry(e)
	e.timer = timer.New(timer.WithCollection(o.timerKind), timer.WithLogger(o.logger))

	dispOpts := []disp.Option{
		disp.WithName("default"),
		disp.WithLogger(o.logger),
		disp.WithErrorHandler(e.DispatcherFault),
	}
	if o.lock != nil {
		dispOpts = append(dispOpts, disp.WithLockFactory(o.lock))
	}
	e.defaultDisp = onethread.New(dispOpts...)
	e.defaultBinder = e.defaultDisp.Binder()

	go e.loop()
	return e
}

// Launch creates an environment, runs init and blocks until the
// environment stops. If init fails the environment is stopped and the
// error returned.
func Launch(init func(e *Environment) error, opts ...Option) error {
	e := NewEnvironment(opts...)
	if err := init(e); err != nil {
		e.Stop()
		e.Wait()
		return err
	}
	e.Wait()
	return nil
}

func (e *Environment) nextID() uint64 { return e.ids.Add(1) }

// ID returns the environment instance id.
func (e *Environment) ID() string { return e.id }

// Logger returns the environment logger.
func (e *Environment) Logger() *slog.Logger { return e.logger }

// NewMbox creates an anonymous MPMC mbox.
func (e *Environment) NewMbox() Mbox { return newMPMC(e, "") }

// NamedMbox returns the MPMC mbox registered under name, creating it if
// needed. Every call takes a reference released by ReleaseMbox.
func (e *Environment) NamedMbox(name string) Mbox { return e.named.acquire(name) }

// ReleaseMbox drops a reference taken by NamedMbox.
func (e *Environment) ReleaseMbox(mb Mbox) {
	if mb.Name() != "" {
		e.named.release(mb)
	}
}

// NamedMboxes lists the names currently registered.
func (e *Environment) NamedMboxes() []string { return e.named.names() }

// DefaultDispatcher returns the one-thread dispatcher used by agents
// without an explicit binder.
func (e *Environment) DefaultDispatcher() disp.Dispatcher { return e.defaultDisp }

// AddDispatcher makes the environment shut d down on stop and include it
// in Stats. Faults of d reach the abort handler only if d was built with
// disp.WithErrorHandler(e.DispatcherFault).
func (e *Environment) AddDispatcher(d disp.Dispatcher) {
	e.mu.Lock()
	e.dispatchers = append(e.dispatchers, d)
	e.mu.Unlock()
}

// SetupStopGuard adds a guard. It fails once stopping has begun.
func (e *Environment) SetupStopGuard(g StopGuard) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return ErrStopGuardRejected
	}
	e.guards[g] = struct{}{}
	return nil
}

// RemoveStopGuard removes a guard. Shutdown continues when the last guard
// of a stopping environment is removed.
func (e *Environment) RemoveStopGuard(g StopGuard) {
	e.mu.Lock()
	delete(e.guards, g)
	ready := e.stopping && len(e.guards) == 0
	e.mu.Unlock()
	if ready {
		e.beginShutdown()
	}
}

// Stop requests shutdown. Stop guards are notified; once they are all
// removed every root cooperation is deregistered with DeregShutdown, then
// the timer and dispatchers are stopped. Stop does not block; use Wait.
func (e *Environment) Stop() {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	guards := make([]StopGuard, 0, len(e.guards))
	for g := range e.guards {
		guards = append(guards, g)
	}
	e.mu.Unlock()

	e.logger.Info("stopping environment", "stop_guards", len(guards))
	for _, g := range guards {
		e.safeCall("stop guard", g.Stop)
	}

	e.mu.Lock()
	ready := len(e.guards) == 0
	e.mu.Unlock()
	if ready {
		e.beginShutdown()
	}
}

func (e *Environment) beginShutdown() {
	e.mu.Lock()
	if e.shutdownStarted {
		e.mu.Unlock()
		return
	}
	e.shutdownStarted = true
	var roots []*Coop
	for _, c := range e.coops {
		if _, hasParent := e.coops[c.parentID]; !hasParent {
			roots = append(roots, c)
		}
	}
	e.mu.Unlock()

	slices.SortFunc(roots, func(a, b *Coop) int { return cmp.Compare(b.id, a.id) })
	for _, c := range roots {
		e.deregister(c, DeregShutdown)
	}
	e.signal()
}

// Wait blocks until the environment has stopped.
func (e *Environment) Wait() { <-e.done }

// Done is closed when the environment has stopped.
func (e *Environment) Done() <-chan struct{} { return e.done }

func (e *Environment) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Environment) loop() {
	defer close(e.done)
	for range e.wake {
		for {
			c := e.popFinal()
			if c == nil {
				break
			}
			e.finalize(c)
		}
		if e.readyToFinish() {
			e.finishShutdown()
			return
		}
	}
}

func (e *Environment) popFinal() *Coop {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.finalQ) == 0 {
		return nil
	}
	c := e.finalQ[0]
	e.finalQ = e.finalQ[1:]
	return c
}

func (e *Environment) readyToFinish() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdownStarted && len(e.coops) == 0 && len(e.finalQ) == 0
}

func (e *Environment) finishShutdown() {
	e.timer.Stop()

	e.mu.Lock()
	dispatchers := append([]disp.Dispatcher{e.defaultDisp}, e.dispatchers...)
	e.mu.Unlock()

	for _, d := range dispatchers {
		d.Shutdown()
	}
	for _, d := range dispatchers {
		d.Wait()
		if err := d.Err(); err != nil {
			e.logger.Error("dispatcher stopped with error", "dispatcher", d.Name(), "error", err)
		}
	}
	e.logger.Info("environment stopped")
}

func (e *Environment) abort(err error) {
	e.abortFn(err)
}

// DispatcherFault passes a fault of the named dispatcher to the abort
// handler. Agents bound to a faulted dispatcher never finish, so the
// environment cannot stop on its own after one.
func (e *Environment) DispatcherFault(name string, err error) {
	e.abort(fmt.Errorf("%w: %s: %w", ErrDispatcherFault, name, err))
}

// safeCall runs fn and logs a panic instead of propagating it.
func (e *Environment) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(what+" panicked", "panic", r)
		}
	}()
	fn()
}

func (e *Environment) safeFilterCall(a *Agent, f func(any) bool, payload any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("delivery filter panicked", "agent", a.name, "panic", r)
			ok = false
		}
	}()
	return f(payload)
}

func (e *Environment) logDrop(a *Agent, t fmt.Stringer, limit int64) {
	if e.dropLimiter.Allow() {
		e.logger.Warn("message dropped by limit", "agent", a.name, "type", t.String(), "limit", limit)
	}
}

// Stats is a snapshot of the environment.
type Stats struct {
	EnvID       string
	Coops       int
	Agents      int
	NamedMboxes int
	StopGuards  int
	Stopping    bool
	Dispatchers []disp.Stats
	Timers      timer.Stats
}

// Stats collects counters from the environment, its dispatchers and the
// timer thread.
func (e *Environment) Stats() Stats {
	e.mu.Lock()
	st := Stats{
		EnvID:      e.id,
		Coops:      len(e.coops),
		StopGuards: len(e.guards),
		Stopping:   e.stopping,
	}
	for _, c := range e.coops {
		st.Agents += len(c.agents)
	}
	dispatchers := append([]disp.Dispatcher{e.defaultDisp}, e.dispatchers...)
	e.mu.Unlock()

	st.NamedMboxes = e.named.len()
	for _, d := range dispatchers {
		st.Dispatchers = append(st.Dispatchers, d.Stats())
	}
	st.Timers = e.timer.Stats()
	return st
}
