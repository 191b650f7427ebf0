package agent

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/aixgo-dev/agentcore/internal/subscr"
	"github.com/aixgo-dev/agentcore/pkg/disp"
)

// Behavior is implemented by application agents. Define runs once during
// cooperation registration and installs subscriptions and states.
type Behavior interface {
	Define(a *Agent) error
}

// DefineFunc adapts a function to Behavior.
type DefineFunc func(a *Agent) error

func (f DefineFunc) Define(a *Agent) error { return f(a) }

// Starter is implemented by behaviors that need a hook when the agent
// starts working. It runs as the first demand on the agent's worker.
type Starter interface {
	OnStart(a *Agent) error
}

// Finisher is implemented by behaviors that need a hook after the last
// demand, during deregistration.
type Finisher interface {
	OnFinish(a *Agent)
}

// Phase is the lifecycle phase of an agent.
type Phase int32

const (
	PhaseNotBound Phase = iota
	PhaseWorking
	PhaseDeregistering
	PhaseDeregistered
)

func (p Phase) String() string {
	return [...]string{"not_bound", "working", "being_deregistered", "deregistered"}[p]
}

// StorageKind selects the subscription storage of an agent.
type StorageKind = subscr.Kind

const (
	StorageAdaptive = subscr.KindAdaptive
	StorageVector   = subscr.KindVector
	StorageSorted   = subscr.KindSorted
	StorageHash     = subscr.KindHash
)

// AgentOption configures an agent added to a cooperation.
type AgentOption func(*agentConfig)

type agentConfig struct {
	name     string
	priority disp.Priority
	binder   disp.Binder
	reaction ExceptionReaction
	limits   []Limit
	storage  *StorageKind
}

// WithName sets the agent name. Names are informational.
func WithName(name string) AgentOption {
	return func(c *agentConfig) { c.name = name }
}

// WithPriority sets the priority used by priority dispatchers.
func WithPriority(p disp.Priority) AgentOption {
	return func(c *agentConfig) { c.priority = p }
}

// WithBinder binds the agent to a specific dispatcher instead of the
// cooperation default.
func WithBinder(b disp.Binder) AgentOption {
	return func(c *agentConfig) { c.binder = b }
}

// WithExceptionReaction sets the agent's reaction to handler failures.
func WithExceptionReaction(r ExceptionReaction) AgentOption {
	return func(c *agentConfig) { c.reaction = r }
}

// WithLimits installs message limits.
func WithLimits(limits ...Limit) AgentOption {
	return func(c *agentConfig) { c.limits = append(c.limits, limits...) }
}

// WithSubscriptionStorage overrides the environment's storage strategy.
func WithSubscriptionStorage(k StorageKind) AgentOption {
	return func(c *agentConfig) { c.storage = &k }
}

type handler struct {
	state  *State
	mbox   Mbox
	typ    reflect.Type
	invoke func(e *envelope) error
}

type mboxType struct {
	mbox uint64
	typ  reflect.Type
}

type mboxRef struct {
	mbox Mbox
	n    int
}

// Agent is the runtime side of an application agent. Exactly one demand
// of an agent runs at a time, so behaviors need no locking for their own
// state.
type Agent struct {
	id       uint64
	name     string
	env      *Environment
	coop     *Coop
	behavior Behavior
	priority disp.Priority
	binder   disp.Binder
	reaction ExceptionReaction
	limits   *limitTable
	direct   *directMbox
	handle   *dispHandle
	logger   *slog.Logger

	qmu       sync.Mutex
	queue     disp.EventQueue
	pending   []any
	accepting bool

	inFlight atomic.Bool
	phase    atomic.Int32

	smu         sync.Mutex
	subs        subscr.Storage[*handler]
	deadletters map[mboxType]*handler
	refs        map[mboxType]*mboxRef
	filters     map[mboxType]Mbox

	defaultState *State
	current      atomic.Pointer[State]

	defErrs []error
}

func newAgent(env *Environment, c *Coop, b Behavior, cfg agentConfig) (*Agent, error) {
	limits, err := newLimitTable(cfg.limits)
	if err != nil {
		return nil, err
	}
	kind := env.storage
	if cfg.storage != nil {
		kind = *cfg.storage
	}
	a := &Agent{
		id:          env.nextID(),
		name:        cfg.name,
		env:         env,
		coop:        c,
		behavior:    b,
		priority:    cfg.priority,
		binder:      cfg.binder,
		reaction:    cfg.reaction,
		limits:      limits,
		accepting:   true,
		subs:        subscr.New[*handler](kind),
		deadletters: make(map[mboxType]*handler),
		refs:        make(map[mboxType]*mboxRef),
		filters:     make(map[mboxType]Mbox),
	}
	if a.name == "" {
		a.name = fmt.Sprintf("agent-%d", a.id)
	}
	a.logger = env.logger.With("agent", a.name, "coop", c.name)
	a.handle = &dispHandle{a: a}
	a.direct = newDirect(a)
	a.defaultState = &State{id: env.nextID(), name: "<default>", owner: a}
	a.current.Store(a.defaultState)
	return a, nil
}

// ID returns the runtime-assigned id.
func (a *Agent) ID() uint64 { return a.id }

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Coop returns the owning cooperation.
func (a *Agent) Coop() *Coop { return a.coop }

// Env returns the environment.
func (a *Agent) Env() *Environment { return a.env }

// Direct returns the agent's own single-consumer mbox.
func (a *Agent) Direct() Mbox { return a.direct }

// Priority returns the dispatcher priority.
func (a *Agent) Priority() disp.Priority { return a.priority }

// Phase returns the lifecycle phase.
func (a *Agent) Phase() Phase { return Phase(a.phase.Load()) }

// Logger returns a logger tagged with the agent and cooperation names.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// Behavior returns the application behavior.
func (a *Agent) Behavior() Behavior { return a.behavior }

// DeregisterCoop starts deregistration of the owning cooperation.
func (a *Agent) DeregisterCoop(reason DeregReason) {
	a.coop.Deregister(reason)
}

func (a *Agent) defineError(err error) {
	a.defErrs = append(a.defErrs, err)
}

// dispHandle is what dispatchers see. It keeps the dispatcher contract off
// the public Agent API.
type dispHandle struct {
	a *Agent
}

func (h *dispHandle) ID() uint64              { return h.a.id }
func (h *dispHandle) CoopID() uint64          { return h.a.coop.id }
func (h *dispHandle) Priority() disp.Priority { return h.a.priority }
func (h *dispHandle) HandleDemand(p any)      { h.a.execute(p) }

// BindQueue attaches the event queue. The start demand goes first,
// followed by anything delivered while the cooperation was registering.
func (h *dispHandle) BindQueue(q disp.EventQueue) {
	a := h.a
	a.qmu.Lock()
	defer a.qmu.Unlock()

	if a.queue != nil {
		a.logger.Error("agent is already bound to an event queue")
		return
	}
	a.queue = q
	a.phase.Store(int32(PhaseWorking))
	q.Push(disp.Demand{Receiver: h, Payload: startDemand{}})
	for _, p := range a.pending {
		q.Push(disp.Demand{Receiver: h, Payload: p})
	}
	a.pending = nil
}

type (
	startDemand  struct{}
	finishDemand struct{}
)

type demand struct {
	mbox  Mbox
	env   *envelope
	limit *limitCounter
}

// push enqueues payload unless the agent stopped accepting demands.
func (a *Agent) push(payload any) bool {
	a.qmu.Lock()
	defer a.qmu.Unlock()

	if !a.accepting {
		return false
	}
	if a.queue == nil {
		a.pending = append(a.pending, payload)
		return true
	}
	a.queue.Push(disp.Demand{Receiver: a.handle, Payload: payload})
	return true
}

// shutdown stops accepting new demands and queues the finish demand
// behind everything already queued.
func (a *Agent) shutdown() {
	a.qmu.Lock()
	defer a.qmu.Unlock()

	if !a.accepting {
		return
	}
	a.accepting = false
	a.phase.Store(int32(PhaseDeregistering))
	if a.queue != nil {
		a.queue.Push(disp.Demand{Receiver: a.handle, Payload: finishDemand{}})
	}
}

// detached reports whether the agent is no longer a delivery target. Its
// mbox entries stay until the finish demand drops them.
func (a *Agent) detached() bool {
	return a.Phase() >= PhaseDeregistering
}

// discard drops everything buffered before binding. Used on rollback.
func (a *Agent) discard() {
	a.qmu.Lock()
	a.accepting = false
	for _, p := range a.pending {
		if d, ok := p.(*demand); ok && d.limit != nil {
			d.limit.release()
		}
	}
	a.pending = nil
	a.qmu.Unlock()
	a.phase.Store(int32(PhaseDeregistered))
}

func (a *Agent) deliver(from Mbox, e *envelope, depth int) error {
	lc := a.limits.lookup(e.typ)
	if lc != nil && !lc.acquire() {
		return a.overflow(lc, e, depth)
	}

	ev := TraceEvent{
		Agent:   a.name,
		AgentID: a.id,
		Coop:    a.coop.name,
		MboxID:  from.ID(),
		MsgType: typeName(e.typ),
	}
	if !a.push(&demand{mbox: from, env: e, limit: lc}) {
		if lc != nil {
			lc.release()
		}
		ev.Kind = TraceRejected
		a.env.trace(ev)
		return nil
	}
	ev.Kind = TraceDelivered
	a.env.trace(ev)
	return nil
}

func (a *Agent) execute(payload any) {
	if !a.inFlight.CompareAndSwap(false, true) {
		a.env.abort(violation(ErrConcurrentExecution, "agent %s", a.name))
		return
	}
	defer a.inFlight.Store(false)

	switch d := payload.(type) {
	case startDemand:
		a.runStart()
	case finishDemand:
		a.runFinish()
	case *demand:
		a.runMessage(d)
	case stateTimeout:
		a.runStateTimeout(d)
	default:
		a.logger.Error("unknown demand", "type", fmt.Sprintf("%T", payload))
	}
}

func (a *Agent) runStart() {
	s, ok := a.behavior.(Starter)
	if !ok {
		return
	}
	if err := a.call(func() error { return s.OnStart(a) }); err != nil {
		a.onException(fmt.Errorf("start: %w", err))
	}
}

func (a *Agent) runFinish() {
	if f, ok := a.behavior.(Finisher); ok {
		if err := a.call(func() error { f.OnFinish(a); return nil }); err != nil {
			a.logger.Error("finish hook failed", "error", err)
		}
	}
	a.cancelStateTimers()
	a.phase.Store(int32(PhaseDeregistered))
	a.dropSubscriptions()
	a.coop.agentFinished()
}

func (a *Agent) runMessage(d *demand) {
	if d.limit != nil {
		defer d.limit.release()
	}

	ev := TraceEvent{
		Agent:   a.name,
		AgentID: a.id,
		Coop:    a.coop.name,
		MboxID:  d.mbox.ID(),
		MsgType: typeName(d.env.typ),
		State:   a.current.Load().Name(),
	}

	h := a.findHandler(d.mbox.ID(), d.env.typ)
	if h == nil {
		h = a.findDeadletter(d.mbox.ID(), d.env.typ)
		if h == nil {
			ev.Kind = TraceNoHandler
			a.env.trace(ev)
			if d.env.reply != nil {
				d.env.reply.put(nil, ErrNoHandler)
			}
			return
		}
		ev.Kind = TraceDeadletter
	} else {
		ev.Kind = TraceHandled
	}

	err := a.call(func() error { return h.invoke(d.env) })
	a.env.trace(ev)
	if err != nil {
		a.onException(err)
	}
}

// call runs fn and turns a panic into an error.
func (a *Agent) call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn()
}

func (a *Agent) effectiveReaction() ExceptionReaction {
	if a.reaction != Inherit {
		return a.reaction
	}
	if a.coop.reaction != Inherit {
		return a.coop.reaction
	}
	if a.env.reaction != Inherit {
		return a.env.reaction
	}
	return Abort
}

func (a *Agent) onException(err error) {
	r := a.effectiveReaction()
	a.logger.Error("handler failed", "error", err, "reaction", r.String())

	switch r {
	case Abort:
		a.env.abort(fmt.Errorf("agent %s: %w", a.name, err))
	case ShutdownEnvironment:
		a.env.Stop()
	case DeregisterCoop:
		a.coop.Deregister(DeregUnhandledException)
	case Ignore:
	}
}

func (a *Agent) findHandler(mbox uint64, t reflect.Type) *handler {
	a.smu.Lock()
	defer a.smu.Unlock()
	for s := a.current.Load(); s != nil; s = s.parent {
		if h, ok := a.subs.Find(subscr.Key{Mbox: mbox, Type: t, State: s.id}); ok {
			return h
		}
	}
	return nil
}

func (a *Agent) findDeadletter(mbox uint64, t reflect.Type) *handler {
	a.smu.Lock()
	defer a.smu.Unlock()
	return a.deadletters[mboxType{mbox: mbox, typ: t}]
}
