package agent

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/aixgo-dev/agentcore/pkg/disp"
)

// CoopPhase is the lifecycle phase of a cooperation.
type CoopPhase int

const (
	CoopNew CoopPhase = iota
	CoopRegistering
	CoopRegistered
	CoopDeregistering
	CoopDeregistered
)

func (p CoopPhase) String() string {
	return [...]string{"new", "registering", "registered", "deregistering", "deregistered"}[p]
}

// Coop is a group of agents registered and deregistered as a unit.
// A cooperation may have a parent; deregistering the parent deregisters
// its children first.
type Coop struct {
	id       uint64
	name     string
	env      *Environment
	parentID uint64
	binder   disp.Binder
	reaction ExceptionReaction

	regNotifs   []func(c *Coop)
	deregNotifs []func(c *Coop, reason DeregReason)

	agents   []*Agent
	buildErr error

	// guarded by env.mu
	phase        CoopPhase
	reason       DeregReason
	children     map[uint64]*Coop
	live         int
	pendingDereg *DeregReason
	finalQueued  bool

	done chan struct{}
}

// CoopOption configures a cooperation.
type CoopOption func(*Coop)

// WithCoopName sets the cooperation name.
func WithCoopName(name string) CoopOption {
	return func(c *Coop) { c.name = name }
}

// WithParent makes the cooperation a child of parent. The parent must be
// registered when the child is registered.
func WithParent(parent *Coop) CoopOption {
	return func(c *Coop) {
		if parent != nil {
			c.parentID = parent.id
		}
	}
}

// WithCoopBinder sets the dispatcher binder for agents without their own.
func WithCoopBinder(b disp.Binder) CoopOption {
	return func(c *Coop) { c.binder = b }
}

// WithCoopExceptionReaction sets the reaction inherited by member agents.
func WithCoopExceptionReaction(r ExceptionReaction) CoopOption {
	return func(c *Coop) { c.reaction = r }
}

// OnRegistered adds a notificator called after successful registration.
func OnRegistered(fn func(c *Coop)) CoopOption {
	return func(c *Coop) { c.regNotifs = append(c.regNotifs, fn) }
}

// OnDeregistered adds a notificator called after final deregistration.
func OnDeregistered(fn func(c *Coop, reason DeregReason)) CoopOption {
	return func(c *Coop) { c.deregNotifs = append(c.deregNotifs, fn) }
}

// NewCoop creates an unregistered cooperation.
func (e *Environment) NewCoop(opts ...CoopOption) *Coop {
	c := &Coop{
		id:       e.nextID(),
		env:      e,
		children: make(map[uint64]*Coop),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.name == "" {
		c.name = "coop-" + uuid.NewString()[:8]
	}
	return c
}

// NewChild creates an unregistered cooperation whose parent is c.
func (c *Coop) NewChild(opts ...CoopOption) *Coop {
	return c.env.NewCoop(append([]CoopOption{WithParent(c)}, opts...)...)
}

// AddAgent adds an agent to a cooperation that has not been registered yet.
func (c *Coop) AddAgent(b Behavior, opts ...AgentOption) (*Agent, error) {
	c.env.mu.Lock()
	phase := c.phase
	c.env.mu.Unlock()
	if phase != CoopNew {
		return nil, fmt.Errorf("%w: %s", ErrCoopAlreadyRegistered, c.name)
	}

	var cfg agentConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	a, err := newAgent(c.env, c, b, cfg)
	if err != nil {
		err = fmt.Errorf("agent %q in coop %s: %w", cfg.name, c.name, err)
		c.buildErr = errors.Join(c.buildErr, err)
		return nil, err
	}
	c.agents = append(c.agents, a)
	return a, nil
}

// ID returns the runtime-assigned id.
func (c *Coop) ID() uint64 { return c.id }

// Name returns the cooperation name.
func (c *Coop) Name() string { return c.name }

// Agents returns the member agents in the order they were added.
func (c *Coop) Agents() []*Agent { return slices.Clone(c.agents) }

// Parent returns the parent cooperation while it is known to the environment.
func (c *Coop) Parent() *Coop {
	if c.parentID == 0 {
		return nil
	}
	c.env.mu.Lock()
	defer c.env.mu.Unlock()
	return c.env.coops[c.parentID]
}

// Children returns the currently registered child cooperations.
func (c *Coop) Children() []*Coop {
	c.env.mu.Lock()
	defer c.env.mu.Unlock()
	out := slices.Collect(maps.Values(c.children))
	slices.SortFunc(out, func(a, b *Coop) int { return cmp.Compare(a.id, b.id) })
	return out
}

// Phase returns the lifecycle phase.
func (c *Coop) Phase() CoopPhase {
	c.env.mu.Lock()
	defer c.env.mu.Unlock()
	return c.phase
}

// Reason returns the deregistration reason once deregistration started.
func (c *Coop) Reason() DeregReason {
	c.env.mu.Lock()
	defer c.env.mu.Unlock()
	return c.reason
}

// Done is closed when the cooperation is fully deregistered or its
// registration failed.
func (c *Coop) Done() <-chan struct{} { return c.done }

// Deregister starts deregistration. Queued demands are still handled;
// new ones are rejected. Calling it again has no effect.
func (c *Coop) Deregister(reason DeregReason) {
	c.env.deregister(c, reason)
}

func (c *Coop) agentFinished() {
	e := c.env
	e.mu.Lock()
	c.live--
	e.maybeFinalLocked(c)
	e.mu.Unlock()
}

func (a *Agent) bindTarget() disp.Binder {
	switch {
	case a.binder != nil:
		return a.binder
	case a.coop.binder != nil:
		return a.coop.binder
	default:
		return a.env.defaultBinder
	}
}

func (a *Agent) define() error {
	err := a.call(func() error { return a.behavior.Define(a) })
	if err == nil && len(a.defErrs) > 0 {
		err = errors.Join(a.defErrs...)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrAgentDefinition, a.name, err)
	}
	return nil
}

// Register runs the two-phase registration of c. Dispatcher resources are
// preallocated and every agent is defined; if any step fails, everything
// done so far is undone and the error is returned. Only then are agents
// bound to their event queues.
func (e *Environment) Register(c *Coop) error {
	if c.env != e {
		return fmt.Errorf("coop %s belongs to another environment", c.name)
	}
	if c.buildErr != nil {
		return c.buildErr
	}
	if len(c.agents) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyCoop, c.name)
	}

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return ErrEnvironmentStopping
	}
	if c.phase != CoopNew {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCoopAlreadyRegistered, c.name)
	}
	if c.parentID != 0 {
		p, ok := e.coops[c.parentID]
		if !ok || p.phase != CoopRegistered {
			e.mu.Unlock()
			return fmt.Errorf("%w: parent of %s", ErrParentNotRegistered, c.name)
		}
		p.children[c.id] = c
	}
	c.phase = CoopRegistering
	c.live = len(c.agents)
	e.coops[c.id] = c
	e.mu.Unlock()

	if err := e.install(c); err != nil {
		e.rollback(c)
		e.logger.Warn("cooperation registration failed", "coop", c.name, "error", err)
		return err
	}

	for _, a := range c.agents {
		a.bindTarget().Bind(a.handle)
	}

	e.mu.Lock()
	c.phase = CoopRegistered
	pending := c.pendingDereg
	e.mu.Unlock()

	e.logger.Debug("cooperation registered", "coop", c.name, "agents", len(c.agents))
	e.trace(TraceEvent{Kind: TraceCoopRegistered, Coop: c.name})
	for _, fn := range c.regNotifs {
		e.safeCall("registration notificator", func() { fn(c) })
	}
	if pending != nil {
		e.deregister(c, *pending)
	}
	return nil
}

// install preallocates dispatcher resources and defines every agent.
func (e *Environment) install(c *Coop) error {
	for i, a := range c.agents {
		if err := a.bindTarget().Preallocate(a.handle); err != nil {
			for _, done := range c.agents[:i] {
				done.bindTarget().UndoPreallocation(done.handle)
			}
			return fmt.Errorf("bind agent %s of coop %s: %w", a.name, c.name, err)
		}
	}
	for _, a := range c.agents {
		if err := a.define(); err != nil {
			for _, done := range c.agents {
				done.bindTarget().UndoPreallocation(done.handle)
			}
			return err
		}
	}
	return nil
}

func (e *Environment) rollback(c *Coop) {
	for _, a := range c.agents {
		a.discard()
		a.cancelStateTimers()
		a.dropSubscriptions()
	}

	e.mu.Lock()
	c.phase = CoopDeregistered
	delete(e.coops, c.id)
	if p, ok := e.coops[c.parentID]; ok {
		delete(p.children, c.id)
		e.maybeFinalLocked(p)
	}
	e.mu.Unlock()
	close(c.done)
}

// RegisterAgent registers a cooperation holding a single agent.
func (e *Environment) RegisterAgent(b Behavior, opts ...AgentOption) (*Coop, error) {
	c := e.NewCoop()
	if _, err := c.AddAgent(b, opts...); err != nil {
		return nil, err
	}
	if err := e.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Environment) deregister(c *Coop, reason DeregReason) {
	e.mu.Lock()
	switch c.phase {
	case CoopRegistering:
		if c.pendingDereg == nil {
			c.pendingDereg = &reason
		}
		e.mu.Unlock()
		return
	case CoopRegistered:
	default:
		e.mu.Unlock()
		return
	}
	c.phase = CoopDeregistering
	c.reason = reason
	children := slices.Collect(maps.Values(c.children))
	e.mu.Unlock()

	e.logger.Debug("deregistering cooperation", "coop", c.name, "reason", reason.String())
	for _, child := range children {
		e.deregister(child, DeregParentDeregistration)
	}
	for _, a := range c.agents {
		a.shutdown()
	}

	e.mu.Lock()
	e.maybeFinalLocked(c)
	e.mu.Unlock()
}

// maybeFinalLocked queues c for final deregistration once its agents have
// run their finish demands and all children are gone.
func (e *Environment) maybeFinalLocked(c *Coop) {
	if c.phase != CoopDeregistering || c.live > 0 || len(c.children) > 0 || c.finalQueued {
		return
	}
	c.finalQueued = true
	e.finalQ = append(e.finalQ, c)
	e.signal()
}

// finalize runs on the environment goroutine. Unbinding may stop a
// dispatcher worker and wait for it, which must not happen on that worker.
func (e *Environment) finalize(c *Coop) {
	for _, a := range c.agents {
		a.bindTarget().Unbind(a.handle)
	}

	e.mu.Lock()
	c.phase = CoopDeregistered
	delete(e.coops, c.id)
	if p, ok := e.coops[c.parentID]; ok {
		delete(p.children, c.id)
		e.maybeFinalLocked(p)
	}
	empty := len(e.coops) == 0
	stopping := e.stopping
	reason := c.reason
	e.mu.Unlock()

	close(c.done)
	e.logger.Debug("cooperation deregistered", "coop", c.name, "reason", reason.String())
	e.trace(TraceEvent{Kind: TraceCoopDeregister, Coop: c.name, Detail: reason.String()})
	for _, fn := range c.deregNotifs {
		e.safeCall("deregistration notificator", func() { fn(c, reason) })
	}
	if empty && e.autoshutdown && !stopping {
		e.Stop()
	}
}
