package agent

import (
	"fmt"
	"time"
)

// MaxStateNesting is the deepest allowed state hierarchy.
const MaxStateNesting = 16

// State is a node in an agent's state tree. Handlers subscribed in a state
// also serve its substates unless a substate overrides them.
type State struct {
	id      uint64
	name    string
	owner   *Agent
	parent  *State
	initial *State
	depth   int

	onEnter func()
	onExit  func()

	timeLimit     time.Duration
	timeoutTarget *State
	timer         Timer
	entries       uint64
}

// Name returns the dotted path of the state.
func (s *State) Name() string {
	if s.parent == nil {
		return s.name
	}
	return s.parent.Name() + "." + s.name
}

// Parent returns the enclosing state or nil.
func (s *State) Parent() *State { return s.parent }

func (s *State) String() string { return s.Name() }

// StateOption configures a state created by Agent.NewState.
type StateOption func(*stateConfig)

type stateConfig struct {
	parent    *State
	initial   bool
	onEnter   func()
	onExit    func()
	timeLimit time.Duration
	target    *State
}

// Substate makes the new state a child of parent.
func Substate(parent *State) StateOption {
	return func(c *stateConfig) { c.parent = parent }
}

// Initial marks the new state as the one entered when its parent is the
// target of a transition.
func Initial() StateOption {
	return func(c *stateConfig) { c.initial = true }
}

// OnEnter sets the enter hook.
func OnEnter(fn func()) StateOption {
	return func(c *stateConfig) { c.onEnter = fn }
}

// OnExit sets the exit hook.
func OnExit(fn func()) StateOption {
	return func(c *stateConfig) { c.onExit = fn }
}

// TimeLimit switches the agent to target if it is still in the state after d.
func TimeLimit(d time.Duration, target *State) StateOption {
	return func(c *stateConfig) {
		c.timeLimit = d
		c.target = target
	}
}

// NewState creates a state owned by a. Configuration errors are reported
// when the cooperation is registered.
func (a *Agent) NewState(name string, opts ...StateOption) *State {
	var cfg stateConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &State{
		id:            a.env.nextID(),
		name:          name,
		owner:         a,
		onEnter:       cfg.onEnter,
		onExit:        cfg.onExit,
		timeLimit:     cfg.timeLimit,
		timeoutTarget: cfg.target,
	}

	if p := cfg.parent; p != nil {
		switch {
		case p.owner != a:
			a.defineError(fmt.Errorf("%w: parent of %s", ErrForeignState, name))
		case p.depth+1 >= MaxStateNesting:
			a.defineError(fmt.Errorf("%w: %s at depth %d", ErrStateNestingTooDeep, name, p.depth+1))
		default:
			s.parent = p
			s.depth = p.depth + 1
			if cfg.initial {
				if p.initial != nil {
					a.defineError(fmt.Errorf("%w: %s", ErrDuplicateInitialState, p.Name()))
				} else {
					p.initial = s
				}
			}
		}
	}
	if s.timeLimit > 0 && (s.timeoutTarget == nil || s.timeoutTarget.owner != a) {
		a.defineError(fmt.Errorf("%w: time limit target of %s", ErrForeignState, name))
		s.timeLimit = 0
	}
	return s
}

// DefaultState is the state every agent starts in.
func (a *Agent) DefaultState() *State { return a.defaultState }

// CurrentState returns the active state.
func (a *Agent) CurrentState() *State { return a.current.Load() }

// IsIn reports whether s is the active state or one of its ancestors.
func (a *Agent) IsIn(s *State) bool {
	for cur := a.current.Load(); cur != nil; cur = cur.parent {
		if cur == s {
			return true
		}
	}
	return false
}

// SwitchTo changes the active state. It must be called from the agent's
// own handlers or from Define. A composite target is entered through its
// chain of initial substates.
func (a *Agent) SwitchTo(s *State) error {
	if s == nil || s.owner != a {
		return ErrForeignState
	}
	target := s
	for target.initial != nil {
		target = target.initial
	}
	cur := a.current.Load()
	if cur == target {
		return nil
	}

	lca := commonAncestor(cur, target)
	for st := cur; st != lca; st = st.parent {
		a.leaveState(st)
	}
	a.current.Store(target)

	var path []*State
	for st := target; st != lca; st = st.parent {
		path = append(path, st)
	}
	for i := len(path) - 1; i >= 0; i-- {
		a.enterState(path[i])
	}

	a.env.trace(TraceEvent{
		Kind:    TraceStateChanged,
		Agent:   a.name,
		AgentID: a.id,
		Coop:    a.coop.name,
		State:   target.Name(),
		Detail:  "from " + cur.Name(),
	})
	return nil
}

func commonAncestor(a, b *State) *State {
	for x := a; x != nil; x = x.parent {
		for y := b; y != nil; y = y.parent {
			if x == y {
				return x
			}
		}
	}
	return nil
}

func (a *Agent) leaveState(s *State) {
	s.timer.Cancel()
	s.timer = Timer{}
	if s.onExit != nil {
		a.runHook(s, "exit", s.onExit)
	}
}

func (a *Agent) enterState(s *State) {
	s.entries++
	if s.onEnter != nil {
		a.runHook(s, "enter", s.onEnter)
	}
	if s.timeLimit > 0 {
		gen := s.entries
		id, err := a.env.timer.Schedule(func() {
			a.push(stateTimeout{state: s, gen: gen})
		}, s.timeLimit, 0)
		if err != nil {
			a.logger.Warn("cannot arm state time limit", "state", s.Name(), "error", err)
			return
		}
		s.timer = Timer{th: a.env.timer, id: id}
	}
}

// runHook treats a panic in an enter or exit hook as fatal.
func (a *Agent) runHook(s *State, which string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.env.abort(fmt.Errorf("%w: %s hook of %s in agent %s: %v", ErrStateHook, which, s.Name(), a.name, r))
		}
	}()
	fn()
}

type stateTimeout struct {
	state *State
	gen   uint64
}

func (a *Agent) runStateTimeout(t stateTimeout) {
	s := t.state
	if s.entries != t.gen || !a.IsIn(s) {
		return
	}
	if err := a.SwitchTo(s.timeoutTarget); err != nil {
		a.logger.Warn("state time limit transition failed", "state", s.Name(), "error", err)
	}
}

func (a *Agent) cancelStateTimers() {
	for cur := a.current.Load(); cur != nil; cur = cur.parent {
		cur.timer.Cancel()
		cur.timer = Timer{}
	}
}
