package agent

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/aixgo-dev/agentcore/internal/subscr"
)

// ErrAgentFinished is returned when subscribing after the agent's final demand.
var ErrAgentFinished = errors.New("agent already deregistered")

// SubscribeOption configures Subscribe and Unsubscribe.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	states []*State
}

// InState restricts a subscription to the given states. Without it the
// default state is used.
func InState(states ...*State) SubscribeOption {
	return func(c *subscribeConfig) { c.states = append(c.states, states...) }
}

func (a *Agent) statesFor(opts []SubscribeOption) ([]*State, error) {
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.states) == 0 {
		return []*State{a.defaultState}, nil
	}
	for _, s := range cfg.states {
		if s == nil || s.owner != a {
			return nil, ErrForeignState
		}
	}
	return cfg.states, nil
}

// Subscribe installs fn as the handler for messages of type T from mb.
func Subscribe[T any](a *Agent, mb Mbox, fn func(msg T) error, opts ...SubscribeOption) error {
	return a.subscribe(mb, reflect.TypeFor[T](), opts, func(e *envelope) error {
		return fn(e.payload.(T))
	})
}

// SubscribeRequest installs a handler whose result is returned to Request
// callers. When the message was sent without Request, a returned error is
// treated as a handler failure.
func SubscribeRequest[T, R any](a *Agent, mb Mbox, fn func(msg T) (R, error), opts ...SubscribeOption) error {
	return a.subscribe(mb, reflect.TypeFor[T](), opts, func(e *envelope) error {
		r, err := fn(e.payload.(T))
		if e.reply != nil {
			e.reply.put(r, err)
			return nil
		}
		return err
	})
}

// Unsubscribe removes the handlers for T from mb in the given states.
func Unsubscribe[T any](a *Agent, mb Mbox, opts ...SubscribeOption) {
	states, err := a.statesFor(opts)
	if err != nil {
		return
	}
	t := reflect.TypeFor[T]()

	a.smu.Lock()
	defer a.smu.Unlock()
	for _, s := range states {
		if a.subs.Remove(subscr.Key{Mbox: mb.ID(), Type: t, State: s.id}) {
			a.unref(mb, t)
		}
	}
}

// SubscribeDeadletter installs a handler for messages of type T from mb
// that have no handler in the current state chain.
func SubscribeDeadletter[T any](a *Agent, mb Mbox, fn func(msg T) error) error {
	t := reflect.TypeFor[T]()
	h := &handler{mbox: mb, typ: t, invoke: func(e *envelope) error { return fn(e.payload.(T)) }}

	a.smu.Lock()
	defer a.smu.Unlock()
	if a.Phase() == PhaseDeregistered {
		return ErrAgentFinished
	}
	k := mboxType{mbox: mb.ID(), typ: t}
	if _, dup := a.deadletters[k]; dup {
		return fmt.Errorf("%w: deadletter %s from mbox %d", ErrDuplicateSubscription, typeName(t), mb.ID())
	}
	if err := a.ref(mb, t, 1); err != nil {
		return err
	}
	a.deadletters[k] = h
	return nil
}

// UnsubscribeDeadletter removes the deadletter handler for T from mb.
func UnsubscribeDeadletter[T any](a *Agent, mb Mbox) {
	t := reflect.TypeFor[T]()
	k := mboxType{mbox: mb.ID(), typ: t}

	a.smu.Lock()
	defer a.smu.Unlock()
	if _, ok := a.deadletters[k]; ok {
		delete(a.deadletters, k)
		a.unref(mb, t)
	}
}

// SetDeliveryFilter makes mb skip a for messages of type T rejected by pred.
// Only MPMC mboxes support filters.
func SetDeliveryFilter[T any](a *Agent, mb Mbox, pred func(msg T) bool) error {
	t := reflect.TypeFor[T]()
	if err := mb.setFilter(t, a, func(v any) bool { return pred(v.(T)) }); err != nil {
		return err
	}
	a.smu.Lock()
	a.filters[mboxType{mbox: mb.ID(), typ: t}] = mb
	a.smu.Unlock()
	return nil
}

// DropDeliveryFilter removes the filter set by SetDeliveryFilter.
func DropDeliveryFilter[T any](a *Agent, mb Mbox) {
	t := reflect.TypeFor[T]()
	mb.dropFilter(t, a)
	a.smu.Lock()
	delete(a.filters, mboxType{mbox: mb.ID(), typ: t})
	a.smu.Unlock()
}

func (a *Agent) subscribe(mb Mbox, t reflect.Type, opts []SubscribeOption, invoke func(*envelope) error) error {
	states, err := a.statesFor(opts)
	if err != nil {
		return err
	}

	a.smu.Lock()
	defer a.smu.Unlock()

	if a.Phase() == PhaseDeregistered {
		return ErrAgentFinished
	}
	added := make([]subscr.Key, 0, len(states))
	for _, s := range states {
		k := subscr.Key{Mbox: mb.ID(), Type: t, State: s.id}
		h := &handler{state: s, mbox: mb, typ: t, invoke: invoke}
		if err := a.subs.Add(k, h); err != nil {
			for _, k := range added {
				a.subs.Remove(k)
			}
			return fmt.Errorf("%w: %s from mbox %d in state %s", ErrDuplicateSubscription, typeName(t), mb.ID(), s.Name())
		}
		added = append(added, k)
	}
	if err := a.ref(mb, t, len(added)); err != nil {
		for _, k := range added {
			a.subs.Remove(k)
		}
		return err
	}
	return nil
}

// ref counts n more local subscriptions of (mb, t) and registers the agent
// with the mbox on the first one. Called with smu held.
func (a *Agent) ref(mb Mbox, t reflect.Type, n int) error {
	k := mboxType{mbox: mb.ID(), typ: t}
	r, ok := a.refs[k]
	if !ok {
		if err := mb.subscribe(t, a); err != nil {
			return err
		}
		r = &mboxRef{mbox: mb}
		a.refs[k] = r
	}
	r.n += n
	return nil
}

func (a *Agent) unref(mb Mbox, t reflect.Type) {
	k := mboxType{mbox: mb.ID(), typ: t}
	r, ok := a.refs[k]
	if !ok {
		return
	}
	r.n--
	if r.n > 0 {
		return
	}
	delete(a.refs, k)
	mb.unsubscribe(t, a)
}

// dropSubscriptions removes every subscription, deadletter handler and
// delivery filter of the agent from the mboxes.
func (a *Agent) dropSubscriptions() {
	a.smu.Lock()
	refs := a.refs
	filters := a.filters
	a.refs = make(map[mboxType]*mboxRef)
	a.filters = make(map[mboxType]Mbox)
	a.deadletters = make(map[mboxType]*handler)
	a.subs.Clear()
	a.smu.Unlock()

	for k, r := range refs {
		r.mbox.unsubscribe(k.typ, a)
	}
	for k, mb := range filters {
		mb.dropFilter(k.typ, a)
	}
}

// SubscriptionCount returns the number of installed handlers, not counting
// deadletter handlers.
func (a *Agent) SubscriptionCount() int {
	a.smu.Lock()
	defer a.smu.Unlock()
	return a.subs.Len()
}
