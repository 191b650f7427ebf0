package agent

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// MboxKind distinguishes broadcast mboxes from single-consumer ones.
type MboxKind int

const (
	// MboxMPMC delivers to every subscriber.
	MboxMPMC MboxKind = iota
	// MboxDirect delivers to its owning agent only.
	MboxDirect
)

func (k MboxKind) String() string {
	if k == MboxDirect {
		return "direct"
	}
	return "mpmc"
}

// Mbox is a message delivery endpoint. Mboxes are created by an
// Environment or owned by an Agent.
type Mbox interface {
	ID() uint64
	// Name is empty for anonymous mboxes.
	Name() string
	Kind() MboxKind
	// SubscriberCount returns the number of (agent, message type) pairs
	// that currently receive from this mbox.
	SubscriberCount() int

	environment() *Environment
	deliver(e *envelope, depth int) error
	subscribe(t reflect.Type, a *Agent) error
	unsubscribe(t reflect.Type, a *Agent)
	setFilter(t reflect.Type, a *Agent, f func(any) bool) error
	dropFilter(t reflect.Type, a *Agent)
}

type subscriber struct {
	agent  *Agent
	subs   int
	filter func(any) bool
}

// mpmcMbox keeps an immutable slice of subscribers per type. Writers
// replace the slice under the lock; deliveries read a snapshot.
type mpmcMbox struct {
	id   uint64
	name string
	env  *Environment

	mu    sync.RWMutex
	items map[reflect.Type][]*subscriber

	// named mboxes only
	onUnused func()
}

func newMPMC(env *Environment, name string) *mpmcMbox {
	return &mpmcMbox{
		id:    env.nextID(),
		name:  name,
		env:   env,
		items: make(map[reflect.Type][]*subscriber),
	}
}

func (m *mpmcMbox) ID() uint64                { return m.id }
func (m *mpmcMbox) Name() string              { return m.name }
func (m *mpmcMbox) Kind() MboxKind            { return MboxMPMC }
func (m *mpmcMbox) environment() *Environment { return m.env }

func (m *mpmcMbox) String() string {
	if m.name != "" {
		return fmt.Sprintf("mbox:%d(%s)", m.id, m.name)
	}
	return fmt.Sprintf("mbox:%d", m.id)
}

func (m *mpmcMbox) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, list := range m.items {
		for _, s := range list {
			if s.subs > 0 && !s.agent.detached() {
				n++
			}
		}
	}
	return n
}

// update copies the subscriber list of t, lets fn modify the entry of a
// and stores the result. Entries without subscriptions or filter are dropped.
func (m *mpmcMbox) update(t reflect.Type, a *Agent, fn func(s *subscriber)) {
	m.mu.Lock()
	old := m.items[t]
	list := make([]*subscriber, 0, len(old)+1)
	var mine *subscriber
	for _, s := range old {
		if s.agent == a {
			c := *s
			mine = &c
			continue
		}
		list = append(list, s)
	}
	if mine == nil {
		mine = &subscriber{agent: a}
	}
	fn(mine)
	if mine.subs > 0 || mine.filter != nil {
		list = append(list, mine)
	}
	if len(list) == 0 {
		delete(m.items, t)
	} else {
		m.items[t] = list
	}
	unused := len(m.items) == 0
	m.mu.Unlock()

	if unused && m.onUnused != nil {
		m.onUnused()
	}
}

func (m *mpmcMbox) subscribe(t reflect.Type, a *Agent) error {
	m.update(t, a, func(s *subscriber) { s.subs++ })
	return nil
}

func (m *mpmcMbox) unsubscribe(t reflect.Type, a *Agent) {
	m.update(t, a, func(s *subscriber) {
		if s.subs > 0 {
			s.subs--
		}
	})
}

func (m *mpmcMbox) setFilter(t reflect.Type, a *Agent, f func(any) bool) error {
	m.update(t, a, func(s *subscriber) { s.filter = f })
	return nil
}

func (m *mpmcMbox) dropFilter(t reflect.Type, a *Agent) {
	m.update(t, a, func(s *subscriber) { s.filter = nil })
}

func (m *mpmcMbox) deliver(e *envelope, depth int) error {
	m.mu.RLock()
	list := m.items[e.typ]
	m.mu.RUnlock()

	targets := make([]*Agent, 0, len(list))
	for _, s := range list {
		if s.subs == 0 || s.agent.detached() {
			continue
		}
		if s.filter != nil && !m.env.safeFilterCall(s.agent, s.filter, e.payload) {
			m.env.trace(TraceEvent{Kind: TraceFiltered, Agent: s.agent.name, AgentID: s.agent.id, MboxID: m.id, MsgType: typeName(e.typ)})
			continue
		}
		targets = append(targets, s.agent)
	}

	if e.mutable && len(targets) > 1 {
		return violation(ErrMutableFanOut, "%s to %s has %d subscribers", typeName(e.typ), m, len(targets))
	}
	var first error
	for _, a := range targets {
		if err := a.deliver(m, e, depth); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// directMbox belongs to exactly one agent and bypasses subscriber lookup.
type directMbox struct {
	id    uint64
	owner *Agent

	mu    sync.Mutex
	types map[reflect.Type]int
}

func newDirect(owner *Agent) *directMbox {
	return &directMbox{
		id:    owner.env.nextID(),
		owner: owner,
		types: make(map[reflect.Type]int),
	}
}

func (m *directMbox) ID() uint64                { return m.id }
func (m *directMbox) Name() string              { return "" }
func (m *directMbox) Kind() MboxKind            { return MboxDirect }
func (m *directMbox) environment() *Environment { return m.owner.env }

func (m *directMbox) String() string {
	return fmt.Sprintf("mbox:%d(direct:%s)", m.id, m.owner.name)
}

func (m *directMbox) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.types)
}

func (m *directMbox) subscribe(t reflect.Type, a *Agent) error {
	if a != m.owner {
		return fmt.Errorf("%w: %s subscribed to %s", ErrIllegalSubscriber, a.name, m)
	}
	m.mu.Lock()
	m.types[t]++
	m.mu.Unlock()
	return nil
}

func (m *directMbox) unsubscribe(t reflect.Type, a *Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.types[t] <= 1 {
		delete(m.types, t)
		return
	}
	m.types[t]--
}

func (m *directMbox) setFilter(reflect.Type, *Agent, func(any) bool) error {
	return ErrFilterOnDirectMbox
}

func (m *directMbox) dropFilter(reflect.Type, *Agent) {}

func (m *directMbox) deliver(e *envelope, depth int) error {
	return m.owner.deliver(m, e, depth)
}

// namedRegistry maps names to reference-counted MPMC mboxes. A name is
// released when no handle and no subscription refers to it.
type namedRegistry struct {
	env *Environment

	mu    sync.Mutex
	boxes map[string]*namedEntry
}

type namedEntry struct {
	mbox    *mpmcMbox
	handles int
}

func newNamedRegistry(env *Environment) *namedRegistry {
	return &namedRegistry{env: env, boxes: make(map[string]*namedEntry)}
}

func (r *namedRegistry) acquire(name string) Mbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.boxes[name]
	if !ok {
		mb := newMPMC(r.env, name)
		ent = &namedEntry{mbox: mb}
		mb.onUnused = func() { r.subscriptionsGone(name, mb) }
		r.boxes[name] = ent
	}
	ent.handles++
	return ent.mbox
}

func (r *namedRegistry) release(mb Mbox) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.boxes[mb.Name()]
	if !ok || ent.mbox != mb {
		return
	}
	if ent.handles > 0 {
		ent.handles--
	}
	r.collect(mb.Name(), ent)
}

func (r *namedRegistry) subscriptionsGone(name string, mb *mpmcMbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ent, ok := r.boxes[name]; ok && ent.mbox == mb {
		r.collect(name, ent)
	}
}

func (r *namedRegistry) collect(name string, ent *namedEntry) {
	if ent.handles > 0 || ent.mbox.inUse() {
		return
	}
	delete(r.boxes, name)
}

func (r *namedRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boxes)
}

func (r *namedRegistry) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.boxes))
	for name := range r.boxes {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (m *mpmcMbox) inUse() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items) > 0
}
