// Package activegroup implements a dispatcher with one worker goroutine per
// named group of agents. The worker of a group is started when the first
// agent joins it and stopped when the last one leaves.
package activegroup

import (
	"sort"
	"sync"

	"github.com/aixgo-dev/agentcore/pkg/disp"
)

// Kind is reported in Stats.
const Kind = "active_group"

// Dispatcher is an active-group dispatcher.
type Dispatcher struct {
	params disp.Params

	mu     sync.Mutex
	groups map[string]*group
	closed bool
	faults []error
}

type group struct {
	worker *disp.Worker
	agents map[uint64]struct{}
}

// New creates the dispatcher.
func New(opts ...disp.Option) *Dispatcher {
	d := &Dispatcher{
		groups: make(map[string]*group),
	}
	p := disp.NewParams(Kind, opts...)
	userErr := p.OnError
	p.OnError = func(name string, err error) {
		d.mu.Lock()
		d.faults = append(d.faults, err)
		d.mu.Unlock()
		if userErr != nil {
			userErr(name, err)
		}
	}
	d.params = p
	return d
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string { return d.params.Name }

// Binder returns a binder placing agents into the named group.
func (d *Dispatcher) Binder(groupName string) disp.Binder {
	return binder{d: d, group: groupName}
}

// Groups returns the names of groups that currently have a worker.
func (d *Dispatcher) Groups() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.groups))
	for name := range d.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown closes every group queue.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	for _, g := range d.groups {
		g.worker.Queue().Close()
	}
	d.mu.Unlock()
}

// Wait blocks until every group worker has exited.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	workers := make([]*disp.Worker, 0, len(d.groups))
	for _, g := range d.groups {
		workers = append(workers, g.worker)
	}
	d.mu.Unlock()
	for _, w := range workers {
		<-w.Done()
	}
}

// Err returns the first worker fault, if any.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.faults) == 0 {
		return nil
	}
	return d.faults[0]
}

// Stats returns a snapshot of the dispatcher.
func (d *Dispatcher) Stats() disp.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := disp.Stats{
		Name:    d.params.Name,
		Kind:    Kind,
		Workers: len(d.groups),
	}
	for name, g := range d.groups {
		if g.worker.Busy() {
			st.BusyWorkers++
		}
		st.Agents += len(g.agents)
		st.Queues = append(st.Queues, disp.QueueStats{
			Name:   d.params.Name + "/" + name,
			Size:   g.worker.Queue().Len(),
			Agents: len(g.agents),
		})
	}
	sort.Slice(st.Queues, func(i, j int) bool { return st.Queues[i].Name < st.Queues[j].Name })
	return st
}

type binder struct {
	d     *Dispatcher
	group string
}

func (b binder) Preallocate(a disp.Agent) error {
	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return disp.ErrShutdown
	}
	g, ok := d.groups[b.group]
	if !ok {
		g = &group{
			worker: disp.StartWorker(disp.NewQueue(d.params.Lock), d.params),
			agents: make(map[uint64]struct{}),
		}
		d.groups[b.group] = g
	}
	g.agents[a.ID()] = struct{}{}
	return nil
}

func (b binder) UndoPreallocation(a disp.Agent) {
	b.release(a)
}

func (b binder) Bind(a disp.Agent) {
	b.d.mu.Lock()
	g := b.d.groups[b.group]
	b.d.mu.Unlock()
	if g != nil {
		a.BindQueue(g.worker.Queue())
	}
}

func (b binder) Unbind(a disp.Agent) {
	b.release(a)
}

func (b binder) release(a disp.Agent) {
	d := b.d
	d.mu.Lock()
	g, ok := d.groups[b.group]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(g.agents, a.ID())
	if len(g.agents) > 0 {
		d.mu.Unlock()
		return
	}
	delete(d.groups, b.group)
	d.mu.Unlock()
	g.worker.Stop()
}
