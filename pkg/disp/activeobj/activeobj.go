// Package activeobj implements a dispatcher that gives every bound agent its
// own worker goroutine and queue.
package activeobj

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aixgo-dev/agentcore/pkg/disp"
)

// Kind is reported in Stats.
const Kind = "active_obj"

// Dispatcher is an active-object dispatcher.
type Dispatcher struct {
	params disp.Params

	mu      sync.Mutex
	workers map[uint64]*disp.Worker
	closed  bool
	faults  []error
}

// New creates the dispatcher. Workers are started on demand.
func New(opts ...disp.Option) *Dispatcher {
	d := &Dispatcher{
		workers: make(map[uint64]*disp.Worker),
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

// Binder returns a binder attaching agents to this dispatcher.
func (d *Dispatcher) Binder() disp.Binder { return binder{d} }

// Shutdown stops every worker that is still running.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	workers := make([]*disp.Worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.mu.Unlock()

	for _, w := range workers {
		w.Queue().Close()
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	workers := make([]*disp.Worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
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
		Workers: len(d.workers),
		Agents:  len(d.workers),
	}
	for id, w := range d.workers {
		if w.Busy() {
			st.BusyWorkers++
		}
		st.Queues = append(st.Queues, disp.QueueStats{
			Name:   fmt.Sprintf("%s/agent-%d", d.params.Name, id),
			Size:   w.Queue().Len(),
			Agents: 1,
		})
	}
	sort.Slice(st.Queues, func(i, j int) bool { return st.Queues[i].Name < st.Queues[j].Name })
	return st
}

type binder struct {
	d *Dispatcher
}

func (b binder) Preallocate(a disp.Agent) error {
	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return disp.ErrShutdown
	}
	if _, exists := d.workers[a.ID()]; exists {
		return fmt.Errorf("agent %d already has a worker on %s", a.ID(), d.params.Name)
	}
	d.workers[a.ID()] = disp.StartWorker(disp.NewQueue(d.params.Lock), d.params)
	return nil
}

func (b binder) UndoPreallocation(a disp.Agent) {
	b.release(a)
}

func (b binder) Bind(a disp.Agent) {
	b.d.mu.Lock()
	w := b.d.workers[a.ID()]
	b.d.mu.Unlock()
	if w != nil {
		a.BindQueue(w.Queue())
	}
}

func (b binder) Unbind(a disp.Agent) {
	b.release(a)
}

func (b binder) release(a disp.Agent) {
	b.d.mu.Lock()
	w := b.d.workers[a.ID()]
	delete(b.d.workers, a.ID())
	b.d.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}
