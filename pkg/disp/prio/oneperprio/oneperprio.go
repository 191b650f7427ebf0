// Package oneperprio implements a dispatcher with a dedicated worker
// goroutine for each priority. Priorities run in parallel; demands of one
// priority are processed in FIFO order.
package oneperprio

import (
	"sync/atomic"

	"github.com/aixgo-dev/agentcore/pkg/disp"
)

// Kind is reported in Stats.
const Kind = "prio_dedicated_threads_one_per_prio"

// Dispatcher is a one-thread-per-priority dispatcher.
type Dispatcher struct {
	params  disp.Params
	workers [disp.PriorityCount]*disp.Worker
	agents  [disp.PriorityCount]atomic.Int64
}

// New creates the dispatcher and starts all eight workers.
func New(opts ...disp.Option) *Dispatcher {
	p := disp.NewParams(Kind, opts...)
	d := &Dispatcher{params: p}
	for i := range d.workers {
		d.workers[i] = disp.StartWorker(disp.NewQueue(p.Lock), p)
	}
	return d
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string { return d.params.Name }

// Binder returns a binder that uses each agent's priority.
func (d *Dispatcher) Binder() disp.Binder { return &binder{d: d} }

// Shutdown closes every queue.
func (d *Dispatcher) Shutdown() {
	for _, w := range d.workers {
		w.Queue().Close()
	}
}

// Wait blocks until every worker exits.
func (d *Dispatcher) Wait() {
	for _, w := range d.workers {
		<-w.Done()
	}
}

// Err returns the first worker fault, if any.
func (d *Dispatcher) Err() error {
	for _, w := range d.workers {
		if err := w.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of the dispatcher.
func (d *Dispatcher) Stats() disp.Stats {
	st := disp.Stats{
		Name:    d.params.Name,
		Kind:    Kind,
		Workers: disp.PriorityCount,
	}
	for _, p := range disp.Descending() {
		w := d.workers[p]
		if w.Busy() {
			st.BusyWorkers++
		}
		n := int(d.agents[p].Load())
		st.Agents += n
		st.Queues = append(st.Queues, disp.QueueStats{
			Name:   d.params.Name + "/" + p.String(),
			Size:   w.Queue().Len(),
			Agents: n,
		})
	}
	return st
}

type binder struct {
	d *Dispatcher
}

func (b *binder) Preallocate(a disp.Agent) error {
	if !a.Priority().Valid() {
		return disp.ErrInvalidPriority
	}
	return nil
}

func (b *binder) UndoPreallocation(disp.Agent) {}

func (b *binder) Bind(a disp.Agent) {
	b.d.agents[a.Priority()].Add(1)
	a.BindQueue(b.d.workers[a.Priority()].Queue())
}

func (b *binder) Unbind(a disp.Agent) {
	b.d.agents[a.Priority()].Add(-1)
}
