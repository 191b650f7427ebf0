// Package onethread implements a dispatcher with a single worker goroutine
// and a single FIFO queue shared by every bound agent. Demands of all agents
// on one instance are executed in total push order.
package onethread

import (
	"sync"
	"sync/atomic"

	"github.com/aixgo-dev/agentcore/pkg/disp"
)

// Kind is reported in Stats.
const Kind = "one_thread"

// Dispatcher is a one-thread dispatcher.
type Dispatcher struct {
	params disp.Params
	worker *disp.Worker
	agents atomic.Int64

	shutdownOnce sync.Once
	closed       atomic.Bool
}

// New creates the dispatcher and starts its worker.
func New(opts ...disp.Option) *Dispatcher {
	p := disp.NewParams(Kind, opts...)
	return &Dispatcher{
		params: p,
		worker: disp.StartWorker(disp.NewQueue(p.Lock), p),
	}
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string { return d.params.Name }

// Binder returns a binder attaching agents to this dispatcher.
func (d *Dispatcher) Binder() disp.Binder { return binder{d} }

// Shutdown closes the queue; the worker exits after the current demand.
func (d *Dispatcher) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.closed.Store(true)
		d.worker.Queue().Close()
	})
}

// Wait blocks until the worker has exited.
func (d *Dispatcher) Wait() { <-d.worker.Done() }

// Err returns the worker fault, if any.
func (d *Dispatcher) Err() error { return d.worker.Err() }

// Stats returns a snapshot of the dispatcher.
func (d *Dispatcher) Stats() disp.Stats {
	busy := 0
	if d.worker.Busy() {
		busy = 1
	}
	agents := int(d.agents.Load())
	return disp.Stats{
		Name:        d.params.Name,
		Kind:        Kind,
		Workers:     1,
		BusyWorkers: busy,
		Agents:      agents,
		Queues: []disp.QueueStats{
			{Name: d.params.Name, Size: d.worker.Queue().Len(), Agents: agents},
		},
	}
}

type binder struct {
	d *Dispatcher
}

func (b binder) Preallocate(disp.Agent) error {
	if b.d.closed.Load() {
		return disp.ErrShutdown
	}
	return nil
}

func (b binder) UndoPreallocation(disp.Agent) {}

func (b binder) Bind(a disp.Agent) {
	b.d.agents.Add(1)
	a.BindQueue(b.d.worker.Queue())
}

func (b binder) Unbind(disp.Agent) {
	b.d.agents.Add(-1)
}
