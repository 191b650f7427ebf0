// Package strictlyordered implements a single-worker priority dispatcher
// that always runs the oldest demand of the highest non-empty priority.
// Low priorities may starve while higher ones have work.
package strictlyordered

import (
	"github.com/aixgo-dev/agentcore/pkg/disp"
	"github.com/aixgo-dev/agentcore/pkg/disp/prio"
)

// Kind is reported in Stats.
const Kind = "prio_strictly_ordered"

// Dispatcher is a strictly-ordered priority dispatcher.
type Dispatcher struct {
	params disp.Params
	set    *prio.QueueSet
	worker *prio.Worker
}

// New creates the dispatcher and starts its worker.
func New(opts ...disp.Option) *Dispatcher {
	p := disp.NewParams(Kind, opts...)
	set := prio.NewQueueSet(p.Lock)
	return &Dispatcher{
		params: p,
		set:    set,
		worker: prio.StartWorker(set, p, pickHighest),
	}
}

func pickHighest(p *prio.Picker) disp.Demand {
	for _, pr := range disp.Descending() {
		if p.Len(pr) > 0 {
			return p.Pop(pr)
		}
	}
	panic("strictlyordered: no demand available")
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string { return d.params.Name }

// Binder returns a binder that uses each agent's priority.
func (d *Dispatcher) Binder() disp.Binder { return prio.Binder{Set: d.set} }

// Shutdown closes the queues.
func (d *Dispatcher) Shutdown() { d.set.Close() }

// Wait blocks until the worker exits.
func (d *Dispatcher) Wait() { <-d.worker.Done() }

// Err returns the worker fault, if any.
func (d *Dispatcher) Err() error { return d.worker.Err() }

// Stats returns a snapshot of the dispatcher.
func (d *Dispatcher) Stats() disp.Stats {
	queues, agents := d.set.Stats(d.params.Name)
	busy := 0
	if d.worker.Busy() {
		busy = 1
	}
	return disp.Stats{
		Name:        d.params.Name,
		Kind:        Kind,
		Workers:     1,
		BusyWorkers: busy,
		Agents:      agents,
		Queues:      queues,
	}
}
