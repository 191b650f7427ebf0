package prio

import (
	"sync/atomic"

	"github.com/aixgo-dev/agentcore/pkg/disp"
)

// Worker runs demands chosen from a QueueSet by a selection policy.
type Worker struct {
	set    *QueueSet
	params disp.Params
	pick   func(p *Picker) disp.Demand
	busy   atomic.Bool
	err    atomic.Pointer[error]
	done   chan struct{}
}

// StartWorker launches the worker goroutine.
func StartWorker(set *QueueSet, p disp.Params, pick func(p *Picker) disp.Demand) *Worker {
	w := &Worker{
		set:    set,
		params: p,
		pick:   pick,
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		d, ok := w.set.Next(w.pick)
		if !ok {
			return
		}
		w.busy.Store(true)
		err := disp.SafeRun(d)
		w.busy.Store(false)
		if err != nil {
			w.err.Store(&err)
			w.params.ReportFault(err)
			w.set.Close()
			return
		}
	}
}

// Busy reports whether a demand is running.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Done is closed when the goroutine exits.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the fault that stopped the worker, if any.
func (w *Worker) Err() error {
	if p := w.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Binder binds agents to the queue matching their priority in a QueueSet.
type Binder struct {
	Set *QueueSet
}

func (b Binder) Preallocate(a disp.Agent) error {
	if !a.Priority().Valid() {
		return disp.ErrInvalidPriority
	}
	if b.Set.Closed() {
		return disp.ErrShutdown
	}
	return nil
}

func (b Binder) UndoPreallocation(disp.Agent) {}

func (b Binder) Bind(a disp.Agent) {
	b.Set.AddAgent(a.Priority(), 1)
	a.BindQueue(b.Set.Queue(a.Priority()))
}

func (b Binder) Unbind(a disp.Agent) {
	b.Set.AddAgent(a.Priority(), -1)
}
