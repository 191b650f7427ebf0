package disp

import "sync/atomic"

// Worker is a goroutine draining one Queue.
type Worker struct {
	queue  *Queue
	params Params
	busy   atomic.Bool
	err    atomic.Pointer[error]
	done   chan struct{}
}

// StartWorker launches a goroutine that runs demands from q until q is
// closed or a demand faults. A fault closes q.
func StartWorker(q *Queue, p Params) *Worker {
	w := &Worker{
		queue:  q,
		params: p,
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		d, ok := w.queue.Pop()
		if !ok {
			return
		}
		w.busy.Store(true)
		err := SafeRun(d)
		w.busy.Store(false)
		if err != nil {
			w.err.Store(&err)
			w.params.ReportFault(err)
			w.queue.Close()
			return
		}
	}
}

// Queue returns the queue the worker drains.
func (w *Worker) Queue() *Queue { return w.queue }

// Busy reports whether a demand is running right now.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Stop closes the queue and waits for the goroutine to exit.
func (w *Worker) Stop() {
	w.queue.Close()
	<-w.done
}

// Done is closed when the worker goroutine exits.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the fault that stopped the worker, if any.
func (w *Worker) Err() error {
	if p := w.err.Load(); p != nil {
		return *p
	}
	return nil
}
