// Package threadpool implements a dispatcher with N worker goroutines.
//
// Agents are grouped into queues: one queue per cooperation (FifoCooperation)
// or one queue per agent (FifoIndividual). Queues with pending demands wait
// in a shared ready list; a free worker takes the first ready queue, runs up
// to MaxDemandsAtOnce demands from it and puts it back at the tail if it is
// still not empty. A worker fault shuts the pool down and is reported
// through Err. A queue is held by at most one worker at a time, which
// keeps per-queue FIFO and the one-demand-in-flight rule for its agents,
// while different queues run in parallel.
package threadpool

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/agentcore/pkg/disp"
)

// Kind is reported in Stats.
const Kind = "thread_pool"

// Fifo selects how agents share queues.
type Fifo int

const (
	// FifoCooperation puts all agents of one cooperation into one queue.
	FifoCooperation Fifo = iota
	// FifoIndividual gives every agent its own queue.
	FifoIndividual
)

func (f Fifo) String() string {
	if f == FifoIndividual {
		return "individual"
	}
	return "cooperation"
}

// DefaultMaxDemandsAtOnce is the batch size when BindParams leaves it zero.
const DefaultMaxDemandsAtOnce = 4

// BindParams tunes how agents are bound.
type BindParams struct {
	Fifo             Fifo
	MaxDemandsAtOnce int
}

// Dispatcher is a thread-pool dispatcher.
type Dispatcher struct {
	params  disp.Params
	threads int

	lock   sync.Locker
	cond   *sync.Cond
	ready  []*agentQueue
	queues map[queueKey]*agentQueue
	owner  map[uint64]*agentQueue
	closed bool

	busy atomic.Int32
	g    errgroup.Group
	err  atomic.Pointer[error]
	done chan struct{}
}

type queueKey struct {
	fifo Fifo
	id   uint64
}

type agentQueue struct {
	name      string
	items     disp.Deque
	maxAtOnce int
	refs      int
	scheduled bool
}

// boundQueue is what agents see as their EventQueue.
type boundQueue struct {
	d *Dispatcher
	q *agentQueue
}

func (b boundQueue) Push(dm disp.Demand) {
	b.d.push(b.q, dm)
}

// New creates a pool with threads workers. threads <= 0 means GOMAXPROCS.
func New(threads int, opts ...disp.Option) *Dispatcher {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	p := disp.NewParams(Kind, opts...)
	l := p.Lock()
	d := &Dispatcher{
		params:  p,
		threads: threads,
		lock:    l,
		cond:    sync.NewCond(l),
		queues:  make(map[queueKey]*agentQueue),
		owner:   make(map[uint64]*agentQueue),
		done:    make(chan struct{}),
	}

	for i := 0; i < threads; i++ {
		d.g.Go(d.work)
	}
	go func() {
		if err := d.g.Wait(); err != nil {
			d.err.Store(&err)
			d.params.ReportFault(err)
		}
		close(d.done)
	}()
	return d
}

func (d *Dispatcher) push(q *agentQueue, dm disp.Demand) {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return
	}
	q.items.PushBack(dm)
	if !q.scheduled {
		q.scheduled = true
		d.ready = append(d.ready, q)
		d.lock.Unlock()
		d.cond.Signal()
		return
	}
	d.lock.Unlock()
}

func (d *Dispatcher) work() error {
	batch := make([]disp.Demand, 0, DefaultMaxDemandsAtOnce)
	for {
		q, ok := d.takeBatch(&batch)
		if !ok {
			return nil
		}

		d.busy.Add(1)
		for i, dm := range batch {
			if err := disp.SafeRun(dm); err != nil {
				d.busy.Add(-1)
				clear(batch[i:])
				d.Shutdown()
				return fmt.Errorf("%s: %w", d.params.Name, err)
			}
		}
		d.busy.Add(-1)
		clear(batch)

		d.release(q)
	}
}

// takeBatch waits for a ready queue and moves up to its batch size of
// demands into batch.
func (d *Dispatcher) takeBatch(batch *[]disp.Demand) (*agentQueue, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	for len(d.ready) == 0 && !d.closed {
		d.cond.Wait()
	}
	if d.closed {
		return nil, false
	}

	q := d.ready[0]
	d.ready[0] = nil
	d.ready = d.ready[1:]

	*batch = (*batch)[:0]
	for i := 0; i < q.maxAtOnce && q.items.Len() > 0; i++ {
		*batch = append(*batch, q.items.PopFront())
	}
	return q, true
}

func (d *Dispatcher) release(q *agentQueue) {
	d.lock.Lock()
	if q.items.Len() > 0 && !d.closed {
		d.ready = append(d.ready, q)
		d.lock.Unlock()
		d.cond.Signal()
		return
	}
	q.scheduled = false
	d.lock.Unlock()
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string { return d.params.Name }

// Threads returns the number of workers.
func (d *Dispatcher) Threads() int { return d.threads }

// Binder returns a binder using p.
func (d *Dispatcher) Binder(p BindParams) disp.Binder {
	if p.MaxDemandsAtOnce <= 0 {
		p.MaxDemandsAtOnce = DefaultMaxDemandsAtOnce
	}
	return &binder{d: d, params: p}
}

// Shutdown wakes all workers and makes them exit.
func (d *Dispatcher) Shutdown() {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return
	}
	d.closed = true
	d.ready = nil
	for _, q := range d.queues {
		q.items.Clear()
	}
	d.lock.Unlock()
	d.cond.Broadcast()
}

// Wait blocks until every worker exits.
func (d *Dispatcher) Wait() { <-d.done }

// Err returns the first worker fault, if any.
func (d *Dispatcher) Err() error {
	if p := d.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats returns a snapshot of the dispatcher.
func (d *Dispatcher) Stats() disp.Stats {
	d.lock.Lock()
	defer d.lock.Unlock()

	st := disp.Stats{
		Name:        d.params.Name,
		Kind:        Kind,
		Workers:     d.threads,
		BusyWorkers: int(d.busy.Load()),
		Agents:      len(d.owner),
	}
	for _, q := range d.queues {
		st.Queues = append(st.Queues, disp.QueueStats{
			Name:   q.name,
			Size:   q.items.Len(),
			Agents: q.refs,
		})
	}
	sort.Slice(st.Queues, func(i, j int) bool { return st.Queues[i].Name < st.Queues[j].Name })
	return st
}

type binder struct {
	d      *Dispatcher
	params BindParams
}

func (b *binder) key(a disp.Agent) queueKey {
	if b.params.Fifo == FifoIndividual {
		return queueKey{fifo: FifoIndividual, id: a.ID()}
	}
	return queueKey{fifo: FifoCooperation, id: a.CoopID()}
}

func (b *binder) Preallocate(a disp.Agent) error {
	d := b.d
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return disp.ErrShutdown
	}
	k := b.key(a)
	q, ok := d.queues[k]
	if !ok {
		q = &agentQueue{
			name:      fmt.Sprintf("%s/%s-%d", d.params.Name, k.fifo, k.id),
			maxAtOnce: b.params.MaxDemandsAtOnce,
		}
		d.queues[k] = q
	}
	q.refs++
	d.owner[a.ID()] = q
	return nil
}

func (b *binder) UndoPreallocation(a disp.Agent) {
	b.d.dropAgent(a)
}

func (b *binder) Bind(a disp.Agent) {
	d := b.d
	d.lock.Lock()
	q := d.owner[a.ID()]
	d.lock.Unlock()
	if q == nil {
		return
	}
	a.BindQueue(boundQueue{d: d, q: q})
}

func (b *binder) Unbind(a disp.Agent) {
	b.d.dropAgent(a)
}

func (d *Dispatcher) dropAgent(a disp.Agent) {
	d.lock.Lock()
	defer d.lock.Unlock()

	q, ok := d.owner[a.ID()]
	if !ok {
		return
	}
	delete(d.owner, a.ID())
	q.refs--
	if q.refs > 0 {
		return
	}
	for k, v := range d.queues {
		if v == q {
			delete(d.queues, k)
			break
		}
	}
}
