// Package prio holds the queue set shared by the single-worker priority
// dispatchers. Each priority has its own FIFO; all of them are guarded by
// one lock so a worker can choose the next demand atomically.
package prio

import (
	"sync"

	"github.com/aixgo-dev/agentcore/pkg/disp"
)

// QueueSet is eight FIFOs, one per priority.
type QueueSet struct {
	lock   sync.Locker
	cond   *sync.Cond
	queues [disp.PriorityCount]disp.Deque
	agents [disp.PriorityCount]int
	total  int
	closed bool
}

// NewQueueSet creates an empty set.
func NewQueueSet(f disp.LockFactory) *QueueSet {
	if f == nil {
		f = disp.SimpleLockFactory()
	}
	l := f()
	return &QueueSet{lock: l, cond: sync.NewCond(l)}
}

// Queue returns the EventQueue for priority p.
func (s *QueueSet) Queue(p disp.Priority) disp.EventQueue {
	return priorityQueue{set: s, prio: p}
}

type priorityQueue struct {
	set  *QueueSet
	prio disp.Priority
}

func (q priorityQueue) Push(d disp.Demand) {
	s := q.set
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.queues[q.prio].PushBack(d)
	s.total++
	s.lock.Unlock()
	s.cond.Signal()
}

// Next blocks until some queue is not empty, then lets pick choose the
// demand while the lock is held. pick must pop exactly one demand through
// the Picker it receives. Returns false when the set is closed.
func (s *QueueSet) Next(pick func(p *Picker) disp.Demand) (disp.Demand, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for s.total == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return disp.Demand{}, false
	}
	d := pick(&Picker{set: s})
	s.total--
	return d, true
}

// Picker gives a selection policy access to the queues while the set is locked.
type Picker struct {
	set *QueueSet
}

// Len returns the number of demands waiting at priority p.
func (p *Picker) Len(prio disp.Priority) int {
	return p.set.queues[prio].Len()
}

// Pop removes the oldest demand at priority p. The queue must not be empty.
func (p *Picker) Pop(prio disp.Priority) disp.Demand {
	return p.set.queues[prio].PopFront()
}

// Close drops pending demands and wakes the worker.
func (s *QueueSet) Close() {
	s.lock.Lock()
	s.closed = true
	for i := range s.queues {
		s.queues[i].Clear()
	}
	s.total = 0
	s.lock.Unlock()
	s.cond.Broadcast()
}

// Closed reports whether Close was called.
func (s *QueueSet) Closed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// AddAgent adjusts the number of agents bound at priority p by delta.
func (s *QueueSet) AddAgent(p disp.Priority, delta int) {
	s.lock.Lock()
	s.agents[p] += delta
	s.lock.Unlock()
}

// Stats lists one QueueStats per priority, highest first.
func (s *QueueSet) Stats(prefix string) ([]disp.QueueStats, int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	out := make([]disp.QueueStats, 0, disp.PriorityCount)
	agents := 0
	for _, p := range disp.Descending() {
		out = append(out, disp.QueueStats{
			Name:   prefix + "/" + p.String(),
			Size:   s.queues[p].Len(),
			Agents: s.agents[p],
		})
		agents += s.agents[p]
	}
	return out, agents
}
