package disp

import "sync"

// Queue is an unbounded FIFO of demands with blocking Pop.
//
// It implements EventQueue and is the building block of the one-thread,
// active-object, active-group and one-thread-per-priority dispatchers.
type Queue struct {
	lock   sync.Locker
	cond   *sync.Cond
	items  deque
	closed bool
}

// NewQueue creates a queue guarded by a lock from f.
func NewQueue(f LockFactory) *Queue {
	if f == nil {
		f = SimpleLockFactory()
	}
	l := f()
	return &Queue{
		lock: l,
		cond: sync.NewCond(l),
	}
}

// Push appends d. Demands pushed after Close are discarded.
func (q *Queue) Push(d Demand) {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return
	}
	q.items.pushBack(d)
	q.lock.Unlock()
	q.cond.Signal()
}

// Pop blocks until a demand is available or the queue is closed.
// The second result is false once the queue is closed.
func (q *Queue) Pop() (Demand, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	for q.items.len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return Demand{}, false
	}
	return q.items.popFront(), true
}

// Close wakes up all waiters. Pending demands are dropped.
func (q *Queue) Close() {
	q.lock.Lock()
	q.closed = true
	q.items = deque{}
	q.lock.Unlock()
	q.cond.Broadcast()
}

// Len returns the number of pending demands.
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.items.len()
}

// deque is a slice-backed FIFO. Not safe for concurrent use.
type deque struct {
	buf  []Demand
	head int
}

func (d *deque) len() int {
	return len(d.buf) - d.head
}

func (d *deque) pushBack(v Demand) {
	d.buf = append(d.buf, v)
}

func (d *deque) popFront() Demand {
	v := d.buf[d.head]
	d.buf[d.head] = Demand{}
	d.head++
	if d.head == len(d.buf) {
		d.buf = d.buf[:0]
		d.head = 0
	} else if d.head > 64 && d.head*2 > len(d.buf) {
		n := copy(d.buf, d.buf[d.head:])
		d.buf = d.buf[:n]
		d.head = 0
	}
	return v
}

// Deque is the exported form of deque for dispatchers that manage their own
// locking (thread pool, priority dispatchers).
type Deque struct {
	d deque
}

// Len returns the number of stored demands.
func (q *Deque) Len() int { return q.d.len() }

// PushBack appends v.
func (q *Deque) PushBack(v Demand) { q.d.pushBack(v) }

// PopFront removes and returns the oldest demand. The deque must not be empty.
func (q *Deque) PopFront() Demand { return q.d.popFront() }

// Clear drops all stored demands.
func (q *Deque) Clear() { q.d = deque{} }
