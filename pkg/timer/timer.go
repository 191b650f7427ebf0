// Package timer runs delayed and periodic actions on one goroutine.
//
// Pending entries are kept in a time-ordered collection. On each wakeup the
// thread fires every entry whose deadline has passed. One-shot entries are
// discarded after firing; periodic entries are rescheduled for now+period.
package timer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrStopped is returned when scheduling on a stopped thread.
	ErrStopped = errors.New("timer thread stopped")
	// ErrInvalidPeriod is returned for a negative delay or period and for a
	// cron expression that never fires.
	ErrInvalidPeriod = errors.New("invalid timer delay or period")
)

// cronParser accepts standard 5-field expressions and descriptors like @every 5s.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ID identifies a scheduled entry. The zero ID is never issued.
type ID uint64

// Stats is a snapshot of pending entries.
type Stats struct {
	Single   int
	Periodic int
}

type entry struct {
	id     ID
	when   time.Time
	period time.Duration
	sched  cron.Schedule
	action func()
	index  int
}

func (e *entry) periodic() bool { return e.period > 0 || e.sched != nil }

// Thread owns the collection and the goroutine that fires entries.
type Thread struct {
	logger *slog.Logger
	coll   collection

	mu      sync.Mutex
	entries map[ID]*entry
	nextID  ID
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// Option configures a Thread.
type Option func(*Thread)

// WithCollection selects the entry collection.
func WithCollection(k CollectionKind) Option {
	return func(t *Thread) { t.coll = newCollection(k) }
}

// WithLogger sets the logger used for action panics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Thread) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates and starts a timer thread.
func New(opts ...Option) *Thread {
	t := &Thread{
		logger:  slog.Default(),
		coll:    newCollection(CollectionHeap),
		entries: make(map[ID]*entry),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "timer")
	go t.loop()
	return t
}

// Schedule runs action after delay. A positive period makes the entry
// periodic; it is rescheduled for now+period after each firing.
func (t *Thread) Schedule(action func(), delay, period time.Duration) (ID, error) {
	if delay < 0 || period < 0 {
		return 0, fmt.Errorf("%w: delay=%s period=%s", ErrInvalidPeriod, delay, period)
	}
	return t.add(&entry{
		when:   time.Now().Add(delay),
		period: period,
		action: action,
	})
}

// ScheduleCron runs action at every time matched by a cron expression.
func (t *Thread) ScheduleCron(action func(), expr string) (ID, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	next := sched.Next(time.Now())
	if next.IsZero() {
		return 0, fmt.Errorf("%w: cron expression %q never fires", ErrInvalidPeriod, expr)
	}
	return t.add(&entry{
		when:   next,
		sched:  sched,
		action: action,
	})
}

func (t *Thread) add(e *entry) (ID, error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return 0, ErrStopped
	}
	t.nextID++
	e.id = t.nextID
	t.entries[e.id] = e
	t.coll.push(e)
	t.mu.Unlock()

	t.notify()
	return e.id, nil
}

// Cancel removes an entry. Unknown, fired or already cancelled IDs are ignored.
func (t *Thread) Cancel(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return
	}
	delete(t.entries, id)
	t.coll.remove(e)
}

// Active reports whether id is still pending.
func (t *Thread) Active(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Stats returns the number of pending one-shot and periodic entries.
func (t *Thread) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var st Stats
	for _, e := range t.entries {
		if e.periodic() {
			st.Periodic++
		} else {
			st.Single++
		}
	}
	return st
}

// Stop discards pending entries and waits for the goroutine to exit.
// An action running at that moment is allowed to finish.
func (t *Thread) Stop() {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		t.entries = make(map[ID]*entry)
		t.coll.clear()
		close(t.quit)
	}
	t.mu.Unlock()
	<-t.done
}

func (t *Thread) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

const idleWait = time.Hour

func (t *Thread) loop() {
	defer close(t.done)

	tm := time.NewTimer(idleWait)
	defer tm.Stop()

	for {
		fire, wait := t.collect(time.Now())
		for _, action := range fire {
			t.run(action)
		}
		if len(fire) > 0 {
			// Actions may have taken a while; re-check before sleeping.
			continue
		}
		tm.Reset(wait)
		select {
		case <-t.quit:
			return
		case <-t.wake:
		case <-tm.C:
		}
	}
}

// collect pops every due entry and returns their actions along with the
// time until the next deadline.
func (t *Thread) collect(now time.Time) ([]func(), time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var fire []func()
	for {
		e := t.coll.peek()
		if e == nil {
			return fire, idleWait
		}
		if e.when.After(now) {
			return fire, e.when.Sub(now)
		}
		t.coll.pop()
		fire = append(fire, e.action)
		switch {
		case e.sched != nil:
			// A zero time means the schedule has no further matches.
			if e.when = e.sched.Next(now); e.when.IsZero() {
				delete(t.entries, e.id)
				continue
			}
			t.coll.push(e)
		case e.period > 0:
			e.when = now.Add(e.period)
			t.coll.push(e)
		default:
			delete(t.entries, e.id)
		}
	}
}

func (t *Thread) run(action func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("timer action panicked", "panic", r)
		}
	}()
	action()
}
