// Package quotedrr implements a single-worker priority dispatcher that
// visits priorities from highest to lowest in rotation and runs at most the
// configured quote of demands on each visit. Every priority with pending
// work is serviced once per round, which bounds the latency of low
// priorities.
package quotedrr

import (
	"errors"
	"fmt"

	"github.com/aixgo-dev/agentcore/pkg/disp"
	"github.com/aixgo-dev/agentcore/pkg/disp/prio"
)

// Kind is reported in Stats.
const Kind = "prio_quoted_round_robin"

// ErrIllegalQuote is returned for a zero or negative quote.
var ErrIllegalQuote = errors.New("priority quote must be positive")

// Quotes holds the per-priority number of demands processed per visit.
type Quotes struct {
	values [disp.PriorityCount]int
}

// NewQuotes sets every priority to def.
func NewQuotes(def int) (Quotes, error) {
	var q Quotes
	if def <= 0 {
		return q, fmt.Errorf("%w: %d", ErrIllegalQuote, def)
	}
	for i := range q.values {
		q.values[i] = def
	}
	return q, nil
}

// Set overrides the quote of one priority.
func (q Quotes) Set(p disp.Priority, v int) (Quotes, error) {
	if !p.Valid() {
		return q, fmt.Errorf("%w: %s", disp.ErrInvalidPriority, p)
	}
	if v <= 0 {
		return q, fmt.Errorf("%w: %s=%d", ErrIllegalQuote, p, v)
	}
	q.values[p] = v
	return q, nil
}

// Get returns the quote of p.
func (q Quotes) Get(p disp.Priority) int {
	return q.values[p]
}

// Dispatcher is a quoted-round-robin priority dispatcher.
type Dispatcher struct {
	params disp.Params
	quotes Quotes
	set    *prio.QueueSet
	worker *prio.Worker
}

// New creates the dispatcher and starts its worker.
func New(quotes Quotes, opts ...disp.Option) *Dispatcher {
	p := disp.NewParams(Kind, opts...)
	set := prio.NewQueueSet(p.Lock)
	d := &Dispatcher{
		params: p,
		quotes: quotes,
		set:    set,
	}
	d.worker = prio.StartWorker(set, p, newRoundRobin(quotes).pick)
	return d
}

// roundRobin is only touched by the worker goroutine under the set lock.
type roundRobin struct {
	order  []disp.Priority
	quotes Quotes
	cur    int
	taken  int
}

func newRoundRobin(q Quotes) *roundRobin {
	return &roundRobin{order: disp.Descending(), quotes: q}
}

func (r *roundRobin) pick(p *prio.Picker) disp.Demand {
	for {
		pr := r.order[r.cur]
		if r.taken < r.quotes.Get(pr) && p.Len(pr) > 0 {
			r.taken++
			return p.Pop(pr)
		}
		r.cur = (r.cur + 1) % len(r.order)
		r.taken = 0
	}
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string { return d.params.Name }

// Quotes returns the configured quotes.
func (d *Dispatcher) Quotes() Quotes { return d.quotes }

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
