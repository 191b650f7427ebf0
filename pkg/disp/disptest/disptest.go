// Package disptest provides fake agents for exercising dispatchers without
// the full agent runtime.
package disptest

import (
	"sync"
	"sync/atomic"

	"github.com/aixgo-dev/agentcore/pkg/disp"
)

var nextID atomic.Uint64

// Agent records the payloads it executes and detects overlapping demands.
type Agent struct {
	id       uint64
	coopID   uint64
	priority disp.Priority

	mu       sync.Mutex
	queue    disp.EventQueue
	handled  []any
	inFlight atomic.Int32
	overlaps atomic.Int32

	// OnDemand, if set, runs inside HandleDemand before the payload is recorded.
	OnDemand func(payload any)
}

// NewAgent creates a fake agent belonging to coopID.
func NewAgent(coopID uint64, prio disp.Priority) *Agent {
	return &Agent{
		id:       nextID.Add(1),
		coopID:   coopID,
		priority: prio,
	}
}

func (a *Agent) ID() uint64              { return a.id }
func (a *Agent) CoopID() uint64          { return a.coopID }
func (a *Agent) Priority() disp.Priority { return a.priority }

func (a *Agent) BindQueue(q disp.EventQueue) {
	a.mu.Lock()
	a.queue = q
	a.mu.Unlock()
}

// Queue returns the bound queue or nil.
func (a *Agent) Queue() disp.EventQueue {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue
}

// Push sends payload through the bound queue.
func (a *Agent) Push(payload any) {
	a.Queue().Push(disp.Demand{Receiver: a, Payload: payload})
}

func (a *Agent) HandleDemand(payload any) {
	if a.inFlight.Add(1) > 1 {
		a.overlaps.Add(1)
	}
	defer a.inFlight.Add(-1)

	if a.OnDemand != nil {
		a.OnDemand(payload)
	}
	a.mu.Lock()
	a.handled = append(a.handled, payload)
	a.mu.Unlock()
}

// Handled returns a copy of the executed payloads in execution order.
func (a *Agent) Handled() []any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]any, len(a.handled))
	copy(out, a.handled)
	return out
}

// Count returns how many demands were executed.
func (a *Agent) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handled)
}

// Overlaps returns how many times two demands of this agent ran at once.
func (a *Agent) Overlaps() int {
	return int(a.overlaps.Load())
}

// BindAll preallocates and binds every agent, failing on the first error.
func BindAll(b disp.Binder, agents ...*Agent) error {
	for _, a := range agents {
		if err := b.Preallocate(a); err != nil {
			return err
		}
		b.Bind(a)
	}
	return nil
}
