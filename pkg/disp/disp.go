// Package disp defines the contract between agents and dispatchers.
//
// A dispatcher owns one or more worker goroutines and one or more event
// queues. Agents are attached to a dispatcher through a Binder at
// cooperation registration time. After binding, every demand for an agent is
// pushed into the EventQueue the binder handed to it, and a worker of the
// dispatcher eventually runs it.
//
// Every dispatcher in the subpackages guarantees that demands pushed into the
// same EventQueue are executed in push order and that at most one demand of a
// queue is running at any moment. Agents rely on that to run handlers
// without locks.
package disp

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrShutdown is returned when a binder is used after its dispatcher was shut down.
	ErrShutdown = errors.New("dispatcher is shut down")

	// ErrUnknownAgent is returned when a binder is asked about an agent it never saw.
	ErrUnknownAgent = errors.New("agent is not known to dispatcher")

	// ErrInvalidPriority is returned for priorities outside [P0, P7].
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrWorkerFault marks a panic that escaped a worker loop.
	ErrWorkerFault = errors.New("dispatcher worker fault")
)

// Receiver executes demands. Agents implement it.
type Receiver interface {
	HandleDemand(payload any)
}

// Demand is one pending unit of work for a receiver.
type Demand struct {
	Receiver Receiver
	Payload  any
}

// Run executes the demand on the calling goroutine.
func (d Demand) Run() {
	d.Receiver.HandleDemand(d.Payload)
}

// EventQueue is the only hand-off point between producers and workers.
// Push must be safe for concurrent use.
type EventQueue interface {
	Push(d Demand)
}

// Agent is the view of an agent that dispatchers need for binding.
type Agent interface {
	ID() uint64
	CoopID() uint64
	Priority() Priority
	BindQueue(q EventQueue)
}

// Binder attaches agents to a particular dispatcher.
//
// Preallocate reserves resources (worker goroutines, queues) and may fail.
// UndoPreallocation releases them when cooperation registration is rolled
// back. Bind cannot fail and hands the queue to the agent. Unbind releases
// what Preallocate reserved after the agent has finished its work.
type Binder interface {
	Preallocate(a Agent) error
	UndoPreallocation(a Agent)
	Bind(a Agent)
	Unbind(a Agent)
}

// Dispatcher is the common surface of every dispatcher kind.
type Dispatcher interface {
	Name() string
	// Shutdown stops accepting new bindings and tells workers to exit.
	Shutdown()
	// Wait blocks until every worker goroutine has exited.
	Wait()
	// Err reports a worker fault, if one happened.
	Err() error
	Stats() Stats
}

// Stats is a point-in-time snapshot of a dispatcher.
type Stats struct {
	Name        string
	Kind        string
	Workers     int
	BusyWorkers int
	Agents      int
	Queues      []QueueStats
}

// QueueStats describes one event queue of a dispatcher.
type QueueStats struct {
	Name   string
	Size   int
	Agents int
}

// TotalQueued returns the number of pending demands across all queues.
func (s Stats) TotalQueued() int {
	total := 0
	for _, q := range s.Queues {
		total += q.Size
	}
	return total
}

// Params holds settings shared by every dispatcher kind.
type Params struct {
	Name    string
	Lock    LockFactory
	Logger  *slog.Logger
	OnError func(name string, err error)
}

// Option configures Params.
type Option func(*Params)

// WithName sets the dispatcher name used in logs and statistics.
func WithName(name string) Option {
	return func(p *Params) {
		p.Name = name
	}
}

// WithLockFactory selects the queue locking strategy.
func WithLockFactory(f LockFactory) Option {
	return func(p *Params) {
		p.Lock = f
	}
}

// WithLogger sets the logger for worker faults and lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(p *Params) {
		p.Logger = l
	}
}

// WithErrorHandler installs a callback for dispatcher-level faults.
func WithErrorHandler(fn func(name string, err error)) Option {
	return func(p *Params) {
		p.OnError = fn
	}
}

// NewParams applies opts over defaults. kind is used for the default name.
func NewParams(kind string, opts ...Option) Params {
	p := Params{
		Name: kind,
		Lock: SimpleLockFactory(),
	}
	for _, opt := range opts {
		opt(&p)
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	p.Logger = p.Logger.With("component", "dispatcher", "dispatcher", p.Name)
	return p
}

// ReportFault logs a worker fault and forwards it to OnError.
func (p Params) ReportFault(err error) {
	p.Logger.Error("dispatcher worker terminated", "error", err)
	if p.OnError != nil {
		p.OnError(p.Name, err)
	}
}

// SafeRun runs a demand and converts a panic escaping it into an error.
// Agents recover their own handler panics, so anything caught here is a
// fault of the dispatcher machinery itself.
func SafeRun(d Demand) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerFault, r)
		}
	}()
	d.Run()
	return nil
}
