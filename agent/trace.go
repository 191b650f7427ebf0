package agent

import (
	"reflect"
	"time"
)

// TraceKind names a point at which the runtime reports to a Tracer.
type TraceKind string

const (
	TraceDelivered      TraceKind = "delivered"
	TraceRejected       TraceKind = "rejected"
	TraceHandled        TraceKind = "handled"
	TraceNoHandler      TraceKind = "no_handler"
	TraceDeadletter     TraceKind = "deadletter"
	TraceOverflowDrop   TraceKind = "overflow_drop"
	TraceOverflowAbort  TraceKind = "overflow_abort"
	TraceRedirected     TraceKind = "redirected"
	TraceTransformed    TraceKind = "transformed"
	TraceFiltered       TraceKind = "filtered"
	TraceStateChanged   TraceKind = "state_changed"
	TraceCoopRegistered TraceKind = "coop_registered"
	TraceCoopDeregister TraceKind = "coop_deregistered"
)

// TraceEvent describes one traced point.
type TraceEvent struct {
	Kind    TraceKind
	Time    time.Time
	EnvID   string
	Agent   string
	AgentID uint64
	Coop    string
	MboxID  uint64
	MsgType string
	State   string
	Detail  string
}

// Tracer receives trace events synchronously. A Tracer must not block.
type Tracer interface {
	Trace(ev TraceEvent)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(ev TraceEvent)

func (f TracerFunc) Trace(ev TraceEvent) { f(ev) }

// TraceFilter selects events passed to the Tracer.
type TraceFilter func(ev TraceEvent) bool

func typeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	return t.String()
}

func (e *Environment) trace(ev TraceEvent) {
	if e.tracer == nil {
		return
	}
	ev.Time = time.Now()
	ev.EnvID = e.id
	if e.traceFilter != nil && !e.safeFilter(ev) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("tracer panicked", "panic", r)
		}
	}()
	e.tracer.Trace(ev)
}

func (e *Environment) safeFilter(ev TraceEvent) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("trace filter panicked", "panic", r)
			ok = false
		}
	}()
	return e.traceFilter(ev)
}
