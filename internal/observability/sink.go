package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/agentcore/agent"
)

// SpanSink is an agent.Tracer that turns trace points into spans. Every
// registered cooperation gets a span that lives until the cooperation is
// deregistered; events of its agents are recorded on it as span events.
// Events without a live cooperation span become short standalone spans.
type SpanSink struct {
	tracer trace.Tracer

	mu    sync.Mutex
	coops map[string]trace.Span
}

// NewSpanSink creates a sink that starts spans with tracer.
func NewSpanSink(tracer trace.Tracer) *SpanSink {
	return &SpanSink{tracer: tracer, coops: make(map[string]trace.Span)}
}

var _ agent.Tracer = (*SpanSink)(nil)

// Trace records ev.
func (s *SpanSink) Trace(ev agent.TraceEvent) {
	key := ev.EnvID + "/" + ev.Coop
	attrs := eventAttributes(ev)

	switch ev.Kind {
	case agent.TraceCoopRegistered:
		_, span := s.tracer.Start(context.Background(), "coop "+ev.Coop,
			trace.WithTimestamp(ev.Time),
			trace.WithAttributes(attrs...),
		)
		s.mu.Lock()
		if old, ok := s.coops[key]; ok {
			old.End(trace.WithTimestamp(ev.Time))
		}
		s.coops[key] = span
		s.mu.Unlock()
		return

	case agent.TraceCoopDeregister:
		s.mu.Lock()
		span, ok := s.coops[key]
		delete(s.coops, key)
		s.mu.Unlock()
		if ok {
			span.SetAttributes(attribute.String("agentcore.dereg_reason", ev.Detail))
			span.End(trace.WithTimestamp(ev.Time))
		}
		return
	}

	s.mu.Lock()
	span, ok := s.coops[key]
	s.mu.Unlock()
	if !ok {
		_, span = s.tracer.Start(context.Background(), string(ev.Kind),
			trace.WithTimestamp(ev.Time),
			trace.WithAttributes(attrs...),
		)
		markError(span, ev)
		span.End(trace.WithTimestamp(ev.Time))
		return
	}
	span.AddEvent(string(ev.Kind), trace.WithTimestamp(ev.Time), trace.WithAttributes(attrs...))
	markError(span, ev)
}

// Open returns the number of cooperation spans not yet ended.
func (s *SpanSink) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.coops)
}

// Close ends every open cooperation span.
func (s *SpanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, span := range s.coops {
		span.End()
		delete(s.coops, key)
	}
}

func markError(span trace.Span, ev agent.TraceEvent) {
	if ev.Kind == agent.TraceOverflowAbort {
		span.SetStatus(codes.Error, ev.Detail)
	}
}

func eventAttributes(ev agent.TraceEvent) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("agentcore.env", ev.EnvID)}
	if ev.Coop != "" {
		attrs = append(attrs, attribute.String("agentcore.coop", ev.Coop))
	}
	if ev.Agent != "" {
		attrs = append(attrs,
			attribute.String("agentcore.agent", ev.Agent),
			attribute.Int64("agentcore.agent_id", int64(ev.AgentID)),
		)
	}
	if ev.MboxID != 0 {
		attrs = append(attrs, attribute.Int64("agentcore.mbox", int64(ev.MboxID)))
	}
	if ev.MsgType != "" {
		attrs = append(attrs, attribute.String("agentcore.msg_type", ev.MsgType))
	}
	if ev.State != "" {
		attrs = append(attrs, attribute.String("agentcore.state", ev.State))
	}
	if ev.Detail != "" {
		attrs = append(attrs, attribute.String("agentcore.detail", ev.Detail))
	}
	return attrs
}
