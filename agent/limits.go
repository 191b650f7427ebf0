package agent

import (
	"fmt"
	"reflect"
	"sync/atomic"
)

// MaxRedirectionDepth bounds redirect and transform chains.
const MaxRedirectionDepth = 32

var anyType = reflect.TypeFor[any]()

type overflowKind int

const (
	overflowDrop overflowKind = iota
	overflowDropLogged
	overflowAbort
	overflowLogAbort
	overflowRedirect
	overflowTransform
)

func (k overflowKind) String() string {
	return [...]string{"drop", "drop_logged", "abort", "log_then_abort", "redirect", "transform"}[k]
}

// Limit caps the number of pending demands of one message type for an
// agent. A limit declared for type any applies to every type without an
// explicit limit.
type Limit struct {
	typ       reflect.Type
	max       int64
	kind      overflowKind
	logFn     func(msg any)
	redirect  func() Mbox
	transform func(msg any) Transformed
}

// Type returns the limited message type.
func (l Limit) Type() reflect.Type { return l.typ }

// Max returns the limit value.
func (l Limit) Max() int { return int(l.max) }

func newLimit[T any](max int, kind overflowKind) Limit {
	return Limit{typ: reflect.TypeFor[T](), max: int64(max), kind: kind}
}

// LimitThenDrop silently discards messages over the limit.
func LimitThenDrop[T any](max int) Limit {
	return newLimit[T](max, overflowDrop)
}

// LimitThenDropLogged discards messages over the limit with a throttled
// warning.
func LimitThenDropLogged[T any](max int) Limit {
	return newLimit[T](max, overflowDropLogged)
}

// LimitThenAbort aborts the process when the limit is exceeded.
func LimitThenAbort[T any](max int) Limit {
	return newLimit[T](max, overflowAbort)
}

// LimitThenLogAbort calls logFn with the offending message, then aborts.
func LimitThenLogAbort[T any](max int, logFn func(msg T)) Limit {
	l := newLimit[T](max, overflowLogAbort)
	l.logFn = func(msg any) { logFn(msg.(T)) }
	return l
}

// LimitThenRedirect re-delivers messages over the limit to the mbox
// returned by to.
func LimitThenRedirect[T any](max int, to func() Mbox) Limit {
	l := newLimit[T](max, overflowRedirect)
	l.redirect = to
	return l
}

// LimitThenTransform replaces messages over the limit with the result of fn.
func LimitThenTransform[T any](max int, fn func(msg T) Transformed) Limit {
	l := newLimit[T](max, overflowTransform)
	l.transform = func(msg any) Transformed { return fn(msg.(T)) }
	return l
}

type limitCounter struct {
	Limit
	count atomic.Int64
}

func (c *limitCounter) acquire() bool {
	if c.count.Add(1) > c.max {
		c.count.Add(-1)
		return false
	}
	return true
}

func (c *limitCounter) release() { c.count.Add(-1) }

type limitTable struct {
	byType map[reflect.Type]*limitCounter
	any    *limitCounter
}

func newLimitTable(limits []Limit) (*limitTable, error) {
	if len(limits) == 0 {
		return nil, nil
	}
	t := &limitTable{byType: make(map[reflect.Type]*limitCounter, len(limits))}
	for _, l := range limits {
		if l.max < 0 {
			return nil, fmt.Errorf("negative message limit for %s", typeName(l.typ))
		}
		c := &limitCounter{Limit: l}
		if l.typ == anyType {
			if t.any != nil {
				return nil, fmt.Errorf("%w: any", ErrDuplicateLimit)
			}
			t.any = c
			continue
		}
		if _, dup := t.byType[l.typ]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLimit, typeName(l.typ))
		}
		t.byType[l.typ] = c
	}
	return t, nil
}

func (t *limitTable) lookup(typ reflect.Type) *limitCounter {
	if t == nil {
		return nil
	}
	if c, ok := t.byType[typ]; ok {
		return c
	}
	return t.any
}

// overflow applies the reaction of c to a message that did not fit.
func (a *Agent) overflow(c *limitCounter, e *envelope, depth int) error {
	ev := TraceEvent{
		Agent:   a.name,
		AgentID: a.id,
		Coop:    a.coop.name,
		MsgType: typeName(e.typ),
		Detail:  fmt.Sprintf("limit=%d reaction=%s", c.max, c.kind),
	}

	switch c.kind {
	case overflowDrop:
		ev.Kind = TraceOverflowDrop
		a.env.trace(ev)
		return nil

	case overflowDropLogged:
		ev.Kind = TraceOverflowDrop
		a.env.trace(ev)
		a.env.logDrop(a, e.typ, c.max)
		return nil

	case overflowLogAbort, overflowAbort:
		ev.Kind = TraceOverflowAbort
		a.env.trace(ev)
		if c.logFn != nil {
			a.env.safeCall("limit log callback", func() { c.logFn(e.payload) })
		}
		err := fmt.Errorf("%w: %s for agent %s (limit %d)", ErrMessageLimitExceeded, typeName(e.typ), a.name, c.max)
		a.env.abort(err)
		return err

	case overflowRedirect:
		if err := a.checkDepth(e, depth); err != nil {
			return err
		}
		var to Mbox
		a.env.safeCall("limit redirect", func() { to = c.redirect() })
		if to == nil {
			a.env.logger.Warn("redirect produced no mbox", "agent", a.name, "type", typeName(e.typ))
			ev.Kind = TraceOverflowDrop
			a.env.trace(ev)
			return nil
		}
		ev.Kind = TraceRedirected
		ev.MboxID = to.ID()
		a.env.trace(ev)
		hop := &envelope{payload: e.payload, typ: e.typ, mutable: e.mutable, reply: e.reply}
		return to.deliver(hop, depth+1)

	case overflowTransform:
		if err := a.checkDepth(e, depth); err != nil {
			return err
		}
		var tr Transformed
		a.env.safeCall("limit transform", func() { tr = c.transform(e.payload) })
		if tr.to == nil || tr.env == nil {
			a.env.logger.Warn("transform produced no message", "agent", a.name, "type", typeName(e.typ))
			return nil
		}
		ev.Kind = TraceTransformed
		ev.MboxID = tr.to.ID()
		a.env.trace(ev)
		return tr.to.deliver(tr.env, depth+1)
	}
	return nil
}

func (a *Agent) checkDepth(e *envelope, depth int) error {
	if depth < MaxRedirectionDepth {
		return nil
	}
	err := violation(ErrRedirectDepth, "%s at agent %s after %d hops", typeName(e.typ), a.name, depth)
	a.env.abort(err)
	return err
}
