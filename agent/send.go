package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/aixgo-dev/agentcore/pkg/timer"
)

// Send delivers an immutable message to mb. The error reports contract
// violations and limit reactions that abort; a message that is dropped or
// rejected by a deregistering agent is not an error.
func Send(mb Mbox, msg any) error {
	e, err := newEnvelope(msg, false)
	if err != nil {
		return err
	}
	return mb.deliver(e, 0)
}

// SendMutable delivers a mutable message. It fails with a
// ContractViolation if more than one agent would receive it.
func SendMutable(mb Mbox, msg any) error {
	e, err := newEnvelope(msg, true)
	if err != nil {
		return err
	}
	return mb.deliver(e, 0)
}

// Timer is a handle to a delayed or periodic message.
type Timer struct {
	th *timer.Thread
	id timer.ID
}

// Cancel stops the timer. Cancelling a fired or cancelled timer is a no-op.
func (t Timer) Cancel() {
	if t.th != nil {
		t.th.Cancel(t.id)
	}
}

// Active reports whether the timer is still scheduled.
func (t Timer) Active() bool {
	return t.th != nil && t.th.Active(t.id)
}

func schedule(mb Mbox, msg any, mutable bool, delay, period time.Duration) (Timer, error) {
	if mutable && period > 0 {
		return Timer{}, ErrMutablePeriodic
	}
	if msg == nil {
		return Timer{}, ErrNilMessage
	}
	env := mb.environment()
	id, err := env.timer.Schedule(func() { env.timerDeliver(mb, msg, mutable) }, delay, period)
	if err != nil {
		return Timer{}, err
	}
	return Timer{th: env.timer, id: id}, nil
}

func (e *Environment) timerDeliver(mb Mbox, msg any, mutable bool) {
	env, err := newEnvelope(msg, mutable)
	if err == nil {
		err = mb.deliver(env, 0)
	}
	if err != nil {
		e.logger.Warn("timer delivery failed", "mbox", mb.ID(), "type", fmt.Sprintf("%T", msg), "error", err)
	}
}

// SendDelayed delivers msg to mb once after delay.
func SendDelayed(mb Mbox, msg any, delay time.Duration) (Timer, error) {
	return schedule(mb, msg, false, delay, 0)
}

// SendDelayedMutable delivers a mutable msg to mb once after delay.
func SendDelayedMutable(mb Mbox, msg any, delay time.Duration) (Timer, error) {
	return schedule(mb, msg, true, delay, 0)
}

// SendPeriodic delivers msg to mb after delay and then every period.
// A zero period sends once.
func SendPeriodic(mb Mbox, msg any, delay, period time.Duration) (Timer, error) {
	return schedule(mb, msg, false, delay, period)
}

// SendPeriodicMutable exists for symmetry with SendDelayedMutable: a
// mutable message can only be sent once, so a non-zero period fails with
// ErrMutablePeriodic.
func SendPeriodicMutable(mb Mbox, msg any, delay, period time.Duration) (Timer, error) {
	return schedule(mb, msg, true, delay, period)
}

// SendCron delivers msg to mb at every time matched by a cron expression.
func SendCron(mb Mbox, msg any, expr string) (Timer, error) {
	if msg == nil {
		return Timer{}, ErrNilMessage
	}
	env := mb.environment()
	id, err := env.timer.ScheduleCron(func() { env.timerDeliver(mb, msg, false) }, expr)
	if err != nil {
		return Timer{}, err
	}
	return Timer{th: env.timer, id: id}, nil
}

// Request sends msg to mb and waits for the first reply of a handler
// installed with SubscribeRequest. It returns ctx.Err() if no reply
// arrives in time, for example because the message was dropped.
func Request[R any](ctx context.Context, mb Mbox, msg any) (R, error) {
	var zero R
	e, err := newEnvelope(msg, false)
	if err != nil {
		return zero, err
	}
	e.reply = newReplySlot()
	if err := mb.deliver(e, 0); err != nil {
		return zero, err
	}

	select {
	case r := <-e.reply.ch:
		if r.err != nil {
			return zero, r.err
		}
		if r.value == nil {
			return zero, nil
		}
		v, ok := r.value.(R)
		if !ok {
			return zero, fmt.Errorf("%w: got %T", ErrReplyType, r.value)
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
