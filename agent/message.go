package agent

import (
	"reflect"
)

// envelope carries one message through delivery. A new envelope is built
// for every redirect or transform hop.
type envelope struct {
	payload any
	typ     reflect.Type
	mutable bool
	reply   *replySlot
}

func newEnvelope(msg any, mutable bool) (*envelope, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	return &envelope{
		payload: msg,
		typ:     reflect.TypeOf(msg),
		mutable: mutable,
	}, nil
}

// MessageType returns the type key used for subscriptions and limits.
func MessageType[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

type replyResult struct {
	value any
	err   error
}

// replySlot accepts the first reply only.
type replySlot struct {
	ch chan replyResult
}

func newReplySlot() *replySlot {
	return &replySlot{ch: make(chan replyResult, 1)}
}

func (s *replySlot) put(v any, err error) {
	select {
	case s.ch <- replyResult{value: v, err: err}:
	default:
	}
}

// Transformed is the result of a transform limit reaction: a new message
// bound for another mbox.
type Transformed struct {
	to  Mbox
	env *envelope
}

// MakeTransformed builds an immutable transformed message.
func MakeTransformed(to Mbox, msg any) Transformed {
	env, _ := newEnvelope(msg, false)
	return Transformed{to: to, env: env}
}

// MakeTransformedMutable builds a mutable transformed message.
func MakeTransformedMutable(to Mbox, msg any) Transformed {
	env, _ := newEnvelope(msg, true)
	return Transformed{to: to, env: env}
}
