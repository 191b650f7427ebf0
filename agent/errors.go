package agent

import (
	"errors"
	"fmt"
)

// Configuration errors. These are returned synchronously from setup calls.
var (
	ErrDuplicateSubscription = errors.New("duplicate subscription")
	ErrDuplicateLimit        = errors.New("message limit already defined for type")
	ErrIllegalSubscriber     = errors.New("only the owner may subscribe to a direct mbox")
	ErrFilterOnDirectMbox    = errors.New("delivery filters are not supported on direct mboxes")
	ErrForeignState          = errors.New("state belongs to another agent")
	ErrStateNestingTooDeep   = errors.New("state nesting too deep")
	ErrDuplicateInitialState = errors.New("parent state already has an initial substate")
	ErrCoopAlreadyRegistered = errors.New("cooperation already registered")
	ErrCoopNotRegistered     = errors.New("cooperation not registered")
	ErrParentNotRegistered   = errors.New("parent cooperation not registered")
	ErrEmptyCoop             = errors.New("cooperation has no agents")
	ErrAgentDefinition       = errors.New("agent definition failed")
	ErrEnvironmentStopping   = errors.New("environment is stopping")
	ErrStopGuardRejected     = errors.New("stop already in progress")
	ErrMutablePeriodic       = errors.New("mutable message cannot be periodic")
	ErrNilMessage            = errors.New("message is nil")
	ErrNoHandler             = errors.New("no handler for request")
	ErrReplyType             = errors.New("reply has unexpected type")
	ErrHandlerPanic          = errors.New("handler panicked")
	ErrStateHook             = errors.New("state enter/exit hook failed")
	ErrMessageLimitExceeded  = errors.New("message limit exceeded")
	ErrDispatcherFault       = errors.New("dispatcher fault")
)

// Contract rules. A ContractViolation unwraps to one of these.
var (
	ErrMutableFanOut       = errors.New("mutable message has more than one recipient")
	ErrRedirectDepth       = errors.New("redirection depth exceeded")
	ErrConcurrentExecution = errors.New("agent executes two demands at once")
)

// ContractViolation reports a programming error detected by the runtime.
type ContractViolation struct {
	Rule   error
	Detail string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation: %v: %s", e.Rule, e.Detail)
}

func (e *ContractViolation) Unwrap() error {
	return e.Rule
}

func violation(rule error, format string, args ...any) *ContractViolation {
	return &ContractViolation{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}
