package agent

import "fmt"

// ExceptionReaction decides what happens when a handler returns an error
// or panics. The zero value inherits from the cooperation, which inherits
// from the environment.
type ExceptionReaction int

const (
	Inherit ExceptionReaction = iota
	Abort
	ShutdownEnvironment
	DeregisterCoop
	Ignore
)

func (r ExceptionReaction) String() string {
	switch r {
	case Abort:
		return "abort"
	case ShutdownEnvironment:
		return "shutdown_environment"
	case DeregisterCoop:
		return "deregister_coop"
	case Ignore:
		return "ignore"
	default:
		return "inherit"
	}
}

// ParseExceptionReaction accepts the names returned by String.
func ParseExceptionReaction(s string) (ExceptionReaction, error) {
	for _, r := range []ExceptionReaction{Inherit, Abort, ShutdownEnvironment, DeregisterCoop, Ignore} {
		if r.String() == s {
			return r, nil
		}
	}
	if s == "" {
		return Inherit, nil
	}
	return Inherit, fmt.Errorf("unknown exception reaction %q", s)
}

// DeregReason is recorded when a cooperation is deregistered.
type DeregReason int

const (
	DeregNormal               DeregReason = 0
	DeregShutdown             DeregReason = 1
	DeregParentDeregistration DeregReason = 2
	DeregUnhandledException   DeregReason = 3
	DeregUnknownError         DeregReason = 4
	// DeregUserDefined is the first value free for application use.
	DeregUserDefined DeregReason = 0x1000
)

func (r DeregReason) String() string {
	switch r {
	case DeregNormal:
		return "normal"
	case DeregShutdown:
		return "shutdown"
	case DeregParentDeregistration:
		return "parent_deregistration"
	case DeregUnhandledException:
		return "unhandled_exception"
	case DeregUnknownError:
		return "unknown_error"
	}
	if r >= DeregUserDefined {
		return fmt.Sprintf("user_defined+%d", int(r-DeregUserDefined))
	}
	return fmt.Sprintf("reason(%d)", int(r))
}
