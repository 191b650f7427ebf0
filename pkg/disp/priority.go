package disp

import "fmt"

// Priority of an agent. Only priority dispatchers take it into account.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
	P4
	P5
	P6
	P7
)

const (
	// DefaultPriority is used for agents that do not ask for one.
	DefaultPriority = P0

	// PriorityCount is the number of distinct priorities.
	PriorityCount = 8
)

// Valid reports whether p is within [P0, P7].
func (p Priority) Valid() bool {
	return p >= P0 && p <= P7
}

func (p Priority) String() string {
	return fmt.Sprintf("p%d", int(p))
}

// ParsePriority converts "p0".."p7" or "0".."7" to a Priority.
func ParsePriority(s string) (Priority, error) {
	var n int
	if _, err := fmt.Sscanf(s, "p%d", &n); err != nil {
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return DefaultPriority, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
		}
	}
	p := Priority(n)
	if !p.Valid() {
		return DefaultPriority, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
	return p, nil
}

// Descending returns priorities from highest to lowest, the order in which
// priority dispatchers scan their queues.
func Descending() []Priority {
	return []Priority{P7, P6, P5, P4, P3, P2, P1, P0}
}
