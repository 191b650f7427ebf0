// Package subscr holds the per-agent subscription tables. A table maps
// (mbox, message type, state) to a handler. Several storage strategies are
// available; they differ only in lookup cost and memory use.
package subscr

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrDuplicate is returned when a key is already present.
var ErrDuplicate = errors.New("duplicate subscription")

// Key identifies one subscription.
type Key struct {
	Mbox  uint64
	Type  reflect.Type
	State uint64
}

func (k Key) String() string {
	return fmt.Sprintf("mbox=%d type=%v state=%d", k.Mbox, k.Type, k.State)
}

// Entry is one stored subscription.
type Entry[H any] struct {
	Key
	Handler H
}

// Storage is a subscription table. Implementations are not safe for
// concurrent use; the owning agent guards them.
type Storage[H any] interface {
	Add(k Key, h H) error
	Remove(k Key) bool
	Find(k Key) (H, bool)
	Entries() []Entry[H]
	Len() int
	Clear()
}

// Kind selects a storage strategy.
type Kind int

const (
	// KindAdaptive starts as a vector and moves to a hash table once it grows.
	KindAdaptive Kind = iota
	KindVector
	KindSorted
	KindHash
)

// DefaultThreshold is the size at which the adaptive storage switches.
const DefaultThreshold = 8

func (k Kind) String() string {
	switch k {
	case KindVector:
		return "vector"
	case KindSorted:
		return "map"
	case KindHash:
		return "hash"
	default:
		return "adaptive"
	}
}

// ParseKind accepts the names returned by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "adaptive":
		return KindAdaptive, nil
	case "vector":
		return KindVector, nil
	case "map", "sorted":
		return KindSorted, nil
	case "hash":
		return KindHash, nil
	}
	return KindAdaptive, fmt.Errorf("unknown subscription storage %q", s)
}

// New creates an empty storage of the given kind.
func New[H any](kind Kind) Storage[H] {
	switch kind {
	case KindVector:
		return &vector[H]{}
	case KindSorted:
		return &sorted[H]{}
	case KindHash:
		return newHash[H]()
	default:
		return NewAdaptive[H](DefaultThreshold)
	}
}
