package subscr

// Adaptive uses a vector while small and a hash table once it holds more
// than the threshold. It moves back when it shrinks to half the threshold.
type Adaptive[H any] struct {
	threshold int
	small     *vector[H]
	large     *hash[H]
}

// NewAdaptive creates an adaptive storage. A threshold below 1 uses
// DefaultThreshold.
func NewAdaptive[H any](threshold int) *Adaptive[H] {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &Adaptive[H]{threshold: threshold, small: &vector[H]{}}
}

func (a *Adaptive[H]) current() Storage[H] {
	if a.large != nil {
		return a.large
	}
	return a.small
}

// Large reports whether the hash table is in use.
func (a *Adaptive[H]) Large() bool { return a.large != nil }

func (a *Adaptive[H]) Add(k Key, h H) error {
	if err := a.current().Add(k, h); err != nil {
		return err
	}
	if a.large == nil && a.small.Len() > a.threshold {
		a.large = newHash[H]()
		for _, e := range a.small.items {
			a.large.items[e.Key] = e.Handler
		}
		a.small = nil
	}
	return nil
}

func (a *Adaptive[H]) Remove(k Key) bool {
	if !a.current().Remove(k) {
		return false
	}
	if a.large != nil && a.large.Len() <= a.threshold/2 {
		a.small = &vector[H]{items: a.large.Entries()}
		a.large = nil
	}
	return true
}

func (a *Adaptive[H]) Find(k Key) (H, bool) { return a.current().Find(k) }

func (a *Adaptive[H]) Entries() []Entry[H] { return a.current().Entries() }

func (a *Adaptive[H]) Len() int { return a.current().Len() }

func (a *Adaptive[H]) Clear() {
	a.small = &vector[H]{}
	a.large = nil
}
