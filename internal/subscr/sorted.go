package subscr

import (
	"cmp"
	"slices"
)

// sorted keeps entries ordered by (mbox, state, type name). Distinct types
// may share a name, so a lookup scans the run of equal-ordered entries.
type sorted[H any] struct {
	items []Entry[H]
}

func compareKeys(a, b Key) int {
	if c := cmp.Compare(a.Mbox, b.Mbox); c != 0 {
		return c
	}
	if c := cmp.Compare(a.State, b.State); c != 0 {
		return c
	}
	return cmp.Compare(typeName(a), typeName(b))
}

func typeName(k Key) string {
	if k.Type == nil {
		return ""
	}
	return k.Type.PkgPath() + "." + k.Type.String()
}

func (s *sorted[H]) search(k Key) (int, bool) {
	i, _ := slices.BinarySearchFunc(s.items, k, func(e Entry[H], k Key) int {
		return compareKeys(e.Key, k)
	})
	for j := i; j < len(s.items) && compareKeys(s.items[j].Key, k) == 0; j++ {
		if s.items[j].Key == k {
			return j, true
		}
	}
	return i, false
}

func (s *sorted[H]) Add(k Key, h H) error {
	i, found := s.search(k)
	if found {
		return ErrDuplicate
	}
	s.items = slices.Insert(s.items, i, Entry[H]{Key: k, Handler: h})
	return nil
}

func (s *sorted[H]) Remove(k Key) bool {
	i, found := s.search(k)
	if !found {
		return false
	}
	s.items = slices.Delete(s.items, i, i+1)
	return true
}

func (s *sorted[H]) Find(k Key) (H, bool) {
	if i, found := s.search(k); found {
		return s.items[i].Handler, true
	}
	var zero H
	return zero, false
}

func (s *sorted[H]) Entries() []Entry[H] {
	return slices.Clone(s.items)
}

func (s *sorted[H]) Len() int { return len(s.items) }

func (s *sorted[H]) Clear() { s.items = nil }
