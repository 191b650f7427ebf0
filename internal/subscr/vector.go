package subscr

type vector[H any] struct {
	items []Entry[H]
}

func (v *vector[H]) index(k Key) int {
	for i := range v.items {
		if v.items[i].Key == k {
			return i
		}
	}
	return -1
}

func (v *vector[H]) Add(k Key, h H) error {
	if v.index(k) >= 0 {
		return ErrDuplicate
	}
	v.items = append(v.items, Entry[H]{Key: k, Handler: h})
	return nil
}

func (v *vector[H]) Remove(k Key) bool {
	i := v.index(k)
	if i < 0 {
		return false
	}
	v.items = append(v.items[:i], v.items[i+1:]...)
	return true
}

func (v *vector[H]) Find(k Key) (H, bool) {
	if i := v.index(k); i >= 0 {
		return v.items[i].Handler, true
	}
	var zero H
	return zero, false
}

func (v *vector[H]) Entries() []Entry[H] {
	out := make([]Entry[H], len(v.items))
	copy(out, v.items)
	return out
}

func (v *vector[H]) Len() int { return len(v.items) }

func (v *vector[H]) Clear() { v.items = nil }
