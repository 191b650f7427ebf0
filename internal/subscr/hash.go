package subscr

type hash[H any] struct {
	items map[Key]H
}

func newHash[H any]() *hash[H] {
	return &hash[H]{items: make(map[Key]H)}
}

func (m *hash[H]) Add(k Key, h H) error {
	if _, ok := m.items[k]; ok {
		return ErrDuplicate
	}
	m.items[k] = h
	return nil
}

func (m *hash[H]) Remove(k Key) bool {
	if _, ok := m.items[k]; !ok {
		return false
	}
	delete(m.items, k)
	return true
}

func (m *hash[H]) Find(k Key) (H, bool) {
	h, ok := m.items[k]
	return h, ok
}

func (m *hash[H]) Entries() []Entry[H] {
	out := make([]Entry[H], 0, len(m.items))
	for k, h := range m.items {
		out = append(out, Entry[H]{Key: k, Handler: h})
	}
	return out
}

func (m *hash[H]) Len() int { return len(m.items) }

func (m *hash[H]) Clear() { clear(m.items) }
