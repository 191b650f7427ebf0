package timer

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"
)

// CollectionKind selects how pending entries are ordered.
type CollectionKind int

const (
	// CollectionHeap is a binary heap; good for many entries.
	CollectionHeap CollectionKind = iota
	// CollectionList is a sorted slice; good for a handful of entries.
	CollectionList
)

func (k CollectionKind) String() string {
	if k == CollectionList {
		return "list"
	}
	return "heap"
}

// ParseCollectionKind accepts "heap" or "list".
func ParseCollectionKind(s string) (CollectionKind, error) {
	switch strings.ToLower(s) {
	case "", "heap":
		return CollectionHeap, nil
	case "list":
		return CollectionList, nil
	}
	return CollectionHeap, fmt.Errorf("unknown timer collection %q", s)
}

type collection interface {
	push(e *entry)
	peek() *entry
	pop() *entry
	remove(e *entry)
	clear()
}

func newCollection(k CollectionKind) collection {
	if k == CollectionList {
		return &listCollection{}
	}
	return &heapCollection{}
}

type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return earlier(h[i], h[j]) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// earlier orders by deadline, then by ID so equal deadlines fire in
// scheduling order.
func earlier(a, b *entry) bool {
	if a.when.Equal(b.when) {
		return a.id < b.id
	}
	return a.when.Before(b.when)
}

type heapCollection struct {
	h entryHeap
}

func (c *heapCollection) push(e *entry) { heap.Push(&c.h, e) }

func (c *heapCollection) peek() *entry {
	if len(c.h) == 0 {
		return nil
	}
	return c.h[0]
}

func (c *heapCollection) pop() *entry { return heap.Pop(&c.h).(*entry) }

func (c *heapCollection) remove(e *entry) {
	if e.index >= 0 && e.index < len(c.h) && c.h[e.index] == e {
		heap.Remove(&c.h, e.index)
	}
}

func (c *heapCollection) clear() { c.h = nil }

type listCollection struct {
	items []*entry
}

func (c *listCollection) push(e *entry) {
	i, _ := slices.BinarySearchFunc(c.items, e, func(x, target *entry) int {
		if earlier(x, target) {
			return -1
		}
		return 1
	})
	c.items = slices.Insert(c.items, i, e)
}

func (c *listCollection) peek() *entry {
	if len(c.items) == 0 {
		return nil
	}
	return c.items[0]
}

func (c *listCollection) pop() *entry {
	e := c.items[0]
	c.items = c.items[1:]
	return e
}

func (c *listCollection) remove(e *entry) {
	if i := slices.Index(c.items, e); i >= 0 {
		c.items = slices.Delete(c.items, i, i+1)
	}
}

func (c *listCollection) clear() { c.items = nil }
