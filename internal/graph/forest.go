// Package graph orders the cooperations of a declarative configuration so
// that every parent is registered before its children.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrCycleDetected is returned when following parent links returns to
	// a cooperation already on the path.
	ErrCycleDetected = errors.New("parent cycle detected")

	// ErrUnknownParent is returned when a cooperation names a parent that
	// was never added.
	ErrUnknownParent = errors.New("unknown parent")

	// ErrDuplicateNode is returned when a name is added twice.
	ErrDuplicateNode = errors.New("duplicate cooperation")
)

// Forest is a set of cooperation trees keyed by name. Each node has at
// most one parent; roots have none.
type Forest struct {
	mu      sync.RWMutex
	parents map[string]string
}

// NewForest creates an empty forest.
func NewForest() *Forest {
	return &Forest{parents: make(map[string]string)}
}

// Add inserts name with the given parent. An empty parent makes name a root.
func (f *Forest) Add(name, parent string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.parents[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, name)
	}
	f.parents[name] = parent
	return nil
}

// Len returns the number of nodes.
func (f *Forest) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.parents)
}

// Parent returns the parent of name and whether name is known.
func (f *Forest) Parent(name string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.parents[name]
	return p, ok
}

// Children returns the direct children of name in lexical order.
func (f *Forest) Children(name string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []string
	for n, p := range f.parents {
		if p == name && name != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}

// Validate checks for unknown parents and cycles.
func (f *Forest) Validate() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, err := f.depths()
	return err
}

// depths returns the distance of every node from its root. Called with
// the lock held.
func (f *Forest) depths() (map[string]int, error) {
	names := make([]string, 0, len(f.parents))
	for n := range f.parents {
		names = append(names, n)
	}
	slices.Sort(names)

	for _, n := range names {
		if p := f.parents[n]; p != "" {
			if _, ok := f.parents[p]; !ok {
				return nil, fmt.Errorf("%w: cooperation %q has parent %q", ErrUnknownParent, n, p)
			}
		}
	}

	depth := make(map[string]int, len(f.parents))
	for _, n := range names {
		if _, done := depth[n]; done {
			continue
		}
		// walk up until a root or a node with known depth
		var path []string
		onPath := map[string]bool{}
		cur := n
		base := -1
		for cur != "" {
			if d, ok := depth[cur]; ok {
				base = d
				break
			}
			if onPath[cur] {
				i := slices.Index(path, cur)
				cycle := append(slices.Clone(path[i:]), cur)
				return nil, &CycleError{Path: cycle}
			}
			onPath[cur] = true
			path = append(path, cur)
			cur = f.parents[cur]
		}
		for i := len(path) - 1; i >= 0; i-- {
			base++
			depth[path[i]] = base
		}
	}
	return depth, nil
}

// Levels groups nodes by depth. Level 0 holds the roots, level N the
// children of level N-1. Nodes of one level can be registered in parallel
// once the previous level is registered. Names within a level are sorted.
func (f *Forest) Levels() ([][]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	depth, err := f.depths()
	if err != nil {
		return nil, err
	}
	if len(depth) == 0 {
		return nil, nil
	}

	maxDepth := 0
	for _, d := range depth {
		maxDepth = max(maxDepth, d)
	}
	levels := make([][]string, maxDepth+1)
	for n, d := range depth {
		levels[d] = append(levels[d], n)
	}
	for _, l := range levels {
		slices.Sort(l)
	}
	return levels, nil
}
