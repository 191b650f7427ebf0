package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Limits bound the structure of a configuration document before it is
// decoded. Aliases count against the node budget every time they are
// followed, which stops billion-laughs style documents.
type Limits struct {
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
	MaxValueSize int
}

// DefaultLimits are applied by Parse.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:     16,
		MaxNodes:     20000,
		MaxKeyLength: 256,
		MaxValueSize: 64 * 1024,
	}
}

type nodeWalker struct {
	limits Limits
	nodes  int
}

// checkLimits parses data into a node tree and walks it.
func checkLimits(data []byte, limits Limits) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	w := &nodeWalker{limits: limits}
	return w.walk(&root, 0)
}

func (w *nodeWalker) walk(n *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("nesting depth %d exceeds %d", depth, w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("document has more than %d nodes", w.limits.MaxNodes)
	}

	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			if err := w.walk(c, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i]
			if len(key.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("line %d: key longer than %d bytes", key.Line, w.limits.MaxKeyLength)
			}
			if err := w.walk(n.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, c := range n.Content {
			if err := w.walk(c, depth+1); err != nil {
				return err
			}
		}
	case yaml.AliasNode:
		if n.Alias != nil {
			return w.walk(n.Alias, depth+1)
		}
	case yaml.ScalarNode:
		if len(n.Value) > w.limits.MaxValueSize {
			return fmt.Errorf("line %d: value longer than %d bytes", n.Line, w.limits.MaxValueSize)
		}
	}
	return nil
}
