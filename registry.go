package agentcore

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/aixgo-dev/agentcore/agent"
	"github.com/aixgo-dev/agentcore/pkg/config"
)

// ErrUnknownRole is returned when no factory is registered for a role.
var ErrUnknownRole = errors.New("unknown agent role")

// Factory builds the behavior of one configured agent.
type Factory func(cfg config.AgentConfig) (agent.Behavior, error)

// Registry maps agent roles to factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

var defaultRegistry = NewRegistry()

// NewRegistry creates an empty registry (useful for testing)
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns the registry that Register adds to.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds or replaces the factory for role.
func (r *Registry) Register(role string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[role] = f
}

// Factory looks up the factory for role.
func (r *Registry) Factory(role string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[role]
	return f, ok
}

// Roles lists registered roles in sorted order.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.factories))
	for role := range r.factories {
		roles = append(roles, role)
	}
	slices.Sort(roles)
	return roles
}

// Build runs the factory registered for cfg.Role.
func (r *Registry) Build(cfg config.AgentConfig) (agent.Behavior, error) {
	f, ok := r.Factory(cfg.Role)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, cfg.Role)
	}
	b, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s agent %q: %w", cfg.Role, cfg.Name, err)
	}
	return b, nil
}

// Register registers a factory with the default registry
func Register(role string, f Factory) {
	defaultRegistry.Register(role, f)
}
