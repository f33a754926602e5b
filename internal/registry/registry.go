package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/specialistvlad/controlroom/internal/module"
	"github.com/specialistvlad/controlroom/internal/wire"
)

var (
	ErrNotFound  = errors.New("module not registered")
	ErrDuplicate = errors.New("module already registered")
	ErrFrozen    = errors.New("registry is frozen")
)

// Registry maps module names to connections. Iteration follows
// registration order.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*module.Connection
	order  []*module.Connection
	frozen bool
}

// New creates an empty, unfrozen Registry.
func New() *Registry {
	return &Registry{byName: make(map[string]*module.Connection)}
}

// Register adds c under its module name.
func (r *Registry) Register(c *module.Connection) error {
	name := c.Name()
	if err := wire.ValidateName(name); err != nil {
		return fmt.Errorf("register module: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register module '%s': %w", name, ErrFrozen)
	}
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("register module '%s': %w", name, ErrDuplicate)
	}
	slog.Debug("Registering module.", "module", name, "kind", c.Kind())
	r.byName[name] = c
	r.order = append(r.order, c)
	return nil
}

// Lookup finds a connection by exact name.
func (r *Registry) Lookup(name string) (*module.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, name)
	}
	return c, nil
}

// Names lists the registered module names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	for i, c := range r.order {
		names[i] = c.Name()
	}
	return names
}

// Connections returns a snapshot of all connections in registration order.
func (r *Registry) Connections() []*module.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*module.Connection(nil), r.order...)
}

// Len is the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Freeze rejects further registration until Thaw.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Thaw allows registration again. The broker must be stopped first.
func (r *Registry) Thaw() {
	r.mu.Lock()
	r.frozen = false
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
