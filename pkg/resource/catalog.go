package resource

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

// Blueprint builds a resource from its definition
type Blueprint func(spec *types.RemoteResource) (Resource, error)

// Catalog maps blueprint names to builders
type Catalog struct {
	mu         sync.RWMutex
	blueprints map[string]Blueprint
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{blueprints: make(map[string]Blueprint)}
}

// DefaultCatalog returns a catalog with the built-in blueprints
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.Register("echo", newEcho)
	c.Register("shell", newShell)
	c.Register("kv", newKV)
	c.Register("env", newEnv)
	return c
}

// Register adds or replaces a blueprint
func (c *Catalog) Register(name string, bp Blueprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blueprints[name] = bp
}

// Names lists registered blueprints in order
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.blueprints))
}

// Build instantiates spec. A kind on spec must match the blueprint's.
func (c *Catalog) Build(spec *types.RemoteResource) (Resource, error) {
	c.mu.RLock()
	bp, ok := c.blueprints[spec.Blueprint]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown blueprint %q: %w", spec.Blueprint, errdefs.ErrInvalidArgument)
	}

	res, err := bp(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s from blueprint %s: %w", spec.Name, spec.Blueprint, err)
	}
	if spec.Kind != "" && spec.Kind != res.Kind() {
		return nil, fmt.Errorf("blueprint %s is a %s, not a %s: %w", spec.Blueprint, res.Kind(), spec.Kind, errdefs.ErrInvalidArgument)
	}
	return res, nil
}
