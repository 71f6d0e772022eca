package resource

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

// reserved are path segments the dispatch server routes itself
var reserved = []string{"check", "keys", "resources", "secrets", "runs", "logs", "metrics"}

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)

// IsReserved reports whether name collides with a server route
func IsReserved(name string) bool {
	return slices.Contains(reserved, name)
}

// Table holds the resources resident in a dispatch server. Resources live in
// an arena of slots; the name index points into it and freed slots are reused.
type Table struct {
	catalog *Catalog

	mu    sync.RWMutex
	slots []Resource
	free  []int
	index map[string]int
}

// NewTable creates an empty table building resources from catalog
func NewTable(catalog *Catalog) *Table {
	return &Table{
		catalog: catalog,
		index:   make(map[string]int),
	}
}

// Put builds spec and installs it under spec.Name, replacing any resource
// with that name
func (t *Table) Put(spec *types.RemoteResource) (Resource, error) {
	if !nameRE.MatchString(spec.Name) {
		return nil, fmt.Errorf("invalid resource name %q: %w", spec.Name, errdefs.ErrInvalidArgument)
	}
	if IsReserved(spec.Name) {
		return nil, fmt.Errorf("resource name %q is reserved: %w", spec.Name, errdefs.ErrInvalidArgument)
	}
	if spec.Replicas < 0 {
		return nil, fmt.Errorf("replicas must not be negative: %w", errdefs.ErrInvalidArgument)
	}
	if spec.CreatedAt.IsZero() {
		s := *spec
		s.CreatedAt = time.Now()
		spec = &s
	}

	res, err := t.catalog.Build(spec)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.index[spec.Name]; ok {
		t.slots[i] = res
		return res, nil
	}

	var i int
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[i] = res
	} else {
		i = len(t.slots)
		t.slots = append(t.slots, res)
	}
	t.index[spec.Name] = i
	return res, nil
}

// Get looks a resource up by name
func (t *Table) Get(name string) (Resource, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, ok := t.index[name]
	if !ok {
		return nil, fmt.Errorf("resource %q: %w", name, errdefs.ErrResourceNotFound)
	}
	return t.slots[i], nil
}

// Delete removes a resource. Calls already holding it finish normally.
func (t *Table) Delete(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[name]
	if !ok {
		return fmt.Errorf("resource %q: %w", name, errdefs.ErrResourceNotFound)
	}
	delete(t.index, name)
	t.slots[i] = nil
	t.free = append(t.free, i)
	return nil
}

// Keys returns resource names in order
func (t *Table) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.index))
	for name := range t.index {
		keys = append(keys, name)
	}
	slices.Sort(keys)
	return keys
}

// Specs returns the definitions of all resident resources ordered by name
func (t *Table) Specs() []*types.RemoteResource {
	t.mu.RLock()
	defer t.mu.RUnlock()

	specs := make([]*types.RemoteResource, 0, len(t.index))
	for _, i := range t.index {
		specs = append(specs, t.slots[i].Spec())
	}
	slices.SortFunc(specs, func(a, b *types.RemoteResource) int {
		return strings.Compare(a.Name, b.Name)
	})
	return specs
}

// Len returns the number of resident resources
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.index)
}
