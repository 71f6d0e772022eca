package registry

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/storage"
	"github.com/cuemby/runway/pkg/types"
	"github.com/rs/zerolog"
)

// Registry is the durable name -> Cluster map.
//
// Every read goes to the store so changes made by other processes are seen.
// Writes go through to the store and the in-process cache; the cache answers
// reads when the store is momentarily locked by another process, which keeps
// a single process's view read-your-writes consistent.
type Registry struct {
	store  storage.Store
	mu     sync.RWMutex
	cache  map[string]*types.Cluster
	logger zerolog.Logger
}

// New creates a registry over store
func New(store storage.Store) *Registry {
	return &Registry{
		store:  store,
		cache:  make(map[string]*types.Cluster),
		logger: log.WithComponent("registry"),
	}
}

// Register inserts or replaces a cluster definition by name.
//
// The stored lifecycle status and provider-assigned identity are kept; a new
// record always starts UNPROVISIONED. Status only moves through Transition.
func (r *Registry) Register(cluster *types.Cluster) (*types.Cluster, error) {
	if err := Validate(cluster); err != nil {
		return nil, err
	}
	incoming := cluster.Clone()
	applyDefaults(incoming)

	now := time.Now()
	saved, err := r.store.UpdateCluster(incoming.Name, func(existing *types.Cluster) (*types.Cluster, error) {
		if existing == nil {
			incoming.Status = types.StatusUnprovisioned
			incoming.InstanceID = ""
			incoming.Resources = nil
			incoming.CreatedAt = now
			incoming.UpdatedAt = now
			return incoming, nil
		}

		incoming.Status = existing.Status
		incoming.InstanceID = existing.InstanceID
		incoming.Resources = existing.Resources
		incoming.LastProbeAt = existing.LastProbeAt
		incoming.CreatedAt = existing.CreatedAt
		if incoming.Provider != types.ProviderStatic && incoming.Address == "" {
			incoming.Address = existing.Address
		}
		incoming.UpdatedAt = now
		return incoming, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register cluster %s: %w", cluster.Name, err)
	}

	r.remember(saved)
	r.logger.Debug().Str("cluster", saved.Name).Str("status", string(saved.Status)).Msg("cluster registered")
	return saved.Clone(), nil
}

// Get returns the cluster named name or an error wrapping errdefs.ErrNotFound
func (r *Registry) Get(name string) (*types.Cluster, error) {
	c, err := r.store.GetCluster(name)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			r.forget(name)
			return nil, err
		}
		if cached, ok := r.cached(name); ok {
			r.logger.Warn().Err(err).Str("cluster", name).Msg("store unavailable, serving cached cluster")
			return cached, nil
		}
		return nil, fmt.Errorf("failed to get cluster %s: %w", name, err)
	}
	r.remember(c)
	return c.Clone(), nil
}

// List yields every registered cluster ordered by name, with the status last
// recorded in the registry. Nothing is read until the sequence is ranged
// over, and each range takes a fresh view.
func (r *Registry) List() iter.Seq2[*types.Cluster, error] {
	return func(yield func(*types.Cluster, error) bool) {
		clusters, err := r.store.ListClusters()
		if err != nil {
			yield(nil, fmt.Errorf("failed to list clusters: %w", err))
			return
		}
		slices.SortFunc(clusters, func(a, b *types.Cluster) int {
			return strings.Compare(a.Name, b.Name)
		})
		for _, c := range clusters {
			r.remember(c)
			if !yield(c.Clone(), nil) {
				return
			}
		}
	}
}

// Delete removes a cluster definition
func (r *Registry) Delete(name string) error {
	if err := r.store.DeleteCluster(name); err != nil {
		return fmt.Errorf("failed to delete cluster %s: %w", name, err)
	}
	r.forget(name)
	return nil
}

// Transition atomically moves a cluster from one of the statuses in from to
// to, applying mutate to the record in the same write. It fails with
// errdefs.ErrStatusConflict when the stored status is not in from or the
// move is not a legal lifecycle transition.
func (r *Registry) Transition(name string, from []types.ClusterStatus, to types.ClusterStatus, mutate func(*types.Cluster)) (*types.Cluster, error) {
	saved, err := r.store.UpdateCluster(name, func(existing *types.Cluster) (*types.Cluster, error) {
		if existing == nil {
			return nil, fmt.Errorf("cluster %s: %w", name, errdefs.ErrNotFound)
		}
		if !slices.Contains(from, existing.Status) {
			return nil, fmt.Errorf("cluster %s is %s, expected one of %v: %w", name, existing.Status, from, errdefs.ErrStatusConflict)
		}
		if !existing.Status.CanTransition(to) {
			return nil, fmt.Errorf("cluster %s cannot move from %s to %s: %w", name, existing.Status, to, errdefs.ErrStatusConflict)
		}
		if mutate != nil {
			mutate(existing)
		}
		existing.Status = to
		existing.UpdatedAt = time.Now()
		return existing, nil
	})
	if err != nil {
		return nil, err
	}
	r.remember(saved)
	return saved.Clone(), nil
}

// Update applies mutate to a cluster without touching its status
func (r *Registry) Update(name string, mutate func(*types.Cluster)) (*types.Cluster, error) {
	saved, err := r.store.UpdateCluster(name, func(existing *types.Cluster) (*types.Cluster, error) {
		if existing == nil {
			return nil, fmt.Errorf("cluster %s: %w", name, errdefs.ErrNotFound)
		}
		status := existing.Status
		mutate(existing)
		existing.Status = status
		existing.UpdatedAt = time.Now()
		return existing, nil
	})
	if err != nil {
		return nil, err
	}
	r.remember(saved)
	return saved.Clone(), nil
}

// PutResource records a resource as deployed on cluster
func (r *Registry) PutResource(cluster string, res *types.RemoteResource) error {
	_, err := r.Update(cluster, func(c *types.Cluster) {
		if c.Resources == nil {
			c.Resources = make(map[string]*types.RemoteResource)
		}
		rc := *res
		rc.Cluster = cluster
		c.Resources[res.Name] = &rc
	})
	return err
}

// DeleteResource forgets a resource on cluster
func (r *Registry) DeleteResource(cluster, name string) error {
	_, err := r.Update(cluster, func(c *types.Cluster) {
		delete(c.Resources, name)
	})
	return err
}

func (r *Registry) remember(c *types.Cluster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[c.Name] = c.Clone()
}

func (r *Registry) forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, name)
}

func (r *Registry) cached(name string) (*types.Cluster, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cache[name]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}
