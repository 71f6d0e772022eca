// Package provider adapts compute backends to the lifecycle manager.
//
// Every provider is create-or-locate: calling Create twice for the same
// cluster generation returns the same instance rather than launching two.
package provider

import (
	"context"
	"fmt"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

// ClusterLabel tags provider-side objects with the owning cluster name
const ClusterLabel = "runway-cluster"

// ErrInstanceNotFound means the provider has no live instance for a cluster
var ErrInstanceNotFound = fmt.Errorf("instance %w", errdefs.ErrNotFound)

// InstanceState is the provider's view of an instance
type InstanceState string

const (
	StatePending InstanceState = "pending"
	StateRunning InstanceState = "running"
)

// Instance is provider-assigned identity and address
type Instance struct {
	ID      string
	Address string
	State   InstanceState
}

// Ready reports whether the instance is running and addressable
func (i *Instance) Ready() bool {
	return i != nil && i.State == StateRunning && i.Address != ""
}

// Provider launches, inspects and destroys cluster instances.
// Errors from Create are *errdefs.ProvisioningError.
type Provider interface {
	Kind() types.ProviderKind

	// Create launches an instance or locates the one already launched for
	// this cluster
	Create(ctx context.Context, cluster *types.Cluster) (*Instance, error)

	// Describe returns ErrInstanceNotFound when the instance is gone
	Describe(ctx context.Context, cluster *types.Cluster) (*Instance, error)

	// Terminate is idempotent
	Terminate(ctx context.Context, cluster *types.Cluster) error
}

// Set maps provider kinds to implementations
type Set map[types.ProviderKind]Provider

// NewSet indexes providers by Kind
func NewSet(providers ...Provider) Set {
	s := make(Set, len(providers))
	for _, p := range providers {
		s[p.Kind()] = p
	}
	return s
}

// For returns the provider for cluster
func (s Set) For(cluster *types.Cluster) (Provider, error) {
	p, ok := s[cluster.Provider]
	if !ok {
		return nil, errdefs.NewProvisioningError(cluster.Name, errdefs.ReasonInvalidConfig,
			fmt.Errorf("no provider registered for %q", cluster.Provider))
	}
	return p, nil
}

// Defaults returns the built-in providers using ambient credentials
func Defaults() Set {
	return NewSet(NewStatic(), NewAWS(), NewGCP(), NewKubernetes())
}
