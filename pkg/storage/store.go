package storage

import (
	"github.com/cuemby/runway/pkg/types"
)

// UpdateFunc receives the stored cluster (nil when absent) and returns the
// record to persist
type UpdateFunc func(existing *types.Cluster) (*types.Cluster, error)

// Store defines the interface for durable client-side state
type Store interface {
	// Clusters
	PutCluster(cluster *types.Cluster) error
	GetCluster(name string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	UpdateCluster(name string, fn UpdateFunc) (*types.Cluster, error)
	DeleteCluster(name string) error

	// Secrets
	PutSecret(secret *types.StoredSecret) error
	GetSecret(name string) (*types.StoredSecret, error)
	ListSecrets() ([]*types.StoredSecret, error)
	DeleteSecret(name string) error

	// Utility
	Close() error
}
