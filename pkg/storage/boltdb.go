package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
	bolt "go.etcd.io/bbolt"
)

const (
	// DBFile is the registry database file name inside the data directory
	DBFile = "registry.db"

	// DefaultLockTimeout bounds how long an operation waits for another
	// process holding the database file
	DefaultLockTimeout = 5 * time.Second
)

var (
	// Bucket names
	bucketClusters = []byte("clusters")
	bucketSecrets  = []byte("secrets")
)

// BoltStore implements Store using BoltDB.
//
// The database file is opened for the duration of each operation rather
// than held for the life of the process. bbolt takes a file lock on open, so
// a resident daemon and short-lived CLI invocations can share one registry:
// writers serialize on the lock and readers take it shared.
type BoltStore struct {
	path        string
	lockTimeout time.Duration
	mu          sync.RWMutex
}

// Option configures a BoltStore
type Option func(*BoltStore)

// WithLockTimeout overrides DefaultLockTimeout
func WithLockTimeout(d time.Duration) Option {
	return func(s *BoltStore) {
		s.lockTimeout = d
	}
}

// NewBoltStore creates the database in dataDir if needed
func NewBoltStore(dataDir string, opts ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &BoltStore{
		path:        filepath.Join(dataDir, DBFile),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	err := s.update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketClusters, bucketSecrets} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.path
}

// Close is a no-op; the file is only open during an operation
func (s *BoltStore) Close() error {
	return nil
}

func (s *BoltStore) open(readOnly bool) (*bolt.DB, error) {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{
		Timeout:  s.lockTimeout,
		ReadOnly: readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(fn)
}

func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.open(true)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(fn)
}

// Cluster operations
func (s *BoltStore) PutCluster(cluster *types.Cluster) error {
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketClusters), cluster.Name, cluster)
	})
}

func (s *BoltStore) GetCluster(name string) (*types.Cluster, error) {
	var cluster types.Cluster
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClusters).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("cluster %s: %w", name, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &cluster)
	})
	if err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (s *BoltStore) ListClusters() ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return fmt.Errorf("failed to decode cluster %s: %w", k, err)
			}
			clusters = append(clusters, &cluster)
			return nil
		})
	})
	return clusters, err
}

// UpdateCluster runs fn inside a single write transaction, so the read and
// the write cannot interleave with another process.
func (s *BoltStore) UpdateCluster(name string, fn UpdateFunc) (*types.Cluster, error) {
	var result *types.Cluster
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)

		var existing *types.Cluster
		if data := b.Get([]byte(name)); data != nil {
			existing = &types.Cluster{}
			if err := json.Unmarshal(data, existing); err != nil {
				return fmt.Errorf("failed to decode cluster %s: %w", name, err)
			}
		}

		updated, err := fn(existing)
		if err != nil {
			return err
		}
		if updated == nil {
			return fmt.Errorf("update of cluster %s returned no record", name)
		}
		updated.Name = name
		result = updated
		return putJSON(b, name, updated)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BoltStore) DeleteCluster(name string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).Delete([]byte(name))
	})
}

// Secret operations
func (s *BoltStore) PutSecret(secret *types.StoredSecret) error {
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketSecrets), secret.Name, secret)
	})
}

func (s *BoltStore) GetSecret(name string) (*types.StoredSecret, error) {
	var secret types.StoredSecret
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSecrets).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("secret %s: %w", name, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &secret)
	})
	if err != nil {
		return nil, err
	}
	return &secret, nil
}

func (s *BoltStore) ListSecrets() ([]*types.StoredSecret, error) {
	var secrets []*types.StoredSecret
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).ForEach(func(k, v []byte) error {
			var secret types.StoredSecret
			if err := json.Unmarshal(v, &secret); err != nil {
				return err
			}
			secrets = append(secrets, &secret)
			return nil
		})
	})
	return secrets, err
}

func (s *BoltStore) DeleteSecret(name string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Delete([]byte(name))
	})
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
