/*
Package storage provides the BoltDB-backed durable store behind the cluster
registry and the local secret store.

# Layout

	<dataDir>/registry.db
	  clusters  name -> JSON types.Cluster
	  secrets   name -> JSON types.StoredSecret (values AES-GCM encrypted)

# Sharing between processes

Several runway processes may use the same data directory at once: a
long-running `runway daemon` holding autostop timers, and CLI invocations
such as `runway cluster list`. BoltStore therefore opens the file per
operation. bbolt's file lock serializes writers across processes and lets
readers share; an operation waits up to the lock timeout before failing.

UpdateCluster performs a read-modify-write in one transaction and is the
primitive the registry uses for compare-and-set status transitions.

# Usage

	store, err := storage.NewBoltStore(filepath.Join(home, ".runway"))
	if err != nil {
		return err
	}
	c, err := store.GetCluster("c1")
	if errors.Is(err, errdefs.ErrNotFound) {
		// not registered
	}
*/
package storage
