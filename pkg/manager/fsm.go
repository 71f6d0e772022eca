package manager

import (
	"strings"

	"github.com/cuemby/runway/pkg/events"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/registry"
	"github.com/cuemby/runway/pkg/types"
)

// lifecycle applies status transitions to the registry and announces them.
// Every status write made by the manager goes through apply.
type lifecycle struct {
	registry *registry.Registry
	broker   *events.Broker
}

func newLifecycle(reg *registry.Registry, broker *events.Broker) *lifecycle {
	return &lifecycle{registry: reg, broker: broker}
}

// apply moves name to status to if its current status is one of from.
// A mismatch returns an error wrapping errdefs.ErrStatusConflict.
func (l *lifecycle) apply(name string, from []types.ClusterStatus, to types.ClusterStatus, mutate func(*types.Cluster), message string) (*types.Cluster, error) {
	var prev types.ClusterStatus
	updated, err := l.registry.Transition(name, from, to, func(c *types.Cluster) {
		prev = c.Status
		if mutate != nil {
			mutate(c)
		}
	})
	if err != nil {
		return nil, err
	}

	// RUNNING -> RUNNING only refreshes the probe time
	if prev == to {
		return updated, nil
	}

	logger := log.WithCluster(name)
	logger.Info().
		Str("from", string(prev)).
		Str("to", string(to)).
		Msg(message)

	l.broker.Transition(eventFor(to), name, string(prev), string(to), message)
	return updated, nil
}

func eventFor(status types.ClusterStatus) events.EventType {
	switch status {
	case types.StatusProvisioning:
		return events.EventClusterProvisioning
	case types.StatusRunning:
		return events.EventClusterRunning
	case types.StatusStopping:
		return events.EventClusterStopping
	case types.StatusTerminated:
		return events.EventClusterTerminated
	case types.StatusUnprovisioned:
		return events.EventProvisionFailed
	default:
		return events.EventType("cluster." + strings.ToLower(string(status)))
	}
}

func statuses(s ...types.ClusterStatus) []types.ClusterStatus { return s }
