package manager

import (
	"context"
	"time"

	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/metrics"
	"github.com/cuemby/runway/pkg/types"
)

// DefaultMetricsInterval is how often `runway daemon` refreshes registry gauges
const DefaultMetricsInterval = 15 * time.Second

var gaugedStatuses = []types.ClusterStatus{
	types.StatusUnprovisioned,
	types.StatusProvisioning,
	types.StatusRunning,
	types.StatusStopping,
	types.StatusTerminated,
}

// CollectMetrics refreshes the clusters-by-status gauge now and then every
// interval until ctx is done
func (m *Manager) CollectMetrics(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		m.recordClusterGauges()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (m *Manager) recordClusterGauges() {
	byStatus := make(map[types.ClusterStatus]int, len(gaugedStatuses))
	for c, err := range m.registry.List() {
		if err != nil {
			logger := log.WithComponent("metrics")
			logger.Debug().Err(err).Msg("Skipping cluster gauges, registry unreadable")
			return
		}
		byStatus[c.Status]++
	}
	// Statuses with no clusters are set to zero, not left at their last value
	for _, st := range gaugedStatuses {
		metrics.ClustersTotal.WithLabelValues(string(st)).Set(float64(byStatus[st]))
	}
}
