package reconciler

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/cuemby/runway/pkg/health"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/metrics"
	"github.com/cuemby/runway/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Clusters is the part of the lifecycle manager the reconciler drives
type Clusters interface {
	List() iter.Seq2[*types.Cluster, error]
	Status(ctx context.Context, name string) (*types.Cluster, error)
	SyncAutostop() error
}

// Reconciler periodically probes RUNNING clusters so that lost instances are
// noticed without anyone calling them. Each pass also arms autostop for
// clusters that other processes brought up.
type Reconciler struct {
	clusters    Clusters
	config      health.Config
	concurrency int

	mu     sync.Mutex
	health map[string]*health.Status

	logger   zerolog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a new reconciler probing at cfg.Interval
func NewReconciler(clusters Clusters, cfg health.Config) *Reconciler {
	return &Reconciler{
		clusters:    clusters,
		config:      cfg,
		concurrency: 4,
		health:      make(map[string]*health.Status),
		logger:      log.WithComponent("reconciler"),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reconcile(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// reconcile performs one reconciliation cycle
func (r *Reconciler) reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	var running []string
	for c, err := range r.clusters.List() {
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to list clusters")
			return
		}
		if c.Status == types.StatusRunning {
			running = append(running, c.Name)
		}
	}
	r.forgetExcept(running)

	if err := r.clusters.SyncAutostop(); err != nil {
		r.logger.Error().Err(err).Msg("failed to sync autostop timers")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, name := range running {
		g.Go(func() error {
			r.probe(gctx, name)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) probe(ctx context.Context, name string) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	c, err := r.clusters.Status(ctx, name)

	result := health.Result{CheckedAt: start, Duration: time.Since(start)}
	switch {
	case err != nil:
		result.Message = err.Error()
	case c.Status != types.StatusRunning:
		r.logger.Warn().Str("cluster", name).Str("status", string(c.Status)).Msg("cluster is no longer running")
		r.forget(name)
		return
	case c.LastProbeAt.Before(start):
		result.Message = "health probe failed"
	default:
		result.Healthy = true
	}

	r.mu.Lock()
	st, ok := r.health[name]
	if !ok {
		st = health.NewStatus()
		r.health[name] = st
	}
	transition := st.Update(result, r.config)
	failures := st.Failures
	r.mu.Unlock()

	switch transition {
	case health.WentDown:
		r.logger.Warn().Str("cluster", name).Int("failures", failures).Str("reason", result.Message).Msg("cluster unhealthy")
	case health.Recovered:
		r.logger.Info().Str("cluster", name).Msg("cluster recovered")
	}
}

// healthy reports the last known health of a running cluster
func (r *Reconciler) healthy(name string) (healthy, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.health[name]
	if !ok {
		return false, false
	}
	return st.Healthy, true
}

func (r *Reconciler) forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.health, name)
}

func (r *Reconciler) forgetExcept(names []string) {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.health {
		if !keep[name] {
			delete(r.health, name)
		}
	}
}
