package manager

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/events"
	"github.com/cuemby/runway/pkg/health"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/metrics"
	"github.com/cuemby/runway/pkg/provider"
	"github.com/cuemby/runway/pkg/registry"
	"github.com/cuemby/runway/pkg/types"
	"golang.org/x/sync/singleflight"
)

// Invalidator drops cached connections for a cluster
type Invalidator interface {
	Invalidate(name string)
}

// ActivitySource reports what a cluster's dispatch server is doing. Calls
// made by other processes only show up here.
type ActivitySource interface {
	Activity(ctx context.Context, cluster *types.Cluster) (*types.Check, error)
}

// Config holds the manager's retry and timing knobs
type Config struct {
	// ProvisionAttempts bounds provider Create calls on transient errors
	ProvisionAttempts int
	BackoffBase       time.Duration
	BackoffMax        time.Duration

	// ReachableAttempts bounds Describe/TCP/probe polling after Create
	ReachableAttempts int
	PollInterval      time.Duration
	PollMax           time.Duration

	ProbeTimeout time.Duration

	// WaitStable bounds a whole EnsureUp, including waiting out another
	// process's PROVISIONING or STOPPING
	WaitStable time.Duration

	// AutostopUnit scales Cluster.AutostopMinutes
	AutostopUnit    time.Duration
	AutostopRecheck time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		ProvisionAttempts: 5,
		BackoffBase:       2 * time.Second,
		BackoffMax:        30 * time.Second,
		ReachableAttempts: 30,
		PollInterval:      2 * time.Second,
		PollMax:           10 * time.Second,
		ProbeTimeout:      5 * time.Second,
		WaitStable:        10 * time.Minute,
		AutostopUnit:      time.Minute,
		AutostopRecheck:   10 * time.Second,
	}
}

// Manager drives clusters through their lifecycle
type Manager struct {
	cfg       Config
	registry  *registry.Registry
	providers provider.Set
	prober    Prober
	activity  ActivitySource
	conns     Invalidator
	broker    *events.Broker
	fsm       *lifecycle
	autostop  *autostop

	flight  singleflight.Group
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option customizes a Manager
type Option func(*Manager)

// WithConfig replaces the default timing configuration
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithEvents publishes lifecycle transitions on broker
func WithEvents(broker *events.Broker) Option {
	return func(m *Manager) { m.broker = broker }
}

// WithActivity lets autostop ask the dispatch server whether it is idle
// before tearing a cluster down
func WithActivity(src ActivitySource) Option {
	return func(m *Manager) { m.activity = src }
}

// WithInvalidator is told when a cluster's connections become stale
func WithInvalidator(inv Invalidator) Option {
	return func(m *Manager) { m.conns = inv }
}

// NewManager creates a manager over reg using providers and prober
func NewManager(reg *registry.Registry, providers provider.Set, prober Prober, opts ...Option) *Manager {
	m := &Manager{
		cfg:       DefaultConfig(),
		registry:  reg,
		providers: providers,
		prober:    prober,
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.fsm = newLifecycle(reg, m.broker)
	m.autostop = newAutostop(m.cfg.AutostopUnit, m.cfg.AutostopRecheck, m.autostopExpired)
	return m
}

// Registry returns the underlying cluster registry
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Register stores a cluster definition
func (m *Manager) Register(cluster *types.Cluster) (*types.Cluster, error) {
	saved, err := m.registry.Register(cluster)
	if err != nil {
		return nil, err
	}
	m.broker.Publish(&events.Event{
		Type:    events.EventClusterRegistered,
		Message: "cluster registered",
		Metadata: map[string]string{
			events.MetaCluster:  saved.Name,
			events.MetaProvider: string(saved.Provider),
		},
	})
	return saved, nil
}

// Get returns the stored cluster without probing it
func (m *Manager) Get(name string) (*types.Cluster, error) {
	return m.registry.Get(name)
}

// List yields stored clusters without probing them
func (m *Manager) List() iter.Seq2[*types.Cluster, error] {
	return m.registry.List()
}

// Delete tears the cluster down and forgets it
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := m.Teardown(ctx, name); err != nil {
		return err
	}
	if err := m.registry.Delete(name); err != nil {
		return err
	}
	m.broker.Publish(&events.Event{
		Type:     events.EventClusterDeleted,
		Message:  "cluster deleted",
		Metadata: map[string]string{events.MetaCluster: name},
	})
	return nil
}

// EnsureUp brings name to RUNNING and returns it. Concurrent callers in one
// process share a single attempt; callers in other processes are serialized
// by the registry's compare-and-set. Cancelling ctx abandons the wait, not
// the attempt.
func (m *Manager) EnsureUp(ctx context.Context, name string) (*types.Cluster, error) {
	ch := m.flight.DoChan(name, func() (any, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.WaitStable)
		defer cancel()
		return m.ensureUp(actx, name)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.Cluster).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) ensureUp(ctx context.Context, name string) (*types.Cluster, error) {
	unlock := m.lock(name)
	defer unlock()

	for {
		c, err := m.registry.Get(name)
		if err != nil {
			return nil, err
		}
		p, err := m.providers.For(c)
		if err != nil {
			return nil, err
		}

		switch c.Status {
		case types.StatusRunning:
			if err := m.prober.Probe(ctx, c); err == nil {
				return m.markRunning(c, nil)
			}
			inst, err := p.Describe(ctx, c)
			if errors.Is(err, provider.ErrInstanceNotFound) {
				if _, err := m.lost(name); err != nil && !errors.Is(err, errdefs.ErrStatusConflict) {
					return nil, err
				}
				continue
			}
			if err != nil {
				return nil, err
			}
			return m.waitReachable(ctx, p, c, inst)

		case types.StatusUnprovisioned, types.StatusTerminated:
			up, err := m.launch(ctx, p, c)
			if errors.Is(err, errdefs.ErrStatusConflict) {
				continue
			}
			return up, err

		default:
			if err := m.waitStable(ctx, c); err != nil {
				return nil, err
			}
		}
	}
}

// launch claims the cluster, creates its instance and waits for it to answer
func (m *Manager) launch(ctx context.Context, p provider.Provider, c *types.Cluster) (*types.Cluster, error) {
	claimed, err := m.fsm.apply(c.Name,
		statuses(types.StatusUnprovisioned, types.StatusTerminated),
		types.StatusProvisioning,
		func(c *types.Cluster) {
			c.InstanceID = ""
			c.Resources = nil
			c.LastProbeAt = time.Time{}
			if c.Provider != types.ProviderStatic {
				c.Address = ""
			}
		},
		"provisioning cluster")
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	inst, err := m.create(ctx, p, claimed)
	if err == nil {
		var up *types.Cluster
		up, err = m.waitReachable(ctx, p, claimed, inst)
		if err == nil {
			timer.ObserveDurationVec(metrics.ProvisionDuration, string(p.Kind()))
			return up, nil
		}
		if terr := p.Terminate(context.WithoutCancel(ctx), withInstance(claimed, inst)); terr != nil {
			logger := log.WithCluster(c.Name)
			logger.Warn().Err(terr).Msg("failed to clean up unreachable instance")
		}
	}

	if _, rerr := m.fsm.apply(c.Name, statuses(types.StatusProvisioning), types.StatusUnprovisioned, nil, err.Error()); rerr != nil {
		logger := log.WithCluster(c.Name)
		logger.Error().Err(rerr).Msg("failed to release provisioning claim")
	}
	return nil, err
}

// create calls provider Create, retrying transient failures with backoff
func (m *Manager) create(ctx context.Context, p provider.Provider, c *types.Cluster) (*provider.Instance, error) {
	kind := string(p.Kind())
	logger := log.WithCluster(c.Name)

	for attempt := 1; ; attempt++ {
		inst, err := p.Create(ctx, c)
		if err == nil {
			metrics.ProvisionAttempts.WithLabelValues(kind, "success").Inc()
			logger.Info().Str("instance_id", inst.ID).Msg("instance created")
			return inst, nil
		}

		var pe *errdefs.ProvisioningError
		if !errors.As(err, &pe) {
			pe = errdefs.NewProvisioningError(c.Name, errdefs.ReasonTransient, err)
		}
		metrics.ProvisionAttempts.WithLabelValues(kind, string(pe.Reason)).Inc()

		if pe.Fatal() || attempt >= m.cfg.ProvisionAttempts {
			return nil, pe
		}

		wait := backoff(attempt, m.cfg.BackoffBase, m.cfg.BackoffMax)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("create failed, retrying")
		if err := sleep(ctx, wait); err != nil {
			return nil, errdefs.NewProvisioningError(c.Name, errdefs.ReasonTimeout, err)
		}
	}
}

// waitReachable polls until inst is running, accepts TCP connections and
// passes the health probe, then records it as RUNNING
func (m *Manager) waitReachable(ctx context.Context, p provider.Provider, c *types.Cluster, inst *provider.Instance) (*types.Cluster, error) {
	logger := log.WithCluster(c.Name)
	var lastErr error

	for attempt := 1; attempt <= m.cfg.ReachableAttempts; attempt++ {
		if !inst.Ready() {
			described, err := p.Describe(ctx, withInstance(c, inst))
			switch {
			case err == nil:
				if inst != nil && inst.ID != "" && described.ID == "" {
					described.ID = inst.ID
				}
				inst = described
			case errors.Is(err, provider.ErrInstanceNotFound):
				lastErr = err
			case errdefs.IsFatalProvisioning(err):
				return nil, err
			default:
				lastErr = err
			}
		}

		if inst.Ready() {
			candidate := withInstance(c, inst)
			lastErr = m.reachable(ctx, candidate)
			if lastErr == nil {
				return m.markRunning(c, inst)
			}
		}

		logger.Debug().Int("attempt", attempt).AnErr("last_error", lastErr).Msg("waiting for cluster to become reachable")
		if err := sleep(ctx, backoff(attempt, m.cfg.PollInterval, m.cfg.PollMax)); err != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = errors.New("instance never became ready")
	}
	if c.Status == types.StatusRunning {
		return nil, fmt.Errorf("cluster %s: %w: %v", c.Name, errdefs.ErrUnreachable, lastErr)
	}
	return nil, errdefs.NewProvisioningError(c.Name, errdefs.ReasonTimeout, lastErr)
}

// reachable runs the TCP check on the port the connection layer dials, then
// the health probe
func (m *Manager) reachable(ctx context.Context, c *types.Cluster) error {
	if c.Provider != types.ProviderKubernetes && c.Address != "" {
		port := c.Port()
		if c.ConnectionType == types.ConnectionSSHTunnel {
			port = c.SSHPort()
		}
		tcp := health.NewTCPChecker(net.JoinHostPort(c.Address, strconv.Itoa(port))).WithTimeout(m.cfg.ProbeTimeout)
		if r := tcp.Check(ctx); !r.Healthy {
			return fmt.Errorf("%w: %s", errdefs.ErrUnreachable, r.Message)
		}
	}
	return m.prober.Probe(ctx, c)
}

// markRunning records a successful probe, moving PROVISIONING or RUNNING to
// RUNNING, and restarts the autostop window
func (m *Manager) markRunning(c *types.Cluster, inst *provider.Instance) (*types.Cluster, error) {
	now := time.Now()
	up, err := m.fsm.apply(c.Name,
		statuses(types.StatusProvisioning, types.StatusRunning),
		types.StatusRunning,
		func(stored *types.Cluster) {
			if inst != nil {
				if inst.ID != "" {
					stored.InstanceID = inst.ID
				}
				if inst.Address != "" && stored.Provider != types.ProviderStatic {
					stored.Address = inst.Address
				}
			}
			stored.LastProbeAt = now
		},
		"cluster is running")
	if err != nil {
		return nil, err
	}
	m.autostop.arm(up.Name, up.AutostopMinutes)
	return up, nil
}

// lost records that the provider no longer has an instance for a RUNNING cluster
func (m *Manager) lost(name string) (*types.Cluster, error) {
	m.autostop.cancel(name)
	m.invalidate(name)
	return m.fsm.apply(name, statuses(types.StatusRunning), types.StatusTerminated,
		func(c *types.Cluster) { c.Resources = nil },
		"instance is gone")
}

// waitStable blocks while another process holds the cluster in PROVISIONING
// or STOPPING. A claim older than WaitStable is treated as abandoned.
func (m *Manager) waitStable(ctx context.Context, c *types.Cluster) error {
	logger := log.WithCluster(c.Name)
	for attempt := 1; ; attempt++ {
		if time.Since(c.UpdatedAt) > m.cfg.WaitStable {
			logger.Warn().Str("status", string(c.Status)).Time("since", c.UpdatedAt).Msg("taking over abandoned lifecycle operation")
			return m.recover(ctx, c)
		}

		if err := sleep(ctx, backoff(attempt, m.cfg.PollInterval, m.cfg.PollMax)); err != nil {
			return fmt.Errorf("cluster %s stuck in %s: %w", c.Name, c.Status, errdefs.ErrTimeout)
		}

		current, err := m.registry.Get(c.Name)
		if err != nil {
			return err
		}
		if current.Status.Stable() {
			return nil
		}
		c = current
	}
}

func (m *Manager) recover(ctx context.Context, c *types.Cluster) error {
	switch c.Status {
	case types.StatusProvisioning:
		_, err := m.fsm.apply(c.Name, statuses(types.StatusProvisioning), types.StatusUnprovisioned, nil, "abandoned provisioning released")
		if errors.Is(err, errdefs.ErrStatusConflict) {
			return nil
		}
		return err
	case types.StatusStopping:
		return m.finishTeardown(ctx, c)
	}
	return nil
}

// Teardown terminates the cluster's instance. It is a no-op for clusters
// that are already down.
func (m *Manager) Teardown(ctx context.Context, name string) error {
	unlock := m.lock(name)
	defer unlock()

	m.autostop.cancel(name)

	for {
		c, err := m.registry.Get(name)
		if err != nil {
			return err
		}

		switch c.Status {
		case types.StatusUnprovisioned, types.StatusTerminated:
			return nil

		case types.StatusRunning:
			stopping, err := m.fsm.apply(name, statuses(types.StatusRunning), types.StatusStopping, nil, "stopping cluster")
			if errors.Is(err, errdefs.ErrStatusConflict) {
				continue
			}
			if err != nil {
				return err
			}
			return m.finishTeardown(ctx, stopping)

		case types.StatusStopping:
			return m.finishTeardown(ctx, c)

		default:
			if err := m.waitStable(ctx, c); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) finishTeardown(ctx context.Context, c *types.Cluster) error {
	p, err := m.providers.For(c)
	if err != nil {
		return err
	}
	if err := p.Terminate(ctx, c); err != nil {
		return fmt.Errorf("failed to terminate cluster %s: %w", c.Name, err)
	}
	m.invalidate(c.Name)

	_, err = m.fsm.apply(c.Name, statuses(types.StatusStopping), types.StatusTerminated,
		func(c *types.Cluster) {
			c.Resources = nil
			c.LastProbeAt = time.Time{}
		},
		"cluster terminated")
	if errors.Is(err, errdefs.ErrStatusConflict) {
		return nil
	}
	return err
}

// Status probes a RUNNING cluster and reconciles the stored status with what
// it finds. Clusters in any other status are returned as stored.
func (m *Manager) Status(ctx context.Context, name string) (*types.Cluster, error) {
	c, err := m.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if c.Status != types.StatusRunning {
		return c, nil
	}

	probeErr := m.prober.Probe(ctx, c)
	if probeErr == nil {
		up, err := m.fsm.apply(name, statuses(types.StatusRunning), types.StatusRunning,
			func(c *types.Cluster) { c.LastProbeAt = time.Now() }, "probe ok")
		if errors.Is(err, errdefs.ErrStatusConflict) {
			return m.registry.Get(name)
		}
		return up, err
	}

	logger := log.WithCluster(name)
	logger.Warn().Err(probeErr).Msg("health probe failed")
	m.broker.Publish(&events.Event{
		Type:    events.EventProbeFailed,
		Message: probeErr.Error(),
		Metadata: map[string]string{
			events.MetaCluster: name,
			events.MetaReason:  errdefs.Category(probeErr),
		},
	})

	p, err := m.providers.For(c)
	if err != nil {
		return nil, err
	}
	if _, err := p.Describe(ctx, c); errors.Is(err, provider.ErrInstanceNotFound) {
		gone, err := m.lost(name)
		if errors.Is(err, errdefs.ErrStatusConflict) {
			return m.registry.Get(name)
		}
		return gone, err
	} else if err != nil {
		logger.Warn().Err(err).Msg("failed to describe instance")
	}
	return c, nil
}

// Begin records the start of a dispatched call for autostop
func (m *Manager) Begin(cluster string) {
	m.autostop.begin(cluster)
}

// End records a finished call; a successful call restarts the idle window
func (m *Manager) End(cluster string, ok bool) {
	m.autostop.end(cluster, ok)
}

// SyncAutostop arms idle timers for every RUNNING cluster with autostop
// configured and drops timers for the rest. Clusters already armed keep
// their deadline, so a long-running process can call it on every pass to
// pick up clusters brought up by other processes.
func (m *Manager) SyncAutostop() error {
	want := make(map[string]bool)
	for c, err := range m.registry.List() {
		if err != nil {
			return err
		}
		if c.Status == types.StatusRunning && c.AutostopMinutes > 0 {
			want[c.Name] = true
			m.autostop.ensure(c.Name, c.AutostopMinutes)
		}
	}
	for _, name := range m.autostop.names() {
		if !want[name] {
			m.autostop.cancel(name)
		}
	}
	return nil
}

// Close stops all autostop timers
func (m *Manager) Close() {
	m.autostop.stop()
}

func (m *Manager) autostopExpired(name string) {
	logger := log.WithCluster(name)

	c, err := m.registry.Get(name)
	if err != nil || c.Status != types.StatusRunning || c.AutostopMinutes <= 0 {
		return
	}
	if wait, busy := m.busy(c); busy {
		logger.Debug().Dur("recheck", wait).Msg("dispatch server active, autostop postponed")
		m.autostop.armAfter(name, c.AutostopMinutes, wait)
		return
	}

	logger.Info().Msg("autostop window elapsed, tearing down")

	metrics.AutostopTeardowns.Inc()
	m.broker.Publish(&events.Event{
		Type:     events.EventAutostop,
		Message:  "idle timeout reached",
		Metadata: map[string]string{events.MetaCluster: name},
	})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WaitStable)
	defer cancel()
	if err := m.Teardown(ctx, name); err != nil {
		logger.Error().Err(err).Msg("autostop teardown failed")
	}
}

// busy asks the dispatch server whether it has calls running or queued, or
// finished one within the idle window. It returns how long to wait before
// asking again. A server that cannot be asked counts as idle.
func (m *Manager) busy(c *types.Cluster) (time.Duration, bool) {
	if m.activity == nil {
		return 0, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()

	check, err := m.activity.Activity(ctx, c)
	if err != nil {
		logger := log.WithCluster(c.Name)
		logger.Warn().Err(err).Msg("failed to read dispatch server activity")
		return 0, false
	}
	if check.InFlight > 0 || check.Queued > 0 {
		return m.cfg.AutostopRecheck, true
	}
	if check.LastActivity == "" {
		return 0, false
	}
	last, err := time.Parse(time.RFC3339Nano, check.LastActivity)
	if err != nil {
		return 0, false
	}
	window := time.Duration(c.AutostopMinutes) * m.cfg.AutostopUnit
	if idle := time.Since(last); idle < window {
		return window - idle, true
	}
	return 0, false
}

func (m *Manager) invalidate(name string) {
	if m.conns != nil {
		m.conns.Invalidate(name)
	}
}

// lock takes the per-name mutex and returns its release
func (m *Manager) lock(name string) func() {
	m.locksMu.Lock()
	mu, ok := m.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[name] = mu
	}
	m.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func withInstance(c *types.Cluster, inst *provider.Instance) *types.Cluster {
	out := c.Clone()
	if inst == nil {
		return out
	}
	if inst.ID != "" {
		out.InstanceID = inst.ID
	}
	if inst.Address != "" && out.Provider != types.ProviderStatic {
		out.Address = inst.Address
	}
	return out
}

func backoff(attempt int, base, ceiling time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
