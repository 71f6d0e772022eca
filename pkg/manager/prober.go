package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/runway/pkg/conn"
	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/health"
	"github.com/cuemby/runway/pkg/types"
)

// Prober checks that a cluster's dispatch server answers
type Prober interface {
	Probe(ctx context.Context, cluster *types.Cluster) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context, cluster *types.Cluster) error

func (f ProberFunc) Probe(ctx context.Context, cluster *types.Cluster) error {
	return f(ctx, cluster)
}

// ConnProber probes through pooled connections: the gRPC health service when
// the cluster exposes a health port, GET /check otherwise.
type ConnProber struct {
	pool    *conn.Pool
	timeout time.Duration
}

// NewConnProber creates a prober using pool
func NewConnProber(pool *conn.Pool, timeout time.Duration) *ConnProber {
	return &ConnProber{pool: pool, timeout: timeout}
}

func (p *ConnProber) Probe(ctx context.Context, cluster *types.Cluster) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	c, err := p.pool.Get(ctx, cluster)
	if err != nil {
		return err
	}

	var checker health.Checker
	if cluster.HealthPort > 0 {
		checker = health.NewGRPCChecker(c.HealthAddr()).WithDialer(c.DialContext)
	} else {
		checker = health.NewHTTPChecker(c.BaseURL() + "/check").WithClient(c.HTTPClient()).WithBody(validateCheck)
	}

	result := checker.Check(ctx)
	if !result.Healthy {
		return fmt.Errorf("%w: %s health check: %s", errdefs.ErrUnreachable, checker.Type(), result.Message)
	}
	return nil
}

// Activity reads GET /check for the server's in-flight calls and last
// activity
func (p *ConnProber) Activity(ctx context.Context, cluster *types.Cluster) (*types.Check, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	c, err := p.pool.Get(ctx, cluster)
	if err != nil {
		return nil, err
	}

	var check types.Check
	resp, err := c.Request(ctx).SetResult(&check).Get("/check")
	if err := conn.CheckResponse(resp, err); err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("check on %s returned %d", cluster.Name, resp.StatusCode())
	}
	return &check, nil
}

// validateCheck accepts a /check body reporting status "ok"
func validateCheck(body []byte) (string, error) {
	var check types.Check
	if err := json.Unmarshal(body, &check); err != nil {
		return "", fmt.Errorf("not a dispatch server: %v", err)
	}
	if check.Status != "ok" {
		return "", fmt.Errorf("dispatch server reports %q", check.Status)
	}
	return fmt.Sprintf("dispatch server %s, %d resources", check.Version, check.Resources), nil
}
