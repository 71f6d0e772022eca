package conn

import (
	"context"
	"sync"

	"github.com/cuemby/runway/pkg/types"
)

// Pool caches one Conn per cluster name
type Pool struct {
	opts Options

	mu    sync.Mutex
	conns map[string]*pooled
}

type pooled struct {
	conn        *Conn
	fingerprint string
}

// NewPool creates an empty pool opening connections with opts
func NewPool(opts Options) *Pool {
	return &Pool{
		opts:  opts,
		conns: make(map[string]*pooled),
	}
}

// Get returns the cached connection for cluster, reopening it when the
// cluster's address or instance has changed since it was opened
func (p *Pool) Get(ctx context.Context, cluster *types.Cluster) (*Conn, error) {
	fp := fingerprint(cluster)

	p.mu.Lock()
	if entry, ok := p.conns[cluster.Name]; ok {
		if entry.fingerprint == fp {
			p.mu.Unlock()
			return entry.conn, nil
		}
		delete(p.conns, cluster.Name)
		_ = entry.conn.Close()
	}
	p.mu.Unlock()

	c, err := Open(ctx, cluster, p.opts)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.conns[cluster.Name]; ok && entry.fingerprint == fp {
		// lost a race with another opener
		_ = c.Close()
		return entry.conn, nil
	}
	p.conns[cluster.Name] = &pooled{conn: c, fingerprint: fp}
	return c, nil
}

// Invalidate closes and forgets the connection for name
func (p *Pool) Invalidate(name string) {
	p.mu.Lock()
	entry, ok := p.conns[name]
	delete(p.conns, name)
	p.mu.Unlock()

	if ok {
		_ = entry.conn.Close()
	}
}

// Close closes every pooled connection
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooled)
	p.mu.Unlock()

	for _, entry := range conns {
		_ = entry.conn.Close()
	}
}

func fingerprint(c *types.Cluster) string {
	return string(c.ConnectionType) + "|" + c.Address + "|" + c.InstanceID
}
