// Package conn opens transports to a cluster's dispatch server.
//
// A Conn hides whether requests travel through an SSH tunnel or directly
// over HTTP or HTTPS. Callers only see a resty client rooted at BaseURL.
package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	resty "github.com/go-resty/resty/v2"
	"github.com/spf13/afero"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/security"
	"github.com/cuemby/runway/pkg/types"
)

// Options configures how connections are opened
type Options struct {
	// Token is sent as a bearer token when the cluster requires den auth
	Token string

	// SSHConfigPath defaults to ~/.ssh/config
	SSHConfigPath string

	DialTimeout time.Duration
	RetryCount  int
	RetryWait   time.Duration

	// Fs is used to read SSH config and key files
	Fs afero.Fs
}

func (o Options) withDefaults() Options {
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.RetryCount == 0 {
		o.RetryCount = 2
	}
	if o.RetryWait == 0 {
		o.RetryWait = 200 * time.Millisecond
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.SSHConfigPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			o.SSHConfigPath = filepath.Join(home, ".ssh", "config")
		}
	}
	return o
}

// Conn is an open transport to one cluster
type Conn struct {
	cluster     *types.Cluster
	opts        Options
	baseURL     string
	restyClient *resty.Client
	transport   *http.Transport

	mu     sync.Mutex
	tunnel *tunnel
}

// Open connects to cluster's dispatch server. SSH-tunnelled clusters are
// dialled eagerly so unreachable hosts and rejected keys surface here.
func Open(ctx context.Context, cluster *types.Cluster, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	c := &Conn{cluster: cluster.Clone(), opts: opts}

	switch cluster.ConnectionType {
	case types.ConnectionSSHTunnel, "":
		t, err := newTunnel(ctx, cluster, opts)
		if err != nil {
			return nil, err
		}
		c.tunnel = t
		c.transport = &http.Transport{
			DialContext:     t.DialContext,
			MaxIdleConns:    10,
			IdleConnTimeout: 90 * time.Second,
		}
		c.baseURL = "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(cluster.Port()))

	case types.ConnectionHTTP, types.ConnectionTLS:
		if cluster.Address == "" {
			return nil, fmt.Errorf("cluster %s has no address: %w", cluster.Name, errdefs.ErrUnreachable)
		}
		dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
		c.transport = &http.Transport{
			DialContext:     dialer.DialContext,
			MaxIdleConns:    10,
			IdleConnTimeout: 90 * time.Second,
		}
		scheme := "http"
		if cluster.ConnectionType == types.ConnectionTLS {
			tlsConfig, err := clientTLSConfig(cluster)
			if err != nil {
				return nil, err
			}
			c.transport.TLSClientConfig = tlsConfig
			scheme = "https"
		}
		c.baseURL = scheme + "://" + net.JoinHostPort(cluster.Address, strconv.Itoa(cluster.Port()))

	default:
		return nil, fmt.Errorf("unknown connection type %q: %w", cluster.ConnectionType, errdefs.ErrInvalidArgument)
	}

	c.restyClient = c.newRestyClient()
	return c, nil
}

func clientTLSConfig(cluster *types.Cluster) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cluster.TLSInsecure {
		logger := log.WithCluster(cluster.Name)
		logger.Warn().Msg("TLS certificate verification disabled for this cluster")
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}
	if cluster.Credentials.CACertPath != "" {
		pool, err := security.LoadCAPool(cluster.Credentials.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA for %s: %w", cluster.Name, err)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func (c *Conn) newRestyClient() *resty.Client {
	client := resty.New()
	client.SetTransport(c.transport)
	client.SetBaseURL(c.baseURL)
	client.SetHeader("Content-Type", "application/json")
	if c.opts.Token != "" {
		client.SetAuthToken(c.opts.Token)
	}
	client.SetRetryCount(c.opts.RetryCount)
	client.SetRetryWaitTime(c.opts.RetryWait)
	client.SetRetryMaxWaitTime(4 * c.opts.RetryWait)
	// only retry when the request never reached the server
	client.AddRetryCondition(func(_ *resty.Response, err error) bool {
		return retryable(err)
	})
	return client
}

// Cluster returns the cluster this connection was opened for
func (c *Conn) Cluster() *types.Cluster {
	return c.cluster
}

// BaseURL is the dispatch server root as seen by this connection
func (c *Conn) BaseURL() string {
	return c.baseURL
}

// Client exposes the resty client
func (c *Conn) Client() *resty.Client {
	return c.restyClient
}

// Request starts a request bound to ctx
func (c *Conn) Request(ctx context.Context) *resty.Request {
	return c.restyClient.R().SetContext(ctx)
}

// HTTPClient returns a plain client over the same transport, for probes
func (c *Conn) HTTPClient() *http.Client {
	return &http.Client{Transport: c.transport}
}

// DialContext opens a raw connection through this transport. For tunnelled
// clusters addr is resolved on the node.
func (c *Conn) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	if c.tunnel != nil {
		return c.tunnel.DialContext(ctx, "tcp", addr)
	}
	return (&net.Dialer{Timeout: c.opts.DialTimeout}).DialContext(ctx, "tcp", addr)
}

// HealthAddr is the address of the node's gRPC health port from the
// perspective of DialContext
func (c *Conn) HealthAddr() string {
	host := c.cluster.Address
	if c.tunnel != nil {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.cluster.HealthPort))
}

// Exec runs a command on the node over SSH
func (c *Conn) Exec(ctx context.Context, command string, stdout, stderr io.Writer) error {
	t, err := c.sshTunnel(ctx)
	if err != nil {
		return err
	}
	return t.Exec(ctx, command, stdout, stderr)
}

// Shell attaches an interactive shell on the node
func (c *Conn) Shell(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	t, err := c.sshTunnel(ctx)
	if err != nil {
		return err
	}
	return t.Shell(ctx, stdin, stdout, stderr)
}

func (c *Conn) sshTunnel(ctx context.Context) (*tunnel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tunnel != nil {
		return c.tunnel, nil
	}
	if c.cluster.Provider == types.ProviderKubernetes {
		return nil, fmt.Errorf("cluster %s is not reachable over ssh: %w", c.cluster.Name, errdefs.ErrInvalidArgument)
	}
	t, err := newTunnel(ctx, c.cluster, c.opts)
	if err != nil {
		return nil, err
	}
	c.tunnel = t
	return t, nil
}

// Close releases the transport and any SSH client
func (c *Conn) Close() error {
	c.transport.CloseIdleConnections()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tunnel != nil {
		return c.tunnel.Close()
	}
	return nil
}

// CheckResponse maps transport failures and auth rejections onto errdefs.
// A non-nil response with any other status is left for the caller.
func CheckResponse(resp *resty.Response, err error) error {
	if err != nil {
		return MapError(err)
	}
	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", resp.Request.Method, resp.Request.URL, errdefs.ErrAuth)
	}
	return nil
}

// MapError classifies an error from a request made over a Conn
func MapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, errdefs.ErrAuth), errors.Is(err, errdefs.ErrUnreachable), errors.Is(err, errdefs.ErrConnectionLost):
		return err
	}
	// nothing was sent if the dial itself failed
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %w", errdefs.ErrUnreachable, err)
	}
	return fmt.Errorf("%w: %v", errdefs.ErrConnectionLost, err)
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errTunnelDown) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
