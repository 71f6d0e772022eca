package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/types"
)

const defaultSSHUser = "ubuntu"

var errTunnelDown = errors.New("ssh tunnel down")

// sshTarget is a fully resolved SSH endpoint
type sshTarget struct {
	Addr    string
	User    string
	KeyPath string
}

// tunnel multiplexes HTTP connections, exec sessions and shells over one
// SSH client, re-dialling once when the client has dropped
type tunnel struct {
	cluster string
	target  sshTarget
	config  *ssh.ClientConfig
	timeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

func newTunnel(ctx context.Context, cluster *types.Cluster, opts Options) (*tunnel, error) {
	target, err := resolveTarget(opts.Fs, opts.SSHConfigPath, cluster)
	if err != nil {
		return nil, err
	}

	key, err := afero.ReadFile(opts.Fs, target.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key %s: %w", target.KeyPath, errdefs.ErrAuth)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key %s: %v: %w", target.KeyPath, err, errdefs.ErrAuth)
	}

	t := &tunnel{
		cluster: cluster.Name,
		target:  target,
		timeout: opts.DialTimeout,
		config: &ssh.ClientConfig{
			User: target.User,
			Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
			// instances are launched on demand and never in known_hosts
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         opts.DialTimeout,
		},
	}
	if _, err := t.get(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// resolveTarget applies ~/.ssh/config to the cluster's host alias. Explicit
// cluster credentials win over the config file.
func resolveTarget(fs afero.Fs, configPath string, cluster *types.Cluster) (sshTarget, error) {
	var cfg *ssh_config.Config
	if configPath != "" {
		if f, err := fs.Open(configPath); err == nil {
			cfg, err = ssh_config.Decode(f)
			_ = f.Close()
			if err != nil {
				return sshTarget{}, fmt.Errorf("failed to parse %s: %w", configPath, err)
			}
		}
	}
	lookup := func(alias, key string) string {
		if cfg == nil || alias == "" {
			return ""
		}
		v, _ := cfg.Get(alias, key)
		return v
	}

	alias := cluster.Credentials.SSHHostAlias
	host := cluster.Address
	if host == "" {
		host = lookup(alias, "HostName")
	}
	if host == "" {
		host = alias
	}
	if host == "" {
		return sshTarget{}, fmt.Errorf("cluster %s has no address: %w", cluster.Name, errdefs.ErrUnreachable)
	}

	port := strconv.Itoa(cluster.SSHPort())
	if cluster.Credentials.SSHPort == 0 {
		if p := lookup(alias, "Port"); p != "" {
			port = p
		}
	}

	user := cluster.Credentials.SSHUser
	if user == "" {
		user = lookup(alias, "User")
	}
	if user == "" {
		user = defaultSSHUser
	}

	keyPath := cluster.Credentials.SSHKeyPath
	if keyPath == "" {
		keyPath = lookup(alias, "IdentityFile")
	}
	if keyPath == "" || keyPath == "~/.ssh/identity" {
		keyPath = "~/.ssh/id_rsa"
	}

	return sshTarget{
		Addr:    net.JoinHostPort(host, port),
		User:    user,
		KeyPath: expandHome(keyPath),
	}, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func (t *tunnel) get(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	dialer := &net.Dialer{Timeout: t.timeout}
	raw, err := dialer.DialContext(ctx, "tcp", t.target.Addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %v: %w", t.target.Addr, err, errdefs.ErrUnreachable)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(raw, t.target.Addr, t.config)
	if err != nil {
		_ = raw.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("ssh %s@%s: %w", t.target.User, t.target.Addr, errdefs.ErrAuth)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %v: %w", t.target.Addr, err, errdefs.ErrUnreachable)
	}
	t.client = ssh.NewClient(sshConn, chans, reqs)
	return t.client, nil
}

func (t *tunnel) reset(stale *ssh.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == stale {
		_ = t.client.Close()
		t.client = nil
	}
}

// DialContext opens addr as seen from the node
func (t *tunnel) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	for attempt := 0; ; attempt++ {
		client, err := t.get(ctx)
		if err != nil {
			return nil, err
		}
		conn, err := client.Dial(network, addr)
		if err == nil {
			return conn, nil
		}

		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			// the node refused the forward; the client itself is fine
			return nil, fmt.Errorf("forward to %s: %w", addr, err)
		}
		t.reset(client)
		if attempt > 0 {
			return nil, fmt.Errorf("%w: %v", errTunnelDown, err)
		}
		logger := log.WithCluster(t.cluster)
		logger.Debug().Err(err).Msg("SSH client dropped, re-dialling")
	}
}

// Exec runs command in a new session, cancelled with ctx
func (t *tunnel) Exec(ctx context.Context, command string, stdout, stderr io.Writer) error {
	session, err := t.session(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGTERM)
			_ = session.Close()
		case <-done:
		}
	}()

	if err := session.Run(command); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("remote command failed: %w", err)
	}
	return nil
}

// Shell requests a PTY and runs the login shell until it exits
func (t *tunnel) Shell(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	session, err := t.session(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	modes := ssh.TerminalModes{ssh.ECHO: 1, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
	term := os.Getenv("TERM")
	if term == "" {
		term = "xterm-256color"
	}
	if err := session.RequestPty(term, 40, 120, modes); err != nil {
		return fmt.Errorf("failed to request pty: %w", err)
	}
	if err := session.Shell(); err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	return session.Wait()
}

func (t *tunnel) session(ctx context.Context) (*ssh.Session, error) {
	client, err := t.get(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err == nil {
		return session, nil
	}
	t.reset(client)
	if client, err = t.get(ctx); err != nil {
		return nil, err
	}
	session, err = client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrConnectionLost, err)
	}
	return session, nil
}

// Close closes the SSH client
func (t *tunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
