package conn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func checkHandler(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/check":
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","auth":%q}`, r.Header.Get("Authorization"))
	case "/secure":
		w.WriteHeader(http.StatusUnauthorized)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestOpen_DirectHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(checkHandler))
	defer srv.Close()
	host, port := splitHostPort(t, srv.Listener.Addr().String())

	c, err := Open(context.Background(), &types.Cluster{
		Name:           "c1",
		Address:        host,
		ServerPort:     port,
		ConnectionType: types.ConnectionHTTP,
	}, Options{Token: "tok"})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, srv.URL, c.BaseURL())

	var body map[string]string
	resp, err := c.Request(context.Background()).SetResult(&body).Get("/check")
	require.NoError(t, CheckResponse(resp, err))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "Bearer tok", body["auth"])

	resp, err = c.Request(context.Background()).Get("/secure")
	assert.ErrorIs(t, CheckResponse(resp, err), errdefs.ErrAuth)
}

func TestOpen_TLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(checkHandler))
	defer srv.Close()
	host, port := splitHostPort(t, srv.Listener.Addr().String())

	caPath := filepath.Join(t.TempDir(), "ca.crt")
	require.NoError(t, os.WriteFile(caPath, pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: srv.Certificate().Raw,
	}), 0600))

	tests := []struct {
		name    string
		cluster types.Cluster
		ok      bool
	}{
		{"untrusted", types.Cluster{}, false},
		{"insecure", types.Cluster{TLSInsecure: true}, true},
		{"ca pinned", types.Cluster{Credentials: types.Credentials{CACertPath: caPath}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := tt.cluster
			cluster.Name = "tls"
			cluster.Address = host
			cluster.ServerPort = port
			cluster.ConnectionType = types.ConnectionTLS

			c, err := Open(context.Background(), &cluster, Options{})
			require.NoError(t, err)
			defer c.Close()
			assert.True(t, strings.HasPrefix(c.BaseURL(), "https://"))

			resp, err := c.Request(context.Background()).Get("/check")
			err = CheckResponse(resp, err)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errdefs.ErrConnectionLost)
			}
		})
	}
}

func TestOpen_NoAddress(t *testing.T) {
	_, err := Open(context.Background(), &types.Cluster{Name: "x", ConnectionType: types.ConnectionHTTP}, Options{})
	assert.ErrorIs(t, err, errdefs.ErrUnreachable)
}

// sshServer is a minimal server supporting direct-tcpip forwarding and exec
type sshServer struct {
	addr     string
	listener net.Listener
	wg       sync.WaitGroup
}

func startSSHServer(t *testing.T, authorized ssh.PublicKey) *sshServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &sshServer{addr: ln.Addr().String(), listener: ln}

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(raw, cfg)
			}()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *sshServer) serve(raw net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(raw, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "direct-tcpip":
			var target struct {
				Host     string
				Port     uint32
				OrigHost string
				OrigPort uint32
			}
			if err := ssh.Unmarshal(newCh.ExtraData(), &target); err != nil {
				_ = newCh.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			upstream, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
			if err != nil {
				_ = newCh.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			ch, chReqs, err := newCh.Accept()
			if err != nil {
				_ = upstream.Close()
				continue
			}
			go ssh.DiscardRequests(chReqs)
			go func() {
				_, _ = io.Copy(ch, upstream)
				_ = ch.Close()
			}()
			go func() {
				_, _ = io.Copy(upstream, ch)
				_ = upstream.Close()
			}()

		case "session":
			ch, chReqs, err := newCh.Accept()
			if err != nil {
				continue
			}
			go func() {
				for req := range chReqs {
					if req.Type != "exec" {
						_ = req.Reply(false, nil)
						continue
					}
					var payload struct{ Command string }
					_ = ssh.Unmarshal(req.Payload, &payload)
					_ = req.Reply(true, nil)
					fmt.Fprintf(ch, "ran: %s\n", payload.Command)
					_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
					_ = ch.Close()
					return
				}
			}()

		default:
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

func writeClientKey(t *testing.T, fs afero.Fs, path string) ssh.PublicKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "test")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, pem.EncodeToMemory(block), 0600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return sshPub
}

func TestOpen_SSHTunnel(t *testing.T) {
	fs := afero.NewMemMapFs()
	pub := writeClientKey(t, fs, "/keys/id_ed25519")
	sshd := startSSHServer(t, pub)
	sshHost, sshPort := splitHostPort(t, sshd.addr)

	srv := httptest.NewServer(http.HandlerFunc(checkHandler))
	defer srv.Close()
	_, serverPort := splitHostPort(t, srv.Listener.Addr().String())

	require.NoError(t, afero.WriteFile(fs, "/home/.ssh/config", []byte(fmt.Sprintf(`
Host gpu-box
  HostName %s
  Port %d
  User runner
  IdentityFile /keys/id_ed25519
`, sshHost, sshPort)), 0600))

	cluster := &types.Cluster{
		Name:           "c1",
		Provider:       types.ProviderStatic,
		ConnectionType: types.ConnectionSSHTunnel,
		ServerPort:     serverPort,
		Credentials:    types.Credentials{SSHHostAlias: "gpu-box"},
	}

	c, err := Open(context.Background(), cluster, Options{Fs: fs, SSHConfigPath: "/home/.ssh/config"})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "runner", c.tunnel.target.User)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d", serverPort), c.BaseURL())

	var body map[string]string
	resp, err := c.Request(context.Background()).SetResult(&body).Get("/check")
	require.NoError(t, CheckResponse(resp, err))
	assert.Equal(t, "ok", body["status"])

	var out strings.Builder
	require.NoError(t, c.Exec(context.Background(), "uptime", &out, io.Discard))
	assert.Equal(t, "ran: uptime\n", out.String())

	// a dropped client is re-dialled transparently
	c.tunnel.mu.Lock()
	_ = c.tunnel.client.Close()
	c.tunnel.mu.Unlock()
	c.transport.CloseIdleConnections()

	resp, err = c.Request(context.Background()).Get("/check")
	require.NoError(t, CheckResponse(resp, err))
}

func TestOpen_SSHErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeClientKey(t, fs, "/keys/wrong")
	other := writeClientKey(t, fs, "/keys/right")
	sshd := startSSHServer(t, other)
	host, port := splitHostPort(t, sshd.addr)

	rejected := &types.Cluster{
		Name:           "c1",
		Address:        host,
		ConnectionType: types.ConnectionSSHTunnel,
		Credentials:    types.Credentials{SSHPort: port, SSHKeyPath: "/keys/wrong"},
	}
	_, err := Open(context.Background(), rejected, Options{Fs: fs})
	assert.ErrorIs(t, err, errdefs.ErrAuth)

	missingKey := rejected.Clone()
	missingKey.Credentials.SSHKeyPath = "/keys/none"
	_, err = Open(context.Background(), missingKey, Options{Fs: fs})
	assert.ErrorIs(t, err, errdefs.ErrAuth)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, closedPort := splitHostPort(t, ln.Addr().String())
	require.NoError(t, ln.Close())

	unreachable := rejected.Clone()
	unreachable.Credentials.SSHKeyPath = "/keys/right"
	unreachable.Credentials.SSHPort = closedPort
	_, err = Open(context.Background(), unreachable, Options{Fs: fs})
	assert.ErrorIs(t, err, errdefs.ErrUnreachable)
}

func TestPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(checkHandler))
	defer srv.Close()
	host, port := splitHostPort(t, srv.Listener.Addr().String())

	pool := NewPool(Options{})
	defer pool.Close()

	cluster := &types.Cluster{Name: "c1", Address: host, ServerPort: port, ConnectionType: types.ConnectionHTTP, InstanceID: "i-1"}
	first, err := pool.Get(context.Background(), cluster)
	require.NoError(t, err)
	second, err := pool.Get(context.Background(), cluster)
	require.NoError(t, err)
	assert.Same(t, first, second)

	cluster.InstanceID = "i-2"
	relaunched, err := pool.Get(context.Background(), cluster)
	require.NoError(t, err)
	assert.NotSame(t, first, relaunched)

	pool.Invalidate("c1")
	pool.Invalidate("c1")
	fresh, err := pool.Get(context.Background(), cluster)
	require.NoError(t, err)
	assert.NotSame(t, relaunched, fresh)
}

func TestMapError(t *testing.T) {
	assert.NoError(t, MapError(nil))
	assert.ErrorIs(t, MapError(context.DeadlineExceeded), context.DeadlineExceeded)
	assert.ErrorIs(t, MapError(fmt.Errorf("x: %w", errdefs.ErrAuth)), errdefs.ErrAuth)
	assert.ErrorIs(t, MapError(io.ErrUnexpectedEOF), errdefs.ErrConnectionLost)

	refused := &url.Error{Op: "Post", URL: "http://10.0.0.7:32300/echo/run", Err: &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")}}
	assert.ErrorIs(t, MapError(refused), errdefs.ErrUnreachable)
	assert.NotErrorIs(t, MapError(refused), errdefs.ErrConnectionLost)
	assert.ErrorIs(t, MapError(&net.OpError{Op: "read", Err: fmt.Errorf("reset")}), errdefs.ErrConnectionLost)

	assert.True(t, retryable(&net.OpError{Op: "dial", Err: fmt.Errorf("refused")}))
	assert.False(t, retryable(&net.OpError{Op: "read", Err: fmt.Errorf("reset")}))
	assert.True(t, retryable(fmt.Errorf("%w: eof", errTunnelDown)))
}
