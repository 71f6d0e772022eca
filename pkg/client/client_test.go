package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/runway/pkg/api"
	"github.com/cuemby/runway/pkg/conn"
	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/secrets"
	"github.com/cuemby/runway/pkg/types"
)

type testEnv struct {
	srv     *api.Server
	fs      afero.Fs
	cluster *types.Cluster
	pool    *conn.Pool
	client  *Client
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	fs := afero.NewMemMapFs()
	cfg := api.DefaultConfig()
	cfg.Workers = 4
	cfg.QueueSize = 16
	cfg.FS = fs
	cfg.Home = "/home/node"

	srv, err := api.NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())

	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	pool := conn.NewPool(conn.Options{})
	t.Cleanup(func() {
		pool.Close()
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	_, err = srv.Table().Put(&types.RemoteResource{Name: "echo", Cluster: "c1", Blueprint: "echo"})
	require.NoError(t, err)

	return &testEnv{
		srv: srv,
		fs:  fs,
		cluster: &types.Cluster{
			Name:           "c1",
			Address:        host,
			ServerPort:     port,
			ConnectionType: types.ConnectionHTTP,
			Status:         types.StatusRunning,
		},
		pool:   pool,
		client: New(pool, opts...),
	}
}

func TestCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		method string
		args   []any
		kwargs map[string]any
		opts   []CallOption
		want   any
	}{
		{name: "string", method: "run", args: []any{"hi"}, want: "hi"},
		{name: "kwargs", method: "run", kwargs: map[string]any{"a": 1.0}, want: map[string]any{"a": 1.0}},
		{name: "default method", method: "", args: []any{"x"}, want: "x"},
		{name: "pickle", method: "run", args: []any{"hi"}, opts: []CallOption{WithSerialization(types.SerializationPickle)}, want: "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.client.Call(ctx, env.cluster, "echo", tt.method, tt.args, tt.kwargs, tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCall_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("remote exception", func(t *testing.T) {
		_, err := env.client.Call(ctx, env.cluster, "echo", "fail", []any{"boom"}, map[string]any{"type": "ValueError"})
		var re *errdefs.RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "ValueError", re.Type)
		assert.Equal(t, "boom", re.Message)
		assert.ErrorIs(t, err, errdefs.ErrRemoteExecution)
	})

	t.Run("panic carries traceback", func(t *testing.T) {
		_, err := env.client.Call(ctx, env.cluster, "echo", "panic", nil, nil)
		var re *errdefs.RemoteError
		require.ErrorAs(t, err, &re)
		assert.NotEmpty(t, re.Traceback)
	})

	t.Run("unknown resource", func(t *testing.T) {
		_, err := env.client.Call(ctx, env.cluster, "missing", "run", nil, nil)
		assert.ErrorIs(t, err, errdefs.ErrResourceNotFound)
	})

	t.Run("cluster not running", func(t *testing.T) {
		stopped := env.cluster.Clone()
		stopped.Status = types.StatusTerminated
		_, err := env.client.Call(ctx, stopped, "echo", "run", nil, nil)
		assert.ErrorIs(t, err, errdefs.ErrUnreachable)
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := env.client.Call(ctx, env.cluster, "echo", "sleep", []any{2}, nil, WithTimeout(100*time.Millisecond))
		assert.ErrorIs(t, err, errdefs.ErrTimeout)
	})

	t.Run("unencodable arguments", func(t *testing.T) {
		_, err := env.client.Call(ctx, env.cluster, "echo", "run", []any{make(chan int)}, nil)
		assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
	})
}

func TestCall_StreamLogs(t *testing.T) {
	env := newTestEnv(t)

	var out bytes.Buffer
	got, err := env.client.Call(context.Background(), env.cluster, "echo", "lines", []any{3}, nil, WithStreamLogs(&out))
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)
	assert.Equal(t, "line 0\nline 1\nline 2\n", out.String())
}

func TestStream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stream, err := env.client.Stream(ctx, env.cluster, "echo", "lines", []any{2}, nil)
	require.NoError(t, err)
	defer stream.Close()

	var lines []string
	for chunk := range stream.Logs() {
		lines = append(lines, chunk.Line)
	}
	assert.Equal(t, []string{"line 0", "line 1"}, lines)
	assert.NotEmpty(t, stream.RunKey())

	got, err := stream.Result()
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)
}

func TestStream_CloseKeepsRunning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stream, err := env.client.Stream(ctx, env.cluster, "echo", "lines", []any{5, 100}, nil, WithRunName("slow"))
	require.NoError(t, err)

	<-stream.Logs()
	require.NoError(t, stream.Close())

	_, err = stream.Result()
	assert.ErrorIs(t, err, errdefs.ErrConnectionLost)

	got, err := env.client.Attach(env.cluster, "slow").Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)
}

func TestCallAsync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run, err := env.client.CallAsync(ctx, env.cluster, "echo", "sleep", []any{0.2}, nil, WithRunName("nap"))
	require.NoError(t, err)
	assert.Equal(t, "nap", run.Key)

	done, _, err := run.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	got, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.2, got)

	done, got, err = run.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 0.2, got)

	_, err = env.client.Attach(env.cluster, "nobody").Wait(ctx)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRun_Reattach(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run, err := env.client.CallAsync(ctx, env.cluster, "echo", "lines", []any{3, 50}, nil)
	require.NoError(t, err)

	stream, err := run.Stream(ctx)
	require.NoError(t, err)
	defer stream.Close()

	var lines []string
	for chunk := range stream.Logs() {
		lines = append(lines, chunk.Line)
	}
	assert.Equal(t, []string{"line 0", "line 1", "line 2"}, lines)

	got, err := stream.Result()
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)
}

func TestRun_Cancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run, err := env.client.CallAsync(ctx, env.cluster, "echo", "sleep", []any{30}, nil)
	require.NoError(t, err)

	cancelled, err := run.Cancel(ctx)
	require.NoError(t, err)
	assert.True(t, cancelled)

	_, err = run.Wait(ctx)
	var re *errdefs.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, errdefs.TypeCancelled, re.Type)

	cancelled, err = run.Cancel(ctx)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestResources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	spec, err := env.client.PutResource(ctx, env.cluster, &types.RemoteResource{Name: "store", Cluster: "c1", Blueprint: "kv"})
	require.NoError(t, err)
	assert.Equal(t, "store", spec.Name)

	keys, err := env.client.Keys(ctx, env.cluster)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "store"}, keys)

	_, err = env.client.Call(ctx, env.cluster, "store", "put", []any{"k", "v"}, nil)
	require.NoError(t, err)
	got, err := env.client.Call(ctx, env.cluster, "store", "get", []any{"k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, env.client.DeleteResource(ctx, env.cluster, "store"))
	_, err = env.client.Call(ctx, env.cluster, "store", "get", []any{"k"}, nil)
	assert.ErrorIs(t, err, errdefs.ErrResourceNotFound)

	_, err = env.client.PutResource(ctx, env.cluster, &types.RemoteResource{Name: "bad", Blueprint: "nope"})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestCheck(t *testing.T) {
	env := newTestEnv(t)

	check, err := env.client.Check(context.Background(), env.cluster)
	require.NoError(t, err)
	assert.Equal(t, "ok", check.Status)
	assert.Equal(t, 1, check.Resources)
}

func TestPutSecret(t *testing.T) {
	env := newTestEnv(t)

	secret := &types.Secret{
		Provider: "huggingface",
		Values:   map[string]string{"token": "hf_abc"},
	}
	var _ secrets.Pusher = env.client

	out, err := env.client.PushSecret(context.Background(), env.cluster, secret)
	require.NoError(t, err)
	assert.Equal(t, "huggingface", out.Name)

	data, err := afero.ReadFile(env.fs, out.Path)
	require.NoError(t, err)
	assert.Equal(t, "hf_abc\n", string(data))
}

func TestRemoveSecret(t *testing.T) {
	env := newTestEnv(t)

	secret := &types.Secret{
		Provider: "huggingface",
		Values:   map[string]string{"token": "hf_abc"},
	}
	pushed, err := env.client.PushSecret(context.Background(), env.cluster, secret)
	require.NoError(t, err)

	removed, err := env.client.RemoveSecret(context.Background(), env.cluster, secret)
	require.NoError(t, err)
	assert.Equal(t, pushed.Path, removed.Path)

	exists, err := afero.Exists(env.fs, pushed.Path)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = env.client.RemoveSecret(context.Background(), env.cluster, &types.Secret{})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

// countingDialer records how often the client dropped a pooled connection
type countingDialer struct {
	*conn.Pool
	mu          sync.Mutex
	invalidated int
}

func (d *countingDialer) Invalidate(name string) {
	d.mu.Lock()
	d.invalidated++
	d.mu.Unlock()
	d.Pool.Invalidate(name)
}

func TestCall_StreamLogsTimeout(t *testing.T) {
	env := newTestEnv(t)
	dialer := &countingDialer{Pool: env.pool}
	c := New(dialer)

	var out bytes.Buffer
	_, err := c.Call(context.Background(), env.cluster, "echo", "sleep", []any{2}, nil,
		WithStreamLogs(&out), WithTimeout(100*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
	assert.NotErrorIs(t, err, errdefs.ErrConnectionLost)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	assert.Zero(t, dialer.invalidated, "a timed out stream leaves the connection pooled")
}

func TestCall_ClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	pool := conn.NewPool(conn.Options{})
	t.Cleanup(pool.Close)
	cluster := &types.Cluster{
		Name:           "gone",
		Address:        "127.0.0.1",
		ServerPort:     port,
		ConnectionType: types.ConnectionHTTP,
		Status:         types.StatusRunning,
	}

	_, err = New(pool).Call(context.Background(), cluster, "echo", "run", []any{"x"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrUnreachable)
	assert.NotErrorIs(t, err, errdefs.ErrConnectionLost)
}

type recordingTracker struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingTracker) Begin(cluster string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "begin "+cluster)
}

func (r *recordingTracker) End(cluster string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "end "+cluster+" "+strconv.FormatBool(ok))
}

func TestActivity(t *testing.T) {
	tracker := &recordingTracker{}
	env := newTestEnv(t, WithActivity(tracker))
	ctx := context.Background()

	_, err := env.client.Call(ctx, env.cluster, "echo", "run", []any{1}, nil)
	require.NoError(t, err)
	_, err = env.client.Call(ctx, env.cluster, "echo", "fail", nil, nil)
	require.Error(t, err)

	assert.Equal(t, []string{"begin c1", "end c1 true", "begin c1", "end c1 true"}, tracker.events)
}

// mockEnv routes the pooled connection for a fake cluster through httpmock
func mockEnv(t *testing.T) (*Client, *types.Cluster, string) {
	t.Helper()

	cluster := &types.Cluster{
		Name:           "mock",
		Address:        "10.0.0.7",
		ServerPort:     types.DefaultServerPort,
		ConnectionType: types.ConnectionHTTP,
		Status:         types.StatusRunning,
	}
	pool := conn.NewPool(conn.Options{})
	t.Cleanup(pool.Close)

	cn, err := pool.Get(context.Background(), cluster)
	require.NoError(t, err)
	httpmock.ActivateNonDefault(cn.Client().GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	return New(pool), cluster, cn.BaseURL()
}

func TestCall_HTTPFailures(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		want      error
	}{
		{
			name:      "token rejected",
			responder: httpmock.NewStringResponder(http.StatusUnauthorized, `{"data":null,"error":"invalid token","error_type":"AuthError","traceback":null,"output_type":"exception"}`),
			want:      errdefs.ErrAuth,
		},
		{
			name:      "proxy error page",
			responder: httpmock.NewStringResponder(http.StatusBadGateway, "<html>bad gateway</html>"),
			want:      errdefs.ErrConnectionLost,
		},
		{
			name:      "transport failure",
			responder: httpmock.NewErrorResponder(errors.New("connection reset by peer")),
			want:      errdefs.ErrConnectionLost,
		},
		{
			name: "server validation",
			responder: httpmock.NewJsonResponderOrPanic(http.StatusBadRequest, types.ResultEnvelope{
				Error:      types.StrPtr("bad serialization"),
				ErrorType:  errdefs.TypeSerialization,
				OutputType: types.OutputException,
			}),
			want: errdefs.ErrInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, cluster, base := mockEnv(t)
			httpmock.RegisterResponder(http.MethodPost, base+"/echo/run", tt.responder)

			_, err := c.Call(context.Background(), cluster, "echo", "run", []any{"x"}, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCall_MalformedEnvelope(t *testing.T) {
	c, cluster, base := mockEnv(t)
	httpmock.RegisterResponder(http.MethodPost, base+"/echo/run",
		httpmock.NewStringResponder(http.StatusOK, `{"data":1,"error":"both","output_type":"result"}`))

	_, err := c.Call(context.Background(), cluster, "echo", "run", nil, nil)
	assert.ErrorContains(t, err, "malformed envelope")
}
