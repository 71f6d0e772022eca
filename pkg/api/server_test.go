package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/runway/pkg/codec"
	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/resource"
	"github.com/cuemby/runway/pkg/security"
	"github.com/cuemby/runway/pkg/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mutate ...func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.QueueSize = 16
	cfg.FS = afero.NewMemMapFs()
	cfg.Home = "/home/node"
	for _, m := range mutate {
		m(&cfg)
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ts
}

func install(t *testing.T, srv *Server, name, blueprint string) {
	t.Helper()
	_, err := srv.Table().Put(&types.RemoteResource{Name: name, Cluster: "c1", Blueprint: blueprint})
	require.NoError(t, err)
}

func postCall(t *testing.T, ts *httptest.Server, path string, req types.CallRequest) (*http.Response, *types.ResultEnvelope) {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var env types.ResultEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, &env
}

func payload(t *testing.T, args ...any) json.RawMessage {
	t.Helper()
	data, err := codec.EncodePayload(types.SerializationJSON, args, nil)
	require.NoError(t, err)
	return data
}

func TestCall_Echo(t *testing.T) {
	srv, ts := newTestServer(t)
	install(t, srv, "echo", "echo")

	body, _ := json.Marshal(types.CallRequest{Data: payload(t, "hi"), Serialization: types.SerializationJSON})
	resp, err := http.Post(ts.URL+"/echo/run", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderRunKey))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.JSONEq(t, `"hi"`, string(fields["data"]))
	assert.JSONEq(t, `null`, string(fields["error"]))
	assert.JSONEq(t, `"result_serialized"`, string(fields["output_type"]))
	assert.JSONEq(t, `"json"`, string(fields["serialization"]))
}

func TestCall_GETResultShape(t *testing.T) {
	srv, ts := newTestServer(t)
	install(t, srv, "echo", "echo")

	q := url.Values{}
	q.Set("args", `["hi"]`)
	resp, err := http.Get(ts.URL + "/echo/run?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"output_type":"result_serialized"`)
	assert.Contains(t, string(raw), `"serialization":"json"`)
}

func TestCall_LargeIntegers(t *testing.T) {
	srv, ts := newTestServer(t)
	install(t, srv, "echo", "echo")

	// 2^53 + 1 does not survive a float64 round trip
	q := url.Values{}
	q.Set("args", `[9007199254740993]`)
	resp, err := http.Get(ts.URL + "/echo/run?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	var env types.ResultEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.JSONEq(t, `9007199254740993`, string(env.Data))

	body := json.RawMessage(`{"args":[9007199254740993],"kwargs":{}}`)
	_, posted := postCall(t, ts, "/echo/run", types.CallRequest{Data: body, Serialization: types.SerializationJSON})
	assert.Equal(t, "9007199254740993", string(posted.Data))
}

func TestCall_GET(t *testing.T) {
	srv, ts := newTestServer(t)
	install(t, srv, "echo", "echo")

	q := url.Values{}
	q.Set("args", `[1, 2]`)
	resp, err := http.Get(ts.URL + "/echo/run?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	var env types.ResultEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[1, 2]`, string(env.Data))
}

func TestCall_DefaultMethod(t *testing.T) {
	srv, ts := newTestServer(t)
	install(t, srv, "echo", "echo")

	_, env := postCall(t, ts, "/echo", types.CallRequest{Data: payload(t, "x")})
	require.NoError(t, env.Validate())
	assert.JSONEq(t, `"x"`, string(env.Data))
}

func TestCall_Exceptions(t *testing.T) {
	srv, ts := newTestServer(t)
	install(t, srv, "echo", "echo")

	tests := []struct {
		name       string
		path       string
		req        types.CallRequest
		wantStatus int
		wantType   string
		traceback  bool
	}{
		{
			name:       "unknown resource",
			path:       "/missing/run",
			wantStatus: http.StatusNotFound,
			wantType:   errdefs.TypeResourceNotFound,
		},
		{
			name:       "unknown method",
			path:       "/echo/nope",
			wantStatus: http.StatusOK,
			wantType:   resource.TypeMethodNotFound,
		},
		{
			name:       "raised",
			path:       "/echo/fail",
			req:        types.CallRequest{Data: payload(t, "bad input")},
			wantStatus: http.StatusOK,
			wantType:   resource.TypeRuntime,
		},
		{
			name:       "panic",
			path:       "/echo/panic",
			wantStatus: http.StatusOK,
			wantType:   errdefs.TypePanic,
			traceback:  true,
		},
		{
			name:       "bad serialization",
			path:       "/echo/run",
			req:        types.CallRequest{Serialization: "yaml"},
			wantStatus: http.StatusBadRequest,
			wantType:   errdefs.TypeSerialization,
		},
		{
			name:       "invalid argument",
			path:       "/echo/sleep",
			req:        types.CallRequest{Data: payload(t, "soon")},
			wantStatus: http.StatusOK,
			wantType:   errdefs.TypeInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := postCall(t, ts, tt.path, tt.req)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, types.OutputException, env.OutputType)
			assert.Equal(t, tt.wantType, env.ErrorType)
			require.NotNil(t, env.Error)
			assert.NoError(t, env.Validate())
			if tt.traceback {
				require.NotNil(t, env.Traceback)
				assert.Contains(t, *env.Traceback, "goroutine")
			}
		})
	}
}

func TestCall_ServerSurvivesPanic(t *testing.T) {
	srv, ts := newTestServer(t)
	install(t, srv, "echo", "echo")

	postCall(t, ts, "/echo/panic", types.CallRequest{})
	_, env := postCall(t, ts, "/echo/run", types.CallRequest{Data: payload(t, "still here")})
	assert.JSONEq(t, `"still here"`, string(env.Data))
}

func TestCall_Pickle(t *testing.T) {
	srv, ts := newTestServer(t)
	install(t, srv, "echo", "echo")

	data, err := codec.EncodePayload(types.SerializationPickle, []any{map[string]any{"n": uint64(3)}}, nil)
	require.NoError(t, err)

	_, env := postCall(t, ts, "/echo/run", types.CallRequest{Data: data, Serialization: types.SerializationPickle})
	require.Equal(t, types.OutputResultSerialized, env.OutputType)
	assert.Equal(t, types.SerializationPickle, env.Serialization)

	var out map[string]any
	require.NoError(t, codec.Decode(env.Serialization, env.Data, &out))
	assert.EqualValues(t, 3, out["n"])
}

func TestCall_StreamLogs(t *testing.T) {
	srv, ts := newTestServer(t)
	install(t, srv, "echo", "echo")

	body, _ := json.Marshal(types.CallRequest{Data: payload(t, 3), StreamLogs: true})
	resp, err := http.Post(ts.URL+"/echo/lines", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, MIMEApplicationNDJSON, resp.Header.Get("Content-Type"))

	var envs []types.ResultEnvelope
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var env types.ResultEnvelope
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &env))
		envs = append(envs, env)
	}
	require.Len(t, envs, 4)

	for i, env := range envs[:3] {
		assert.Equal(t, types.OutputLogChunk, env.OutputType)
		assert.Equal(t, resource.Stdout, env.Stream)
		assert.JSONEq(t, `"line `+string(rune('0'+i))+`"`, string(env.Data))
	}
	last := envs[3]
	assert.Equal(t, types.OutputResultSerialized, last.OutputType)
	assert.JSONEq(t, `3`, string(last.Data))
	assert.Equal(t, resp.Header.Get(HeaderRunKey), last.RunKey)
}

func TestCall_AsyncPollAndWait(t *testing.T) {
	srv, ts := newTestServer(t)
	install(t, srv, "echo", "echo")

	resp, env := postCall(t, ts, "/echo/sleep", types.CallRequest{Data: payload(t, 0.2), RunAsync: true, RunName: "nap"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, types.OutputRunStarted, env.OutputType)
	assert.Equal(t, "nap", env.RunKey)

	// same name while running
	resp, env = postCall(t, ts, "/echo/sleep", types.CallRequest{Data: payload(t, 0.2), RunAsync: true, RunName: "nap"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, TypeConflict, env.ErrorType)

	poll, err := http.Get(ts.URL + "/runs/nap")
	require.NoError(t, err)
	poll.Body.Close()
	assert.Equal(t, http.StatusAccepted, poll.StatusCode)

	waited, err := http.Get(ts.URL + "/runs/nap?wait=true")
	require.NoError(t, err)
	defer waited.Body.Close()

	var final types.ResultEnvelope
	require.NoError(t, json.NewDecoder(waited.Body).Decode(&final))
	assert.Equal(t, types.OutputResultSerialized, final.OutputType)
	assert.JSONEq(t, `0.2`, string(final.Data))
	assert.Equal(t, "nap", final.RunKey)

	missing, err := http.Get(ts.URL + "/runs/unknown")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestCancelRun(t *testing.T) {
	srv, ts := newTestServer(t)
	install(t, srv, "echo", "echo")

	_, env := postCall(t, ts, "/echo/sleep", types.CallRequest{Data: payload(t, 30), RunAsync: true})
	key := env.RunKey
	require.NotEmpty(t, key)

	resp, err := http.Post(ts.URL+"/runs/"+key+"/cancel", "application/json", nil)
	require.NoError(t, err)
	var cancelled CancelResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cancelled))
	resp.Body.Close()
	assert.True(t, cancelled.Cancelled)

	waited, err := http.Get(ts.URL + "/runs/" + key + "?wait=true")
	require.NoError(t, err)
	defer waited.Body.Close()

	var final types.ResultEnvelope
	require.NoError(t, json.NewDecoder(waited.Body).Decode(&final))
	assert.Equal(t, types.OutputException, final.OutputType)
	assert.Equal(t, errdefs.TypeCancelled, final.ErrorType)
}

func TestCall_ClientDisconnectKeepsRunning(t *testing.T) {
	srv, ts := newTestServer(t)
	install(t, srv, "echo", "echo")

	body, _ := json.Marshal(types.CallRequest{Data: payload(t, 0.2), RunName: "detached"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/echo/sleep", bytes.NewReader(body))
	require.NoError(t, err)
	_, err = http.DefaultClient.Do(req)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		run, err := srv.runs.Get("detached")
		return err == nil && run.Status() == RunCompleted
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDenAuth(t *testing.T) {
	tokens, err := security.NewTokenManager(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	valid, err := tokens.Issue("alice", time.Hour)
	require.NoError(t, err)

	srv, ts := newTestServer(t, func(c *Config) {
		c.DenAuth = true
		c.Tokens = tokens
	})
	install(t, srv, "echo", "echo")

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
	}{
		{name: "missing token", path: "/echo/run", wantStatus: http.StatusUnauthorized},
		{name: "malformed header", path: "/echo/run", header: "Token abc", wantStatus: http.StatusUnauthorized},
		{name: "bad token", path: "/echo/run", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "unknown resource is still 401", path: "/missing/run", wantStatus: http.StatusUnauthorized},
		{name: "valid token", path: "/echo/run", header: "Bearer " + valid.Token, wantStatus: http.StatusOK},
		{name: "check is public", path: "/check", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.URL+tt.path, nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus == http.StatusUnauthorized {
				var env types.ResultEnvelope
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
				assert.Equal(t, errdefs.TypeAuth, env.ErrorType)
				assert.Equal(t, types.OutputException, env.OutputType)
			}
		})
	}
}

func TestNewServer_DenAuthNeedsTokens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DenAuth = true
	_, err := NewServer(cfg)
	assert.Error(t, err)
}

func TestResources(t *testing.T) {
	_, ts := newTestServer(t)

	put := func(spec types.RemoteResource) *http.Response {
		body, _ := json.Marshal(spec)
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/resources", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusOK, put(types.RemoteResource{Name: "store", Blueprint: "kv"}).StatusCode)
	assert.Equal(t, http.StatusOK, put(types.RemoteResource{Name: "echo", Blueprint: "echo"}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, put(types.RemoteResource{Name: "check", Blueprint: "echo"}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, put(types.RemoteResource{Name: "x", Blueprint: "nope"}).StatusCode)

	resp, err := http.Get(ts.URL + "/keys")
	require.NoError(t, err)
	var keys []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&keys))
	resp.Body.Close()
	assert.Equal(t, []string{"echo", "store"}, keys)

	del := func(name string) int {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/resources/"+name, nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, del("store"))
	assert.Equal(t, http.StatusNotFound, del("store"))
}

func TestCheck(t *testing.T) {
	srv, ts := newTestServer(t, func(c *Config) { c.Version = "test" })
	install(t, srv, "echo", "echo")
	postCall(t, ts, "/echo/run", types.CallRequest{Data: payload(t, 1)})

	resp, err := http.Get(ts.URL + "/check")
	require.NoError(t, err)
	defer resp.Body.Close()

	var check types.Check
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&check))
	assert.Equal(t, "ok", check.Status)
	assert.Equal(t, "test", check.Version)
	assert.Equal(t, 1, check.Resources)
	assert.NotEmpty(t, check.LastActivity)
}

func TestPutSecret(t *testing.T) {
	var fs afero.Fs
	_, ts := newTestServer(t, func(c *Config) { fs = c.FS })

	body, _ := json.Marshal(types.Secret{Provider: "huggingface", Values: map[string]string{"token": "hf_x"}})
	resp, err := http.Post(ts.URL+"/secrets", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out SecretResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "/home/node/.cache/huggingface/token", out.Path)

	data, err := afero.ReadFile(fs, out.Path)
	require.NoError(t, err)
	assert.Equal(t, "hf_x\n", string(data))
}

func TestDeleteSecret(t *testing.T) {
	var fs afero.Fs
	_, ts := newTestServer(t, func(c *Config) { fs = c.FS })

	body, _ := json.Marshal(types.Secret{Provider: "huggingface", Values: map[string]string{"token": "hf_x"}})
	resp, err := http.Post(ts.URL+"/secrets", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	remove := func() *http.Response {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/secrets/huggingface?provider=huggingface", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp = remove()
	var out SecretResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/home/node/.cache/huggingface/token", out.Path)

	exists, err := afero.Exists(fs, out.Path)
	require.NoError(t, err)
	assert.False(t, exists)

	// already gone
	resp = remove()
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/var/log/runway.log", []byte("one\ntwo\nthree\n"), 0644))

	_, ts := newTestServer(t, func(c *Config) {
		c.FS = fs
		c.LogFile = "/var/log/runway.log"
	})

	resp, err := http.Get(ts.URL + "/logs?lines=2")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "two\nthree\n", string(body))

	bad, err := http.Get(ts.URL + "/logs?lines=-1")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestLogs_NotConfigured(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/logs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCall_Multiprocess(t *testing.T) {
	srv, ts := newTestServer(t)
	_, err := srv.Table().Put(&types.RemoteResource{
		Name:             "dist",
		Blueprint:        "echo",
		DistributionMode: types.DistributionMultiprocess,
		Replicas:         3,
	})
	require.NoError(t, err)

	body, _ := json.Marshal(types.CallRequest{Data: payload(t, "all"), StreamLogs: true})
	resp, err := http.Post(ts.URL+"/dist/run", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 4)
	for _, rank := range []string{"[rank 0]", "[rank 1]", "[rank 2]"} {
		assert.Contains(t, string(raw), rank)
	}

	var final types.ResultEnvelope
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &final))
	assert.JSONEq(t, `"all"`, string(final.Data))
}

func TestRunStore_Prune(t *testing.T) {
	store := NewRunStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	run, err := store.Create("old", "echo", "run", func() {})
	require.NoError(t, err)
	run.finish(RunCompleted, &types.ResultEnvelope{OutputType: types.OutputResult, Data: json.RawMessage(`1`)})

	// finished runs may reuse their name
	_, err = store.Create("old", "echo", "run", func() {})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	done, err := store.Create("", "echo", "run", func() {})
	require.NoError(t, err)
	done.finish(RunCompleted, &types.ResultEnvelope{OutputType: types.OutputResult, Data: json.RawMessage(`1`)})

	now = now.Add(2 * time.Minute)
	_, err = store.Create("", "echo", "run", func() {})
	require.NoError(t, err)

	_, err = store.Get(done.Key)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = store.Get("old")
	assert.NoError(t, err, "running runs are never pruned")
}

func TestRun_FollowFromOffset(t *testing.T) {
	run := newRun("k", "echo", "run", func() {})
	run.appendLog(resource.Stdout, "a")
	run.appendLog(resource.Stderr, "b")

	go func() {
		time.Sleep(20 * time.Millisecond)
		run.appendLog(resource.Stdout, "c")
		run.finish(RunCompleted, &types.ResultEnvelope{OutputType: types.OutputResult, Data: json.RawMessage(`true`)})
	}()

	var got []string
	res, err := run.follow(context.Background(), 1, func(c types.LogChunk) error {
		got = append(got, c.Stream+":"+c.Line)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"stderr:b", "stdout:c"}, got)
	assert.Equal(t, "k", res.RunKey)

	assert.False(t, run.Cancel(), "finished runs cannot be cancelled")
}
