package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	resty "github.com/go-resty/resty/v2"

	"github.com/cuemby/runway/pkg/conn"
	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

const maxStreamLine = 16 << 20

// Run is a call executing on a cluster, addressed by its run key
type Run struct {
	Key string

	client  *Client
	cluster *types.Cluster
}

// Attach returns a handle to an existing run on cluster
func (c *Client) Attach(cluster *types.Cluster, key string) *Run {
	return &Run{Key: key, client: c, cluster: cluster}
}

func (r *Run) path() string {
	return "/runs/" + url.PathEscape(r.Key)
}

func (r *Run) get(ctx context.Context, query map[string]string) (int, *types.ResultEnvelope, error) {
	cn, err := r.client.dial(ctx, r.cluster)
	if err != nil {
		return 0, nil, err
	}
	resp, err := cn.Request(ctx).SetQueryParams(query).Get(r.path())
	if err := conn.CheckResponse(resp, err); err != nil {
		return 0, nil, r.client.fail(r.cluster, "run "+r.Key, err)
	}
	if resp.IsError() {
		return 0, nil, apiError(resp.StatusCode(), resp.Body())
	}
	res, err := decodeEnvelope(resp.StatusCode(), resp.Body())
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode(), res, nil
}

// Poll checks the run once. done is false while it is still executing.
func (r *Run) Poll(ctx context.Context) (done bool, value any, err error) {
	status, res, err := r.get(ctx, nil)
	if err != nil {
		return false, nil, err
	}
	if res.OutputType == types.OutputRunStarted {
		return false, nil, nil
	}
	value, err = decodeResult(status, res)
	return true, value, err
}

// Wait blocks until the run finishes or ctx is done
func (r *Run) Wait(ctx context.Context) (any, error) {
	r.client.begin(r.cluster.Name)
	status, res, err := r.get(ctx, map[string]string{"wait": "true"})
	r.client.end(r.cluster.Name, err)
	if err != nil {
		return nil, err
	}
	return decodeResult(status, res)
}

// Stream reattaches to the run's output from the first buffered line
func (r *Run) Stream(ctx context.Context) (*CallStream, error) {
	cn, err := r.client.dial(ctx, r.cluster)
	if err != nil {
		return nil, err
	}
	stream, err := openStream(ctx, cn, http.MethodGet, r.path(), func(req *resty.Request) {
		req.SetQueryParam("stream_logs", "true")
	})
	if err != nil {
		return nil, r.client.fail(r.cluster, "run "+r.Key, err)
	}
	return stream, nil
}

type cancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status"`
}

// Cancel asks the server to cancel the run. It reports false when the run
// had already finished.
func (r *Run) Cancel(ctx context.Context) (bool, error) {
	var out cancelResponse
	_, err := r.client.send(ctx, r.cluster, func(req *resty.Request) (*resty.Response, error) {
		return req.SetResult(&out).Post(r.path() + "/cancel")
	})
	if err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

// CallStream delivers the output of a running call and then its result.
// Logs must be drained or the stream closed; delivery blocks otherwise.
type CallStream struct {
	runKey string
	body   io.ReadCloser
	caller context.Context
	cancel context.CancelFunc

	logs     chan types.LogChunk
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	env *types.ResultEnvelope
	err error
}

func openStream(caller context.Context, cn *conn.Conn, method, path string, build func(*resty.Request)) (*CallStream, error) {
	ctx, cancel := context.WithCancel(caller)
	req := cn.Request(ctx).SetDoNotParseResponse(true)
	build(req)

	resp, err := req.Execute(method, path)
	if err := conn.CheckResponse(resp, err); err != nil {
		closeRaw(resp)
		cancel()
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		body, _ := io.ReadAll(resp.RawBody())
		closeRaw(resp)
		cancel()
		return nil, apiError(resp.StatusCode(), body)
	}

	s := &CallStream{
		runKey: resp.Header().Get(headerRunKey),
		body:   resp.RawBody(),
		caller: caller,
		cancel: cancel,
		logs:   make(chan types.LogChunk, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.read()
	return s, nil
}

func closeRaw(resp *resty.Response) {
	if resp != nil && resp.RawBody() != nil {
		_ = resp.RawBody().Close()
	}
}

func (s *CallStream) read() {
	defer close(s.done)
	defer close(s.logs)
	defer s.body.Close()
	defer s.cancel()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var env types.ResultEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.err = fmt.Errorf("malformed stream line: %w", err)
			return
		}
		if s.runKey == "" {
			s.runKey = env.RunKey
		}

		if env.OutputType == types.OutputLogChunk {
			var text string
			if err := json.Unmarshal(env.Data, &text); err != nil {
				text = string(env.Data)
			}
			s.deliver(types.LogChunk{Stream: env.Stream, Line: text})
			continue
		}
		if env.OutputType.Terminal() {
			if err := env.Validate(); err != nil {
				s.err = fmt.Errorf("malformed envelope from server: %w", err)
				return
			}
			s.env = &env
			return
		}
	}

	cause := scanner.Err()
	switch {
	case errors.Is(cause, context.DeadlineExceeded), errors.Is(s.caller.Err(), context.DeadlineExceeded):
		s.err = fmt.Errorf("stream for run %s timed out (run continues): %w", s.runKey, errdefs.ErrTimeout)
		return
	case cause == nil:
		cause = io.ErrUnexpectedEOF
	}
	s.err = fmt.Errorf("%w: stream for run %s ended without a result (run continues): %w", errdefs.ErrConnectionLost, s.runKey, cause)
}

func (s *CallStream) deliver(chunk types.LogChunk) {
	select {
	case s.logs <- chunk:
	case <-s.stop:
	}
}

// RunKey names the run so it can be reattached after Close
func (s *CallStream) RunKey() string {
	return s.runKey
}

// Logs yields output lines until the call finishes or the stream closes
func (s *CallStream) Logs() <-chan types.LogChunk {
	return s.logs
}

// Envelope waits for the terminal envelope
func (s *CallStream) Envelope() (*types.ResultEnvelope, error) {
	<-s.done
	return s.env, s.err
}

// Result waits for the call to finish and decodes its result
func (s *CallStream) Result() (any, error) {
	env, err := s.Envelope()
	if err != nil {
		return nil, err
	}
	return decodeResult(http.StatusOK, env)
}

// Close stops log delivery and releases the connection. It does not cancel
// the remote run.
func (s *CallStream) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.cancel()
	})
	<-s.done
	return nil
}
