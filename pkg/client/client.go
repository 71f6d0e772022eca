package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	resty "github.com/go-resty/resty/v2"

	"github.com/cuemby/runway/pkg/codec"
	"github.com/cuemby/runway/pkg/conn"
	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/types"
)

const headerRunKey = "X-Run-Key"

// Dialer hands out connections to cluster dispatch servers.
// *conn.Pool implements it.
type Dialer interface {
	Get(ctx context.Context, cluster *types.Cluster) (*conn.Conn, error)
	Invalidate(name string)
}

// ActivityTracker is told when calls against a cluster start and end
type ActivityTracker interface {
	Begin(cluster string)
	End(cluster string, ok bool)
}

// Client invokes methods on resources resident on remote clusters
type Client struct {
	dialer   Dialer
	activity ActivityTracker
	timeout  time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithActivity reports call activity to t, typically the lifecycle manager
// so autostop does not fire under an active call
func WithActivity(t ActivityTracker) Option {
	return func(c *Client) {
		c.activity = t
	}
}

// WithDefaultTimeout bounds every call that does not set its own timeout
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// New creates a client that opens connections through dialer
func New(dialer Dialer, opts ...Option) *Client {
	c := &Client{dialer: dialer}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallOption configures a single call
type CallOption func(*callOptions)

type callOptions struct {
	logs          io.Writer
	serialization types.Serialization
	timeout       time.Duration
	runName       string
}

// WithStreamLogs streams the call's output lines to w while it runs
func WithStreamLogs(w io.Writer) CallOption {
	return func(o *callOptions) {
		o.logs = w
	}
}

// WithSerialization selects the codec for arguments and result
func WithSerialization(s types.Serialization) CallOption {
	return func(o *callOptions) {
		o.serialization = s
	}
}

// WithTimeout bounds how long the client waits. The remote run is not
// cancelled when it fires.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// WithRunName names the run so it can be polled or cancelled by name
func WithRunName(name string) CallOption {
	return func(o *callOptions) {
		o.runName = name
	}
}

func (c *Client) callOptions(opts []CallOption) callOptions {
	o := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&o)
	}
	o.serialization = codec.Normalize(o.serialization)
	return o
}

func (o callOptions) envelope(resource, method string, args []any, kwargs map[string]any) types.CallEnvelope {
	env := types.CallEnvelope{
		ResourceName:  resource,
		Method:        method,
		Args:          args,
		Kwargs:        kwargs,
		StreamLogs:    o.logs != nil,
		Serialization: o.serialization,
		RunName:       o.runName,
	}
	return env.Clone()
}

func (o callOptions) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return context.WithCancel(ctx)
}

// Call invokes method on resource and returns the decoded result. The
// cluster must be RUNNING; Call never brings a cluster up. An exception
// raised remotely is returned as *errdefs.RemoteError.
func (c *Client) Call(ctx context.Context, cluster *types.Cluster, resource, method string, args []any, kwargs map[string]any, opts ...CallOption) (any, error) {
	o := c.callOptions(opts)
	env := o.envelope(resource, method, args, kwargs)

	cn, err := c.running(ctx, cluster)
	if err != nil {
		return nil, err
	}

	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	logger := log.WithResource(resource, method)
	logger.Debug().Str("cluster", cluster.Name).Bool("stream_logs", env.StreamLogs).Msg("calling remote method")

	c.begin(cluster.Name)
	value, err := c.call(ctx, cn, env, o.logs)
	c.end(cluster.Name, err)
	if err != nil {
		return nil, c.fail(cluster, fmt.Sprintf("call %s.%s", resource, method), err)
	}
	return value, nil
}

func (c *Client) call(ctx context.Context, cn *conn.Conn, env types.CallEnvelope, logs io.Writer) (any, error) {
	if !env.StreamLogs {
		status, res, err := post(ctx, cn, env)
		if err != nil {
			return nil, err
		}
		return decodeResult(status, res)
	}

	req, err := callRequest(env)
	if err != nil {
		return nil, err
	}
	stream, err := openStream(ctx, cn, http.MethodPost, callPath(env), func(r *resty.Request) {
		r.SetBody(req)
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	for chunk := range stream.Logs() {
		if _, err := fmt.Fprintln(logs, chunk.Line); err != nil {
			// keep draining so the result still arrives
			logs = io.Discard
		}
	}
	return stream.Result()
}

// CallAsync submits a call and returns as soon as the server has started
// it. Use the returned Run to poll, wait for or cancel it.
func (c *Client) CallAsync(ctx context.Context, cluster *types.Cluster, resource, method string, args []any, kwargs map[string]any, opts ...CallOption) (*Run, error) {
	o := c.callOptions(opts)
	env := o.envelope(resource, method, args, kwargs)
	env.RunAsync = true
	env.StreamLogs = false

	cn, err := c.running(ctx, cluster)
	if err != nil {
		return nil, err
	}

	c.begin(cluster.Name)
	status, res, err := post(ctx, cn, env)
	c.end(cluster.Name, err)
	if err != nil {
		return nil, c.fail(cluster, fmt.Sprintf("call %s.%s", resource, method), err)
	}

	switch res.OutputType {
	case types.OutputRunStarted:
		return c.Attach(cluster, res.RunKey), nil
	case types.OutputException:
		return nil, envelopeError(status, res)
	}
	return nil, fmt.Errorf("unexpected %s envelope for async call", res.OutputType)
}

// Stream starts a call and returns its log stream. Closing the stream stops
// log delivery only; the remote run carries on.
func (c *Client) Stream(ctx context.Context, cluster *types.Cluster, resource, method string, args []any, kwargs map[string]any, opts ...CallOption) (*CallStream, error) {
	o := c.callOptions(opts)
	env := o.envelope(resource, method, args, kwargs)
	env.StreamLogs = true

	cn, err := c.running(ctx, cluster)
	if err != nil {
		return nil, err
	}
	req, err := callRequest(env)
	if err != nil {
		return nil, err
	}

	c.begin(cluster.Name)
	stream, err := openStream(ctx, cn, http.MethodPost, callPath(env), func(r *resty.Request) {
		r.SetBody(req)
	})
	if err != nil {
		c.end(cluster.Name, err)
		return nil, c.fail(cluster, fmt.Sprintf("call %s.%s", resource, method), err)
	}
	go func() {
		<-stream.done
		c.end(cluster.Name, stream.err)
	}()
	return stream, nil
}

// running dials cluster after checking it is RUNNING
func (c *Client) running(ctx context.Context, cluster *types.Cluster) (*conn.Conn, error) {
	if cluster == nil {
		return nil, fmt.Errorf("no cluster given: %w", errdefs.ErrInvalidArgument)
	}
	if cluster.Status != types.StatusRunning {
		return nil, fmt.Errorf("cluster %s is %s, bring it up first: %w", cluster.Name, cluster.Status, errdefs.ErrUnreachable)
	}
	return c.dial(ctx, cluster)
}

func (c *Client) dial(ctx context.Context, cluster *types.Cluster) (*conn.Conn, error) {
	cn, err := c.dialer.Get(ctx, cluster)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cluster %s: %w", cluster.Name, err)
	}
	return cn, nil
}

// fail maps deadline errors to ErrTimeout and drops connections that broke
func (c *Client) fail(cluster *types.Cluster, what string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", what, errdefs.ErrTimeout)
	case errors.Is(err, errdefs.ErrConnectionLost):
		c.dialer.Invalidate(cluster.Name)
	}
	return err
}

func (c *Client) begin(cluster string) {
	if c.activity != nil {
		c.activity.Begin(cluster)
	}
}

// end reports the call as activity unless it never reached the server
func (c *Client) end(cluster string, err error) {
	if c.activity == nil {
		return
	}
	var remote *errdefs.RemoteError
	c.activity.End(cluster, err == nil || errors.As(err, &remote))
}

func callPath(env types.CallEnvelope) string {
	path := "/" + url.PathEscape(env.ResourceName)
	if env.Method != "" {
		path += "/" + url.PathEscape(env.Method)
	}
	return path
}

func callRequest(env types.CallEnvelope) (*types.CallRequest, error) {
	if env.ResourceName == "" {
		return nil, fmt.Errorf("resource name is required: %w", errdefs.ErrInvalidArgument)
	}
	data, err := codec.EncodePayload(env.Serialization, env.Args, env.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return &types.CallRequest{
		Data:          data,
		Serialization: env.Serialization,
		RunAsync:      env.RunAsync,
		StreamLogs:    env.StreamLogs,
		RunName:       env.RunName,
	}, nil
}

func post(ctx context.Context, cn *conn.Conn, env types.CallEnvelope) (int, *types.ResultEnvelope, error) {
	req, err := callRequest(env)
	if err != nil {
		return 0, nil, err
	}
	resp, err := cn.Request(ctx).SetBody(req).Post(callPath(env))
	if err := conn.CheckResponse(resp, err); err != nil {
		return 0, nil, err
	}
	res, err := decodeEnvelope(resp.StatusCode(), resp.Body())
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode(), res, nil
}

func decodeEnvelope(status int, body []byte) (*types.ResultEnvelope, error) {
	var env types.ResultEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.OutputType == "" {
		return nil, statusError(status, body)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("malformed envelope from server: %w", err)
	}
	return &env, nil
}

func decodeResult(status int, env *types.ResultEnvelope) (any, error) {
	switch env.OutputType {
	case types.OutputException:
		return nil, envelopeError(status, env)
	case types.OutputResult, types.OutputResultSerialized:
		var out any
		if err := codec.Decode(env.Serialization, env.Data, &out); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected %s envelope", env.OutputType)
}

func remoteError(env *types.ResultEnvelope) *errdefs.RemoteError {
	re := &errdefs.RemoteError{Type: env.ErrorType}
	if env.Error != nil {
		re.Message = *env.Error
	}
	if env.Traceback != nil {
		re.Traceback = *env.Traceback
	}
	return re
}

// envelopeError turns an exception envelope into an error. Raised
// exceptions keep their remote type; request errors map onto errdefs.
func envelopeError(status int, env *types.ResultEnvelope) error {
	re := remoteError(env)
	switch re.Type {
	case errdefs.TypeResourceNotFound, errdefs.TypeAuth:
		return re
	}
	switch status {
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %s: %w", re.Type, re.Message, errdefs.ErrInvalidArgument)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", re.Message, errdefs.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", re.Message, errdefs.ErrStatusConflict)
	}
	return re
}

// apiError decodes the error body of a failed request
func apiError(status int, body []byte) error {
	env, err := decodeEnvelope(status, body)
	if err != nil {
		return err
	}
	if env.OutputType != types.OutputException {
		return statusError(status, body)
	}
	return envelopeError(status, env)
}

func statusError(status int, body []byte) error {
	const limit = 256
	if len(body) > limit {
		body = body[:limit]
	}
	err := fmt.Errorf("unexpected response %d: %q", status, body)
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", err, errdefs.ErrNotFound)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %w", err, errdefs.ErrConnectionLost)
	}
	return err
}
