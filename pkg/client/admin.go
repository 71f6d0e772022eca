package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	resty "github.com/go-resty/resty/v2"

	"github.com/cuemby/runway/pkg/conn"
	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

// send runs a request against cluster's dispatch server and turns any
// non-2xx answer into an error
func (c *Client) send(ctx context.Context, cluster *types.Cluster, do func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	cn, err := c.dial(ctx, cluster)
	if err != nil {
		return nil, err
	}
	resp, err := do(cn.Request(ctx))
	if err := conn.CheckResponse(resp, err); err != nil {
		return nil, c.fail(cluster, cluster.Name, err)
	}
	if resp.IsError() {
		return nil, apiError(resp.StatusCode(), resp.Body())
	}
	return resp, nil
}

// Check returns the dispatch server's health and occupancy
func (c *Client) Check(ctx context.Context, cluster *types.Cluster) (*types.Check, error) {
	var check types.Check
	if _, err := c.send(ctx, cluster, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&check).Get("/check")
	}); err != nil {
		return nil, err
	}
	return &check, nil
}

// Keys lists the names of the resources resident on cluster
func (c *Client) Keys(ctx context.Context, cluster *types.Cluster) ([]string, error) {
	var keys []string
	if _, err := c.send(ctx, cluster, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&keys).Get("/keys")
	}); err != nil {
		return nil, err
	}
	return keys, nil
}

// PutResource installs or replaces a resource on cluster
func (c *Client) PutResource(ctx context.Context, cluster *types.Cluster, spec *types.RemoteResource) (*types.RemoteResource, error) {
	var out types.RemoteResource
	if _, err := c.send(ctx, cluster, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(spec).SetResult(&out).Put("/resources")
	}); err != nil {
		return nil, fmt.Errorf("failed to put resource %s: %w", spec.Name, err)
	}
	return &out, nil
}

// DeleteResource removes a resource from cluster
func (c *Client) DeleteResource(ctx context.Context, cluster *types.Cluster, name string) error {
	if _, err := c.send(ctx, cluster, func(r *resty.Request) (*resty.Response, error) {
		return r.Delete("/resources/" + url.PathEscape(name))
	}); err != nil {
		return fmt.Errorf("failed to delete resource %s: %w", name, err)
	}
	return nil
}

// SecretPath is where a pushed secret was written on the node
type SecretPath struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// PutSecret materializes secret on cluster's node
func (c *Client) PutSecret(ctx context.Context, cluster *types.Cluster, secret *types.Secret) error {
	_, err := c.PushSecret(ctx, cluster, secret)
	return err
}

// PushSecret is PutSecret that also reports where the secret landed
func (c *Client) PushSecret(ctx context.Context, cluster *types.Cluster, secret *types.Secret) (*SecretPath, error) {
	var out SecretPath
	if _, err := c.send(ctx, cluster, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(secret).SetResult(&out).Post("/secrets")
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveSecret deletes a previously pushed secret from cluster's node
func (c *Client) RemoveSecret(ctx context.Context, cluster *types.Cluster, secret *types.Secret) (*SecretPath, error) {
	name := secret.Name
	if name == "" {
		name = secret.Provider
	}
	if name == "" {
		return nil, fmt.Errorf("secret has no name or provider: %w", errdefs.ErrInvalidArgument)
	}

	var out SecretPath
	if _, err := c.send(ctx, cluster, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("provider", secret.Provider).
			SetQueryParam("path", secret.TargetPath).
			SetResult(&out).
			Delete("/secrets/" + url.PathEscape(name))
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logs copies the tail of the server log to w. With follow it keeps
// copying until ctx is done.
func (c *Client) Logs(ctx context.Context, cluster *types.Cluster, lines int, follow bool, w io.Writer) error {
	cn, err := c.dial(ctx, cluster)
	if err != nil {
		return err
	}

	resp, err := cn.Request(ctx).
		SetDoNotParseResponse(true).
		SetQueryParam("lines", strconv.Itoa(lines)).
		SetQueryParam("follow", strconv.FormatBool(follow)).
		Get("/logs")
	if err := conn.CheckResponse(resp, err); err != nil {
		closeRaw(resp)
		return c.fail(cluster, "logs", err)
	}
	defer closeRaw(resp)

	if resp.StatusCode() != http.StatusOK {
		body, _ := io.ReadAll(resp.RawBody())
		return apiError(resp.StatusCode(), body)
	}
	if _, err := io.Copy(w, resp.RawBody()); err != nil && ctx.Err() == nil {
		return conn.MapError(err)
	}
	return nil
}
