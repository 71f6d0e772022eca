package registry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
	resty "github.com/go-resty/resty/v2"
)

const pathResource = "resource"

// RemoteRegistry publishes cluster definitions to the central registry
// service so they can be loaded from other machines.
type RemoteRegistry struct {
	restyClient *resty.Client
}

// remoteRecord is the wire shape of a published cluster
type remoteRecord struct {
	Name string         `json:"name"`
	Data *types.Cluster `json:"data"`
}

type remoteList struct {
	Resources []remoteRecord `json:"resources"`
}

// HTTPResponseError reports a non-2xx response from the registry service
type HTTPResponseError struct {
	response *resty.Response
}

func (e HTTPResponseError) Error() string {
	return fmt.Sprintf("%s %s", e.response.Request.URL, e.response.Status())
}

// NewRemoteRegistry creates a client for the registry service at apiURL
func NewRemoteRegistry(apiURL, token string) *RemoteRegistry {
	restyClient := resty.New()
	restyClient.SetBaseURL(apiURL)
	if token != "" {
		restyClient.SetAuthToken(token)
	}
	restyClient.SetHeader("Content-Type", "application/json")
	return &RemoteRegistry{restyClient: restyClient}
}

// Client exposes the underlying HTTP client
func (r *RemoteRegistry) Client() *resty.Client {
	return r.restyClient
}

// Publish uploads a cluster definition. Status and provider identity are
// local state and are not published.
func (r *RemoteRegistry) Publish(ctx context.Context, cluster *types.Cluster) error {
	c := cluster.Clone()
	c.Status = ""
	c.InstanceID = ""
	c.Resources = nil

	res, err := r.restyClient.R().
		SetContext(ctx).
		SetBody(remoteRecord{Name: c.Name, Data: c}).
		Put(pathResource + "/" + c.Name)
	if err != nil {
		return fmt.Errorf("failed to publish cluster %s: %w", c.Name, err)
	}
	return checkResponse(res)
}

// Fetch downloads a published cluster definition
func (r *RemoteRegistry) Fetch(ctx context.Context, name string) (*types.Cluster, error) {
	var record remoteRecord
	res, err := r.restyClient.R().
		SetContext(ctx).
		SetResult(&record).
		Get(pathResource + "/" + name)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cluster %s: %w", name, err)
	}
	if res.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("remote cluster %s: %w", name, errdefs.ErrNotFound)
	}
	if err := checkResponse(res); err != nil {
		return nil, err
	}
	if record.Data == nil {
		return nil, fmt.Errorf("remote cluster %s has no definition", name)
	}
	record.Data.Name = name
	return record.Data, nil
}

// List returns every published cluster definition
func (r *RemoteRegistry) List(ctx context.Context) ([]*types.Cluster, error) {
	var list remoteList
	res, err := r.restyClient.R().
		SetContext(ctx).
		SetResult(&list).
		Get(pathResource)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote clusters: %w", err)
	}
	if err := checkResponse(res); err != nil {
		return nil, err
	}

	clusters := make([]*types.Cluster, 0, len(list.Resources))
	for _, rec := range list.Resources {
		if rec.Data == nil {
			continue
		}
		rec.Data.Name = rec.Name
		clusters = append(clusters, rec.Data)
	}
	return clusters, nil
}

// Unpublish deletes a published definition
func (r *RemoteRegistry) Unpublish(ctx context.Context, name string) error {
	res, err := r.restyClient.R().
		SetContext(ctx).
		Delete(pathResource + "/" + name)
	if err != nil {
		return fmt.Errorf("failed to delete remote cluster %s: %w", name, err)
	}
	if res.StatusCode() == http.StatusNotFound {
		return nil
	}
	return checkResponse(res)
}

func checkResponse(res *resty.Response) error {
	switch {
	case res.StatusCode() == http.StatusUnauthorized, res.StatusCode() == http.StatusForbidden:
		return fmt.Errorf("%w: %w", errdefs.ErrAuth, HTTPResponseError{response: res})
	case res.IsError():
		return HTTPResponseError{response: res}
	}
	return nil
}
