package provider

import (
	"context"
	"fmt"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

// Static treats an existing machine as the cluster. Nothing is launched and
// Terminate leaves the machine alone.
type Static struct{}

// NewStatic creates the static provider
func NewStatic() *Static {
	return &Static{}
}

func (s *Static) Kind() types.ProviderKind { return types.ProviderStatic }

func (s *Static) Create(ctx context.Context, cluster *types.Cluster) (*Instance, error) {
	return s.instance(cluster)
}

func (s *Static) Describe(ctx context.Context, cluster *types.Cluster) (*Instance, error) {
	return s.instance(cluster)
}

func (s *Static) Terminate(ctx context.Context, cluster *types.Cluster) error {
	return nil
}

func (s *Static) instance(cluster *types.Cluster) (*Instance, error) {
	addr := cluster.Address
	if addr == "" {
		addr = cluster.Credentials.SSHHostAlias
	}
	if addr == "" {
		return nil, errdefs.NewProvisioningError(cluster.Name, errdefs.ReasonInvalidConfig,
			fmt.Errorf("static cluster has no address"))
	}
	return &Instance{
		ID:      "static-" + cluster.Name,
		Address: addr,
		State:   StateRunning,
	}, nil
}
