package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

const (
	defaultGCPZone        = "us-central1-a"
	defaultGCPMachineType = "e2-standard-4"
	defaultGCPImage       = "projects/debian-cloud/global/images/family/debian-12"
)

// gceInstances is the slice of the Compute Engine API the provider uses
type gceInstances interface {
	Insert(ctx context.Context, project, zone string, inst *compute.Instance) error
	Get(ctx context.Context, project, zone, name string) (*compute.Instance, error)
	Start(ctx context.Context, project, zone, name string) error
	Delete(ctx context.Context, project, zone, name string) error
}

type computeInstances struct {
	svc *compute.InstancesService
}

func (c computeInstances) Insert(ctx context.Context, project, zone string, inst *compute.Instance) error {
	_, err := c.svc.Insert(project, zone, inst).Context(ctx).Do()
	return err
}

func (c computeInstances) Get(ctx context.Context, project, zone, name string) (*compute.Instance, error) {
	return c.svc.Get(project, zone, name).Context(ctx).Do()
}

func (c computeInstances) Start(ctx context.Context, project, zone, name string) error {
	_, err := c.svc.Start(project, zone, name).Context(ctx).Do()
	return err
}

func (c computeInstances) Delete(ctx context.Context, project, zone, name string) error {
	_, err := c.svc.Delete(project, zone, name).Context(ctx).Do()
	return err
}

// GCP launches one Compute Engine VM per cluster, named runway-<cluster>
type GCP struct {
	newAPI func(ctx context.Context) (gceInstances, error)

	once   sync.Once
	api    gceInstances
	apiErr error
}

// NewGCP creates a GCP provider using Application Default Credentials
func NewGCP() *GCP {
	return &GCP{
		newAPI: func(ctx context.Context) (gceInstances, error) {
			svc, err := compute.NewService(ctx)
			if err != nil {
				return nil, err
			}
			return computeInstances{svc: svc.Instances}, nil
		},
	}
}

func newGCPWithAPI(api gceInstances) *GCP {
	return &GCP{newAPI: func(context.Context) (gceInstances, error) { return api, nil }}
}

func (g *GCP) Kind() types.ProviderKind { return types.ProviderGCP }

func (g *GCP) Create(ctx context.Context, cluster *types.Cluster) (*Instance, error) {
	api, project, zone, err := g.target(ctx, cluster)
	if err != nil {
		return nil, err
	}
	name := gceName(cluster)

	existing, err := api.Get(ctx, project, zone, name)
	switch {
	case err == nil:
		return g.resume(ctx, api, cluster, project, zone, existing)
	case gceCode(err) != http.StatusNotFound:
		return nil, classifyGCP(cluster.Name, err)
	}

	spec := cluster.Instance
	machineType := spec.InstanceType
	if machineType == "" {
		machineType = defaultGCPMachineType
	}
	image := spec.Image
	if image == "" {
		image = defaultGCPImage
	}

	inst := &compute.Instance{
		Name:        name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", zone, machineType),
		Labels:      map[string]string{ClusterLabel: cluster.Name},
		Disks: []*compute.AttachedDisk{{
			Boot:             true,
			AutoDelete:       true,
			InitializeParams: &compute.AttachedDiskInitializeParams{SourceImage: image},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network:       "global/networks/default",
			AccessConfigs: []*compute.AccessConfig{{Name: "External NAT", Type: "ONE_TO_ONE_NAT"}},
		}},
	}

	if err := api.Insert(ctx, project, zone, inst); err != nil {
		if gceCode(err) != http.StatusConflict {
			return nil, classifyGCP(cluster.Name, err)
		}
	}

	// Insert returns an operation; the instance shows up shortly after
	created, err := api.Get(ctx, project, zone, name)
	if err != nil {
		if gceCode(err) == http.StatusNotFound {
			return &Instance{State: StatePending}, nil
		}
		return nil, classifyGCP(cluster.Name, err)
	}
	return gceInstance(created), nil
}

func (g *GCP) resume(ctx context.Context, api gceInstances, cluster *types.Cluster, project, zone string, inst *compute.Instance) (*Instance, error) {
	switch inst.Status {
	case "TERMINATED", "STOPPED", "SUSPENDED":
		if err := api.Start(ctx, project, zone, inst.Name); err != nil {
			return nil, classifyGCP(cluster.Name, err)
		}
		out := gceInstance(inst)
		out.State = StatePending
		return out, nil
	}
	return gceInstance(inst), nil
}

func (g *GCP) Describe(ctx context.Context, cluster *types.Cluster) (*Instance, error) {
	api, project, zone, err := g.target(ctx, cluster)
	if err != nil {
		return nil, err
	}

	inst, err := api.Get(ctx, project, zone, gceName(cluster))
	if err != nil {
		if gceCode(err) == http.StatusNotFound {
			return nil, ErrInstanceNotFound
		}
		return nil, classifyGCP(cluster.Name, err)
	}
	switch inst.Status {
	case "STOPPING", "STOPPED", "SUSPENDING", "SUSPENDED", "TERMINATED":
		return nil, ErrInstanceNotFound
	}
	if cluster.InstanceID != "" && strconv.FormatUint(inst.Id, 10) != cluster.InstanceID {
		return nil, ErrInstanceNotFound
	}
	return gceInstance(inst), nil
}

func (g *GCP) Terminate(ctx context.Context, cluster *types.Cluster) error {
	api, project, zone, err := g.target(ctx, cluster)
	if err != nil {
		return err
	}
	err = api.Delete(ctx, project, zone, gceName(cluster))
	if err != nil && gceCode(err) != http.StatusNotFound {
		return classifyGCP(cluster.Name, err)
	}
	return nil
}

func (g *GCP) target(ctx context.Context, cluster *types.Cluster) (gceInstances, string, string, error) {
	g.once.Do(func() {
		g.api, g.apiErr = g.newAPI(ctx)
	})
	if g.apiErr != nil {
		return nil, "", "", errdefs.NewProvisioningError(cluster.Name, errdefs.ReasonCredentials,
			fmt.Errorf("failed to create compute client: %w", g.apiErr))
	}

	project := cluster.Instance.Project
	if project == "" {
		return nil, "", "", errdefs.NewProvisioningError(cluster.Name, errdefs.ReasonInvalidConfig,
			fmt.Errorf("gcp project is required"))
	}
	zone := cluster.Instance.Zone
	if zone == "" {
		zone = defaultGCPZone
	}
	return g.api, project, zone, nil
}

func gceName(cluster *types.Cluster) string {
	return "runway-" + cluster.Name
}

func gceInstance(inst *compute.Instance) *Instance {
	out := &Instance{
		ID:    strconv.FormatUint(inst.Id, 10),
		State: StatePending,
	}
	if inst.Status == "RUNNING" {
		out.State = StateRunning
	}
	if len(inst.NetworkInterfaces) > 0 {
		nic := inst.NetworkInterfaces[0]
		out.Address = nic.NetworkIP
		if len(nic.AccessConfigs) > 0 && nic.AccessConfigs[0].NatIP != "" {
			out.Address = nic.AccessConfigs[0].NatIP
		}
	}
	return out
}

func gceCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func gceReason(err error) string {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && len(gerr.Errors) > 0 {
		return gerr.Errors[0].Reason
	}
	return ""
}

func classifyGCP(cluster string, err error) error {
	reason := errdefs.ReasonTransient
	switch code := gceCode(err); {
	case gceReason(err) == "quotaExceeded" || gceReason(err) == "QUOTA_EXCEEDED":
		reason = errdefs.ReasonQuota
	case gceReason(err) == "rateLimitExceeded" || code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		reason = errdefs.ReasonTransient
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		reason = errdefs.ReasonCredentials
	case code == http.StatusBadRequest || code == http.StatusNotFound:
		reason = errdefs.ReasonInvalidConfig
	}
	return errdefs.NewProvisioningError(cluster, reason, err)
}
