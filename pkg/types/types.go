package types

import (
	"maps"
	"slices"
	"time"
)

// ProviderKind identifies the backend that provisions a cluster
type ProviderKind string

const (
	ProviderAWS        ProviderKind = "aws"
	ProviderGCP        ProviderKind = "gcp"
	ProviderKubernetes ProviderKind = "kubernetes"
	ProviderStatic     ProviderKind = "static"
)

// ConnectionType selects how the client reaches a cluster's dispatch server
type ConnectionType string

const (
	ConnectionSSHTunnel ConnectionType = "ssh-tunnel"
	ConnectionTLS       ConnectionType = "tls"
	ConnectionHTTP      ConnectionType = "http"
)

const (
	// DefaultServerPort is the dispatch server port on a cluster node
	DefaultServerPort = 50052

	// DefaultSSHPort is used when no SSH port is configured
	DefaultSSHPort = 22
)

// Credentials holds the access material for a cluster
type Credentials struct {
	SSHUser       string `json:"ssh_user,omitempty" yaml:"sshUser,omitempty"`
	SSHKeyPath    string `json:"ssh_key_path,omitempty" yaml:"sshKeyPath,omitempty"`
	SSHPort       int    `json:"ssh_port,omitempty" yaml:"sshPort,omitempty"`
	SSHHostAlias  string `json:"ssh_host_alias,omitempty" yaml:"sshHostAlias,omitempty"`
	KubeContext   string `json:"kube_context,omitempty" yaml:"kubeContext,omitempty"`
	KubeNamespace string `json:"kube_namespace,omitempty" yaml:"kubeNamespace,omitempty"`
	CACertPath    string `json:"ca_cert_path,omitempty" yaml:"caCertPath,omitempty"`
}

// InstanceSpec describes what a provider should launch
type InstanceSpec struct {
	Region         string   `json:"region,omitempty" yaml:"region,omitempty"`
	Zone           string   `json:"zone,omitempty" yaml:"zone,omitempty"`
	Project        string   `json:"project,omitempty" yaml:"project,omitempty"`
	InstanceType   string   `json:"instance_type,omitempty" yaml:"instanceType,omitempty"`
	Image          string   `json:"image,omitempty" yaml:"image,omitempty"`
	KeyName        string   `json:"key_name,omitempty" yaml:"keyName,omitempty"`
	SecurityGroups []string `json:"security_groups,omitempty" yaml:"securityGroups,omitempty"`
	SubnetID       string   `json:"subnet_id,omitempty" yaml:"subnetId,omitempty"`
	CPU            string   `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Memory         string   `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// Cluster is a named, addressable compute target.
// Status is owned by the lifecycle manager; everything else is configuration
// or provider-assigned identity.
type Cluster struct {
	Name            string                     `json:"name"`
	Provider        ProviderKind               `json:"provider"`
	Address         string                     `json:"address,omitempty"`
	Credentials     Credentials                `json:"credentials"`
	ConnectionType  ConnectionType             `json:"connection_type"`
	ServerPort      int                        `json:"server_port,omitempty"`
	HealthPort      int                        `json:"health_port,omitempty"`
	OpenPorts       []int                      `json:"open_ports,omitempty"`
	DenAuthRequired bool                       `json:"den_auth_required,omitempty"`
	TLSInsecure     bool                       `json:"tls_insecure,omitempty"`
	AutostopMinutes int                        `json:"autostop_minutes,omitempty"`
	Status          ClusterStatus              `json:"status"`
	InstanceID      string                     `json:"instance_id,omitempty"`
	Instance        InstanceSpec               `json:"instance"`
	Resources       map[string]*RemoteResource `json:"resources,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
	LastProbeAt     time.Time                  `json:"last_probe_at,omitempty"`
}

// Port returns the dispatch server port, falling back to the default
func (c *Cluster) Port() int {
	if c.ServerPort > 0 {
		return c.ServerPort
	}
	return DefaultServerPort
}

// SSHPort returns the configured SSH port or 22
func (c *Cluster) SSHPort() int {
	if c.Credentials.SSHPort > 0 {
		return c.Credentials.SSHPort
	}
	return DefaultSSHPort
}

// Clone returns a deep copy safe to hand to callers
func (c *Cluster) Clone() *Cluster {
	if c == nil {
		return nil
	}
	out := *c
	out.OpenPorts = slices.Clone(c.OpenPorts)
	out.Instance.SecurityGroups = slices.Clone(c.Instance.SecurityGroups)
	if c.Resources != nil {
		out.Resources = make(map[string]*RemoteResource, len(c.Resources))
		for name, r := range c.Resources {
			rc := *r
			rc.Config = maps.Clone(r.Config)
			out.Resources[name] = &rc
		}
	}
	return &out
}

// ResourceKind tags the variant of a remote resource
type ResourceKind string

const (
	ResourceFunction ResourceKind = "function"
	ResourceModule   ResourceKind = "module"
	ResourceActor    ResourceKind = "actor"
)

// DistributionMode controls how a call fans out on the node
type DistributionMode string

const (
	DistributionNone         DistributionMode = "none"
	DistributionMultiprocess DistributionMode = "multiprocess"
)

// RemoteResource is a callable registered on a cluster's dispatch server.
// Cluster is a back-reference by name; the resource never owns the cluster.
type RemoteResource struct {
	Name             string           `json:"name"`
	Cluster          string           `json:"cluster,omitempty"`
	Kind             ResourceKind     `json:"kind"`
	Blueprint        string           `json:"blueprint"`
	DistributionMode DistributionMode `json:"distribution_mode,omitempty"`
	Replicas         int              `json:"replicas,omitempty"`
	Config           map[string]any   `json:"config,omitempty"`
	CreatedAt        time.Time        `json:"created_at,omitempty"`
}

// Secret is a named bundle of credential values for a provider
type Secret struct {
	Provider   string            `json:"provider"`
	Name       string            `json:"name"`
	Values     map[string]string `json:"values"`
	TargetPath string            `json:"target_path,omitempty"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
}

// StoredSecret is a secret persisted locally with its values encrypted
type StoredSecret struct {
	Name          string    `json:"name"`
	Provider      string    `json:"provider"`
	TargetPath    string    `json:"target_path,omitempty"`
	EncryptedData []byte    `json:"encrypted_data"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
