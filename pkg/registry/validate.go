package registry

import (
	"fmt"
	"regexp"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

var clusterNameRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Validate checks a cluster definition before it is registered
func Validate(c *types.Cluster) error {
	if c == nil {
		return fmt.Errorf("cluster is nil: %w", errdefs.ErrInvalidArgument)
	}
	if !clusterNameRE.MatchString(c.Name) {
		return fmt.Errorf("invalid cluster name %q (lowercase letters, digits and '-'): %w", c.Name, errdefs.ErrInvalidArgument)
	}

	switch c.Provider {
	case types.ProviderAWS, types.ProviderGCP, types.ProviderKubernetes:
	case types.ProviderStatic:
		if c.Address == "" && c.Credentials.SSHHostAlias == "" {
			return fmt.Errorf("static cluster %s needs an address or ssh host alias: %w", c.Name, errdefs.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("unknown provider %q: %w", c.Provider, errdefs.ErrInvalidArgument)
	}

	switch c.ConnectionType {
	case "", types.ConnectionSSHTunnel, types.ConnectionTLS, types.ConnectionHTTP:
	default:
		return fmt.Errorf("unknown connection type %q: %w", c.ConnectionType, errdefs.ErrInvalidArgument)
	}

	if c.AutostopMinutes < 0 {
		return fmt.Errorf("autostop minutes must not be negative: %w", errdefs.ErrInvalidArgument)
	}
	for _, p := range append([]int{c.ServerPort, c.HealthPort, c.Credentials.SSHPort}, c.OpenPorts...) {
		if p < 0 || p > 65535 {
			return fmt.Errorf("port %d out of range: %w", p, errdefs.ErrInvalidArgument)
		}
	}
	return nil
}

func applyDefaults(c *types.Cluster) {
	if c.ConnectionType == "" {
		if c.Provider == types.ProviderKubernetes {
			c.ConnectionType = types.ConnectionHTTP
		} else {
			c.ConnectionType = types.ConnectionSSHTunnel
		}
	}
	if c.ServerPort == 0 {
		c.ServerPort = types.DefaultServerPort
	}
}
