package secrets

import (
	"context"
	"fmt"

	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/types"
	"github.com/hashicorp/go-multierror"
)

// Pusher delivers one secret to a cluster's dispatch server
type Pusher interface {
	PutSecret(ctx context.Context, cluster *types.Cluster, secret *types.Secret) error
}

// Syncer pushes credentials to clusters. It holds no state between calls.
type Syncer struct {
	pusher Pusher
}

// NewSyncer creates a syncer sending through pusher
func NewSyncer(pusher Pusher) *Syncer {
	return &Syncer{pusher: pusher}
}

// Sync pushes every secret, continuing past failures. The returned error
// lists each secret that could not be delivered.
func (s *Syncer) Sync(ctx context.Context, cluster *types.Cluster, secrets ...*types.Secret) error {
	logger := log.WithCluster(cluster.Name)

	var result *multierror.Error
	for _, secret := range secrets {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		if err := s.pusher.PutSecret(ctx, cluster, secret); err != nil {
			result = multierror.Append(result, fmt.Errorf("secret %s: %w", secret.Name, err))
			continue
		}
		logger.Debug().Str("secret", secret.Name).Str("provider", secret.Provider).Msg("secret synced")
	}
	return result.ErrorOrNil()
}
