package secrets

import (
	"fmt"

	"github.com/cuemby/runway/pkg/security"
	"github.com/cuemby/runway/pkg/storage"
	"github.com/cuemby/runway/pkg/types"
)

// Store keeps secrets in the local registry database, encrypted at rest
type Store struct {
	store storage.Store
	sm    *security.SecretsManager
}

// NewStore creates a store sealing values with sm
func NewStore(store storage.Store, sm *security.SecretsManager) *Store {
	return &Store{store: store, sm: sm}
}

// Put stores or replaces secret by name
func (s *Store) Put(secret *types.Secret) error {
	if secret.Name == "" {
		secret.Name = secret.Provider
	}
	sealed, err := s.sm.Seal(secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret %s: %w", secret.Name, err)
	}
	return s.store.PutSecret(sealed)
}

// Get returns the decrypted secret
func (s *Store) Get(name string) (*types.Secret, error) {
	stored, err := s.store.GetSecret(name)
	if err != nil {
		return nil, err
	}
	return s.sm.Open(stored)
}

// List returns every stored secret, decrypted
func (s *Store) List() ([]*types.Secret, error) {
	stored, err := s.store.ListSecrets()
	if err != nil {
		return nil, err
	}
	out := make([]*types.Secret, 0, len(stored))
	for _, st := range stored {
		secret, err := s.sm.Open(st)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt secret %s: %w", st.Name, err)
		}
		out = append(out, secret)
	}
	return out, nil
}

// Delete removes a stored secret
func (s *Store) Delete(name string) error {
	return s.store.DeleteSecret(name)
}
