package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/secrets"
	"github.com/cuemby/runway/pkg/types"
	"github.com/spf13/afero"
)

// SecretsDir holds secrets whose provider has no default credentials path,
// relative to the server user's home
const SecretsDir = "~/.runway/secrets"

// SecretMaterializer writes pushed secrets to the node's filesystem
type SecretMaterializer struct {
	fs     afero.Fs
	home   string
	setenv func(key, value string) error
}

// NewSecretMaterializer creates a materializer resolving ~ against home
func NewSecretMaterializer(fs afero.Fs, home string) *SecretMaterializer {
	return &SecretMaterializer{fs: fs, home: home, setenv: os.Setenv}
}

// Path returns where secret will be written
func (m *SecretMaterializer) Path(secret *types.Secret) string {
	target := secret.TargetPath
	if target == "" {
		target = secrets.DefaultPath(secret.Provider)
	}
	if target == "" {
		target = filepath.Join(SecretsDir, secret.Name)
	}
	return secrets.ExpandHome(m.home, target)
}

// Materialize writes secret in its provider's format. The file is either
// fully replaced or left untouched. With exportEnv, the secret's env vars are
// also set in the server process so later calls inherit them.
func (m *SecretMaterializer) Materialize(secret *types.Secret, exportEnv bool) (string, error) {
	if secret.Name == "" {
		secret.Name = secret.Provider
	}
	if secret.Name == "" {
		return "", fmt.Errorf("secret has no name or provider: %w", errdefs.ErrInvalidArgument)
	}

	data, err := secrets.Render(secret)
	if err != nil {
		return "", err
	}

	path := m.Path(secret)
	if err := m.writeAtomic(path, data); err != nil {
		return "", fmt.Errorf("failed to write secret %s: %w", secret.Name, err)
	}

	logger := log.WithComponent("secrets")
	logger.Info().Str("secret", secret.Name).Str("path", path).Msg("secret materialized")

	if exportEnv {
		if err := m.export(secret); err != nil {
			return path, err
		}
	}
	return path, nil
}

func (m *SecretMaterializer) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := m.fs.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := afero.TempFile(m.fs, dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = m.fs.Remove(tmpName)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = m.fs.Remove(tmpName)
		return err
	}
	if err := m.fs.Chmod(tmpName, 0600); err != nil {
		_ = m.fs.Remove(tmpName)
		return err
	}
	if err := m.fs.Rename(tmpName, path); err != nil {
		_ = m.fs.Remove(tmpName)
		return err
	}
	return nil
}

func (m *SecretMaterializer) export(secret *types.Secret) error {
	keys := make([]string, 0, len(secret.EnvVars))
	for k := range secret.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value, ok := secret.Values[key]
		if !ok {
			continue
		}
		if err := m.setenv(secret.EnvVars[key], value); err != nil {
			return fmt.Errorf("failed to export %s: %w", secret.EnvVars[key], err)
		}
	}
	return nil
}

// Remove deletes a materialized secret. Removing a missing secret is not an
// error.
func (m *SecretMaterializer) Remove(secret *types.Secret) error {
	path := m.Path(secret)
	if err := m.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove secret %s: %w", secret.Name, err)
	}
	return nil
}
