package secrets

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
	"github.com/spf13/afero"
)

// Loader discovers provider credentials on the local machine
type Loader struct {
	fs        afero.Fs
	home      string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader reading files under home on fs
func NewLoader(fs afero.Fs, home string) *Loader {
	return &Loader{fs: fs, home: home, lookupEnv: os.LookupEnv}
}

// Load returns the provider's credentials from its default file, falling
// back to its environment variables
func (l *Loader) Load(provider string) (*types.Secret, error) {
	p, ok := Lookup(provider)
	if !ok {
		return nil, fmt.Errorf("unknown secret provider %q: %w", provider, errdefs.ErrInvalidArgument)
	}

	secret, err := l.LoadFile(provider, p.Path)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, errdefs.ErrNotFound) {
		return nil, err
	}

	values := make(map[string]string, len(p.EnvVars))
	for key, env := range p.EnvVars {
		if v, ok := l.lookupEnv(env); ok && v != "" {
			values[key] = v
		}
	}
	if len(p.EnvVars) == 0 || len(values) < len(p.EnvVars) {
		return nil, fmt.Errorf("no %s credentials in %s or environment: %w", provider, p.Path, errdefs.ErrNotFound)
	}
	return l.secret(p, values), nil
}

// LoadFile reads the provider's credentials from path
func (l *Loader) LoadFile(provider, path string) (*types.Secret, error) {
	p, ok := Lookup(provider)
	if !ok {
		return nil, fmt.Errorf("unknown secret provider %q: %w", provider, errdefs.ErrInvalidArgument)
	}

	data, err := afero.ReadFile(l.fs, ExpandHome(l.home, path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s credentials: %w", provider, err)
	}

	values, err := p.Parse(data)
	if err != nil {
		return nil, err
	}
	return l.secret(p, values), nil
}

func (l *Loader) secret(p Provider, values map[string]string) *types.Secret {
	return &types.Secret{
		Provider:   p.Name,
		Name:       p.Name,
		Values:     values,
		TargetPath: p.Path,
		EnvVars:    maps.Clone(p.EnvVars),
	}
}

// ExpandHome resolves a leading ~/ against home
func ExpandHome(home, path string) string {
	if path == "~" {
		return home
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(home, rest)
	}
	return path
}
