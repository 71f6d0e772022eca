package secrets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
	"gopkg.in/ini.v1"
)

// Format is how a provider lays out its credentials file
type Format string

const (
	FormatINI  Format = "ini"
	FormatJSON Format = "json"
	FormatRaw  Format = "raw"
)

// Provider describes where a credential provider keeps its secrets
type Provider struct {
	Name string

	// Path is the default credentials file, relative to the home directory
	// when it starts with ~/
	Path   string
	Format Format

	// Section is the INI section holding the values
	Section string

	// RawKey names the single value a raw file holds
	RawKey string

	// EnvVars maps value keys to the environment variables carrying them
	EnvVars map[string]string
}

var providers = map[string]Provider{
	"aws": {
		Name:    "aws",
		Path:    "~/.aws/credentials",
		Format:  FormatINI,
		Section: "default",
		EnvVars: map[string]string{
			"aws_access_key_id":     "AWS_ACCESS_KEY_ID",
			"aws_secret_access_key": "AWS_SECRET_ACCESS_KEY",
		},
	},
	"gcp": {
		Name:   "gcp",
		Path:   "~/.config/gcloud/application_default_credentials.json",
		Format: FormatJSON,
		EnvVars: map[string]string{
			"client_id":     "CLIENT_ID",
			"client_secret": "CLIENT_SECRET",
		},
	},
	"ssh": {
		Name:   "ssh",
		Path:   "~/.ssh/id_rsa",
		Format: FormatRaw,
		RawKey: "private_key",
	},
	"kubernetes": {
		Name:   "kubernetes",
		Path:   "~/.kube/config",
		Format: FormatRaw,
		RawKey: "kubeconfig",
	},
	"huggingface": {
		Name:    "huggingface",
		Path:    "~/.cache/huggingface/token",
		Format:  FormatRaw,
		RawKey:  "token",
		EnvVars: map[string]string{"token": "HF_TOKEN"},
	},
}

// Lookup returns a built-in provider
func Lookup(name string) (Provider, bool) {
	p, ok := providers[name]
	return p, ok
}

// Names lists the built-in providers
func Names() []string {
	return slices.Sorted(maps.Keys(providers))
}

// Parse reads a credentials file into values
func (p Provider) Parse(data []byte) (map[string]string, error) {
	values := make(map[string]string)

	switch p.Format {
	case FormatINI:
		cfg, err := ini.Load(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s credentials: %w", p.Name, err)
		}
		sec, err := cfg.GetSection(p.Section)
		if err != nil {
			return nil, fmt.Errorf("%s credentials have no [%s] section: %w", p.Name, p.Section, errdefs.ErrNotFound)
		}
		for _, key := range sec.Keys() {
			values[key.Name()] = key.String()
		}

	case FormatJSON:
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s credentials: %w", p.Name, err)
		}
		for k, v := range doc {
			if s, ok := v.(string); ok {
				values[k] = s
			} else {
				values[k] = fmt.Sprint(v)
			}
		}

	default:
		if v := strings.TrimRight(string(data), "\n"); v != "" {
			values[p.RawKey] = v
		}
	}

	if len(values) == 0 {
		return nil, fmt.Errorf("%s credentials are empty: %w", p.Name, errdefs.ErrNotFound)
	}
	return values, nil
}

// Render is the inverse of Parse
func (p Provider) Render(values map[string]string) ([]byte, error) {
	switch p.Format {
	case FormatINI:
		cfg := ini.Empty()
		sec, err := cfg.NewSection(p.Section)
		if err != nil {
			return nil, err
		}
		for _, k := range slices.Sorted(maps.Keys(values)) {
			if _, err := sec.NewKey(k, values[k]); err != nil {
				return nil, err
			}
		}
		var buf bytes.Buffer
		if _, err := cfg.WriteTo(&buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case FormatJSON:
		return json.MarshalIndent(values, "", "  ")

	default:
		v, ok := values[p.RawKey]
		if !ok {
			return nil, fmt.Errorf("%s secret has no %q value: %w", p.Name, p.RawKey, errdefs.ErrInvalidArgument)
		}
		return []byte(v + "\n"), nil
	}
}

// Render serializes a secret the way its provider stores it. Secrets for
// unknown providers are written as JSON.
func Render(secret *types.Secret) ([]byte, error) {
	p, ok := Lookup(secret.Provider)
	if !ok {
		p = Provider{Name: secret.Provider, Format: FormatJSON}
	}
	return p.Render(secret.Values)
}

// DefaultPath returns the provider's credentials path, or "" when unknown
func DefaultPath(provider string) string {
	p, ok := Lookup(provider)
	if !ok {
		return ""
	}
	return p.Path
}
