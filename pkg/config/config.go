// Package config loads the per-user runway configuration.
//
// Settings come from ~/.runway/config.yaml, overridden by RUNWAY_* environment
// variables, and are handed to clients as an explicit Session value rather
// than read from globals.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

type EnvVarName string

const (
	EnvAPIURL   EnvVarName = "RUNWAY_API_URL"
	EnvLogLevel EnvVarName = "RUNWAY_LOG_LEVEL"
	EnvToken    EnvVarName = "RUNWAY_TOKEN"
	EnvHome     EnvVarName = "RUNWAY_HOME"

	// EnvSecretPassphrase, when set, replaces secret.key as the source of
	// the local secret store's encryption key
	EnvSecretPassphrase EnvVarName = "RUNWAY_SECRET_PASSPHRASE"
)

const (
	// DefaultAPIURL is the central registry service
	DefaultAPIURL = "https://api.runway.dev"

	configName = "config"
	configType = "yaml"

	keyToken          = "token"
	keyAPIURL         = "api_url"
	keyLogLevel       = "log_level"
	keyDefaultCluster = "default_cluster"
	keyAutostop       = "default_autostop_minutes"
)

// Session is the resolved configuration for one CLI or SDK session
type Session struct {
	Token                  string
	APIURL                 string
	LogLevel               string
	DefaultCluster         string
	DefaultAutostopMinutes int

	// Home is the directory holding config, registry and keys
	Home string

	fs afero.Fs
}

// HomeDir returns $RUNWAY_HOME or ~/.runway
func HomeDir() (string, error) {
	if dir := os.Getenv(string(EnvHome)); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".runway"), nil
}

// Load reads the configuration in home on fs. A missing file is not an error.
func Load(fs afero.Fs, home string) (*Session, error) {
	v := newViper(fs, home)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return &Session{
		Token:                  v.GetString(keyToken),
		APIURL:                 strings.TrimRight(v.GetString(keyAPIURL), "/"),
		LogLevel:               v.GetString(keyLogLevel),
		DefaultCluster:         v.GetString(keyDefaultCluster),
		DefaultAutostopMinutes: v.GetInt(keyAutostop),
		Home:                   home,
		fs:                     fs,
	}, nil
}

// LoadDefault loads the configuration from the OS filesystem and HomeDir
func LoadDefault() (*Session, error) {
	home, err := HomeDir()
	if err != nil {
		return nil, err
	}
	return Load(afero.NewOsFs(), home)
}

// Save writes the persisted fields back to config.yaml
func (s *Session) Save() error {
	fs := s.fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(s.Home, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetFs(fs)
	v.Set(keyToken, s.Token)
	v.Set(keyAPIURL, s.APIURL)
	v.Set(keyLogLevel, s.LogLevel)
	v.Set(keyDefaultCluster, s.DefaultCluster)
	v.Set(keyAutostop, s.DefaultAutostopMinutes)

	if err := v.WriteConfigAs(s.ConfigFile()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return fs.Chmod(s.ConfigFile(), 0600)
}

// FS returns the filesystem the session was loaded from
func (s *Session) FS() afero.Fs {
	if s.fs == nil {
		return afero.NewOsFs()
	}
	return s.fs
}

// ConfigFile is the path of config.yaml
func (s *Session) ConfigFile() string {
	return filepath.Join(s.Home, configName+"."+configType)
}

// LogFile is where a resident dispatch server writes its log
func (s *Session) LogFile() string {
	return filepath.Join(s.Home, "server.log")
}

// PIDFile records the resident dispatch server's process ID
func (s *Session) PIDFile() string {
	return filepath.Join(s.Home, "server.pid")
}

// SecretKeyFile holds the AES key for the local secret store
func (s *Session) SecretKeyFile() string {
	return filepath.Join(s.Home, "secret.key")
}

// TokenKeyFile holds the default den-auth signing key
func (s *Session) TokenKeyFile() string {
	return filepath.Join(s.Home, "token.key")
}

// CertDir holds generated server certificates
func (s *Session) CertDir() string {
	return filepath.Join(s.Home, "certs")
}

// SecretsDir is where a dispatch server materializes synced secrets
func (s *Session) SecretsDir() string {
	return filepath.Join(s.Home, "secrets")
}

func newViper(fs afero.Fs, home string) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(home)
	v.SetEnvPrefix("runway")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(keyAPIURL, DefaultAPIURL)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyAutostop, 0)
	return v
}
