package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// ClientCredentials are the machine-client credentials a service discovers
// during bootstrap and reuses on subsequent cold starts.
type ClientCredentials struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// CredentialsStore persists bootstrap-discovered client credentials to a
// small yaml file next to the service configuration.
type CredentialsStore struct {
	path string
}

// NewCredentialsStore creates a store backed by the given file path. An
// empty path defaults to "agentplane-credentials.yaml" in the working
// directory.
func NewCredentialsStore(path string) *CredentialsStore {
	if path == "" {
		path = "agentplane-credentials.yaml"
	}
	return &CredentialsStore{path: path}
}

// Load reads stored credentials. Returns (nil, nil) when no file exists.
func (s *CredentialsStore) Load() (*ClientCredentials, error) {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var creds ClientCredentials
	if err := v.UnmarshalKey("client", &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	if creds.ClientID == "" {
		return nil, nil
	}
	return &creds, nil
}

// Save writes credentials, creating parent directories as needed. The file
// is written 0600: it contains the plaintext client secret.
func (s *CredentialsStore) Save(creds *ClientCredentials) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create credentials dir: %w", err)
		}
	}
	data := fmt.Sprintf("client:\n  client_id: %q\n  client_secret: %q\n", creds.ClientID, creds.ClientSecret)
	if err := os.WriteFile(s.path, []byte(data), 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	return nil
}
