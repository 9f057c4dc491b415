// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Config represents client configuration
type Config struct {
	// Identity platform project
	ProjectID   string `yaml:"project_id"`
	WebClientID string `yaml:"web_client_id"`
	APIKey      string `yaml:"api_key"`

	// OAuth Configuration
	Provider string   `yaml:"provider"` // "google", "microsoft"
	Scopes   []string `yaml:"scopes"`

	// Callback listener
	Port        int           `yaml:"port"` // 0 = ephemeral
	FlowTimeout time.Duration `yaml:"flow_timeout"`

	// Credential storage
	KeychainService   string `yaml:"keychain_service"`
	CredentialBackend string `yaml:"credential_backend"` // "keyring", "file"

	// Endpoint overrides
	AuthURL      string `yaml:"auth_url"`
	ExchangeURL  string `yaml:"exchange_url"`
	RefreshURL   string `yaml:"refresh_url"`
	KeysURL      string `yaml:"keys_url"`
	KeysFormat   string `yaml:"keys_format"` // "x509", "jwks"
	IssuerPrefix string `yaml:"issuer_prefix"`

	// Storage paths (auto-populated from XDG)
	DataDir   string `yaml:"-"`
	ConfigDir string `yaml:"-"`
}

// DefaultPath is the configuration file read when none is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// Load loads configuration from a file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.populateDirs()
	return cfg, nil
}

// LoadWithDefaults loads config from path (or the default location when
// empty), falls back to defaults when the file does not exist and applies
// environment overrides.
func LoadWithDefaults(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg, err := Load(path)
	if err != nil {
		// A missing default file is fine, a missing explicit one is not
		if !os.IsNotExist(err) || explicit {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		cfg = Defaults()
	}

	if err := cfg.ApplyEnvVars(); err != nil {
		return nil, err
	}

	cfg.populateDirs()
	return cfg, nil
}

func (c *Config) populateDirs() {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(xdg.DataHome, AppName)
	}
	if c.ConfigDir == "" {
		c.ConfigDir = filepath.Join(xdg.ConfigHome, AppName)
	}
}

// ApplyEnvVars applies DESKTOPAUTH_* environment variable overrides
func (c *Config) ApplyEnvVars() error {
	strVars := map[string]*string{
		"DESKTOPAUTH_PROJECT_ID":         &c.ProjectID,
		"DESKTOPAUTH_WEB_CLIENT_ID":      &c.WebClientID,
		"DESKTOPAUTH_API_KEY":            &c.APIKey,
		"DESKTOPAUTH_PROVIDER":           &c.Provider,
		"DESKTOPAUTH_KEYCHAIN_SERVICE":   &c.KeychainService,
		"DESKTOPAUTH_CREDENTIAL_BACKEND": &c.CredentialBackend,
		"DESKTOPAUTH_AUTH_URL":           &c.AuthURL,
		"DESKTOPAUTH_EXCHANGE_URL":       &c.ExchangeURL,
		"DESKTOPAUTH_REFRESH_URL":        &c.RefreshURL,
		"DESKTOPAUTH_KEYS_URL":           &c.KeysURL,
		"DESKTOPAUTH_KEYS_FORMAT":        &c.KeysFormat,
		"DESKTOPAUTH_ISSUER_PREFIX":      &c.IssuerPrefix,
	}
	for name, field := range strVars {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}

	if v := os.Getenv("DESKTOPAUTH_SCOPES"); v != "" {
		// Comma-separated scopes
		scopes := strings.Split(v, ",")
		for i, s := range scopes {
			scopes[i] = strings.TrimSpace(s)
		}
		c.Scopes = scopes
	}

	var errs []error
	if v := os.Getenv("DESKTOPAUTH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing DESKTOPAUTH_PORT: %w", err))
		} else {
			c.Port = port
		}
	}
	if v := os.Getenv("DESKTOPAUTH_FLOW_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing DESKTOPAUTH_FLOW_TIMEOUT: %w", err))
		} else {
			c.FlowTimeout = d
		}
	}
	return errors.Join(errs...)
}

// ApplyFlags applies command-line flag overrides
func (c *Config) ApplyFlags(flags map[string]any) {
	if v, ok := flags["project-id"].(string); ok && v != "" {
		c.ProjectID = v
	}
	if v, ok := flags["client-id"].(string); ok && v != "" {
		c.WebClientID = v
	}
	if v, ok := flags["api-key"].(string); ok && v != "" {
		c.APIKey = v
	}
	if v, ok := flags["provider"].(string); ok && v != "" {
		c.Provider = v
	}
	if v, ok := flags["port"].(int); ok && v >= 0 {
		c.Port = v
	}
	if v, ok := flags["backend"].(string); ok && v != "" {
		c.CredentialBackend = v
	}
}

// GetAuthURL returns the authorization URL for the configured provider
func (c *Config) GetAuthURL() string {
	if c.AuthURL != "" {
		return c.AuthURL
	}
	return GetProviderDefaults(c.Provider).AuthURL
}

// GetProviderID returns the identity platform id of the provider
func (c *Config) GetProviderID() string {
	return GetProviderDefaults(c.Provider).ProviderID
}

// GetScopes returns the scopes to use, falling back to provider defaults
func (c *Config) GetScopes() []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	return GetProviderDefaults(c.Provider).Scopes
}

// GetIssuer returns the issuer expected in session tokens
func (c *Config) GetIssuer() string {
	prefix := c.IssuerPrefix
	if prefix == "" {
		prefix = DefaultIssuerPrefix
	}
	return prefix + c.ProjectID
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	var errs []error
	if c.ProjectID == "" {
		errs = append(errs, errors.New("project ID is required (set project_id or DESKTOPAUTH_PROJECT_ID)"))
	}
	if c.WebClientID == "" {
		errs = append(errs, errors.New("web client ID is required (set web_client_id, --client-id or DESKTOPAUTH_WEB_CLIENT_ID)"))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("API key is required (set api_key or DESKTOPAUTH_API_KEY)"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.KeysFormat {
	case "", "x509", "jwks":
	default:
		errs = append(errs, fmt.Errorf("unknown keys_format %q", c.KeysFormat))
	}
	return errors.Join(errs...)
}
