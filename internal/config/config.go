// Package config provides configuration management for the advertising API
// SDK. It handles loading and parsing YAML configuration files and provides
// structured access to OAuth client settings, the callback port, token
// storage location, and logging options.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default values applied when the configuration file omits a setting.
const (
	DefaultCallbackPort   = 8765
	DefaultAuthTimeoutSec = 300
)

// Config represents the SDK configuration, loaded from a YAML file.
type Config struct {
	// ClientID is the OAuth client identifier registered with the identity
	// provider.
	ClientID string `yaml:"client-id" json:"client-id"`

	// ClientSecret is the OAuth client secret. It can also be supplied
	// through the ADKIT_CLIENT_SECRET environment variable, which takes
	// precedence over the file value.
	ClientSecret string `yaml:"client-secret" json:"client-secret"`

	// Scopes are the OAuth scopes requested during authorization.
	Scopes []string `yaml:"scopes" json:"scopes"`

	// CallbackPort is the fixed loopback port the redirect URI is registered
	// under. Defaults to 8765.
	CallbackPort int `yaml:"callback-port" json:"callback-port"`

	// AuthTimeoutSeconds is how long an authorization flow waits for the
	// browser callback. Defaults to 300.
	AuthTimeoutSeconds int `yaml:"auth-timeout-seconds" json:"auth-timeout-seconds"`

	// AuthDir is the directory token files are persisted under.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// ProxyURL is the URL of an optional proxy server for outbound requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile mirrors log output to a rotated file under AuthDir.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`
}

// DefaultScopes are requested when the configuration does not name any.
var DefaultScopes = []string{"advertising::campaign_management"}

// LoadConfig reads and parses the configuration file at path, applies
// defaults, and resolves environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// DefaultConfig returns a configuration with all defaults applied, for
// callers that run without a config file.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills unset fields and resolves environment overrides.
func (c *Config) applyDefaults() {
	if v := strings.TrimSpace(os.Getenv("ADKIT_CLIENT_ID")); v != "" {
		c.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("ADKIT_CLIENT_SECRET")); v != "" {
		c.ClientSecret = v
	}

	if c.CallbackPort == 0 {
		c.CallbackPort = DefaultCallbackPort
	}
	if c.AuthTimeoutSeconds <= 0 {
		c.AuthTimeoutSeconds = DefaultAuthTimeoutSec
	}
	if len(c.Scopes) == 0 {
		c.Scopes = append([]string(nil), DefaultScopes...)
	}
	if strings.TrimSpace(c.AuthDir) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.AuthDir = filepath.Join(home, ".adkit")
	} else if strings.HasPrefix(c.AuthDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.AuthDir = filepath.Join(home, c.AuthDir[2:])
		}
	}
}
