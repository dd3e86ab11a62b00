// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates gateway configuration.
package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultTokenLifetime is the session token lifetime.
	DefaultTokenLifetime = 24 * time.Hour

	// DefaultCookieName is the session cookie name.
	DefaultCookieName = "gatewarden"

	// DefaultTokenPrefix is the literal prefix of opaque token handles.
	DefaultTokenPrefix = "gatewarden"

	sessionSecretBytes = 32
)

// Reserved scopes always present in the known-scope set.
const (
	ScopeAdminToken = "admin:token"
	ScopeUserToken  = "user:token"
)

// IssuerConfig describes one trusted upstream issuer.
type IssuerConfig struct {
	// Audiences accepted on tokens from this issuer.
	Audiences []string `mapstructure:"audiences"`
}

// Config is the full gateway configuration, immutable after load.
type Config struct {
	// Realm appears in WWW-Authenticate challenges.
	Realm string `mapstructure:"realm"`

	// SessionSecret is the base64-encoded 32-byte cookie encryption key.
	SessionSecret string `mapstructure:"session_secret"`

	// Issuer is the iss claim on tokens the gateway signs.
	Issuer string `mapstructure:"issuer"`

	// UsernameClaim and UIDClaim name the identity claims on tokens.
	UsernameClaim string `mapstructure:"username_claim"`
	UIDClaim      string `mapstructure:"uid_claim"`

	// AudienceDefault is the aud for session, user, notebook, and service
	// tokens; AudienceInternal for derived internal tokens.
	AudienceDefault  string `mapstructure:"audience_default"`
	AudienceInternal string `mapstructure:"audience_internal"`

	// RedisURL is the token store connection string.
	RedisURL string `mapstructure:"redis_url"`

	// DatabasePath is the SQLite file for admins and token history.
	DatabasePath string `mapstructure:"database_path"`

	// SigningKeyFile is a PEM RSA private key. Empty means generate an
	// ephemeral key at startup.
	SigningKeyFile string `mapstructure:"signing_key_file"`

	CookieName  string `mapstructure:"cookie_name"`
	TokenPrefix string `mapstructure:"token_prefix"`

	// KnownScopes maps each valid scope name to its description.
	KnownScopes map[string]string `mapstructure:"known_scopes"`

	// GroupMapping maps a scope to the group whose members hold it.
	GroupMapping map[string]string `mapstructure:"group_mapping"`

	// AccessChecks is the ordered list of capability predicate names.
	AccessChecks []string `mapstructure:"access_checks"`

	// Issuers lists trusted upstream issuers keyed by issuer URL.
	Issuers map[string]IssuerConfig `mapstructure:"issuers"`

	// InitialAdmins are loaded into the admin roster at startup.
	InitialAdmins []string `mapstructure:"initial_admins"`

	TokenLifetime time.Duration `mapstructure:"token_lifetime"`
	ListenAddr    string        `mapstructure:"listen_addr"`
	Debug         bool          `mapstructure:"debug"`
}

// Load reads configuration from the given YAML file (optional) and from
// GATEWARDEN_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	v := viper.GetViper()
	v.SetEnvPrefix("GATEWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("realm", "gatewarden")
	v.SetDefault("username_claim", "uid")
	v.SetDefault("uid_claim", "uidNumber")
	v.SetDefault("cookie_name", DefaultCookieName)
	v.SetDefault("token_prefix", DefaultTokenPrefix)
	v.SetDefault("access_checks", []string{"scope"})
	v.SetDefault("token_lifetime", DefaultTokenLifetime)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("database_path", "gatewarden.db")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.KnownScopes == nil {
		cfg.KnownScopes = map[string]string{}
	}
	// Reserved scopes are always known.
	if _, ok := cfg.KnownScopes[ScopeAdminToken]; !ok {
		cfg.KnownScopes[ScopeAdminToken] = "Can administer tokens for any user"
	}
	if _, ok := cfg.KnownScopes[ScopeUserToken]; !ok {
		cfg.KnownScopes[ScopeUserToken] = "Can create and modify own tokens"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	if _, err := c.SessionSecretBytes(); err != nil {
		return err
	}
	if c.Issuer == "" {
		return fmt.Errorf("issuer must be set")
	}
	if _, err := url.Parse(c.Issuer); err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if c.AudienceDefault == "" {
		return fmt.Errorf("audience_default must be set")
	}
	if c.AudienceInternal == "" {
		return fmt.Errorf("audience_internal must be set")
	}
	if c.TokenLifetime <= 0 {
		return fmt.Errorf("token_lifetime must be positive")
	}
	for issuer, ic := range c.Issuers {
		if _, err := url.Parse(issuer); err != nil {
			return fmt.Errorf("trusted issuer %q is not a valid URL: %w", issuer, err)
		}
		if len(ic.Audiences) == 0 {
			return fmt.Errorf("trusted issuer %q has no audiences", issuer)
		}
	}
	for scope := range c.GroupMapping {
		if _, ok := c.KnownScopes[scope]; !ok {
			return fmt.Errorf("group_mapping references unknown scope %q", scope)
		}
	}
	return nil
}

// SessionSecretBytes decodes the session secret and enforces its length.
func (c *Config) SessionSecretBytes() ([]byte, error) {
	if c.SessionSecret == "" {
		return nil, fmt.Errorf("session_secret must be set")
	}
	raw, err := base64.StdEncoding.DecodeString(c.SessionSecret)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(c.SessionSecret)
	}
	if err != nil {
		return nil, fmt.Errorf("session_secret is not valid base64: %w", err)
	}
	if len(raw) != sessionSecretBytes {
		return nil, fmt.Errorf("session_secret must decode to %d bytes, got %d",
			sessionSecretBytes, len(raw))
	}
	return raw, nil
}

// IsKnownScope reports whether scope is in the configured scope set.
func (c *Config) IsKnownScope(scope string) bool {
	_, ok := c.KnownScopes[scope]
	return ok
}
