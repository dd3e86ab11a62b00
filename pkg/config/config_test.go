// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	secret := base64.StdEncoding.EncodeToString(make([]byte, 32))
	return &Config{
		Realm:            "test",
		SessionSecret:    secret,
		Issuer:           "https://gateway.example.com",
		AudienceDefault:  "default-aud",
		AudienceInternal: "internal-aud",
		TokenLifetime:    24 * time.Hour,
		KnownScopes: map[string]string{
			"read:all":    "read",
			"admin:token": "admin",
		},
	}
}

func TestValidateOK(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validConfig().Validate())
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.SessionSecret = "" }},
		{"short secret", func(c *Config) {
			c.SessionSecret = base64.StdEncoding.EncodeToString(make([]byte, 16))
		}},
		{"bad base64", func(c *Config) { c.SessionSecret = "!!not base64!!" }},
		{"missing issuer", func(c *Config) { c.Issuer = "" }},
		{"missing default audience", func(c *Config) { c.AudienceDefault = "" }},
		{"missing internal audience", func(c *Config) { c.AudienceInternal = "" }},
		{"zero lifetime", func(c *Config) { c.TokenLifetime = 0 }},
		{"group mapping unknown scope", func(c *Config) {
			c.GroupMapping = map[string]string{"exec:admin": "admins"}
		}},
		{"trusted issuer without audiences", func(c *Config) {
			c.Issuers = map[string]IssuerConfig{"https://up.example.com": {}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSessionSecretEncodings(t *testing.T) {
	t.Parallel()

	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}

	cfg := validConfig()
	cfg.SessionSecret = base64.StdEncoding.EncodeToString(raw)
	got, err := cfg.SessionSecretBytes()
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	cfg.SessionSecret = base64.RawURLEncoding.EncodeToString(raw)
	got, err = cfg.SessionSecretBytes()
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestIsKnownScope(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	assert.True(t, cfg.IsKnownScope("read:all"))
	assert.False(t, cfg.IsKnownScope("write:all"))
}
