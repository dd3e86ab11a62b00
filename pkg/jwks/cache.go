// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package jwks fetches and caches upstream token signing keys.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/gatewarden/gatewarden/pkg/gwerrors"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

const (
	// CacheSize bounds the number of cached keys across all issuers.
	CacheSize = 16

	// CacheTTL is how long a fetched key stays valid before a refetch.
	CacheTTL = 600 * time.Second

	// DefaultHTTPTimeout bounds every upstream request.
	DefaultHTTPTimeout = 10 * time.Second
)

// discoveryDocument is the subset of the OIDC discovery document we need.
type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// Cache resolves (issuer, kid) pairs to RSA public keys via OIDC
// discovery, with a bounded TTL cache in front. Safe for concurrent use.
type Cache struct {
	client *http.Client
	lru    *expirable.LRU[string, *rsa.PublicKey]
}

// New creates a key cache. A nil client gets a default with the standard
// upstream timeout.
func New(client *http.Client) *Cache {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Cache{
		client: client,
		lru:    expirable.NewLRU[string, *rsa.PublicKey](CacheSize, nil, CacheTTL),
	}
}

// Get returns the public key for (issuer, kid), fetching the issuer's
// JWKS on cache miss. Network failures map to UpstreamUnavailable; a JWKS
// without the requested kid maps to InvalidToken.
func (c *Cache) Get(ctx context.Context, issuer, kid string) (*rsa.PublicKey, error) {
	cacheKey := issuer + "\x00" + kid
	if key, ok := c.lru.Get(cacheKey); ok {
		return key, nil
	}

	jwksURL, err := c.resolveJWKSURL(ctx, issuer)
	if err != nil {
		return nil, err
	}

	set, err := c.fetchSet(ctx, jwksURL)
	if err != nil {
		return nil, err
	}

	entry, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, gwerrors.New(gwerrors.ErrInvalidToken,
			fmt.Sprintf("key ID %q not found in JWKS for issuer %s", kid, issuer), nil)
	}

	var raw any
	if err := jwk.Export(entry, &raw); err != nil {
		return nil, gwerrors.New(gwerrors.ErrUpstreamUnavailable, "failed to export JWKS key", err)
	}
	rsaKey, ok := raw.(*rsa.PublicKey)
	if !ok {
		return nil, gwerrors.New(gwerrors.ErrInvalidToken,
			fmt.Sprintf("key ID %q is not an RSA key", kid), nil)
	}

	c.lru.Add(cacheKey, rsaKey)
	return rsaKey, nil
}

// resolveJWKSURL reads the issuer's discovery document. If the discovery
// endpoint is absent, falls back to the conventional JWKS location.
func (c *Cache) resolveJWKSURL(ctx context.Context, issuer string) (string, error) {
	base := strings.TrimSuffix(issuer, "/")
	wellKnownURL := base + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return "", gwerrors.New(gwerrors.ErrUpstreamUnavailable, "failed to build discovery request", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", gwerrors.New(gwerrors.ErrUpstreamUnavailable,
			fmt.Sprintf("OIDC discovery for %s failed", issuer), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		logger.Debugw("no discovery document, using conventional JWKS path", "issuer", issuer)
		return base + "/.well-known/jwks.json", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", gwerrors.New(gwerrors.ErrUpstreamUnavailable,
			fmt.Sprintf("OIDC discovery for %s returned status %d", issuer, resp.StatusCode), nil)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", gwerrors.New(gwerrors.ErrUpstreamUnavailable, "failed to decode discovery document", err)
	}
	if doc.JWKSURI == "" {
		return "", gwerrors.New(gwerrors.ErrUpstreamUnavailable,
			fmt.Sprintf("discovery document for %s missing jwks_uri", issuer), nil)
	}
	return doc.JWKSURI, nil
}

// fetchSet retrieves and parses the JWKS, retrying once on transient
// network errors.
func (c *Cache) fetchSet(ctx context.Context, jwksURL string) (jwk.Set, error) {
	set, err := jwk.Fetch(ctx, jwksURL, jwk.WithHTTPClient(c.client))
	if err != nil && ctx.Err() == nil {
		logger.Warnw("JWKS fetch failed, retrying once", "url", jwksURL, "error", err)
		set, err = jwk.Fetch(ctx, jwksURL, jwk.WithHTTPClient(c.client))
	}
	if err != nil {
		return nil, gwerrors.New(gwerrors.ErrUpstreamUnavailable,
			fmt.Sprintf("failed to fetch JWKS from %s", jwksURL), err)
	}
	return set, nil
}
