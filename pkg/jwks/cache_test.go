// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/pkg/gwerrors"
)

func jwksJSON(t *testing.T, key *rsa.PrivateKey, kid string) []byte {
	t.Helper()
	pub, err := jwk.Import(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, kid))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	raw, err := json.Marshal(set)
	require.NoError(t, err)
	return raw
}

func TestGetViaDiscovery(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var jwksFetches atomic.Int64
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	raw := jwksJSON(t, key, "kid1")
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   srv.URL,
			"jwks_uri": srv.URL + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		jwksFetches.Add(1)
		_, _ = w.Write(raw)
	})

	cache := New(srv.Client())
	got, err := cache.Get(context.Background(), srv.URL, "kid1")
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, got.N)

	// Second lookup is served from cache.
	_, err = cache.Get(context.Background(), srv.URL, "kid1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), jwksFetches.Load())
}

func TestGetFallbackWithoutDiscovery(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	raw := jwksJSON(t, key, "kid1")
	// No discovery document; only the conventional JWKS location.
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(raw)
	})

	cache := New(srv.Client())
	got, err := cache.Get(context.Background(), srv.URL, "kid1")
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, got.N)
}

func TestGetUnknownKeyID(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	raw := jwksJSON(t, key, "kid1")
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   srv.URL,
			"jwks_uri": srv.URL + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(raw)
	})

	cache := New(srv.Client())
	_, err = cache.Get(context.Background(), srv.URL, "other-kid")
	require.Error(t, err)
	assert.True(t, gwerrors.IsInvalidToken(err))
	assert.Contains(t, err.Error(), "other-kid")
}

func TestGetUpstreamUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cache := New(srv.Client())
	_, err := cache.Get(context.Background(), srv.URL, "kid1")
	assert.True(t, gwerrors.IsUpstreamUnavailable(err))
}
