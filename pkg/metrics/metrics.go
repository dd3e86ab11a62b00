// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthRequests counts /auth decisions by outcome.
	AuthRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewarden_auth_requests_total",
		Help: "Authorization decisions by outcome.",
	}, []string{"outcome"})

	// TokensIssued counts issued tokens by type.
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewarden_tokens_issued_total",
		Help: "Issued tokens by type.",
	}, []string{"type"})

	// TokensRevoked counts revocations.
	TokensRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewarden_tokens_revoked_total",
		Help: "Revoked tokens.",
	})

	// ChildTokenCacheHits counts internal/notebook cache hits.
	ChildTokenCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewarden_child_token_cache_hits_total",
		Help: "Derived token requests served from cache.",
	})
)
