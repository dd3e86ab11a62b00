// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gatewarden/gatewarden/pkg/token"
)

// TokenCacheSize bounds the in-memory derived-token cache.
const TokenCacheSize = 10000

// cachedChild is one derived-token cache entry. The full handle is kept
// so cache hits can be returned to callers; it never leaves process
// memory.
type cachedChild struct {
	handle  *token.Token
	expires time.Time
}

// childCache maps derivation fingerprints to issued child tokens.
// Fingerprints start with the parent token key so revocation can sweep
// all of a parent's entries.
type childCache struct {
	lru *lru.Cache[string, cachedChild]
}

func newChildCache() *childCache {
	// Size is fixed; the constructor only fails for size <= 0.
	c, err := lru.New[string, cachedChild](TokenCacheSize)
	if err != nil {
		panic(err)
	}
	return &childCache{lru: c}
}

// get returns a cached handle still valid past the deadline, if any.
func (c *childCache) get(fingerprint string, deadline time.Time) *token.Token {
	entry, ok := c.lru.Get(fingerprint)
	if !ok || entry.expires.Before(deadline) {
		return nil
	}
	return entry.handle
}

func (c *childCache) add(fingerprint string, handle *token.Token, expires time.Time) {
	c.lru.Add(fingerprint, cachedChild{handle: handle, expires: expires})
}

// invalidateParent drops every entry derived from the given parent key.
func (c *childCache) invalidateParent(parentKey string) {
	prefix := parentKey + "|"
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
}
