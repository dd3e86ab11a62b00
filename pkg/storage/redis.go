// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage persists token records in Redis with TTLs.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatewarden/gatewarden/pkg/gwerrors"
	"github.com/gatewarden/gatewarden/pkg/logger"
	"github.com/gatewarden/gatewarden/pkg/token"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// TokenStore persists token records keyed by token key, with a per-user
// secondary index and dedup mappings for derived child tokens.
type TokenStore struct {
	client redis.UniversalClient
}

// storedToken is the serialized form of a token record. The secret hash
// lives alongside the metadata; the cleartext secret is never stored.
type storedToken struct {
	Data       *token.Data `json:"data"`
	SecretHash string      `json:"secret_hash"`
}

// NewTokenStore connects to Redis using a redis:// URL and verifies the
// connection before returning.
func NewTokenStore(ctx context.Context, redisURL string) (*TokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = DefaultDialTimeout
	opts.ReadTimeout = DefaultReadTimeout
	opts.WriteTimeout = DefaultWriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &TokenStore{client: client}, nil
}

// NewTokenStoreWithClient creates a TokenStore with a pre-configured
// client. This is useful for testing with miniredis.
func NewTokenStoreWithClient(client redis.UniversalClient) *TokenStore {
	return &TokenStore{client: client}
}

// Close releases the underlying connection pool.
func (s *TokenStore) Close() error {
	return s.client.Close()
}

func tokenKey(key string) string { return "token:" + key }

func userKey(username string) string { return "tokens-for-user:" + username }

func childrenKey(parent string) string { return "token-children:" + parent }

func internalKey(parent, service string, scopes []string) string {
	return "internal-token:" + parent + ":" + service + ":" +
		strings.Join(token.NormalizeScopes(scopes), ",")
}

func notebookKey(parent string) string { return "notebook-token:" + parent }

func storageErr(op string, err error) error {
	return gwerrors.New(gwerrors.ErrStorage, "redis "+op+" failed", err)
}

// Put stores a token record with the given secret hash and TTL, and adds
// the key to the per-user index. Idempotent upsert keyed by token key.
func (s *TokenStore) Put(ctx context.Context, data *token.Data, secretHash string, ttl time.Duration) error {
	record := storedToken{Data: data, SecretHash: secretHash}
	raw, err := json.Marshal(record)
	if err != nil {
		return storageErr("marshal", err)
	}

	if err := s.client.Set(ctx, tokenKey(data.Key), raw, ttl).Err(); err != nil {
		return storageErr("set", err)
	}

	uk := userKey(data.Username)
	if err := s.client.SAdd(ctx, uk, data.Key).Err(); err != nil {
		return storageErr("sadd", err)
	}
	// Index TTL tracks the longest-lived member.
	ok, err := s.client.ExpireGT(ctx, uk, ttl).Result()
	if err != nil {
		return storageErr("expire", err)
	}
	if !ok {
		// The index had no TTL yet.
		if err := s.client.ExpireNX(ctx, uk, ttl).Err(); err != nil {
			return storageErr("expire", err)
		}
	}

	if data.Parent != "" {
		ck := childrenKey(data.Parent)
		if err := s.client.SAdd(ctx, ck, data.Key).Err(); err != nil {
			return storageErr("sadd", err)
		}
		if err := s.client.Expire(ctx, ck, ttl).Err(); err != nil {
			return storageErr("expire", err)
		}
	}
	return nil
}

// Get resolves an opaque handle to its record. Returns (nil, nil) when
// the key is unknown, the record has expired, or the secret does not
// match; an unknown handle is indistinguishable from a bad secret.
func (s *TokenStore) Get(ctx context.Context, handle *token.Token) (*token.Data, error) {
	record, err := s.getRecord(ctx, handle.Key)
	if err != nil || record == nil {
		return nil, err
	}
	if !token.VerifySecret(handle.Secret, record.SecretHash) {
		logger.Warnw("token secret mismatch", "key", handle.Key)
		return nil, nil
	}
	return record.Data, nil
}

// GetByKey returns the record for a token key without checking the
// secret. Callers must enforce ownership separately; this is for the
// metadata API, never for authentication.
func (s *TokenStore) GetByKey(ctx context.Context, key string) (*token.Data, error) {
	record, err := s.getRecord(ctx, key)
	if err != nil || record == nil {
		return nil, err
	}
	return record.Data, nil
}

func (s *TokenStore) getRecord(ctx context.Context, key string) (*storedToken, error) {
	raw, err := s.client.Get(ctx, tokenKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	record := &storedToken{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, storageErr("unmarshal", err)
	}
	// Redis TTL expiry is lazy; double-check wall-clock expiration.
	if record.Data.ExpiredAt(time.Now()) {
		return nil, nil
	}
	return record, nil
}

// List returns the active records for a user, lazily pruning index
// entries whose records have expired or been deleted.
func (s *TokenStore) List(ctx context.Context, username string) ([]*token.Data, error) {
	keys, err := s.client.SMembers(ctx, userKey(username)).Result()
	if err != nil {
		return nil, storageErr("smembers", err)
	}

	var records []*token.Data
	var stale []any
	for _, key := range keys {
		record, err := s.getRecord(ctx, key)
		if err != nil {
			return nil, err
		}
		if record == nil {
			stale = append(stale, key)
			continue
		}
		records = append(records, record.Data)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, userKey(username), stale...).Err(); err != nil {
			return nil, storageErr("srem", err)
		}
	}
	return records, nil
}

// Revoke deletes a token record by key, removing it from the per-user
// index and recursively revoking derived children. Idempotent; reports
// whether a record existed.
func (s *TokenStore) Revoke(ctx context.Context, key string) (bool, error) {
	record, err := s.getRecord(ctx, key)
	if err != nil {
		return false, err
	}

	deleted, err := s.client.Del(ctx, tokenKey(key)).Result()
	if err != nil {
		return false, storageErr("del", err)
	}
	if record != nil {
		if err := s.client.SRem(ctx, userKey(record.Data.Username), key).Err(); err != nil {
			return false, storageErr("srem", err)
		}
	}

	// Children become unreachable once the parent is gone.
	children, err := s.client.SMembers(ctx, childrenKey(key)).Result()
	if err != nil {
		return false, storageErr("smembers", err)
	}
	for _, child := range children {
		if _, err := s.Revoke(ctx, child); err != nil {
			return false, err
		}
	}
	if err := s.client.Del(ctx, childrenKey(key)).Err(); err != nil {
		return false, storageErr("del", err)
	}

	return record != nil || deleted > 0, nil
}

// LookupChildKey returns the cached child token key for a dedup key, or
// empty when no live mapping exists.
func (s *TokenStore) LookupChildKey(ctx context.Context, dedupKey string) (string, error) {
	key, err := s.client.Get(ctx, dedupKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("get", err)
	}
	return key, nil
}

// SetChildKey stores the dedup mapping for a derived token with the
// child's TTL. The value is opaque to the store; callers seal it before
// writing.
func (s *TokenStore) SetChildKey(ctx context.Context, dedupKey, childKey string, ttl time.Duration) error {
	if err := s.client.Set(ctx, dedupKey, childKey, ttl).Err(); err != nil {
		return storageErr("set", err)
	}
	return nil
}

// InternalDedupKey builds the dedup key for an internal token request.
func InternalDedupKey(parent, service string, scopes []string) string {
	return internalKey(parent, service, scopes)
}

// NotebookDedupKey builds the dedup key for a notebook token request.
func NotebookDedupKey(parent string) string {
	return notebookKey(parent)
}
