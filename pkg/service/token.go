// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the token lifecycle: issuance, derivation,
// lookup, and revocation.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/gatewarden/gatewarden/pkg/config"
	"github.com/gatewarden/gatewarden/pkg/gwerrors"
	"github.com/gatewarden/gatewarden/pkg/jwks"
	"github.com/gatewarden/gatewarden/pkg/logger"
	"github.com/gatewarden/gatewarden/pkg/metrics"
	"github.com/gatewarden/gatewarden/pkg/state"
	"github.com/gatewarden/gatewarden/pkg/storage"
	"github.com/gatewarden/gatewarden/pkg/storage/sqlite"
	"github.com/gatewarden/gatewarden/pkg/token"
)

// MinimumLifetime is the least remaining lifetime any issued token may
// have.
const MinimumLifetime = token.MinimumLifetimeSeconds * time.Second

// verifyLeeway absorbs clock skew between us and upstream issuers.
const verifyLeeway = 5 * time.Second

// UserTokenRequest is the payload for user-created tokens.
type UserTokenRequest struct {
	Username  string    `json:"username"`
	TokenName string    `json:"token_name"`
	Scopes    []string  `json:"scopes"`
	Expires   time.Time `json:"expires"`
}

// AdminTokenRequest is the payload for administratively created tokens.
type AdminTokenRequest struct {
	Username  string     `json:"username"`
	TokenType token.Type `json:"token_type"`
	TokenName string     `json:"token_name,omitempty"`
	Scopes    []string   `json:"scopes"`
	Expires   time.Time  `json:"expires"`
	UID       int64      `json:"uid,omitempty"`
}

// TokenService issues, derives, resolves, and revokes tokens. It is the
// only component that writes to the token store.
type TokenService struct {
	cfg     *config.Config
	codec   *token.Codec
	store   *storage.TokenStore
	history *sqlite.Store
	keys    *jwks.Cache
	cache   *childCache

	// sealer encrypts dedup mappings so derived-token handles never land
	// in Redis in cleartext.
	sealer *state.Sealer

	// issuance dedups concurrent child-token mints per fingerprint.
	issuance singleflight.Group
}

// New creates a TokenService.
func New(cfg *config.Config, codec *token.Codec, store *storage.TokenStore,
	history *sqlite.Store, keys *jwks.Cache, sealer *state.Sealer) *TokenService {
	return &TokenService{
		cfg:     cfg,
		codec:   codec,
		store:   store,
		history: history,
		keys:    keys,
		cache:   newChildCache(),
		sealer:  sealer,
	}
}

// Audience returns the aud claim for a token of the given type.
func (s *TokenService) Audience(t token.Type) string {
	if t == token.TypeInternal {
		return s.cfg.AudienceInternal
	}
	return s.cfg.AudienceDefault
}

// Sign returns the JWT form of a token for response headers.
func (s *TokenService) Sign(data *token.Data) (string, error) {
	return s.codec.Sign(data, s.Audience(data.Type))
}

// CreateSessionToken mints a fresh session token for a logged-in user
// and persists it with the configured session lifetime.
func (s *TokenService) CreateSessionToken(ctx context.Context, info *token.UserInfo,
	scopes []string, ip string) (*token.Token, *token.Data, error) {
	if err := token.ValidateUsername(info.Username); err != nil {
		return nil, nil, err
	}
	if err := s.validateScopesKnown(scopes); err != nil {
		return nil, nil, err
	}

	now := time.Now()
	data := &token.Data{
		Type:     token.TypeSession,
		Username: info.Username,
		Name:     info.Name,
		UID:      info.UID,
		Email:    info.Email,
		Groups:   info.Groups,
		Scopes:   token.NormalizeScopes(scopes),
		Created:  now,
		Expires:  now.Add(s.cfg.TokenLifetime),
	}
	handle, err := s.mint(ctx, data, info.Username, ip)
	if err != nil {
		return nil, nil, err
	}
	return handle, data, nil
}

// CreateUserToken mints a long-lived token at a user's request. The
// actor must own the target username or hold admin:token; scopes must be
// a subset of the actor's unless the actor holds admin:token.
func (s *TokenService) CreateUserToken(ctx context.Context, auth *token.Data,
	req *UserTokenRequest, ip string) (*token.Token, error) {
	isAdmin := auth.HasScope(config.ScopeAdminToken)
	if req.Username != auth.Username && !isAdmin {
		return nil, gwerrors.New(gwerrors.ErrPermissionDenied,
			"cannot create tokens for another user", nil)
	}
	if !isAdmin && !auth.HasScope(config.ScopeUserToken) {
		return nil, gwerrors.New(gwerrors.ErrPermissionDenied,
			"user:token scope required to create tokens", nil)
	}
	if err := token.ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if err := s.validateScopesKnown(req.Scopes); err != nil {
		return nil, err
	}
	if !isAdmin && !token.ScopesSubset(req.Scopes, auth.Scopes) {
		return nil, gwerrors.New(gwerrors.ErrValidation,
			"requested scopes exceed the authenticating token's scopes", nil)
	}
	if err := validateExpires(req.Expires, time.Now()); err != nil {
		return nil, err
	}

	data := &token.Data{
		Type:      token.TypeUser,
		TokenName: req.TokenName,
		Username:  req.Username,
		Name:      auth.Name,
		UID:       auth.UID,
		Email:     auth.Email,
		Groups:    auth.Groups,
		Scopes:    token.NormalizeScopes(req.Scopes),
		Created:   time.Now(),
		Expires:   req.Expires,
	}
	if req.Username != auth.Username {
		// Identity details of the actor do not transfer across users.
		data.Name, data.UID, data.Email, data.Groups = "", 0, "", nil
	}
	return s.mint(ctx, data, auth.Username, ip)
}

// CreateAdminToken mints a service or user token for an arbitrary
// username. The actor must hold admin:token.
func (s *TokenService) CreateAdminToken(ctx context.Context, auth *token.Data,
	req *AdminTokenRequest, ip string) (*token.Token, error) {
	if !auth.HasScope(config.ScopeAdminToken) {
		return nil, gwerrors.New(gwerrors.ErrPermissionDenied,
			"admin:token scope required", nil)
	}
	if req.TokenType != token.TypeService && req.TokenType != token.TypeUser {
		return nil, gwerrors.New(gwerrors.ErrValidation,
			fmt.Sprintf("cannot create tokens of type %q", req.TokenType), nil)
	}
	if err := token.ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if err := s.validateScopesKnown(req.Scopes); err != nil {
		return nil, err
	}
	if err := validateExpires(req.Expires, time.Now()); err != nil {
		return nil, err
	}

	data := &token.Data{
		Type:      req.TokenType,
		TokenName: req.TokenName,
		Username:  req.Username,
		UID:       req.UID,
		Scopes:    token.NormalizeScopes(req.Scopes),
		Created:   time.Now(),
		Expires:   req.Expires,
	}
	return s.mint(ctx, data, auth.Username, ip)
}

// GetInternalToken returns a service-scoped child of parent, reusing a
// live derived token for the same (parent, service, scopes) tuple.
func (s *TokenService) GetInternalToken(ctx context.Context, parent *token.Data,
	service string, scopes []string, ip string) (*token.Token, error) {
	scopes = token.NormalizeScopes(scopes)
	if !token.ScopesSubset(scopes, parent.Scopes) {
		return nil, gwerrors.New(gwerrors.ErrValidation,
			"internal token scopes exceed the parent's scopes", nil)
	}
	child := &token.Data{
		Type:     token.TypeInternal,
		Parent:   parent.Key,
		Service:  service,
		Username: parent.Username,
		Name:     parent.Name,
		UID:      parent.UID,
		Email:    parent.Email,
		Groups:   parent.Groups,
		Scopes:   scopes,
	}
	fingerprint := parent.Key + "|internal|" + service + "|" + strings.Join(scopes, ",")
	return s.getChildToken(ctx, parent, child, fingerprint,
		storage.InternalDedupKey(parent.Key, service, scopes), ip)
}

// GetNotebookToken returns a child of parent carrying the parent's full
// scope, for interactive analysis environments.
func (s *TokenService) GetNotebookToken(ctx context.Context, parent *token.Data,
	ip string) (*token.Token, error) {
	child := &token.Data{
		Type:     token.TypeNotebook,
		Parent:   parent.Key,
		Username: parent.Username,
		Name:     parent.Name,
		UID:      parent.UID,
		Email:    parent.Email,
		Groups:   parent.Groups,
		Scopes:   parent.Scopes,
	}
	fingerprint := parent.Key + "|notebook"
	return s.getChildToken(ctx, parent, child, fingerprint,
		storage.NotebookDedupKey(parent.Key), ip)
}

// getChildToken looks up or mints a derived token. At most one mint per
// fingerprint is in flight; losers of the race observe the winner's
// token.
func (s *TokenService) getChildToken(ctx context.Context, parent, child *token.Data,
	fingerprint, dedupKey, ip string) (*token.Token, error) {
	result, err, _ := s.issuance.Do(fingerprint, func() (any, error) {
		now := time.Now()
		deadline := now.Add(MinimumLifetime)

		if handle := s.cache.get(fingerprint, deadline); handle != nil {
			metrics.ChildTokenCacheHits.Inc()
			return handle, nil
		}

		// Another node may have minted the same derivation.
		if sealed, err := s.store.LookupChildKey(ctx, dedupKey); err != nil {
			return nil, err
		} else if sealed != "" {
			if handle := s.openChildHandle(sealed); handle != nil {
				data, err := s.store.Get(ctx, handle)
				if err != nil {
					return nil, err
				}
				if data != nil && !data.Expires.Before(deadline) {
					s.cache.add(fingerprint, handle, data.Expires)
					metrics.ChildTokenCacheHits.Inc()
					return handle, nil
				}
			}
		}

		if parent.Expires.Before(deadline) {
			return nil, gwerrors.New(gwerrors.ErrInsufficientLifetime,
				"parent token expires too soon to derive a child token", nil)
		}

		child.Created = now
		child.Expires = parent.Expires
		if maxExpires := now.Add(s.cfg.TokenLifetime); child.Expires.After(maxExpires) {
			child.Expires = maxExpires
		}

		handle, err := s.mint(ctx, child, parent.Username, ip)
		if err != nil {
			return nil, err
		}
		sealed, err := s.sealer.Seal([]byte(handle.Encode(s.cfg.TokenPrefix)))
		if err != nil {
			return nil, gwerrors.New(gwerrors.ErrStorage, "failed to seal derived token mapping", err)
		}
		ttl := time.Until(child.Expires)
		if err := s.store.SetChildKey(ctx, dedupKey, sealed, ttl); err != nil {
			return nil, err
		}
		s.cache.add(fingerprint, handle, child.Expires)
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*token.Token), nil
}

// openChildHandle decrypts a stored dedup mapping. Undecryptable values,
// as after a session secret rotation, read as no mapping and the
// derivation is reminted.
func (s *TokenService) openChildHandle(sealed string) *token.Token {
	plain, err := s.sealer.Open(sealed)
	if err != nil {
		logger.Warnw("undecryptable derived-token mapping, reminting", "error", err)
		return nil
	}
	return token.Parse(s.cfg.TokenPrefix, string(plain))
}

// GetData resolves a handle to its token metadata. Returns (nil, nil)
// for unknown handles and secret mismatches; no network I/O.
func (s *TokenService) GetData(ctx context.Context, handle *token.Token) (*token.Data, error) {
	return s.store.Get(ctx, handle)
}

// GetByKey returns metadata by token key, without authenticating the
// caller as the token's bearer.
func (s *TokenService) GetByKey(ctx context.Context, key string) (*token.Data, error) {
	return s.store.GetByKey(ctx, key)
}

// List returns the active tokens for a user.
func (s *TokenService) List(ctx context.Context, username string) ([]*token.Data, error) {
	return s.store.List(ctx, username)
}

// Revoke deletes the token a handle refers to, with its derived
// children. Idempotent; reports whether a record existed.
func (s *TokenService) Revoke(ctx context.Context, handle *token.Token, actor, ip string) (bool, error) {
	data, err := s.store.Get(ctx, handle)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	return s.revokeData(ctx, data, actor, ip)
}

// RevokeByKey revokes by token key. Ownership must be checked by the
// caller.
func (s *TokenService) RevokeByKey(ctx context.Context, key, actor, ip string) (bool, error) {
	data, err := s.store.GetByKey(ctx, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	return s.revokeData(ctx, data, actor, ip)
}

func (s *TokenService) revokeData(ctx context.Context, data *token.Data, actor, ip string) (bool, error) {
	existed, err := s.store.Revoke(ctx, data.Key)
	if err != nil {
		return false, err
	}

	// Derived tokens cached against this key or its parent are stale now.
	s.cache.invalidateParent(data.Key)
	if data.Parent != "" {
		s.cache.invalidateParent(data.Parent)
	}

	if existed {
		metrics.TokensRevoked.Inc()
		if err := s.history.AddTokenChange(ctx, &sqlite.TokenChangeEntry{
			TokenKey:  data.Key,
			Username:  data.Username,
			TokenType: data.Type,
			Parent:    data.Parent,
			Service:   data.Service,
			Scopes:    data.Scopes,
			Actor:     actor,
			Action:    sqlite.ActionRevoke,
			IP:        ip,
		}); err != nil {
			logger.Errorw("failed to record token revocation", "key", data.Key, "error", err)
		}
		logger.Infow("token revoked", "key", data.Key, "username", data.Username, "actor", actor)
	}
	return existed, nil
}

// VerifyUpstream verifies a signed token from a trusted upstream issuer
// and materializes it as a session token. Tokens we hand out always
// carry our own signature.
func (s *TokenService) VerifyUpstream(ctx context.Context, encoded, ip string) (*token.Token, *token.Data, error) {
	header, claims, err := token.DecodeUnverified(encoded)
	if err != nil {
		return nil, nil, err
	}

	issuer, _ := claims.GetIssuer()
	issuerCfg, ok := s.cfg.Issuers[issuer]
	if !ok {
		return nil, nil, gwerrors.New(gwerrors.ErrUntrustedIssuer,
			fmt.Sprintf("token issuer %q is not trusted", issuer), nil)
	}
	kid, ok := header["kid"].(string)
	if !ok || kid == "" {
		return nil, nil, gwerrors.New(gwerrors.ErrInvalidToken, "token has no kid header", nil)
	}

	key, err := s.keys.Get(ctx, issuer, kid)
	if err != nil {
		return nil, nil, err
	}
	verified, err := token.Verify(encoded, key, token.VerifyOptions{
		Issuer:    issuer,
		Audiences: issuerCfg.Audiences,
		Leeway:    verifyLeeway,
	})
	if err != nil {
		return nil, nil, err
	}

	info, scopes, err := s.codec.UserInfoFromClaims(verified)
	if err != nil {
		return nil, nil, err
	}
	// Upstream tokens may carry scopes we do not know; drop those rather
	// than rejecting the login.
	known := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if s.cfg.IsKnownScope(scope) {
			known = append(known, scope)
		}
	}
	return s.CreateSessionTokenWithExpiry(ctx, info, known, claimExpiry(verified), ip)
}

// CreateSessionTokenWithExpiry is CreateSessionToken clamped to an
// upstream expiration when one is earlier than the session lifetime.
func (s *TokenService) CreateSessionTokenWithExpiry(ctx context.Context, info *token.UserInfo,
	scopes []string, upstreamExpiry time.Time, ip string) (*token.Token, *token.Data, error) {
	handle, data, err := s.CreateSessionToken(ctx, info, scopes, ip)
	if err != nil {
		return nil, nil, err
	}
	if !upstreamExpiry.IsZero() && upstreamExpiry.Before(data.Expires) && upstreamExpiry.After(data.Created) {
		data.Expires = upstreamExpiry
		ttl := time.Until(data.Expires)
		if err := s.store.Put(ctx, data, token.HashSecret(handle.Secret), ttl); err != nil {
			return nil, nil, err
		}
	}
	return handle, data, nil
}

// mint generates a handle, persists the record, and logs the creation.
func (s *TokenService) mint(ctx context.Context, data *token.Data, actor, ip string) (*token.Token, error) {
	handle, err := token.New()
	if err != nil {
		return nil, gwerrors.New(gwerrors.ErrStorage, "failed to generate token", err)
	}
	data.Key = handle.Key

	ttl := time.Until(data.Expires)
	if err := s.store.Put(ctx, data, token.HashSecret(handle.Secret), ttl); err != nil {
		return nil, err
	}

	metrics.TokensIssued.WithLabelValues(string(data.Type)).Inc()
	if err := s.history.AddTokenChange(ctx, &sqlite.TokenChangeEntry{
		TokenKey:  data.Key,
		Username:  data.Username,
		TokenType: data.Type,
		Parent:    data.Parent,
		Service:   data.Service,
		Scopes:    data.Scopes,
		Actor:     actor,
		Action:    sqlite.ActionCreate,
		IP:        ip,
	}); err != nil {
		logger.Errorw("failed to record token creation", "key", data.Key, "error", err)
	}
	logger.Infow("token issued", "key", data.Key, "type", string(data.Type),
		"username", data.Username, "actor", actor)
	return handle, nil
}

func (s *TokenService) validateScopesKnown(scopes []string) error {
	for _, scope := range scopes {
		if !s.cfg.IsKnownScope(scope) {
			return gwerrors.New(gwerrors.ErrValidation,
				fmt.Sprintf("unknown scope %q", scope), nil)
		}
	}
	return nil
}

func validateExpires(expires, now time.Time) error {
	if expires.Before(now.Add(MinimumLifetime)) {
		return gwerrors.New(gwerrors.ErrValidation,
			fmt.Sprintf("expiration must be at least %s in the future", MinimumLifetime), nil)
	}
	return nil
}

// claimExpiry extracts the exp claim as a time, zero when absent.
func claimExpiry(claims jwt.MapClaims) time.Time {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
