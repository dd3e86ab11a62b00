// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gatewarden/gatewarden/pkg/gwerrors"
)

// Codec signs and verifies the JWT form of tokens. The claim keys used
// for username and numeric uid are deployment-configurable because
// upstream identity providers disagree on them.
type Codec struct {
	// Issuer is the iss claim on tokens we sign.
	Issuer string

	// UsernameClaim and UIDClaim name the claims carrying the username
	// and numeric uid.
	UsernameClaim string
	UIDClaim      string

	// SigningKey is the process-wide RSA keypair; immutable after init.
	SigningKey *rsa.PrivateKey

	// KeyID is placed in the kid header of signed tokens.
	KeyID string
}

// VerifyOptions constrains Verify for a particular trusted issuer.
type VerifyOptions struct {
	Issuer    string
	Audiences []string
	Leeway    time.Duration
}

// Sign encodes data as an RS256 JWT with the given audience. The token
// key becomes the jti claim.
func (c *Codec) Sign(data *Data, audience string) (string, error) {
	claims := jwt.MapClaims{
		"iss":           c.Issuer,
		"aud":           audience,
		"sub":           data.Username,
		"iat":           data.Created.Unix(),
		"exp":           data.Expires.Unix(),
		"jti":           data.Key,
		c.UsernameClaim: data.Username,
		c.UIDClaim:      data.UID,
		"scope":         strings.Join(data.Scopes, " "),
	}
	if data.Email != "" {
		claims["email"] = data.Email
	}
	if len(data.Groups) > 0 {
		claims["isMemberOf"] = data.Groups
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = c.KeyID
	signed, err := tok.SignedString(c.SigningKey)
	if err != nil {
		return "", gwerrors.New(gwerrors.ErrInvalidToken, "failed to sign token", err)
	}
	return signed, nil
}

// DecodeUnverified parses a JWT without checking the signature, returning
// the header and claims. Used to discover the issuer and kid before the
// verification key is known. Never trust the result for authorization.
func DecodeUnverified(encoded string) (map[string]any, jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	tok, _, err := parser.ParseUnverified(encoded, claims)
	if err != nil {
		return nil, nil, gwerrors.New(gwerrors.ErrInvalidToken, "malformed token", err)
	}
	return tok.Header, claims, nil
}

// Verify checks the signature and standard claims of encoded against key.
// Only RS256 is accepted. Expiration, issuer, and audience failures map to
// their taxonomy types so the caller can build a precise WWW-Authenticate
// challenge.
func Verify(encoded string, key *rsa.PublicKey, opts VerifyOptions) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{Algorithm}),
		jwt.WithLeeway(opts.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(encoded, claims, func(_ *jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, gwerrors.New(gwerrors.ErrExpired, "token has expired", err)
		case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, gwerrors.New(gwerrors.ErrInvalidToken, "token used before issued", err)
		default:
			return nil, gwerrors.New(gwerrors.ErrInvalidToken, "token verification failed", err)
		}
	}

	issuer, err := claims.GetIssuer()
	if err != nil || issuer != opts.Issuer {
		return nil, gwerrors.New(gwerrors.ErrUntrustedIssuer,
			fmt.Sprintf("token issuer %q is not trusted", issuer), err)
	}

	audiences, err := claims.GetAudience()
	if err != nil {
		return nil, gwerrors.New(gwerrors.ErrWrongAudience, "token has no audience", err)
	}
	if !audienceMatches(audiences, opts.Audiences) {
		return nil, gwerrors.New(gwerrors.ErrWrongAudience,
			fmt.Sprintf("token audience %v does not match", []string(audiences)), nil)
	}

	return claims, nil
}

func audienceMatches(got jwt.ClaimStrings, want []string) bool {
	for _, g := range got {
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}

// UserInfoFromClaims extracts identity and scopes from a verified claim
// set, using the codec's configured claim keys.
func (c *Codec) UserInfoFromClaims(claims jwt.MapClaims) (*UserInfo, []string, error) {
	username, ok := claims[c.UsernameClaim].(string)
	if !ok || username == "" {
		return nil, nil, gwerrors.New(gwerrors.ErrInvalidToken,
			fmt.Sprintf("token missing %s claim", c.UsernameClaim), nil)
	}
	if err := ValidateUsername(username); err != nil {
		return nil, nil, err
	}

	info := &UserInfo{Username: username}

	switch uid := claims[c.UIDClaim].(type) {
	case float64:
		info.UID = int64(uid)
	case string:
		var parsed int64
		if _, err := fmt.Sscanf(uid, "%d", &parsed); err != nil {
			return nil, nil, gwerrors.New(gwerrors.ErrInvalidToken,
				fmt.Sprintf("token %s claim is not numeric", c.UIDClaim), err)
		}
		info.UID = parsed
	default:
		return nil, nil, gwerrors.New(gwerrors.ErrInvalidToken,
			fmt.Sprintf("token missing %s claim", c.UIDClaim), nil)
	}

	if name, ok := claims["name"].(string); ok {
		info.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		info.Email = email
	}
	if raw, ok := claims["isMemberOf"].([]any); ok {
		for _, entry := range raw {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			g := Group{}
			if n, ok := m["name"].(string); ok {
				g.Name = n
			}
			if id, ok := m["id"].(float64); ok {
				g.ID = int64(id)
			}
			if g.Name != "" {
				info.Groups = append(info.Groups, g)
			}
		}
	}

	var scopes []string
	if s, ok := claims["scope"].(string); ok && s != "" {
		scopes = NormalizeScopes(strings.Fields(s))
	}
	return info, scopes, nil
}
