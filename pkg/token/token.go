// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package token defines token handles, token metadata, and the signed
// token codec.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

const (
	// Algorithm is the JWT signing algorithm used for all tokens.
	Algorithm = "RS256"

	// MinimumLifetimeSeconds is the minimum remaining lifetime for any
	// issued token, in seconds.
	MinimumLifetimeSeconds = 300

	// keyBytes is the length of the random key and secret components.
	keyBytes = 16

	// encodedLen is the length of a base64url-encoded key or secret
	// without padding: ceil(16 * 8 / 6).
	encodedLen = 22
)

var componentRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{22}$`)

// Token is an opaque handle referencing a stored token record. The key
// identifies the record; the secret authenticates the bearer. Only a hash
// of the secret is ever stored.
type Token struct {
	Key    string
	Secret string
}

// New generates a fresh token handle with random key and secret.
func New() (*Token, error) {
	key, err := randomComponent()
	if err != nil {
		return nil, err
	}
	secret, err := randomComponent()
	if err != nil {
		return nil, err
	}
	return &Token{Key: key, Secret: secret}, nil
}

func randomComponent() (string, error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random token component: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Encode serializes the handle in wire form: {prefix}-{key}.{secret}.
func (t *Token) Encode(prefix string) string {
	return fmt.Sprintf("%s-%s.%s", prefix, t.Key, t.Secret)
}

// String returns a loggable representation that never exposes the secret.
func (t *Token) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Token{Key:%q}", t.Key)
}

// Parse decodes a wire-form handle. It is strict: the prefix must match
// exactly and both components must be 22-character base64url values.
// Returns nil if s is not a well-formed handle.
func Parse(prefix, s string) *Token {
	fullPrefix := prefix + "-"
	if !strings.HasPrefix(s, fullPrefix) {
		return nil
	}
	rest := s[len(fullPrefix):]
	key, secret, found := strings.Cut(rest, ".")
	if !found {
		return nil
	}
	if !componentRegexp.MatchString(key) || !componentRegexp.MatchString(secret) {
		return nil
	}
	return &Token{Key: key, Secret: secret}
}

// IsHandle reports whether s looks like a handle with the given prefix.
func IsHandle(prefix, s string) bool {
	return Parse(prefix, s) != nil
}

// HashSecret returns the stored form of a handle secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifySecret compares a presented secret against a stored hash in
// constant time.
func VerifySecret(secret, storedHash string) bool {
	presented := HashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1
}
