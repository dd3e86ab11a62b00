// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package state manages the encrypted session cookie and CSRF tokens.
package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gatewarden/gatewarden/pkg/logger"
)

// CSRFHeader carries the CSRF token on mutating cookie-authenticated
// requests.
const CSRFHeader = "X-CSRF-Token"

// State is the session cookie payload. Handle is the encoded opaque
// token handle; the cookie is the only place browsers carry it.
type State struct {
	Handle     string `json:"handle,omitempty"`
	CSRF       string `json:"csrf,omitempty"`
	ReturnURL  string `json:"return_url,omitempty"`
	LoginState string `json:"login_state,omitempty"`
}

// Sealer encrypts short secret-bearing values with AES-256-GCM under
// the session secret. It backs the session cookie and any server-side
// record that must not expose a usable credential in cleartext.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from the 32-byte session secret.
func NewSealer(secret []byte) (*Sealer, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plain under a fresh nonce and returns the nonce-prefixed
// ciphertext in base64url form.
func (s *Sealer) Seal(plain []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Tampered or foreign-key values
// fail.
func (s *Sealer) Open(encoded string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return nil, fmt.Errorf("malformed sealed value")
	}
	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt sealed value: %w", err)
	}
	return plain, nil
}

// Manager encrypts and decrypts the session cookie with AES-256-GCM.
type Manager struct {
	sealer     *Sealer
	cookieName string
}

// NewManager creates a cookie manager from the 32-byte session secret.
func NewManager(secret []byte, cookieName string) (*Manager, error) {
	sealer, err := NewSealer(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cipher: %w", err)
	}
	return &Manager{sealer: sealer, cookieName: cookieName}, nil
}

// Read extracts the session state from the request cookie. Any failure,
// including tampering and key rotation, is treated as no session.
func (m *Manager) Read(r *http.Request) *State {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return nil
	}
	plain, err := m.sealer.Open(cookie.Value)
	if err != nil {
		logger.Debug("session cookie failed to decrypt, ignoring")
		return nil
	}
	state := &State{}
	if err := json.Unmarshal(plain, state); err != nil {
		return nil
	}
	return state
}

// Write seals the state into the session cookie.
func (m *Manager) Write(w http.ResponseWriter, state *State, expires time.Time) error {
	plain, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	value, err := m.sealer.Seal(plain)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear expires the session cookie.
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// NewCSRF generates a random 128-bit CSRF token.
func NewCSRF() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate CSRF token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// CheckCSRF verifies the request's CSRF header against the session's
// token in constant time.
func CheckCSRF(r *http.Request, state *State) bool {
	if state == nil || state.CSRF == "" {
		return false
	}
	presented := r.Header.Get(CSRFHeader)
	if presented == "" {
		return false
	}
	return hmac.Equal([]byte(presented), []byte(state.CSRF))
}
