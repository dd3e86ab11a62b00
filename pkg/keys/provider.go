// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package keys sources the RSA keypair used to sign issued tokens.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"sync"

	"github.com/gatewarden/gatewarden/pkg/logger"
)

const rsaKeyBits = 2048

// SigningKey is a loaded or generated keypair plus its JWKS key id.
type SigningKey struct {
	KeyID string
	Key   *rsa.PrivateKey
}

// Provider supplies the process-wide signing keypair.
// Implementations handle key sourcing (file, generation).
type Provider interface {
	// SigningKey returns the signing keypair. The key is immutable after
	// the first successful call.
	SigningKey() (*SigningKey, error)
}

// FileProvider loads the signing key from a PEM file at construction.
// Changes to the file require a restart.
type FileProvider struct {
	key *SigningKey
}

// NewFileProvider loads and validates an RSA private key from path.
// PKCS1 and PKCS8 encodings are accepted.
func NewFileProvider(path string) (*FileProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	key, err := ParsePrivateKeyPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key %s: %w", path, err)
	}
	return &FileProvider{key: &SigningKey{KeyID: DeriveKeyID(key), Key: key}}, nil
}

// SigningKey returns the loaded keypair.
func (p *FileProvider) SigningKey() (*SigningKey, error) {
	return p.key, nil
}

// GeneratingProvider generates an ephemeral keypair on first access.
// Suitable for development; tokens become unverifiable after restart.
type GeneratingProvider struct {
	mu  sync.Mutex
	key *SigningKey
}

// NewGeneratingProvider creates a provider that generates an ephemeral
// RSA keypair lazily on first SigningKey call.
func NewGeneratingProvider() *GeneratingProvider {
	return &GeneratingProvider{}
}

// SigningKey returns the keypair, generating one if needed. Thread-safe.
func (p *GeneratingProvider) SigningKey() (*SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return p.key, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	p.key = &SigningKey{KeyID: DeriveKeyID(key), Key: key}
	logger.Warnw("generated ephemeral signing key, tokens will be invalid after restart",
		"key_id", p.key.KeyID)
	return p.key, nil
}

// ParsePrivateKeyPEM decodes a PEM-encoded RSA private key.
func ParsePrivateKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PKCS8 key is not RSA")
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// EncodePrivateKeyPEM serializes key in PKCS8 form for generate-key.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// DeriveKeyID computes a stable kid from the public key: the base64url
// encoding of the SHA-256 hash of the PKIX-serialized public key.
func DeriveKeyID(key *rsa.PrivateKey) string {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		// Marshalling an in-memory RSA public key cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}

// Compile-time interface checks.
var (
	_ Provider = (*FileProvider)(nil)
	_ Provider = (*GeneratingProvider)(nil)
)
