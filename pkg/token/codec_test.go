// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/pkg/gwerrors"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &Codec{
		Issuer:        "https://gateway.example.com",
		UsernameClaim: "uid",
		UIDClaim:      "uidNumber",
		SigningKey:    key,
		KeyID:         "test-key",
	}
}

func testData() *Data {
	now := time.Now()
	return &Data{
		Key:      "somekey",
		Type:     TypeSession,
		Username: "alice",
		UID:      1000,
		Email:    "alice@example.com",
		Scopes:   []string{"read:all", "user:token"},
		Groups:   []Group{{Name: "admins", ID: 1}},
		Created:  now,
		Expires:  now.Add(time.Hour),
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	codec := testCodec(t)
	encoded, err := codec.Sign(testData(), "default-aud")
	require.NoError(t, err)

	claims, err := Verify(encoded, &codec.SigningKey.PublicKey, VerifyOptions{
		Issuer:    codec.Issuer,
		Audiences: []string{"default-aud"},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", claims["sub"])
	assert.Equal(t, "alice", claims["uid"])
	assert.Equal(t, "somekey", claims["jti"])
	assert.Equal(t, "read:all user:token", claims["scope"])

	header, unverified, err := DecodeUnverified(encoded)
	require.NoError(t, err)
	assert.Equal(t, "test-key", header["kid"])
	assert.Equal(t, "RS256", header["alg"])
	assert.Equal(t, codec.Issuer, unverified["iss"])
}

func TestVerifyExpired(t *testing.T) {
	t.Parallel()

	codec := testCodec(t)
	data := testData()
	data.Created = time.Now().Add(-2 * time.Hour)
	data.Expires = time.Now().Add(-10 * time.Second)
	encoded, err := codec.Sign(data, "default-aud")
	require.NoError(t, err)

	_, err = Verify(encoded, &codec.SigningKey.PublicKey, VerifyOptions{
		Issuer:    codec.Issuer,
		Audiences: []string{"default-aud"},
	})
	require.Error(t, err)
	assert.True(t, gwerrors.IsExpired(err))
	assert.Contains(t, err.Error(), "expired")
}

func TestVerifyFutureIssuedAt(t *testing.T) {
	t.Parallel()

	codec := testCodec(t)
	data := testData()
	data.Created = time.Now().Add(2 * time.Hour)
	data.Expires = time.Now().Add(3 * time.Hour)
	encoded, err := codec.Sign(data, "default-aud")
	require.NoError(t, err)

	_, err = Verify(encoded, &codec.SigningKey.PublicKey, VerifyOptions{
		Issuer:    codec.Issuer,
		Audiences: []string{"default-aud"},
	})
	require.Error(t, err)
	assert.True(t, gwerrors.IsInvalidToken(err))
	assert.Contains(t, err.Error(), "before issued")
}

func TestVerifyWrongAudience(t *testing.T) {
	t.Parallel()

	codec := testCodec(t)
	encoded, err := codec.Sign(testData(), "other-aud")
	require.NoError(t, err)

	_, err = Verify(encoded, &codec.SigningKey.PublicKey, VerifyOptions{
		Issuer:    codec.Issuer,
		Audiences: []string{"default-aud"},
	})
	assert.True(t, gwerrors.IsWrongAudience(err))
}

func TestVerifyUntrustedIssuer(t *testing.T) {
	t.Parallel()

	codec := testCodec(t)
	encoded, err := codec.Sign(testData(), "default-aud")
	require.NoError(t, err)

	_, err = Verify(encoded, &codec.SigningKey.PublicKey, VerifyOptions{
		Issuer:    "https://evil.example.com",
		Audiences: []string{"default-aud"},
	})
	assert.True(t, gwerrors.IsUntrustedIssuer(err))
}

func TestVerifyWrongKey(t *testing.T) {
	t.Parallel()

	codec := testCodec(t)
	other := testCodec(t)
	encoded, err := codec.Sign(testData(), "default-aud")
	require.NoError(t, err)

	_, err = Verify(encoded, &other.SigningKey.PublicKey, VerifyOptions{
		Issuer:    codec.Issuer,
		Audiences: []string{"default-aud"},
	})
	assert.True(t, gwerrors.IsInvalidToken(err))
}

func TestUserInfoFromClaims(t *testing.T) {
	t.Parallel()

	codec := testCodec(t)
	encoded, err := codec.Sign(testData(), "default-aud")
	require.NoError(t, err)
	claims, err := Verify(encoded, &codec.SigningKey.PublicKey, VerifyOptions{
		Issuer:    codec.Issuer,
		Audiences: []string{"default-aud"},
	})
	require.NoError(t, err)

	info, scopes, err := codec.UserInfoFromClaims(claims)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Username)
	assert.Equal(t, int64(1000), info.UID)
	assert.Equal(t, "alice@example.com", info.Email)
	require.Len(t, info.Groups, 1)
	assert.Equal(t, "admins", info.Groups[0].Name)
	assert.Equal(t, []string{"read:all", "user:token"}, scopes)
}

func TestUserInfoMissingClaims(t *testing.T) {
	t.Parallel()

	codec := testCodec(t)
	_, _, err := codec.UserInfoFromClaims(map[string]any{"uidNumber": float64(7)})
	assert.True(t, gwerrors.IsInvalidToken(err))

	_, _, err = codec.UserInfoFromClaims(map[string]any{"uid": "alice"})
	assert.True(t, gwerrors.IsInvalidToken(err))
}
