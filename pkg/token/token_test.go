// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrefix = "gatewarden"

func TestHandleRoundTrip(t *testing.T) {
	t.Parallel()

	tok, err := New()
	require.NoError(t, err)
	assert.Len(t, tok.Key, 22)
	assert.Len(t, tok.Secret, 22)

	encoded := tok.Encode(testPrefix)
	assert.True(t, strings.HasPrefix(encoded, testPrefix+"-"))

	parsed := Parse(testPrefix, encoded)
	require.NotNil(t, parsed)
	assert.Equal(t, tok.Key, parsed.Key)
	assert.Equal(t, tok.Secret, parsed.Secret)
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	tok, err := New()
	require.NoError(t, err)
	encoded := tok.Encode(testPrefix)

	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"wrong prefix", "other-" + tok.Key + "." + tok.Secret},
		{"no separator", testPrefix + "-" + tok.Key + tok.Secret},
		{"short key", testPrefix + "-" + tok.Key[:10] + "." + tok.Secret},
		{"short secret", testPrefix + "-" + tok.Key + "." + tok.Secret[:21]},
		{"long secret", testPrefix + "-" + tok.Key + "." + tok.Secret + "A"},
		{"padding chars", testPrefix + "-" + tok.Key + "." + tok.Secret[:20] + "=="},
		{"truncated", encoded[:len(encoded)-5]},
		{"plain jwt", "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiJ4In0.sig"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Nil(t, Parse(testPrefix, tc.input))
			assert.False(t, IsHandle(testPrefix, tc.input))
		})
	}
}

func TestSecretVerification(t *testing.T) {
	t.Parallel()

	tok, err := New()
	require.NoError(t, err)
	hash := HashSecret(tok.Secret)
	assert.NotEqual(t, tok.Secret, hash)
	assert.True(t, VerifySecret(tok.Secret, hash))

	// Flipping any single character must fail verification.
	for i := range tok.Secret {
		mutated := []byte(tok.Secret)
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}
		assert.False(t, VerifySecret(string(mutated), hash),
			"mutation at index %d should not verify", i)
	}
}

func TestValidateUsername(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"alice", "a", "a1", "some-user", "x0-y1"} {
		assert.NoError(t, ValidateUsername(valid), valid)
	}
	for _, invalid := range []string{"", "Alice", "-alice", "alice-", "al--ice", "a_b", "a.b", "user name"} {
		assert.Error(t, ValidateUsername(invalid), invalid)
	}
}

func TestScopeHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a", "b", "c"}, NormalizeScopes([]string{"c", "a", "b", "a"}))
	assert.True(t, ScopesSubset([]string{"a"}, []string{"a", "b"}))
	assert.True(t, ScopesSubset(nil, []string{"a"}))
	assert.False(t, ScopesSubset([]string{"c"}, []string{"a", "b"}))

	d := &Data{
		Scopes: []string{"read:all"},
		Groups: []Group{{Name: "admins", ID: 1}},
	}
	assert.True(t, d.HasScope("read:all"))
	assert.False(t, d.HasScope("write:all"))
	assert.True(t, d.InGroup("admins"))
	assert.False(t, d.InGroup("users"))
}
