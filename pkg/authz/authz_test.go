// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/pkg/gwerrors"
	"github.com/gatewarden/gatewarden/pkg/token"
)

func TestParseSatisfy(t *testing.T) {
	t.Parallel()

	satisfy, err := ParseSatisfy("")
	require.NoError(t, err)
	assert.Equal(t, SatisfyAll, satisfy)

	satisfy, err = ParseSatisfy("any")
	require.NoError(t, err)
	assert.Equal(t, SatisfyAny, satisfy)

	_, err = ParseSatisfy("some")
	assert.True(t, gwerrors.IsInvalidRequest(err))
}

func TestNewRejectsUnknownChecker(t *testing.T) {
	t.Parallel()

	_, err := New([]string{"scope", "ip-allowlist"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ip-allowlist")
}

func TestScopeChecker(t *testing.T) {
	t.Parallel()

	e, err := New([]string{"scope"}, nil)
	require.NoError(t, err)

	data := &token.Data{Scopes: []string{"read:all", "user:token"}}

	allowed, _ := e.Evaluate([]string{"read:all"}, SatisfyAll, data)
	assert.True(t, allowed)

	allowed, reason := e.Evaluate([]string{"write:all"}, SatisfyAll, data)
	assert.False(t, allowed)
	assert.Contains(t, reason, "write:all")
}

func TestGroupChecker(t *testing.T) {
	t.Parallel()

	e, err := New([]string{"group"}, map[string]string{"exec:admin": "admins"})
	require.NoError(t, err)

	// Group membership implies the mapped scope even with no scopes.
	data := &token.Data{Groups: []token.Group{{Name: "admins", ID: 1}}}
	allowed, _ := e.Evaluate([]string{"exec:admin"}, SatisfyAll, data)
	assert.True(t, allowed)

	// A verbatim scope also passes the group checker.
	data = &token.Data{Scopes: []string{"exec:admin"}}
	allowed, _ = e.Evaluate([]string{"exec:admin"}, SatisfyAll, data)
	assert.True(t, allowed)

	// Neither scope nor mapped group.
	data = &token.Data{Groups: []token.Group{{Name: "users", ID: 2}}}
	allowed, reason := e.Evaluate([]string{"exec:admin"}, SatisfyAll, data)
	assert.False(t, allowed)
	assert.Contains(t, reason, "exec:admin")
}

func TestSatisfyStrategies(t *testing.T) {
	t.Parallel()

	e, err := New([]string{"scope"}, nil)
	require.NoError(t, err)
	data := &token.Data{Scopes: []string{"read:all"}}

	allowed, _ := e.Evaluate([]string{"read:all", "write:all"}, SatisfyAll, data)
	assert.False(t, allowed)

	allowed, _ = e.Evaluate([]string{"read:all", "write:all"}, SatisfyAny, data)
	assert.True(t, allowed)

	allowed, _ = e.Evaluate([]string{"write:all", "exec:admin"}, SatisfyAny, data)
	assert.False(t, allowed)

	allowed, _ = e.Evaluate(nil, SatisfyAll, data)
	assert.False(t, allowed)
}

// Checkers compose conjunctively: every configured checker must allow a
// scope for it to pass.
func TestPipelineConjunction(t *testing.T) {
	t.Parallel()

	e, err := New([]string{"scope", "group"}, map[string]string{"exec:admin": "admins"})
	require.NoError(t, err)

	// Group membership alone fails the scope checker.
	data := &token.Data{Groups: []token.Group{{Name: "admins", ID: 1}}}
	allowed, _ := e.Evaluate([]string{"exec:admin"}, SatisfyAll, data)
	assert.False(t, allowed)

	// Verbatim scope passes both checkers.
	data = &token.Data{Scopes: []string{"exec:admin"}}
	allowed, _ = e.Evaluate([]string{"exec:admin"}, SatisfyAll, data)
	assert.True(t, allowed)
}
