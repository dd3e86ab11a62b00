// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"regexp"
	"slices"
	"time"

	"github.com/gatewarden/gatewarden/pkg/gwerrors"
)

// Type classifies a token by how it was issued and what it may do.
type Type string

const (
	// TypeSession is issued on login and bound to a browser cookie.
	TypeSession Type = "session"

	// TypeUser is a long-lived token created by the user via the API.
	TypeUser Type = "user"

	// TypeInternal is a service-scoped child of a session token, minted on
	// demand for machine-to-machine calls.
	TypeInternal Type = "internal"

	// TypeNotebook is a session child carrying the user's full scope.
	TypeNotebook Type = "notebook"

	// TypeService is issued administratively for in-cluster callers.
	TypeService Type = "service"
)

// Valid reports whether t is a known token type.
func (t Type) Valid() bool {
	switch t {
	case TypeSession, TypeUser, TypeInternal, TypeNotebook, TypeService:
		return true
	}
	return false
}

// usernameRegexp constrains usernames to lowercase DNS-label style names.
var usernameRegexp = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9]|-[a-z0-9])*$`)

// ValidateUsername returns a Validation error if username is malformed.
func ValidateUsername(username string) error {
	if !usernameRegexp.MatchString(username) {
		return gwerrors.New(gwerrors.ErrValidation, "invalid username: "+username, nil)
	}
	return nil
}

// Group is one entry of a token's group membership list.
type Group struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

// UserInfo is the identity payload delivered by a login flow or extracted
// from a verified upstream token.
type UserInfo struct {
	Username string  `json:"username"`
	Name     string  `json:"name,omitempty"`
	UID      int64   `json:"uid"`
	Email    string  `json:"email,omitempty"`
	Groups   []Group `json:"groups,omitempty"`
}

// Data is the full metadata of an issued token. Key doubles as the jti
// claim of the signed form and as the storage key.
type Data struct {
	Key       string    `json:"key"`
	Type      Type      `json:"type"`
	Parent    string    `json:"parent,omitempty"`
	Service   string    `json:"service,omitempty"`
	TokenName string    `json:"token_name,omitempty"`
	Username  string    `json:"username"`
	Name      string    `json:"name,omitempty"`
	UID       int64     `json:"uid"`
	Email     string    `json:"email,omitempty"`
	Scopes    []string  `json:"scopes"`
	Groups    []Group   `json:"groups,omitempty"`
	Created   time.Time `json:"created"`
	Expires   time.Time `json:"expires"`
}

// HasScope reports whether scope is in the token's scope set.
func (d *Data) HasScope(scope string) bool {
	return slices.Contains(d.Scopes, scope)
}

// InGroup reports whether the token's membership list contains group.
func (d *Data) InGroup(group string) bool {
	for _, g := range d.Groups {
		if g.Name == group {
			return true
		}
	}
	return false
}

// ExpiredAt reports whether the token is past its expiration at now.
func (d *Data) ExpiredAt(now time.Time) bool {
	return !d.Expires.After(now)
}

// UserInfo extracts the identity portion of the token data.
func (d *Data) UserInfo() *UserInfo {
	return &UserInfo{
		Username: d.Username,
		Name:     d.Name,
		UID:      d.UID,
		Email:    d.Email,
		Groups:   d.Groups,
	}
}

// NormalizeScopes returns a sorted, deduplicated copy of scopes.
func NormalizeScopes(scopes []string) []string {
	out := slices.Clone(scopes)
	slices.Sort(out)
	return slices.Compact(out)
}

// ScopesSubset reports whether every element of sub is present in super.
func ScopesSubset(sub, super []string) bool {
	for _, s := range sub {
		if !slices.Contains(super, s) {
			return false
		}
	}
	return true
}
