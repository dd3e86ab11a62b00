// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package authz implements the capability checker pipeline that decides
// whether a token satisfies the scopes required for a request.
package authz

import (
	"fmt"
	"strings"

	"github.com/gatewarden/gatewarden/pkg/gwerrors"
	"github.com/gatewarden/gatewarden/pkg/token"
)

// Satisfy is the strategy combining multiple required scopes.
type Satisfy string

const (
	// SatisfyAll requires every scope to pass the pipeline.
	SatisfyAll Satisfy = "all"

	// SatisfyAny short-circuits on the first scope that passes.
	SatisfyAny Satisfy = "any"
)

// ParseSatisfy validates the satisfy query parameter. Empty defaults to
// all.
func ParseSatisfy(s string) (Satisfy, error) {
	switch Satisfy(s) {
	case "":
		return SatisfyAll, nil
	case SatisfyAll, SatisfyAny:
		return Satisfy(s), nil
	default:
		return "", gwerrors.New(gwerrors.ErrInvalidRequest,
			fmt.Sprintf("invalid satisfy value %q", s), nil)
	}
}

// Checker is one predicate in the pipeline. Check reports whether the
// token satisfies the required scope, with a human-readable reason on
// denial.
type Checker interface {
	Name() string
	Check(scope string, data *token.Data) (bool, string)
}

// ScopeChecker allows when the required scope appears verbatim in the
// token's scope set.
type ScopeChecker struct{}

// Name implements Checker.
func (ScopeChecker) Name() string { return "scope" }

// Check implements Checker.
func (ScopeChecker) Check(scope string, data *token.Data) (bool, string) {
	if data.HasScope(scope) {
		return true, ""
	}
	return false, fmt.Sprintf("token does not have scope %s", scope)
}

// GroupChecker allows when the scope maps to a group the token's user
// belongs to, or when the scope appears in the token's scope set.
type GroupChecker struct {
	// Mapping is the static scope to group-name mapping.
	Mapping map[string]string
}

// Name implements Checker.
func (*GroupChecker) Name() string { return "group" }

// Check implements Checker.
func (c *GroupChecker) Check(scope string, data *token.Data) (bool, string) {
	if data.HasScope(scope) {
		return true, ""
	}
	if group, ok := c.Mapping[scope]; ok && data.InGroup(group) {
		return true, ""
	}
	return false, fmt.Sprintf("token does not have scope %s and user is not in a mapped group", scope)
}

// Evaluator runs the configured checker pipeline. Checkers compose
// conjunctively per scope so operators can layer extra constraints
// without touching the decision engine.
type Evaluator struct {
	checkers []Checker
}

// New builds an Evaluator from the ordered list of checker names.
// Unknown names fail here, at startup, never during a request.
func New(names []string, groupMapping map[string]string) (*Evaluator, error) {
	available := map[string]Checker{
		"scope": ScopeChecker{},
		"group": &GroupChecker{Mapping: groupMapping},
	}

	if len(names) == 0 {
		names = []string{"scope"}
	}
	checkers := make([]Checker, 0, len(names))
	for _, name := range names {
		checker, ok := available[name]
		if !ok {
			return nil, fmt.Errorf("unknown access check %q", name)
		}
		checkers = append(checkers, checker)
	}
	return &Evaluator{checkers: checkers}, nil
}

// checkScope runs every checker against one scope; all must allow.
func (e *Evaluator) checkScope(scope string, data *token.Data) (bool, string) {
	for _, checker := range e.checkers {
		allowed, reason := checker.Check(scope, data)
		if !allowed {
			return false, reason
		}
	}
	return true, ""
}

// Evaluate decides whether data satisfies the required scopes under the
// given strategy. On denial the reason names the failing scope.
func (e *Evaluator) Evaluate(scopes []string, satisfy Satisfy, data *token.Data) (bool, string) {
	if len(scopes) == 0 {
		return false, "no scopes required"
	}

	var reasons []string
	for _, scope := range scopes {
		allowed, reason := e.checkScope(scope, data)
		if allowed {
			if satisfy == SatisfyAny {
				return true, ""
			}
			continue
		}
		if satisfy == SatisfyAll {
			return false, reason
		}
		reasons = append(reasons, reason)
	}
	if satisfy == SatisfyAny {
		return false, strings.Join(reasons, "; ")
	}
	return true, ""
}
