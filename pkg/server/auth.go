// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gatewarden/gatewarden/pkg/authz"
	"github.com/gatewarden/gatewarden/pkg/gwerrors"
	"github.com/gatewarden/gatewarden/pkg/logger"
	"github.com/gatewarden/gatewarden/pkg/metrics"
	"github.com/gatewarden/gatewarden/pkg/token"
)

// basicAuthSentinel marks the Basic auth username as the credential when
// used as the password.
const basicAuthSentinel = "x-oauth-basic"

// credential is a resolved request credential.
type credential struct {
	data *token.Data
	// handle is the opaque handle for the token; for upstream JWTs this
	// is the freshly materialized session handle.
	handle *token.Token
	// fromUpstream marks credentials that arrived as upstream-signed
	// JWTs rather than our handles.
	fromUpstream bool
}

// handleAuth is the proxy sub-request decision endpoint.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	scopes := r.URL.Query()["scope"]
	scopes = append(scopes, r.URL.Query()["capability"]...)
	if len(scopes) == 0 {
		metrics.AuthRequests.WithLabelValues("invalid").Inc()
		writeError(w, gwerrors.New(gwerrors.ErrInvalidRequest,
			"at least one scope parameter is required", nil))
		return
	}
	satisfy, err := authz.ParseSatisfy(r.URL.Query().Get("satisfy"))
	if err != nil {
		metrics.AuthRequests.WithLabelValues("invalid").Inc()
		writeError(w, err)
		return
	}
	audience := r.URL.Query().Get("audience")
	reissue := r.URL.Query().Get("reissue_token") == "true"

	cred, err := s.authenticate(r)
	if err != nil {
		metrics.AuthRequests.WithLabelValues("unauthenticated").Inc()
		s.challenge(w, err)
		return
	}

	allowed, reason := s.evaluator.Evaluate(scopes, satisfy, cred.data)
	if !allowed {
		metrics.AuthRequests.WithLabelValues("denied").Inc()
		logger.Infow("request denied", "key", cred.data.Key,
			"username", cred.data.Username, "required", strings.Join(scopes, " "))
		writeError(w, gwerrors.New(gwerrors.ErrDenied, reason, nil))
		return
	}

	final := cred.data
	if reissue && audience != "" && audience == s.cfg.AudienceInternal &&
		!cred.fromUpstream {
		final, err = s.reissueInternal(r, cred.data, scopes)
		if err != nil {
			metrics.AuthRequests.WithLabelValues("error").Inc()
			writeError(w, err)
			return
		}
	}

	signed, err := s.tokens.Sign(final)
	if err != nil {
		metrics.AuthRequests.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}

	metrics.AuthRequests.WithLabelValues("allowed").Inc()
	h := w.Header()
	h.Set("X-Auth-Request-User", cred.data.Username)
	h.Set("X-Auth-Request-Uid", fmt.Sprintf("%d", cred.data.UID))
	if cred.data.Email != "" {
		h.Set("X-Auth-Request-Email", cred.data.Email)
	}
	if len(cred.data.Groups) > 0 {
		names := make([]string, 0, len(cred.data.Groups))
		for _, g := range cred.data.Groups {
			names = append(names, g.Name)
		}
		h.Set("X-Auth-Request-Groups", strings.Join(names, ","))
	}
	h.Set("X-Auth-Request-Token", signed)
	h.Set("X-Auth-Request-Token-Scopes", strings.Join(cred.data.Scopes, " "))
	h.Set("X-Auth-Request-Scopes-Accepted", strings.Join(scopes, " "))
	h.Set("X-Auth-Request-Scopes-Satisfy", string(satisfy))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// reissueInternal derives a service-scoped internal token from the
// authenticated token, carrying the required scopes the parent holds.
func (s *Server) reissueInternal(r *http.Request, parent *token.Data,
	required []string) (*token.Data, error) {
	var scopes []string
	for _, scope := range required {
		if parent.HasScope(scope) {
			scopes = append(scopes, scope)
		}
	}
	service := r.URL.Query().Get("service")

	handle, err := s.tokens.GetInternalToken(r.Context(), parent, service, scopes, clientIP(r))
	if err != nil {
		return nil, err
	}
	data, err := s.tokens.GetData(r.Context(), handle)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, gwerrors.New(gwerrors.ErrStorage, "derived token vanished", nil)
	}
	return data, nil
}

// authenticate locates and resolves a credential in priority order:
// session cookie, bearer header, forwarded token headers, basic auth.
func (s *Server) authenticate(r *http.Request) (*credential, error) {
	raw := s.findCredential(r)
	if raw == "" {
		return nil, gwerrors.New(gwerrors.ErrUnauthenticated, "no credential presented", nil)
	}

	if handle := token.Parse(s.cfg.TokenPrefix, raw); handle != nil {
		data, err := s.tokens.GetData(r.Context(), handle)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, gwerrors.New(gwerrors.ErrUnauthenticated, "unknown token", nil)
		}
		return &credential{data: data, handle: handle}, nil
	}

	// Not one of our handles; treat it as an upstream-signed JWT and
	// materialize a session for it.
	handle, data, err := s.tokens.VerifyUpstream(r.Context(), raw, clientIP(r))
	if err != nil {
		return nil, err
	}
	return &credential{data: data, handle: handle, fromUpstream: true}, nil
}

// findCredential returns the raw credential string, or empty.
func (s *Server) findCredential(r *http.Request) string {
	if st := s.sessions.Read(r); st != nil && st.Handle != "" {
		return st.Handle
	}

	auth := r.Header.Get("Authorization")
	if scheme, rest, ok := strings.Cut(auth, " "); ok {
		switch strings.ToLower(scheme) {
		case "bearer":
			return strings.TrimSpace(rest)
		case "basic":
			// Fall through to the forwarded headers first.
		}
	}

	if t := r.Header.Get("X-Forwarded-Access-Token"); t != "" {
		return t
	}
	if t := r.Header.Get("X-Forwarded-Id-Token"); t != "" {
		return t
	}

	if scheme, rest, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "basic") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			return ""
		}
		username, password, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return ""
		}
		// The token rides in the password, unless the password is the
		// sentinel, in which case it rides in the username.
		if password == basicAuthSentinel {
			return username
		}
		return password
	}
	return ""
}

// challenge writes a 401 with a WWW-Authenticate header describing why
// the credential was rejected, per RFC 6750.
func (s *Server) challenge(w http.ResponseWriter, err error) {
	if statusForError(err) != http.StatusUnauthorized {
		writeError(w, err)
		return
	}
	value := fmt.Sprintf("Bearer realm=%q", s.cfg.Realm)
	switch gwerrors.TypeOf(err) {
	case gwerrors.ErrUnauthenticated:
		// No error attribute when no credential was presented.
	case gwerrors.ErrExpired, gwerrors.ErrInvalidToken,
		gwerrors.ErrWrongAudience, gwerrors.ErrUntrustedIssuer:
		desc := "token verification failed"
		var e *gwerrors.Error
		if errors.As(err, &e) {
			desc = e.Message
		}
		value = fmt.Sprintf("Bearer realm=%q, error=%q, error_description=%q",
			s.cfg.Realm, "invalid_token", desc)
	}
	w.Header().Set("WWW-Authenticate", value)
	writeError(w, err)
}

// clientIP extracts the caller's IP for history entries.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
