// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatewarden/gatewarden/pkg/config"
	"github.com/gatewarden/gatewarden/pkg/gwerrors"
	"github.com/gatewarden/gatewarden/pkg/service"
	"github.com/gatewarden/gatewarden/pkg/state"
	"github.com/gatewarden/gatewarden/pkg/token"
)

// tokenMetadata is what the API reveals about a token. Never a secret.
type tokenMetadata struct {
	Key       string     `json:"key"`
	Type      token.Type `json:"type"`
	TokenName string     `json:"token_name,omitempty"`
	Service   string     `json:"service,omitempty"`
	Scopes    []string   `json:"scopes"`
	Created   time.Time  `json:"created"`
	Expires   time.Time  `json:"expires"`
}

func metadataOf(d *token.Data) tokenMetadata {
	return tokenMetadata{
		Key:       d.Key,
		Type:      d.Type,
		TokenName: d.TokenName,
		Service:   d.Service,
		Scopes:    d.Scopes,
		Created:   d.Created,
		Expires:   d.Expires,
	}
}

// apiAuth resolves the caller for API endpoints. Cookie-authenticated
// mutations must carry a matching CSRF header.
func (s *Server) apiAuth(r *http.Request, mutating bool) (*token.Data, *token.Token, error) {
	if st := s.sessions.Read(r); st != nil && st.Handle != "" {
		if mutating && !state.CheckCSRF(r, st) {
			return nil, nil, gwerrors.New(gwerrors.ErrPermissionDenied,
				"CSRF token missing or invalid", nil)
		}
		handle := token.Parse(s.cfg.TokenPrefix, st.Handle)
		if handle == nil {
			return nil, nil, gwerrors.New(gwerrors.ErrUnauthenticated, "malformed session", nil)
		}
		data, err := s.tokens.GetData(r.Context(), handle)
		if err != nil {
			return nil, nil, err
		}
		if data == nil {
			return nil, nil, gwerrors.New(gwerrors.ErrUnauthenticated, "session expired", nil)
		}
		return data, handle, nil
	}

	cred, err := s.authenticate(r)
	if err != nil {
		return nil, nil, err
	}
	return cred.data, cred.handle, nil
}

// handleCreateToken implements POST /auth/tokens.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	auth, _, err := s.apiAuth(r, true)
	if err != nil {
		s.challenge(w, err)
		return
	}

	req := &service.UserTokenRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, gwerrors.New(gwerrors.ErrInvalidRequest, "malformed request body", err))
		return
	}
	if req.Username == "" {
		req.Username = auth.Username
	}

	handle, err := s.tokens.CreateUserToken(r.Context(), auth, req, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token": handle.Encode(s.cfg.TokenPrefix),
	})
}

// handleListTokens implements GET /auth/tokens.
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	auth, _, err := s.apiAuth(r, false)
	if err != nil {
		s.challenge(w, err)
		return
	}

	records, err := s.tokens.List(r.Context(), auth.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]tokenMetadata, 0, len(records))
	for _, d := range records {
		out = append(out, metadataOf(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetToken implements GET /auth/tokens/{key}. Foreign tokens look
// absent, not forbidden, so key enumeration reveals nothing.
func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	auth, _, err := s.apiAuth(r, false)
	if err != nil {
		s.challenge(w, err)
		return
	}

	data, err := s.tokens.GetByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	if data == nil || !s.mayAccess(auth, data) {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, metadataOf(data))
}

// handleRevokeToken implements DELETE /auth/tokens/{key}.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	auth, _, err := s.apiAuth(r, true)
	if err != nil {
		s.challenge(w, err)
		return
	}

	key := chi.URLParam(r, "key")
	data, err := s.tokens.GetByKey(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if data == nil || !s.mayAccess(auth, data) {
		http.NotFound(w, r)
		return
	}
	if _, err := s.tokens.RevokeByKey(r.Context(), key, auth.Username, clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) mayAccess(auth, target *token.Data) bool {
	return target.Username == auth.Username || auth.HasScope(config.ScopeAdminToken)
}

// handleLogin implements GET /auth/api/v1/login: turns any valid
// credential into an established session cookie and hands the caller its
// CSRF token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.Read(r)
	var data *token.Data
	var handle *token.Token
	var err error

	if st != nil && st.Handle != "" {
		handle = token.Parse(s.cfg.TokenPrefix, st.Handle)
		if handle != nil {
			data, err = s.tokens.GetData(r.Context(), handle)
			if err != nil {
				writeError(w, err)
				return
			}
		}
	}
	if data == nil {
		cred, err := s.authenticate(r)
		if err != nil {
			s.challenge(w, err)
			return
		}
		data, handle = cred.data, cred.handle
		st = nil
	}

	if st == nil || st.CSRF == "" {
		csrf, err := state.NewCSRF()
		if err != nil {
			writeError(w, gwerrors.New(gwerrors.ErrStorage, "failed to create session", err))
			return
		}
		st = &state.State{Handle: handle.Encode(s.cfg.TokenPrefix), CSRF: csrf}
		if err := s.sessions.Write(w, st, data.Expires); err != nil {
			writeError(w, gwerrors.New(gwerrors.ErrStorage, "failed to write session", err))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"csrf":     st.CSRF,
		"username": data.Username,
		"scopes":   data.Scopes,
	})
}

// handleLogout implements POST /auth/api/v1/logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.Read(r)
	if st != nil && st.Handle != "" {
		if !state.CheckCSRF(r, st) {
			writeError(w, gwerrors.New(gwerrors.ErrPermissionDenied,
				"CSRF token missing or invalid", nil))
			return
		}
		if handle := token.Parse(s.cfg.TokenPrefix, st.Handle); handle != nil {
			if _, err := s.tokens.Revoke(r.Context(), handle, "logout", clientIP(r)); err != nil {
				writeError(w, err)
				return
			}
		}
	}
	s.sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// requireAdmin resolves the caller and checks admin standing: either the
// admin:token scope or roster membership.
func (s *Server) requireAdmin(r *http.Request, mutating bool) (*token.Data, error) {
	auth, _, err := s.apiAuth(r, mutating)
	if err != nil {
		return nil, err
	}
	if auth.HasScope(config.ScopeAdminToken) {
		return auth, nil
	}
	isAdmin, err := s.admins.IsAdmin(r.Context(), auth.Username)
	if err != nil {
		return nil, err
	}
	if !isAdmin {
		return nil, gwerrors.New(gwerrors.ErrPermissionDenied, "not an admin", nil)
	}
	return auth, nil
}

// handleListAdmins implements GET /auth/api/v1/admins.
func (s *Server) handleListAdmins(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireAdmin(r, false); err != nil {
		s.challenge(w, err)
		return
	}
	admins, err := s.admins.ListAdmins(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if admins == nil {
		admins = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"admins": admins})
}

// handleAddAdmin implements POST /auth/api/v1/admins.
func (s *Server) handleAddAdmin(w http.ResponseWriter, r *http.Request) {
	auth, err := s.requireAdmin(r, true)
	if err != nil {
		s.challenge(w, err)
		return
	}
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, gwerrors.New(gwerrors.ErrInvalidRequest, "username is required", err))
		return
	}
	if err := s.admins.AddAdmin(r.Context(), req.Username, auth.Username, clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleRemoveAdmin implements DELETE /auth/api/v1/admins/{username}.
func (s *Server) handleRemoveAdmin(w http.ResponseWriter, r *http.Request) {
	auth, err := s.requireAdmin(r, true)
	if err != nil {
		s.challenge(w, err)
		return
	}
	username := chi.URLParam(r, "username")
	if err := s.admins.RemoveAdmin(r.Context(), username, auth.Username, clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminCreateToken implements POST /auth/api/v1/tokens: creation
// of service and user tokens for arbitrary usernames.
func (s *Server) handleAdminCreateToken(w http.ResponseWriter, r *http.Request) {
	auth, _, err := s.apiAuth(r, true)
	if err != nil {
		s.challenge(w, err)
		return
	}

	req := &service.AdminTokenRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, gwerrors.New(gwerrors.ErrInvalidRequest, "malformed request body", err))
		return
	}
	handle, err := s.tokens.CreateAdminToken(r.Context(), auth, req, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token": handle.Encode(s.cfg.TokenPrefix),
	})
}
