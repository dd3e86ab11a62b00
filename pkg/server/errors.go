// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gatewarden/gatewarden/pkg/gwerrors"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

// errorBody is the JSON error envelope for API responses.
type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// statusForError maps the error taxonomy to HTTP status codes. This is
// the only place taxonomy types become statuses.
func statusForError(err error) int {
	switch gwerrors.TypeOf(err) {
	case gwerrors.ErrInvalidRequest:
		return http.StatusBadRequest
	case gwerrors.ErrUnauthenticated, gwerrors.ErrInvalidToken, gwerrors.ErrExpired,
		gwerrors.ErrWrongAudience, gwerrors.ErrUntrustedIssuer:
		return http.StatusUnauthorized
	case gwerrors.ErrDenied, gwerrors.ErrPermissionDenied:
		return http.StatusForbidden
	case gwerrors.ErrValidation, gwerrors.ErrInsufficientLifetime:
		return http.StatusUnprocessableEntity
	case gwerrors.ErrUpstreamUnavailable, gwerrors.ErrStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends the JSON error envelope for err. Internal errors are
// logged with their cause but never leak it to the client.
func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	errType := gwerrors.TypeOf(err)
	if errType == "" {
		errType = "internal"
	}

	body := errorBody{Error: errType}
	if status < http.StatusInternalServerError {
		var e *gwerrors.Error
		if errors.As(err, &e) {
			body.Description = e.Message
		}
	} else {
		logger.Errorw("request failed", "error", err)
		body.Description = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}
