package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/federato/identity-core/internal/authz"
	"github.com/federato/identity-core/internal/mfa"
	"github.com/federato/identity-core/internal/oauth"
)

type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	rid := w.Header().Get("X-Request-ID")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{
		Error:            code,
		ErrorDescription: desc,
		RequestID:        rid,
	})
}

// readJSON decodes a body of at most 1MB. Unknown fields are tolerated so
// clients can send extra metadata without breaking.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		writeError(w, http.StatusBadRequest, "invalid_request", "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed json")
		return false
	}
	return true
}

// writeServiceError maps domain error values onto HTTP statuses with the
// OAuth-style error body.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, oauth.ErrInvalidClient):
		writeError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
	case errors.Is(err, oauth.ErrInvalidGrant):
		writeError(w, http.StatusBadRequest, "invalid_grant", "grant is invalid, expired, or already used")
	case errors.Is(err, oauth.ErrInvalidRedirectURI):
		writeError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
	case errors.Is(err, oauth.ErrUnsupportedGrantType):
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "client may not use this grant type")
	case errors.Is(err, oauth.ErrMethodNotSupported):
		writeError(w, http.StatusBadRequest, "invalid_request", "only the S256 code challenge method is supported")
	case errors.Is(err, oauth.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, authz.ErrRoleNotAssigned):
		writeError(w, http.StatusNotFound, "not_found", "role is not assigned to this subject")
	case errors.Is(err, mfa.ErrNotEnrolled):
		writeError(w, http.StatusConflict, "not_enrolled", "no active MFA enrollment")
	case errors.Is(err, mfa.ErrAlreadyEnrolled):
		writeError(w, http.StatusConflict, "already_enrolled", "an active MFA enrollment exists")
	case errors.Is(err, mfa.ErrInvalidCode):
		writeError(w, http.StatusUnauthorized, "invalid_code", "verification code rejected")
	case errors.Is(err, mfa.ErrLockedOut):
		writeError(w, http.StatusTooManyRequests, "locked_out", "too many failed attempts, try again later")
	case errors.Is(err, mfa.ErrHardwareElsewhere):
		writeError(w, http.StatusNotImplemented, "unsupported_method", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
