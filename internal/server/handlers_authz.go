package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/federato/identity-core/internal/audit"
	"github.com/federato/identity-core/internal/authz"
)

type authzDecideRequest struct {
	Action   string         `json:"action"`
	Resource authz.Resource `json:"resource"`
}

func (s *Server) handleAuthzDecide(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	var req authzDecideRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Action == "" || req.Resource.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "action and resource.type are required")
		return
	}

	// Roles come exclusively from stored assignments; a caller cannot
	// assert roles in the request body. Scopes come from the verified
	// access token.
	dec, err := s.authz.Authorize(r.Context(), authz.Request{
		SubjectDID: p.DID,
		Scopes:     p.Scopes,
		Action:     req.Action,
		Resource:   req.Resource,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "authorization failed")
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handleRolesFor(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	did := chi.URLParam(r, "did")

	// Subjects may list their own roles; anyone else's require admin.
	if did != p.DID {
		dec, err := s.authz.Authorize(r.Context(), authz.Request{
			SubjectDID: p.DID,
			Action:     "manage",
			Resource:   authz.Resource{Type: "admin"},
		})
		if err != nil || !dec.Allowed {
			writeError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
	}

	roles, err := s.authz.RolesFor(r.Context(), did)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "role lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"did": did, "roles": roles})
}

type assignRoleRequest struct {
	DID       string     `json:"did"`
	Role      string     `json:"role"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	var req assignRoleRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.DID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "did is required")
		return
	}
	role, err := authz.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	a := authz.Assignment{
		DID:        req.DID,
		Role:       role,
		AssignedAt: time.Now().UTC(),
		AssignedBy: p.DID,
		ExpiresAt:  req.ExpiresAt,
	}
	if err := s.authz.AssignRole(r.Context(), a); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "assignment failed")
		return
	}

	s.recordAudit(r, audit.Event{
		Type:    audit.EventRoleAssigned,
		Actor:   p.DID,
		Subject: req.DID,
		Detail:  map[string]any{"role": string(role)},
	})
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	did := chi.URLParam(r, "did")

	role, err := authz.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.authz.RevokeRole(r.Context(), did, role); err != nil {
		writeServiceError(w, err)
		return
	}

	s.recordAudit(r, audit.Event{
		Type:    audit.EventRoleRevoked,
		Actor:   p.DID,
		Subject: did,
		Detail:  map[string]any{"role": string(role)},
	})
	w.WriteHeader(http.StatusNoContent)
}
