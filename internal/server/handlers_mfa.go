package server

import (
	"net/http"
	"time"

	"github.com/federato/identity-core/internal/audit"
	"github.com/federato/identity-core/internal/observability/logger"
)

func (s *Server) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	resp, err := s.mfa.EnrollTOTP(r.Context(), p.DID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

type mfaCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleMFAActivate(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	var req mfaCodeRequest
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := s.mfa.VerifyTOTPEnrollment(r.Context(), p.DID, req.Code)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.recordAudit(r, audit.Event{
		Type:    audit.EventMFAEnrolled,
		Actor:   p.DID,
		Subject: p.DID,
	})
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

type mfaVerifyRequest struct {
	Method string `json:"method"`
	Code   string `json:"code"`
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	var req mfaVerifyRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := s.mfa.Verify(r.Context(), p.DID, req.Method, req.Code)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// A successful verification marks the caller's session so the trust
	// engine stops asking for step-up. The mark lives only as long as
	// the session itself.
	if p.SessionID != "" {
		ttl := 24 * time.Hour
		if sess := s.session(r, p.SessionID); sess != nil {
			if rem := time.Until(sess.ExpiresAt); rem > 0 {
				ttl = rem
			}
		}
		if err := s.signals.MarkMFAVerified(r.Context(), p.SessionID, ttl); err != nil {
			logger.From(r.Context()).Warn("session mfa mark failed",
				logger.SessionID(p.SessionID),
				logger.Err(err),
			)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMFARegenerate(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	resp, err := s.mfa.RegenerateBackupCodes(r.Context(), p.DID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.recordAudit(r, audit.Event{
		Type:    audit.EventMFARegenerated,
		Actor:   p.DID,
		Subject: p.DID,
	})
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMFAStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	enrolled, err := s.mfa.Enrolled(r.Context(), p.DID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "status lookup failed")
		return
	}
	remaining, err := s.mfa.RemainingAttempts(r.Context(), p.DID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enrolled":           enrolled,
		"remaining_attempts": remaining,
	})
}
