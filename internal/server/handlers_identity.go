package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/federato/identity-core/internal/identity"
	"github.com/federato/identity-core/internal/metrics"
	"github.com/federato/identity-core/internal/observability/logger"
)

type verifyRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	res := s.verifier.VerifyToken(r.Context(), req.Token)
	if res.Valid {
		metrics.TokenVerifications.WithLabelValues("valid").Inc()
	} else {
		metrics.TokenVerifications.WithLabelValues("invalid").Inc()
		logger.From(r.Context()).Debug("token rejected",
			logger.Op("verifyToken"),
			logger.Any("errors", res.Errors),
		)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	if !identity.IsDID(did) {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed did")
		return
	}

	doc, err := s.resolver.Resolve(r.Context(), did)
	switch {
	case errors.Is(err, identity.ErrNotResolvable):
		metrics.IdentityResolutions.WithLabelValues("miss").Inc()
		writeError(w, http.StatusNotFound, "not_found", "identity not resolvable")
	case err != nil:
		metrics.IdentityResolutions.WithLabelValues("error").Inc()
		logger.From(r.Context()).Warn("resolution failed", logger.DID(did), logger.Err(err))
		writeError(w, http.StatusBadGateway, "resolution_failed", "directory lookup failed")
	default:
		metrics.IdentityResolutions.WithLabelValues("hit").Inc()
		writeJSON(w, http.StatusOK, doc)
	}
}
