package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/federato/identity-core/internal/audit"
	"github.com/federato/identity-core/internal/oauth"
	"github.com/federato/identity-core/internal/observability/logger"
)

type authorizeResponse struct {
	Code      string `json:"code"`
	ExpiresIn int64  `json:"expires_in"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if p.Service {
		writeError(w, http.StatusForbidden, "forbidden", "service identities cannot start an authorization flow")
		return
	}

	var req oauth.AuthorizeRequest
	if !readJSON(w, r, &req) {
		return
	}
	code, err := s.flow.CreateAuthorizationCode(r.Context(), req, p.DID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizeResponse{
		Code:      code,
		ExpiresIn: int64(s.flow.CodeTTL() / time.Second),
	})
}

// tokenRequest is the union of the fields the three grants read.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !readJSON(w, r, &req) {
		return
	}

	var (
		resp *oauth.TokenResponse
		err  error
	)
	switch req.GrantType {
	case oauth.GrantAuthorizationCode:
		resp, err = s.flow.ExchangeCode(r.Context(), oauth.ExchangeRequest{
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			Code:         req.Code,
			RedirectURI:  req.RedirectURI,
			CodeVerifier: req.CodeVerifier,
		})
	case oauth.GrantRefreshToken:
		resp, err = s.flow.RefreshAccessToken(r.Context(), oauth.RefreshRequest{
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			RefreshToken: req.RefreshToken,
		})
	case oauth.GrantClientCredentials:
		resp, err = s.flow.ClientCredentials(r.Context(), oauth.ClientCredentialsRequest{
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			Scope:        req.Scope,
		})
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "unknown grant_type")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Token material must never land in shared caches.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

type revokeRequest struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint,omitempty"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	kind := req.TokenTypeHint
	if kind == "" {
		kind = oauth.TokenKindAccess
	}
	if err := s.flow.RevokeToken(r.Context(), req.Token, kind); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	var req oauth.RegisterRequest
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := s.registry.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.recordAudit(r, audit.Event{
		Type:    audit.EventClientRegistered,
		Actor:   p.DID,
		Subject: resp.Client.ClientID,
		Detail:  map[string]any{"name": resp.Client.Name, "client_type": resp.Client.Type},
	})
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDeactivateClient(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	clientID := chi.URLParam(r, "clientID")

	if err := s.registry.Deactivate(r.Context(), clientID); err != nil {
		writeServiceError(w, err)
		return
	}
	s.recordAudit(r, audit.Event{
		Type:    audit.EventClientDeactivated,
		Actor:   p.DID,
		Subject: clientID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	clientID := chi.URLParam(r, "clientID")

	secret, err := s.registry.RotateSecret(r.Context(), clientID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.recordAudit(r, audit.Event{
		Type:    audit.EventSecretRotated,
		Actor:   p.DID,
		Subject: clientID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"client_secret": secret})
}

// recordAudit best-efforts the trail write; the action already happened.
func (s *Server) recordAudit(r *http.Request, ev audit.Event) {
	if err := s.audit.Record(r.Context(), ev); err != nil {
		logger.From(r.Context()).Warn("audit write failed",
			logger.String("event_type", ev.Type),
			logger.Err(err),
		)
	}
}
