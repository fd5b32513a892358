// Package server exposes the identity core over HTTP: token
// verification, the OAuth client registry and code flow, role
// administration, zero-trust evaluation, and MFA.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/federato/identity-core/internal/audit"
	"github.com/federato/identity-core/internal/authz"
	"github.com/federato/identity-core/internal/identity"
	"github.com/federato/identity-core/internal/kv"
	"github.com/federato/identity-core/internal/mfa"
	"github.com/federato/identity-core/internal/oauth"
	"github.com/federato/identity-core/internal/rate"
	tokensvc "github.com/federato/identity-core/internal/tokens"
	"github.com/federato/identity-core/internal/trust"
	"github.com/federato/identity-core/internal/verify"
)

// Deps carries every service the handlers reach. All fields except the
// rate limiters are required.
type Deps struct {
	Store    kv.Store
	Verifier *verify.Verifier
	Resolver identity.Resolver
	Issuer   *tokensvc.Issuer
	Registry *oauth.Registry
	Flow     *oauth.Flow
	Authz    *authz.Engine
	Trust    *trust.Engine
	Signals  *trust.Signals
	TrustLog *trust.Audit
	MFA      *mfa.Service
	Audit    *audit.Recorder

	// Per-surface limiters; nil disables throttling on that surface.
	GlobalLimit rate.Limiter
	TokenLimit  rate.Limiter
	MFALimit    rate.Limiter

	CORSAllowedOrigins []string
}

// Server owns the router and the wired services.
type Server struct {
	store    kv.Store
	verifier *verify.Verifier
	resolver identity.Resolver
	issuer   *tokensvc.Issuer
	registry *oauth.Registry
	flow     *oauth.Flow
	authz    *authz.Engine
	trust    *trust.Engine
	signals  *trust.Signals
	trustLog *trust.Audit
	mfa      *mfa.Service
	audit    *audit.Recorder

	router chi.Router
}

// New wires the router. The result is ready to serve.
func New(d Deps) *Server {
	s := &Server{
		store:    d.Store,
		verifier: d.Verifier,
		resolver: d.Resolver,
		issuer:   d.Issuer,
		registry: d.Registry,
		flow:     d.Flow,
		authz:    d.Authz,
		trust:    d.Trust,
		signals:  d.Signals,
		trustLog: d.TrustLog,
		mfa:      d.MFA,
		audit:    d.Audit,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(recoverer)
	r.Use(accessLog)
	r.Use(securityHeaders)
	if len(d.CORSAllowedOrigins) > 0 {
		r.Use(corsMiddleware(d.CORSAllowedOrigins))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(rateLimit(d.GlobalLimit))

		// Federated verification and resolution need no local session.
		r.Post("/identity/verify", s.handleVerifyToken)
		r.Get("/identity/resolve/{did}", s.handleResolve)

		// Token endpoint authenticates via client credentials in the body.
		r.With(rateLimit(d.TokenLimit)).Post("/oauth/token", s.handleToken)
		r.Post("/oauth/revoke", s.handleRevoke)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Post("/oauth/authorize", s.handleAuthorize)

			r.Post("/authz/authorize", s.handleAuthzDecide)
			r.Get("/authz/roles/{did}", s.handleRolesFor)

			r.Post("/trust/evaluate", s.handleTrustEvaluate)
			r.Post("/trust/devices", s.handleRecordDevice)
			r.Get("/trust/devices", s.handleKnownDevices)
			r.Post("/trust/events", s.handleRecordEvent)

			r.Post("/mfa/enroll", s.handleMFAEnroll)
			r.Post("/mfa/activate", s.handleMFAActivate)
			r.With(rateLimit(d.MFALimit)).Post("/mfa/verify", s.handleMFAVerify)
			r.Post("/mfa/backup-codes", s.handleMFARegenerate)
			r.Get("/mfa/status", s.handleMFAStatus)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)

				r.Post("/oauth/clients", s.handleRegisterClient)
				r.Delete("/oauth/clients/{clientID}", s.handleDeactivateClient)
				r.Post("/oauth/clients/{clientID}/rotate-secret", s.handleRotateSecret)

				r.Post("/authz/roles", s.handleAssignRole)
				r.Delete("/authz/roles/{did}/{role}", s.handleRevokeRole)

				r.Get("/trust/audit/{did}", s.handleTrustAudit)
				r.Post("/trust/ips/trust", s.handleTrustIP)
				r.Post("/trust/ips/flag", s.handleFlagIP)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "key-value store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
