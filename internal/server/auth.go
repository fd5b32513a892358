package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/federato/identity-core/internal/authz"
)

// principal is the authenticated caller, established from a bearer access
// token issued by this service.
type principal struct {
	DID       string
	Scopes    []string
	SessionID string
	Service   bool
}

type principalKey struct{}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

// requireAuth verifies the bearer token against the local issuer and
// stores the principal on the context. Tokens verified here are this
// service's own access tokens; federated DID tokens go through the
// verify endpoint instead.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="identity-core"`)
			writeError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
			return
		}
		claims, err := s.issuer.Verify(r.Context(), raw)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "invalid_token", "token rejected")
			return
		}

		p := principal{}
		if sub, ok := claims["sub"].(string); ok {
			p.DID = sub
		}
		if scope, ok := claims["scope"].(string); ok && scope != "" {
			p.Scopes = strings.Fields(scope)
		}
		if sid, ok := claims["sessionId"].(string); ok {
			p.SessionID = sid
		}
		if svc, ok := claims["service"].(bool); ok {
			p.Service = svc
		}
		if p.DID == "" {
			writeError(w, http.StatusUnauthorized, "invalid_token", "token has no subject")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates administrative routes behind the authorization
// engine. Only the admin role's blanket permission satisfies the probe,
// so stored assignments decide, not token contents.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
			return
		}
		dec, err := s.authz.Authorize(r.Context(), authz.Request{
			SubjectDID: p.DID,
			Action:     "manage",
			Resource:   authz.Resource{Type: "admin"},
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "authorization check failed")
			return
		}
		if !dec.Allowed {
			writeError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
