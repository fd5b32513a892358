package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/federato/identity-core/internal/audit"
	"github.com/federato/identity-core/internal/authz"
	"github.com/federato/identity-core/internal/cache"
	"github.com/federato/identity-core/internal/identity"
	"github.com/federato/identity-core/internal/kv"
	"github.com/federato/identity-core/internal/mfa"
	"github.com/federato/identity-core/internal/oauth"
	"github.com/federato/identity-core/internal/rate"
	tokensvc "github.com/federato/identity-core/internal/tokens"
	"github.com/federato/identity-core/internal/trust"
	"github.com/federato/identity-core/internal/verify"
)

type staticResolver struct {
	docs map[string]*identity.Document
}

func (r *staticResolver) Resolve(ctx context.Context, did string) (*identity.Document, error) {
	if doc, ok := r.docs[did]; ok {
		return doc, nil
	}
	return nil, identity.ErrNotResolvable
}

type fixture struct {
	srv      *Server
	store    kv.Store
	issuer   *tokensvc.Issuer
	engine   *authz.Engine
	resolver *staticResolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := kv.NewMemory("")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	issuer := tokensvc.NewIssuer("https://issuer.test", key, "test-key", store)
	registry := oauth.NewRegistry(oauth.NewKVClientStore(store), oauth.RegistryConfig{})
	flow := oauth.NewFlow(registry, issuer, store, oauth.FlowConfig{})

	engine := authz.NewEngine(authz.NewKVRoleStore(store), cache.New(time.Minute), authz.Config{})

	signals := trust.NewSignals(store)
	trustLog := trust.NewAudit(store)
	trustEngine, err := trust.NewEngine(signals, trustLog, trust.Config{})
	require.NoError(t, err)

	resolver := &staticResolver{docs: map[string]*identity.Document{}}

	srv := New(Deps{
		Store:    store,
		Verifier: verify.New(resolver, verify.Config{}),
		Resolver: resolver,
		Issuer:   issuer,
		Registry: registry,
		Flow:     flow,
		Authz:    engine,
		Trust:    trustEngine,
		Signals:  signals,
		TrustLog: trustLog,
		MFA:      mfa.NewService(store, mfa.Config{}),
		Audit:    audit.New(store),
	})
	return &fixture{srv: srv, store: store, issuer: issuer, engine: engine, resolver: resolver}
}

func (f *fixture) token(t *testing.T, did string) string {
	t.Helper()
	issued, err := f.issuer.Issue(did, "", map[string]any{
		"scope":     "content:read",
		"sessionId": "sess-" + did,
	})
	require.NoError(t, err)
	return issued.Token
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/identity/verify", "", map[string]string{"token": "not-a-jwt"})
	require.Equal(t, http.StatusOK, rec.Code)

	var res verify.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
}

func TestVerifyEndpointRequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/identity/verify", "", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveEndpoint(t *testing.T) {
	f := newFixture(t)
	did := "did:plc:resolvetest"
	f.resolver.docs[did] = &identity.Document{ID: did}

	rec := f.do(t, http.MethodGet, "/v1/identity/resolve/"+did, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc identity.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, did, doc.ID)

	rec = f.do(t, http.MethodGet, "/v1/identity/resolve/did:plc:missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/identity/resolve/not-a-did", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/authz/authorize", "", map[string]any{
		"action":   "read",
		"resource": map[string]string{"type": "content"},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/authz/authorize", "garbage-token", map[string]any{
		"action":   "read",
		"resource": map[string]string{"type": "content"},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthzDecideEndpoint(t *testing.T) {
	f := newFixture(t)
	did := "did:plc:alice"
	ctx := context.Background()
	require.NoError(t, f.engine.AssignRole(ctx, authz.Assignment{DID: did, Role: authz.RoleReader}))

	rec := f.do(t, http.MethodPost, "/v1/authz/authorize", f.token(t, did), map[string]any{
		"action":   "read",
		"resource": map[string]string{"type": "content"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var dec authz.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
	require.True(t, dec.Allowed)

	rec = f.do(t, http.MethodPost, "/v1/authz/authorize", f.token(t, did), map[string]any{
		"action":   "delete",
		"resource": map[string]string{"type": "moderation"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
	require.False(t, dec.Allowed)
	require.NotEmpty(t, dec.RequiredRoles)
}

func TestAdminGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	admin := "did:plc:root"
	user := "did:plc:pleb"
	require.NoError(t, f.engine.AssignRole(ctx, authz.Assignment{DID: admin, Role: authz.RoleAdmin}))

	body := oauth.RegisterRequest{
		Name:         "indexer",
		Type:         oauth.ClientTypeConfidential,
		RedirectURIs: []string{"https://indexer.test/callback"},
	}

	rec := f.do(t, http.MethodPost, "/v1/oauth/clients", f.token(t, user), body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/oauth/clients", f.token(t, admin), body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp oauth.RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ClientSecret)
	require.NotEmpty(t, resp.Client.ClientID)
}

func TestClientCredentialsOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	admin := "did:plc:root"
	require.NoError(t, f.engine.AssignRole(ctx, authz.Assignment{DID: admin, Role: authz.RoleAdmin}))

	rec := f.do(t, http.MethodPost, "/v1/oauth/clients", f.token(t, admin), oauth.RegisterRequest{
		Name:         "pipeline",
		Type:         oauth.ClientTypeConfidential,
		RedirectURIs: []string{"https://pipeline.test/cb"},
		GrantTypes:   []string{oauth.GrantClientCredentials},
		Scopes:       []string{"search:read"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var reg oauth.RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))

	rec = f.do(t, http.MethodPost, "/v1/oauth/token", "", map[string]string{
		"grant_type":    oauth.GrantClientCredentials,
		"client_id":     reg.Client.ClientID,
		"client_secret": reg.ClientSecret,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var tok oauth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.AccessToken)
	require.Empty(t, tok.RefreshToken)

	rec = f.do(t, http.MethodPost, "/v1/oauth/token", "", map[string]string{
		"grant_type":    oauth.GrantClientCredentials,
		"client_id":     reg.Client.ClientID,
		"client_secret": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoleAdminEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	admin := "did:plc:root"
	subject := "did:plc:newmod"
	require.NoError(t, f.engine.AssignRole(ctx, authz.Assignment{DID: admin, Role: authz.RoleAdmin}))

	rec := f.do(t, http.MethodPost, "/v1/authz/roles", f.token(t, admin), map[string]string{
		"did":  subject,
		"role": "moderator",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/authz/roles/"+subject, f.token(t, admin), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "moderator")

	// Subjects can read their own roles without admin.
	rec = f.do(t, http.MethodGet, "/v1/authz/roles/"+subject, f.token(t, subject), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// But not anyone else's.
	rec = f.do(t, http.MethodGet, "/v1/authz/roles/"+admin, f.token(t, subject), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/authz/roles/"+subject+"/moderator", f.token(t, admin), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/authz/roles/"+subject+"/moderator", f.token(t, admin), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrustEvaluateEndpoint(t *testing.T) {
	f := newFixture(t)
	did := "did:plc:carol"

	rec := f.do(t, http.MethodPost, "/v1/trust/evaluate", f.token(t, did), map[string]any{
		"action":   "read",
		"resource": "content/123",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var dec trust.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
	require.NotEmpty(t, dec.Reasons)
	require.NotEmpty(t, dec.AuditID)
}

func TestDeviceEndpoints(t *testing.T) {
	f := newFixture(t)
	did := "did:plc:dave"

	rec := f.do(t, http.MethodPost, "/v1/trust/devices", f.token(t, did), trust.DevicePosture{
		DeviceID:  "laptop-1",
		Encrypted: true,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/trust/devices", f.token(t, did), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "laptop-1")
}

func TestMFAStatusAndEnroll(t *testing.T) {
	f := newFixture(t)
	did := "did:plc:erin"

	rec := f.do(t, http.MethodGet, "/v1/mfa/status", f.token(t, did), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"enrolled":false`)

	rec = f.do(t, http.MethodPost, "/v1/mfa/enroll", f.token(t, did), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var enroll mfa.EnrollResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enroll))
	require.NotEmpty(t, enroll.Secret)
	require.NotEmpty(t, enroll.KeyURI)
}

func TestRevokeEndpointAlwaysSucceedsForUnknownTokens(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/oauth/revoke", "", map[string]string{
		"token":           "unknown-token",
		"token_type_hint": oauth.TokenKindRefresh,
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenRateLimit(t *testing.T) {
	store := kv.NewMemory("")
	f := newFixture(t)
	// Rebuild with a tight token budget to observe throttling.
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	issuer := tokensvc.NewIssuer("https://issuer.test", key, "k", store)
	registry := oauth.NewRegistry(oauth.NewKVClientStore(store), oauth.RegistryConfig{})
	flow := oauth.NewFlow(registry, issuer, store, oauth.FlowConfig{})
	engine := authz.NewEngine(authz.NewKVRoleStore(store), cache.New(time.Minute), authz.Config{})
	signals := trust.NewSignals(store)
	trustLog := trust.NewAudit(store)
	trustEngine, err := trust.NewEngine(signals, trustLog, trust.Config{})
	require.NoError(t, err)

	f.srv = New(Deps{
		Store:      store,
		Verifier:   verify.New(f.resolver, verify.Config{}),
		Resolver:   f.resolver,
		Issuer:     issuer,
		Registry:   registry,
		Flow:       flow,
		Authz:      engine,
		Trust:      trustEngine,
		Signals:    signals,
		TrustLog:   trustLog,
		MFA:        mfa.NewService(store, mfa.Config{}),
		Audit:      audit.New(store),
		TokenLimit: rate.NewLimiter(store, "rl:token", 2, time.Minute),
	})

	body := map[string]string{"grant_type": "nonsense"}
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/v1/oauth/token", "", body)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/v1/oauth/token", "", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}
