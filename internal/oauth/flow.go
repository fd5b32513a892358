package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/federato/identity-core/internal/kv"
	"github.com/federato/identity-core/internal/metrics"
	"github.com/federato/identity-core/internal/observability/logger"
	tokens "github.com/federato/identity-core/internal/security/token"
	tokensvc "github.com/federato/identity-core/internal/tokens"
)

// FlowConfig holds the code-flow TTLs.
type FlowConfig struct {
	CodeTTL    time.Duration // authorization-code lifetime (default 10m)
	RefreshTTL time.Duration // refresh-token lifetime (default 30d)
	SessionTTL time.Duration // session record lifetime (default 24h)
}

func (c FlowConfig) withDefaults() FlowConfig {
	if c.CodeTTL <= 0 {
		c.CodeTTL = 10 * time.Minute
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = 30 * 24 * time.Hour
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	return c
}

// Flow implements authorization-code issuance, exchange with PKCE,
// refresh-token rotation, and revocation.
type Flow struct {
	registry *Registry
	issuer   *tokensvc.Issuer
	store    kv.Store
	cfg      FlowConfig
}

// NewFlow wires the flow service.
func NewFlow(registry *Registry, issuer *tokensvc.Issuer, store kv.Store, cfg FlowConfig) *Flow {
	return &Flow{registry: registry, issuer: issuer, store: store, cfg: cfg.withDefaults()}
}

// CodeTTL reports the effective authorization-code lifetime.
func (f *Flow) CodeTTL() time.Duration { return f.cfg.CodeTTL }

func codeKey(code string) string     { return "oauth:code:" + tokens.SHA256Base64URL(code) }
func refreshKey(token string) string { return "oauth:refresh:" + tokens.SHA256Base64URL(token) }
func sessionKey(id string) string    { return "session:" + id }

// CreateAuthorizationCode issues a single-use code bound to the
// authenticated subject and the PKCE challenge.
func (f *Flow) CreateAuthorizationCode(ctx context.Context, req AuthorizeRequest, subjectDID string) (string, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("oauth.authorize"))

	if req.ClientID == "" || req.RedirectURI == "" || req.CodeChallenge == "" || subjectDID == "" {
		return "", fmt.Errorf("%w: missing required fields", ErrInvalidRequest)
	}
	if req.CodeChallengeMethod != "S256" {
		return "", fmt.Errorf("%w: %q", ErrMethodNotSupported, req.CodeChallengeMethod)
	}

	client, err := f.registry.Get(ctx, req.ClientID)
	if err != nil {
		return "", err
	}
	if !client.HasGrantType(GrantAuthorizationCode) {
		return "", fmt.Errorf("%w: authorization_code not allowed", ErrUnsupportedGrantType)
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return "", fmt.Errorf("%w: redirect_uri not registered", ErrInvalidRedirectURI)
	}

	// Requested scope is intersected with what the client is allowed. An
	// empty request falls back to the client's full allowed set; a request
	// whose intersection is empty stays empty and never widens.
	var scope []string
	if requested := strings.Fields(req.Scope); len(requested) == 0 {
		scope = client.AllowedScopes
	} else {
		for _, s := range requested {
			if client.ScopeAllowed(s) {
				scope = append(scope, s)
			}
		}
	}

	code, err := tokens.GenerateOpaque(32)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	now := time.Now().UTC()
	payload := codePayload{
		ClientID:        client.ClientID,
		RedirectURI:     req.RedirectURI,
		SubjectDID:      subjectDID,
		Scope:           scope,
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:       now,
		ExpiresAt:       now.Add(f.cfg.CodeTTL),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if err := f.store.SetWithTTL(ctx, codeKey(code), string(b), f.cfg.CodeTTL); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}

	log.Info("authorization code issued",
		logger.ClientID(client.ClientID),
		logger.DID(subjectDID),
	)
	return code, nil
}

// ExchangeCode trades an authorization code plus PKCE verifier for a token
// pair. The code is consumed atomically on lookup, so two concurrent
// exchanges of the same code cannot both succeed.
func (f *Flow) ExchangeCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("oauth.exchange"))

	if req.Code == "" || req.RedirectURI == "" || req.ClientID == "" || req.CodeVerifier == "" {
		return nil, fmt.Errorf("%w: missing required fields", ErrInvalidRequest)
	}
	if n := len(req.CodeVerifier); n < 43 || n > 128 {
		return nil, fmt.Errorf("%w: code_verifier length", ErrInvalidRequest)
	}

	client, err := f.registry.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(GrantAuthorizationCode) {
		return nil, fmt.Errorf("%w: authorization_code not allowed", ErrUnsupportedGrantType)
	}

	// Atomic consume: the code is gone after this read regardless of
	// whether the rest of the checks pass.
	raw, err := f.store.GetDel(ctx, codeKey(req.Code))
	if err != nil {
		log.Warn("authorization code not found", logger.ClientID(req.ClientID))
		return nil, ErrInvalidGrant
	}
	var ac codePayload
	if err := json.Unmarshal([]byte(raw), &ac); err != nil {
		log.Warn("authorization code corrupted", logger.Err(err))
		return nil, ErrInvalidGrant
	}

	if time.Now().After(ac.ExpiresAt) {
		return nil, ErrInvalidGrant
	}
	if ac.ClientID != client.ClientID || ac.RedirectURI != req.RedirectURI {
		log.Warn("client/redirect_uri mismatch", logger.ClientID(req.ClientID))
		return nil, ErrInvalidGrant
	}

	// PKCE S256: recompute and compare byte-for-byte.
	if ac.ChallengeMethod != "S256" {
		return nil, ErrMethodNotSupported
	}
	if !tokens.ConstantTimeEquals(tokens.SHA256Base64URL(req.CodeVerifier), ac.CodeChallenge) {
		log.Warn("PKCE verification failed", logger.ClientID(req.ClientID))
		return nil, ErrInvalidGrant
	}

	resp, err := f.issuePair(ctx, client.ClientID, ac.SubjectDID, ac.Scope, "")
	if err != nil {
		return nil, err
	}

	metrics.OAuthGrants.WithLabelValues(GrantAuthorizationCode).Inc()
	log.Info("authorization_code exchanged",
		logger.ClientID(client.ClientID),
		logger.DID(ac.SubjectDID),
	)
	return resp, nil
}

// RefreshAccessToken rotates a refresh token: the presented token is
// invalidated atomically with the lookup and a new one is issued. A
// reused token therefore fails with invalid_grant, which callers should
// treat as a theft signal.
func (f *Flow) RefreshAccessToken(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("oauth.refresh"))

	if req.ClientID == "" || req.RefreshToken == "" {
		return nil, fmt.Errorf("%w: missing required fields", ErrInvalidRequest)
	}

	client, err := f.registry.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(GrantRefreshToken) {
		return nil, fmt.Errorf("%w: refresh_token not allowed", ErrUnsupportedGrantType)
	}

	raw, err := f.store.GetDel(ctx, refreshKey(req.RefreshToken))
	if err != nil {
		log.Warn("refresh token not found or reused", logger.ClientID(req.ClientID))
		return nil, ErrInvalidGrant
	}
	var rt refreshPayload
	if err := json.Unmarshal([]byte(raw), &rt); err != nil {
		return nil, ErrInvalidGrant
	}
	if time.Now().After(rt.ExpiresAt) || rt.ClientID != client.ClientID {
		return nil, ErrInvalidGrant
	}

	resp, err := f.issuePair(ctx, client.ClientID, rt.SubjectDID, rt.Scope, rt.SessionID)
	if err != nil {
		return nil, err
	}

	metrics.OAuthGrants.WithLabelValues(GrantRefreshToken).Inc()
	log.Info("refresh_token rotated",
		logger.ClientID(client.ClientID),
		logger.DID(rt.SubjectDID),
	)
	return resp, nil
}

// ClientCredentials issues a service token for a confidential client.
func (f *Flow) ClientCredentials(ctx context.Context, req ClientCredentialsRequest) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("oauth.client_credentials"))

	if req.ClientID == "" || req.ClientSecret == "" {
		return nil, fmt.Errorf("%w: missing required fields", ErrInvalidRequest)
	}

	client, err := f.registry.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if client.Type != ClientTypeConfidential || !client.HasGrantType(GrantClientCredentials) {
		return nil, fmt.Errorf("%w: client_credentials not allowed", ErrUnsupportedGrantType)
	}

	var scope []string
	for _, s := range strings.Fields(req.Scope) {
		if !client.ScopeAllowed(s) {
			return nil, fmt.Errorf("%w: scope %q not allowed", ErrInvalidRequest, s)
		}
		scope = append(scope, s)
	}
	if len(scope) == 0 {
		scope = client.AllowedScopes
	}

	issued, err := f.issuer.Issue(client.ClientID, client.ClientID, map[string]any{
		"scope":   strings.Join(scope, " "),
		"service": true,
	})
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	metrics.OAuthGrants.WithLabelValues(GrantClientCredentials).Inc()
	log.Info("client_credentials token issued", logger.ClientID(client.ClientID))

	return &TokenResponse{
		AccessToken: issued.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(issued.ExpiresAt).Seconds()),
		Scope:       strings.Join(scope, " "),
	}, nil
}

// Token kinds accepted by RevokeToken.
const (
	TokenKindAccess  = "access_token"
	TokenKindRefresh = "refresh_token"
)

// RevokeToken invalidates a token. Refresh tokens are deleted; access
// tokens are verified to extract the jti, which goes on the revocation
// list consulted by later verifications.
func (f *Flow) RevokeToken(ctx context.Context, token, kind string) error {
	switch kind {
	case TokenKindRefresh:
		return f.store.Delete(ctx, refreshKey(token))
	case TokenKindAccess:
		claims, err := f.issuer.Verify(ctx, token)
		if err != nil {
			// Already invalid; revocation is a no-op, not an error.
			return nil
		}
		jti, _ := claims["jti"].(string)
		exp, _ := claims["exp"].(float64)
		if jti == "" {
			return nil
		}
		return f.issuer.Revoke(ctx, jti, time.Unix(int64(exp), 0))
	default:
		return fmt.Errorf("%w: unknown token kind %q", ErrInvalidRequest, kind)
	}
}

// issuePair mints an access token and a rotated refresh token, creating a
// session record when sessionID is empty.
func (f *Flow) issuePair(ctx context.Context, clientID, subjectDID string, scope []string, sessionID string) (*TokenResponse, error) {
	now := time.Now().UTC()

	if sessionID == "" {
		sessionID = uuid.NewString()
		sess := Session{
			ID:           sessionID,
			DID:          subjectDID,
			CreatedAt:    now,
			ExpiresAt:    now.Add(f.cfg.SessionTTL),
			LastActivity: now,
			Scope:        scope,
		}
		if b, err := json.Marshal(sess); err == nil {
			_ = f.store.SetWithTTL(ctx, sessionKey(sessionID), string(b), f.cfg.SessionTTL)
		}
	}

	issued, err := f.issuer.Issue(subjectDID, clientID, map[string]any{
		"scope":     strings.Join(scope, " "),
		"sessionId": sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	rawRT, err := tokens.GenerateOpaque(32)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	rt := refreshPayload{
		ClientID:   clientID,
		SubjectDID: subjectDID,
		SessionID:  sessionID,
		Scope:      scope,
		ExpiresAt:  now.Add(f.cfg.RefreshTTL),
	}
	b, err := json.Marshal(rt)
	if err != nil {
		return nil, err
	}
	if err := f.store.SetWithTTL(ctx, refreshKey(rawRT), string(b), f.cfg.RefreshTTL); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &TokenResponse{
		AccessToken:  issued.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(issued.ExpiresAt).Seconds()),
		RefreshToken: rawRT,
		Scope:        strings.Join(scope, " "),
	}, nil
}
