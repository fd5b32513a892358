// Package oauth implements the client registry and the authorization-code
// flow with PKCE: client registration, single-use code issuance and
// exchange, refresh-token rotation, and revocation.
package oauth

import (
	"context"
	"time"
)

// Client types.
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Grant types.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Client is a registered OAuth client. The plaintext secret is returned
// exactly once at registration or rotation; only its hash is persisted.
// Clients are soft-deactivated, never hard-deleted.
type Client struct {
	ClientID         string    `json:"client_id"`
	Name             string    `json:"name"`
	ClientSecretHash string    `json:"client_secret_hash,omitempty"`
	Type             string    `json:"client_type"`
	RedirectURIs     []string  `json:"redirect_uris"`
	GrantTypes       []string  `json:"grant_types"`
	AllowedScopes    []string  `json:"allowed_scopes"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasGrantType reports whether the client may use the given grant.
func (c *Client) HasGrantType(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// HasRedirectURI reports whether uri exactly matches a registered one.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// ScopeAllowed reports whether a single scope is within the client's
// allowed set.
func (c *Client) ScopeAllowed(scope string) bool {
	for _, s := range c.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RegisterRequest is the input for client registration.
type RegisterRequest struct {
	Name         string   `json:"name"`
	Type         string   `json:"client_type"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// RegisterResponse carries the stored client plus, for confidential
// clients, the one-time plaintext secret.
type RegisterResponse struct {
	Client       *Client `json:"client"`
	ClientSecret string  `json:"client_secret,omitempty"`
}

// AuthorizeRequest is the input for authorization-code issuance.
type AuthorizeRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// codePayload is the stored state behind an authorization code. The code
// itself is the lookup key (hashed); consumption is atomic delete-on-read.
type codePayload struct {
	ClientID        string    `json:"client_id"`
	RedirectURI     string    `json:"redirect_uri"`
	SubjectDID      string    `json:"subject_did"`
	Scope           []string  `json:"scope"`
	CodeChallenge   string    `json:"code_challenge"`
	ChallengeMethod string    `json:"challenge_method"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// refreshPayload is the stored state behind a refresh token hash.
type refreshPayload struct {
	ClientID   string    `json:"client_id"`
	SubjectDID string    `json:"subject_did"`
	SessionID  string    `json:"session_id"`
	Scope      []string  `json:"scope"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ExchangeRequest is the input for code exchange.
type ExchangeRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
}

// RefreshRequest is the input for refresh-token rotation.
type RefreshRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	RefreshToken string `json:"refresh_token"`
}

// ClientCredentialsRequest is the input for the machine-to-machine grant.
type ClientCredentialsRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope,omitempty"`
}

// TokenResponse is the issued token pair.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Session is the session record created when a code is exchanged. Tokens
// reference it by id.
type Session struct {
	ID           string    `json:"id"`
	DID          string    `json:"did"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Scope        []string  `json:"scope"`
}

// ClientStore persists client registrations. The kv-backed store is the
// default; a Postgres adapter exists for durable deployments.
type ClientStore interface {
	// Put creates or replaces a client registration.
	Put(ctx context.Context, c *Client) error

	// Get returns a client by public id. Returns ErrInvalidClient if absent.
	Get(ctx context.Context, clientID string) (*Client, error)
}
