package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/federato/identity-core/internal/kv"
	"github.com/federato/identity-core/internal/observability/logger"
	"github.com/federato/identity-core/internal/security/secrets"
	tokens "github.com/federato/identity-core/internal/security/token"
	"github.com/federato/identity-core/internal/validation"
)

// RegistryConfig bounds registration inputs.
type RegistryConfig struct {
	// MaxRedirectURIs caps the registered redirect URIs per client.
	MaxRedirectURIs int

	// DefaultScopes is granted when the registrant requests none.
	// Conservative read-only set.
	DefaultScopes []string
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.MaxRedirectURIs <= 0 {
		c.MaxRedirectURIs = 10
	}
	if len(c.DefaultScopes) == 0 {
		c.DefaultScopes = []string{"content:read", "search:read"}
	}
	return c
}

// Registry manages OAuth client registrations.
type Registry struct {
	store ClientStore
	cfg   RegistryConfig
}

// NewRegistry builds a Registry over the given client store.
func NewRegistry(store ClientStore, cfg RegistryConfig) *Registry {
	return &Registry{store: store, cfg: cfg.withDefaults()}
}

// Register validates and stores a new client. Confidential clients get a
// generated secret, returned exactly once.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("oauth.register"))

	if req.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidRequest)
	}
	switch req.Type {
	case ClientTypePublic, ClientTypeConfidential:
	case "":
		req.Type = ClientTypePublic
	default:
		return nil, fmt.Errorf("%w: unknown client type %q", ErrInvalidRequest, req.Type)
	}

	if len(req.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: at least one redirect_uri required", ErrInvalidRequest)
	}
	if len(req.RedirectURIs) > r.cfg.MaxRedirectURIs {
		return nil, fmt.Errorf("%w: too many redirect_uris (max %d)", ErrInvalidRequest, r.cfg.MaxRedirectURIs)
	}
	for _, uri := range req.RedirectURIs {
		if !validation.ValidRedirectURI(uri) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRedirectURI, uri)
		}
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = r.cfg.DefaultScopes
	}
	for _, s := range scopes {
		if !validation.ValidScopeName(s) {
			return nil, fmt.Errorf("%w: invalid scope %q", ErrInvalidRequest, s)
		}
	}

	grants := req.GrantTypes
	if len(grants) == 0 {
		grants = defaultGrantTypes(req.Type)
	}
	for _, g := range grants {
		switch g {
		case GrantAuthorizationCode, GrantRefreshToken:
		case GrantClientCredentials:
			// Public clients cannot hold a secret, so they never get the
			// machine-to-machine grant.
			if req.Type == ClientTypePublic {
				return nil, fmt.Errorf("%w: %s requires a confidential client", ErrInvalidRequest, g)
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedGrantType, g)
		}
	}

	now := time.Now().UTC()
	client := &Client{
		ClientID:      uuid.NewString(),
		Name:          req.Name,
		Type:          req.Type,
		RedirectURIs:  req.RedirectURIs,
		GrantTypes:    grants,
		AllowedScopes: scopes,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var plaintext string
	if req.Type == ClientTypeConfidential {
		secret, err := tokens.GenerateOpaque(32)
		if err != nil {
			return nil, fmt.Errorf("generate client secret: %w", err)
		}
		hash, err := secrets.Hash(secrets.Default, secret)
		if err != nil {
			return nil, fmt.Errorf("hash client secret: %w", err)
		}
		client.ClientSecretHash = hash
		plaintext = secret
	}

	if err := r.store.Put(ctx, client); err != nil {
		return nil, fmt.Errorf("store client: %w", err)
	}

	log.Info("client registered",
		logger.ClientID(client.ClientID),
		logger.String("client_type", client.Type),
		logger.Count(len(client.RedirectURIs)),
	)
	return &RegisterResponse{Client: client, ClientSecret: plaintext}, nil
}

// Get returns an active client. Deactivated and unknown clients are
// indistinguishable to the caller.
func (r *Registry) Get(ctx context.Context, clientID string) (*Client, error) {
	client, err := r.store.Get(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidClient
	}
	if !client.Active {
		return nil, ErrInvalidClient
	}
	return client, nil
}

// Authenticate checks a confidential client's secret. Public clients
// authenticate by id alone.
func (r *Registry) Authenticate(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.Type == ClientTypeConfidential {
		if clientSecret == "" || !secrets.Verify(clientSecret, client.ClientSecretHash) {
			return nil, ErrInvalidClient
		}
	}
	return client, nil
}

// Deactivate soft-disables a client. Registrations are never hard-deleted
// so issued-token audit trails stay reconstructable.
func (r *Registry) Deactivate(ctx context.Context, clientID string) error {
	client, err := r.store.Get(ctx, clientID)
	if err != nil {
		return ErrInvalidClient
	}
	client.Active = false
	client.UpdatedAt = time.Now().UTC()
	if err := r.store.Put(ctx, client); err != nil {
		return fmt.Errorf("store client: %w", err)
	}
	logger.From(ctx).Info("client deactivated", logger.ClientID(clientID))
	return nil
}

// RotateSecret replaces a confidential client's secret, returning the new
// plaintext exactly once.
func (r *Registry) RotateSecret(ctx context.Context, clientID string) (string, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return "", err
	}
	if client.Type != ClientTypeConfidential {
		return "", fmt.Errorf("%w: public clients have no secret", ErrInvalidRequest)
	}

	secret, err := tokens.GenerateOpaque(32)
	if err != nil {
		return "", fmt.Errorf("generate client secret: %w", err)
	}
	hash, err := secrets.Hash(secrets.Default, secret)
	if err != nil {
		return "", fmt.Errorf("hash client secret: %w", err)
	}
	client.ClientSecretHash = hash
	client.UpdatedAt = time.Now().UTC()

	if err := r.store.Put(ctx, client); err != nil {
		return "", fmt.Errorf("store client: %w", err)
	}
	logger.From(ctx).Info("client secret rotated", logger.ClientID(clientID))
	return secret, nil
}

func defaultGrantTypes(clientType string) []string {
	if clientType == ClientTypeConfidential {
		return []string{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials}
	}
	return []string{GrantAuthorizationCode, GrantRefreshToken}
}

// kvClientStore persists clients as JSON in the shared key-value store.
type kvClientStore struct {
	store kv.Store
}

// NewKVClientStore builds the default ClientStore.
func NewKVClientStore(store kv.Store) ClientStore {
	return &kvClientStore{store: store}
}

func clientKey(clientID string) string { return "oauth:client:" + clientID }

func (s *kvClientStore) Put(ctx context.Context, c *Client) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, clientKey(c.ClientID), string(b))
}

func (s *kvClientStore) Get(ctx context.Context, clientID string) (*Client, error) {
	raw, err := s.store.Get(ctx, clientKey(clientID))
	if err != nil {
		return nil, ErrInvalidClient
	}
	var c Client
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("corrupt client record: %w", err)
	}
	return &c, nil
}
