package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/federato/identity-core/internal/oauth"
)

// clientStore implements oauth.ClientStore on Postgres.
type clientStore struct{ s *Store }

// Clients returns the durable client registry adapter.
func (s *Store) Clients() oauth.ClientStore {
	return &clientStore{s: s}
}

func (c *clientStore) Put(ctx context.Context, cl *oauth.Client) error {
	const q = `
INSERT INTO oauth_client
    (client_id, name, client_secret_hash, client_type, redirect_uris,
     grant_types, allowed_scopes, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (client_id) DO UPDATE SET
    name               = EXCLUDED.name,
    client_secret_hash = EXCLUDED.client_secret_hash,
    redirect_uris      = EXCLUDED.redirect_uris,
    grant_types        = EXCLUDED.grant_types,
    allowed_scopes     = EXCLUDED.allowed_scopes,
    active             = EXCLUDED.active,
    updated_at         = EXCLUDED.updated_at;`
	_, err := c.s.pool.Exec(ctx, q,
		cl.ClientID, cl.Name, cl.ClientSecretHash, cl.Type, cl.RedirectURIs,
		cl.GrantTypes, cl.AllowedScopes, cl.Active, cl.CreatedAt, cl.UpdatedAt)
	return err
}

func (c *clientStore) Get(ctx context.Context, clientID string) (*oauth.Client, error) {
	const q = `
SELECT client_id, name, COALESCE(client_secret_hash, ''), client_type,
       redirect_uris, grant_types, allowed_scopes, active, created_at, updated_at
FROM oauth_client
WHERE client_id = $1;`
	var cl oauth.Client
	err := c.s.pool.QueryRow(ctx, q, clientID).Scan(
		&cl.ClientID, &cl.Name, &cl.ClientSecretHash, &cl.Type,
		&cl.RedirectURIs, &cl.GrantTypes, &cl.AllowedScopes, &cl.Active,
		&cl.CreatedAt, &cl.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth.ErrInvalidClient
		}
		return nil, err
	}
	return &cl, nil
}
