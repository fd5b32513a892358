// Package tokens is the token-issuance collaborator: it signs ES256 access
// tokens, verifies them, and tracks revoked token ids (jti) in the shared
// key-value store.
package tokens

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/federato/identity-core/internal/kv"
)

var (
	ErrInvalidToken = errors.New("tokens: invalid token")
	ErrRevoked      = errors.New("tokens: token revoked")
)

// Issued describes a freshly signed access token.
type Issued struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// Issuer signs and verifies access tokens with a P-256 key.
type Issuer struct {
	Iss       string
	AccessTTL time.Duration

	key   *ecdsa.PrivateKey
	kid   string
	store kv.Store
}

// NewIssuer builds an Issuer. kid is stamped into the token header so
// verifiers can select the right key after a rotation.
func NewIssuer(iss string, key *ecdsa.PrivateKey, kid string, store kv.Store) *Issuer {
	return &Issuer{
		Iss:       iss,
		AccessTTL: 15 * time.Minute,
		key:       key,
		kid:       kid,
		store:     store,
	}
}

// PublicKey exposes the verification half of the signing key.
func (i *Issuer) PublicKey() *ecdsa.PublicKey {
	return &i.key.PublicKey
}

// Issue signs an access token with the standard claims plus extra. The
// generated jti is returned so revocation lists can reference the token.
func (i *Issuer) Issue(sub, aud string, extra map[string]any) (*Issued, error) {
	return i.IssueWithTTL(sub, aud, extra, 0)
}

// IssueWithTTL is Issue with a per-call TTL override (0 = default). A
// negative ttl mints an already-expired token, which tests rely on.
func (i *Issuer) IssueWithTTL(sub, aud string, extra map[string]any, ttl time.Duration) (*Issued, error) {
	if ttl == 0 {
		ttl = i.AccessTTL
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	jti := uuid.NewString()

	claims := jwtv5.MapClaims{
		"iss": i.Iss,
		"sub": sub,
		"aud": aud,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
		"jti": jti,
	}
	for k, v := range extra {
		claims[k] = v
	}

	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodES256, claims)
	tk.Header["kid"] = i.kid
	tk.Header["typ"] = "JWT"

	signed, err := tk.SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Issued{Token: signed, JTI: jti, ExpiresAt: exp}, nil
}

// Verify validates the signature, standard claims, and the revocation
// list, returning the token's claims.
func (i *Issuer) Verify(ctx context.Context, token string) (map[string]any, error) {
	tok, err := jwtv5.Parse(token,
		func(t *jwtv5.Token) (any, error) { return &i.key.PublicKey, nil },
		jwtv5.WithValidMethods([]string{"ES256"}),
		jwtv5.WithIssuer(i.Iss),
		jwtv5.WithLeeway(30*time.Second),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := tok.Claims.(jwtv5.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	if jti, _ := claims["jti"].(string); jti != "" {
		if _, err := i.store.Get(ctx, revocationKey(jti)); err == nil {
			return nil, ErrRevoked
		}
	}

	out := make(map[string]any, len(claims))
	for k, v := range claims {
		out[k] = v
	}
	return out, nil
}

// Revoke records a jti on the revocation list until the token would have
// expired anyway.
func (i *Issuer) Revoke(ctx context.Context, jti string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil // already expired, nothing to revoke
	}
	return i.store.SetWithTTL(ctx, revocationKey(jti), "revoked", ttl)
}

func revocationKey(jti string) string {
	return "token:revoked:" + jti
}
