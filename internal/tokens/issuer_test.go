package tokens

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/federato/identity-core/internal/kv"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return NewIssuer("https://auth.federato.test", key, "key-1", kv.NewMemory(""))
}

func TestIssueAndVerify(t *testing.T) {
	ctx := context.Background()
	iss := newTestIssuer(t)

	out, err := iss.Issue("did:plc:alice", "indexer", map[string]any{
		"scope":     "content:read",
		"sessionId": "sess-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.JTI)
	require.WithinDuration(t, time.Now().Add(15*time.Minute), out.ExpiresAt, 5*time.Second)

	claims, err := iss.Verify(ctx, out.Token)
	require.NoError(t, err)
	require.Equal(t, "did:plc:alice", claims["sub"])
	require.Equal(t, "content:read", claims["scope"])
	require.Equal(t, out.JTI, claims["jti"])
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	ctx := context.Background()
	iss := newTestIssuer(t)

	out, err := iss.Issue("did:plc:alice", "indexer", nil)
	require.NoError(t, err)

	tampered := out.Token[:len(out.Token)-4] + "AAAA"
	_, err = iss.Verify(ctx, tampered)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongIssuerKey(t *testing.T) {
	ctx := context.Background()
	a := newTestIssuer(t)
	b := newTestIssuer(t)

	out, err := a.Issue("did:plc:alice", "indexer", nil)
	require.NoError(t, err)

	_, err = b.Verify(ctx, out.Token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevocation(t *testing.T) {
	ctx := context.Background()
	iss := newTestIssuer(t)

	out, err := iss.Issue("did:plc:alice", "indexer", nil)
	require.NoError(t, err)

	_, err = iss.Verify(ctx, out.Token)
	require.NoError(t, err)

	require.NoError(t, iss.Revoke(ctx, out.JTI, out.ExpiresAt))

	_, err = iss.Verify(ctx, out.Token)
	require.ErrorIs(t, err, ErrRevoked)
}

func TestExpiredTokenRejected(t *testing.T) {
	ctx := context.Background()
	iss := newTestIssuer(t)

	out, err := iss.IssueWithTTL("did:plc:alice", "indexer", nil, -2*time.Minute)
	require.NoError(t, err)

	_, err = iss.Verify(ctx, out.Token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
