package verify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/federato/identity-core/internal/identity"
)

type fakeResolver struct {
	docs map[string]*identity.Document
}

func (f *fakeResolver) Resolve(ctx context.Context, did string) (*identity.Document, error) {
	doc, ok := f.docs[did]
	if !ok {
		return nil, identity.ErrNotResolvable
	}
	return doc, nil
}

func signToken(t *testing.T, key *ecdsa.PrivateKey, alg string, kid string, claims map[string]any) string {
	t.Helper()
	header := map[string]any{"alg": alg, "typ": "JWT"}
	if kid != "" {
		header["kid"] = kid
	}
	hb, _ := json.Marshal(header)
	pb, _ := json.Marshal(claims)
	signingInput := base64.RawURLEncoding.EncodeToString(hb) + "." + base64.RawURLEncoding.EncodeToString(pb)

	sig, err := jwtv5.SigningMethodES256.Sign(signingInput, key)
	require.NoError(t, err)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func setup(t *testing.T) (*Verifier, *ecdsa.PrivateKey, string) {
	t.Helper()
	const did = "did:plc:alice0001"

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	doc := &identity.Document{
		ID: did,
		VerificationMethod: []identity.VerificationMethod{{
			ID:                 did + "#atproto",
			Type:               "Multikey",
			Controller:         did,
			PublicKeyMultibase: identity.EncodeMultikey(&key.PublicKey),
		}},
	}
	v := New(&fakeResolver{docs: map[string]*identity.Document{did: doc}}, Config{})
	return v, key, did
}

func baseClaims(did string) map[string]any {
	now := time.Now()
	return map[string]any{
		"sub": did,
		"iss": did,
		"aud": "did:web:indexer.example",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

func TestVerifyTokenHappyPath(t *testing.T) {
	v, key, did := setup(t)

	token := signToken(t, key, "ES256", "", baseClaims(did))
	res := v.VerifyToken(context.Background(), token)

	require.True(t, res.Valid, "errors: %v", res.Errors)
	require.Equal(t, did, res.DID)
	require.Equal(t, did+"#atproto", res.VerificationMethodID)
	require.Equal(t, did, res.Claims["sub"])
}

func TestVerifyTokenKidSelectsMethod(t *testing.T) {
	v, key, did := setup(t)

	token := signToken(t, key, "ES256", did+"#atproto", baseClaims(did))
	res := v.VerifyToken(context.Background(), token)
	require.True(t, res.Valid)
	require.Equal(t, did+"#atproto", res.VerificationMethodID)
}

func TestVerifyTokenRejectsNonES256BeforeResolution(t *testing.T) {
	v, key, did := setup(t)

	// Signed with the right key but declaring the wrong algorithm: the
	// gate fires on the header alone.
	token := signToken(t, key, "RS256", "", baseClaims(did))
	res := v.VerifyToken(context.Background(), token)

	require.False(t, res.Valid)
	require.Equal(t, []string{KindUnsupportedAlg}, res.Errors)
	require.Empty(t, res.DID)
}

func TestVerifyTokenMalformed(t *testing.T) {
	v, _, _ := setup(t)

	for _, token := range []string{"", "abc", "a.b", "a.b.c.d", "!.!.!"} {
		res := v.VerifyToken(context.Background(), token)
		require.False(t, res.Valid)
		require.Contains(t, res.Errors, KindMalformed, "token %q", token)
	}
}

func TestVerifyTokenUnresolvableFailsClosed(t *testing.T) {
	v, key, _ := setup(t)

	claims := baseClaims("did:plc:unknown9")
	token := signToken(t, key, "ES256", "", claims)
	res := v.VerifyToken(context.Background(), token)

	require.False(t, res.Valid)
	require.Equal(t, []string{KindNotResolvable}, res.Errors)
}

func TestVerifyTokenWrongKey(t *testing.T) {
	v, _, did := setup(t)

	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	token := signToken(t, otherKey, "ES256", "", baseClaims(did))
	res := v.VerifyToken(context.Background(), token)

	require.False(t, res.Valid)
	require.Contains(t, res.Errors, KindNoMatchingKey)
}

func TestVerifyTokenUnsupportedMethodTypeSkipped(t *testing.T) {
	const did = "did:plc:bob00001"
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	doc := &identity.Document{
		ID: did,
		VerificationMethod: []identity.VerificationMethod{
			{ID: did + "#legacy", Type: "RsaVerificationKey2018", Controller: did, PublicKeyMultibase: "zJunk"},
			{ID: did + "#good", Type: "EcdsaSecp256r1VerificationKey2019", Controller: did, PublicKeyMultibase: identity.EncodeMultikey(&key.PublicKey)},
		},
	}
	v := New(&fakeResolver{docs: map[string]*identity.Document{did: doc}}, Config{})

	token := signToken(t, key, "ES256", "", baseClaims(did))
	res := v.VerifyToken(context.Background(), token)

	// The unsupported method is skipped, not fatal; the second one matches.
	require.True(t, res.Valid, "errors: %v", res.Errors)
	require.Equal(t, did+"#good", res.VerificationMethodID)
}

func TestVerifyTokenExpired(t *testing.T) {
	v, key, did := setup(t)

	claims := baseClaims(did)
	claims["exp"] = time.Now().Add(-5 * time.Minute).Unix()
	token := signToken(t, key, "ES256", "", claims)
	res := v.VerifyToken(context.Background(), token)

	require.False(t, res.Valid)
	require.Equal(t, []string{KindExpired}, res.Errors)
	// The signature matched before claim validation failed.
	require.Equal(t, did+"#atproto", res.VerificationMethodID)
}

func TestVerifyTokenMissingExpRejected(t *testing.T) {
	v, key, did := setup(t)

	// A token without an expiry would be valid forever; that is never
	// acceptable between services.
	claims := baseClaims(did)
	delete(claims, "exp")
	token := signToken(t, key, "ES256", "", claims)
	res := v.VerifyToken(context.Background(), token)

	require.False(t, res.Valid)
	require.Equal(t, []string{KindClaimsMismatch}, res.Errors)
}

func TestVerifyTokenExpiryWithinToleranceAccepted(t *testing.T) {
	v, key, did := setup(t)

	claims := baseClaims(did)
	claims["exp"] = time.Now().Add(-30 * time.Second).Unix() // inside 60s tolerance
	token := signToken(t, key, "ES256", "", claims)
	require.True(t, v.VerifyToken(context.Background(), token).Valid)
}

func TestVerifyTokenFutureIatRejected(t *testing.T) {
	v, key, did := setup(t)

	claims := baseClaims(did)
	claims["iat"] = time.Now().Add(10 * time.Minute).Unix()
	token := signToken(t, key, "ES256", "", claims)
	res := v.VerifyToken(context.Background(), token)

	require.False(t, res.Valid)
	require.Equal(t, []string{KindClaimsMismatch}, res.Errors)
}

func TestVerifyTokenAudienceExpectation(t *testing.T) {
	const did = "did:plc:alice0001"
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	doc := &identity.Document{
		ID: did,
		VerificationMethod: []identity.VerificationMethod{{
			ID: did + "#atproto", Type: "Multikey", Controller: did,
			PublicKeyMultibase: identity.EncodeMultikey(&key.PublicKey),
		}},
	}
	v := New(
		&fakeResolver{docs: map[string]*identity.Document{did: doc}},
		Config{ExpectedAudience: "did:web:indexer.example"},
	)

	res := v.VerifyToken(context.Background(), signToken(t, key, "ES256", "", baseClaims(did)))
	require.True(t, res.Valid)

	claims := baseClaims(did)
	claims["aud"] = "did:web:other.example"
	res = v.VerifyToken(context.Background(), signToken(t, key, "ES256", "", claims))
	require.False(t, res.Valid)
	require.Equal(t, []string{KindClaimsMismatch}, res.Errors)
}
