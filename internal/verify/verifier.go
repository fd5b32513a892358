// Package verify validates signed tokens against the verification methods
// of a resolved DID document, then validates standard claims.
package verify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/federato/identity-core/internal/identity"
	"github.com/federato/identity-core/internal/observability/logger"
)

// Error kinds collected in Result.Errors. Callers can distinguish "wrong
// key" from "no usable key type" from "expired" without string matching
// free-form messages.
const (
	KindMalformed      = "malformed_token"
	KindUnsupportedAlg = "unsupported_algorithm"
	KindNotResolvable  = "unresolvable_identity"
	KindNoMatchingKey  = "no_matching_key"
	KindExpired        = "expired_token"
	KindClaimsMismatch = "claims_mismatch"
	KindUnsupportedKey = "unsupported_key_type"
)

// Result is the outcome of a token verification. Verification never
// returns a Go error for ordinary denial; the reasons live in Errors.
type Result struct {
	Valid                bool           `json:"valid"`
	DID                  string         `json:"did,omitempty"`
	VerificationMethodID string         `json:"verificationMethodId,omitempty"`
	Claims               map[string]any `json:"claims,omitempty"`
	Errors               []string       `json:"errors,omitempty"`
}

// Config holds the verifier's policy knobs.
type Config struct {
	// ClockTolerance absorbs skew when checking exp/iat. Default 60s.
	ClockTolerance time.Duration

	// ExpectedIssuer, when set, must exactly match the token's iss claim.
	ExpectedIssuer string

	// ExpectedAudience, when set, must exactly match the token's aud claim.
	ExpectedAudience string
}

// Verifier checks token signatures against resolved identity documents.
type Verifier struct {
	resolver identity.Resolver
	cfg      Config
	now      func() time.Time
}

// New builds a Verifier.
func New(resolver identity.Resolver, cfg Config) *Verifier {
	if cfg.ClockTolerance <= 0 {
		cfg.ClockTolerance = 60 * time.Second
	}
	return &Verifier{resolver: resolver, cfg: cfg, now: time.Now}
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
}

type tokenPayload struct {
	Sub string `json:"sub"`
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Exp int64  `json:"exp"`
	Iat int64  `json:"iat"`
}

func fail(kinds ...string) *Result {
	return &Result{Valid: false, Errors: kinds}
}

// VerifyToken runs the full pipeline: structural parse, algorithm gate,
// DID resolution, candidate-method signature checks, claims validation.
func (v *Verifier) VerifyToken(ctx context.Context, token string) *Result {
	log := logger.From(ctx).With(logger.Component("verify"))

	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return fail(KindMalformed)
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fail(KindMalformed)
	}
	var hdr tokenHeader
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return fail(KindMalformed)
	}

	// Algorithm gate runs before any key lookup or network traffic.
	if hdr.Alg != "ES256" {
		return fail(KindUnsupportedAlg)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fail(KindMalformed)
	}
	var payload tokenPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return fail(KindMalformed)
	}
	if !identity.IsDID(payload.Sub) {
		return fail(KindMalformed)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return fail(KindMalformed)
	}

	doc, err := v.resolver.Resolve(ctx, payload.Sub)
	if err != nil {
		// Resolution failure (including timeouts) fails closed: no
		// signature checks are attempted without a document.
		return &Result{Valid: false, DID: payload.Sub, Errors: []string{KindNotResolvable}}
	}

	signingInput := parts[0] + "." + parts[1]
	methodID, attemptErrs := v.checkCandidates(doc, hdr.Kid, signingInput, sig)
	if methodID == "" {
		return &Result{Valid: false, DID: payload.Sub, Errors: append(attemptErrs, KindNoMatchingKey)}
	}

	if kind := v.validateClaims(payload); kind != "" {
		return &Result{Valid: false, DID: payload.Sub, VerificationMethodID: methodID, Errors: []string{kind}}
	}

	var claims map[string]any
	_ = json.Unmarshal(payloadJSON, &claims)

	log.Debug("token verified",
		logger.DID(payload.Sub),
		logger.String("verification_method", methodID),
	)
	return &Result{
		Valid:                true,
		DID:                  payload.Sub,
		VerificationMethodID: methodID,
		Claims:               claims,
	}
}

// checkCandidates tries the kid-designated method first, then every
// method in document order. It returns the id of the method that
// verified the signature, plus one collected error per failed attempt.
func (v *Verifier) checkCandidates(doc *identity.Document, kid, signingInput string, sig []byte) (string, []string) {
	var errs []string
	tried := map[string]bool{}

	try := func(m *identity.VerificationMethod) bool {
		if m == nil || tried[m.ID] {
			return false
		}
		tried[m.ID] = true

		if identity.ParseMethodType(m.Type) == identity.MethodUnsupported {
			errs = append(errs, fmt.Sprintf("%s: %s (%s)", KindUnsupportedKey, m.ID, m.Type))
			return false
		}
		pub, err := identity.DecodeMultikey(m.PublicKeyMultibase)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", m.ID, err))
			return false
		}
		if err := jwtv5.SigningMethodES256.Verify(signingInput, sig, pub); err != nil {
			errs = append(errs, fmt.Sprintf("%s: signature mismatch", m.ID))
			return false
		}
		return true
	}

	if kid != "" {
		if m := doc.MethodByID(kid); try(m) {
			return m.ID, errs
		}
	}
	for i := range doc.VerificationMethod {
		m := &doc.VerificationMethod[i]
		if try(m) {
			return m.ID, errs
		}
	}
	return "", errs
}

// validateClaims checks exp/iat against the clock tolerance and iss/aud
// against configured expectations. Returns the failing error kind, or "".
func (v *Verifier) validateClaims(p tokenPayload) string {
	now := v.now()

	// A token that cannot expire is not acceptable for inter-service auth.
	if p.Exp <= 0 {
		return KindClaimsMismatch
	}
	if now.After(time.Unix(p.Exp, 0).Add(v.cfg.ClockTolerance)) {
		return KindExpired
	}
	if p.Iat > 0 && time.Unix(p.Iat, 0).After(now.Add(v.cfg.ClockTolerance)) {
		return KindClaimsMismatch
	}
	if v.cfg.ExpectedIssuer != "" && p.Iss != v.cfg.ExpectedIssuer {
		return KindClaimsMismatch
	}
	if v.cfg.ExpectedAudience != "" && p.Aud != v.cfg.ExpectedAudience {
		return KindClaimsMismatch
	}
	return ""
}
