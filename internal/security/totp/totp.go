// Package totp implements the one-time-password primitive (RFC 4226 /
// RFC 6238, HMAC-SHA1, 6 digits, 30s period). The MFA layer treats it as a
// black box: generate a secret, render a provisioning URI, verify a code.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	digits = 6
	period = 30 * time.Second
	// window of accepted steps around now, to absorb clock drift
	windowSteps = 1
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateSecret returns 20 random bytes encoded as unpadded base32.
func GenerateSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return b32.EncodeToString(raw), nil
}

// KeyURI builds the otpauth:// provisioning URI for QR enrollment.
func KeyURI(account, issuer, secret string) string {
	label := url.PathEscape(fmt.Sprintf("%s:%s", issuer, account))
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", fmt.Sprintf("%d", digits))
	q.Set("period", fmt.Sprintf("%d", int(period.Seconds())))
	return fmt.Sprintf("otpauth://totp/%s?%s", label, q.Encode())
}

// CodeAt computes the code for the step containing t.
func CodeAt(secret string, t time.Time) (string, error) {
	raw, err := b32.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	return hotp(raw, t.Unix()/int64(period.Seconds())), nil
}

// Verify checks a 6-digit code against the base32 secret, accepting codes
// from the current step plus/minus the drift window.
func Verify(code, secret string) bool {
	return VerifyAt(code, secret, time.Now())
}

// VerifyAt is Verify with an explicit evaluation time, for tests.
func VerifyAt(code, secret string, t time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != digits {
		return false
	}
	raw, err := b32.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return false
	}

	counter := t.Unix() / int64(period.Seconds())
	for c := counter - windowSteps; c <= counter+windowSteps; c++ {
		if subtle.ConstantTimeCompare([]byte(hotp(raw, c)), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// hotp computes HOTP(K, C) per RFC 4226 with dynamic truncation.
func hotp(secret []byte, counter int64) string {
	var msg [8]byte
	for i := 7; i >= 0; i-- {
		msg[i] = byte(counter & 0xff)
		counter >>= 8
	}
	m := hmac.New(sha1.New, secret)
	_, _ = m.Write(msg[:])
	sum := m.Sum(nil)
	offset := int(sum[len(sum)-1] & 0x0f)
	bin := (int(sum[offset])&0x7f)<<24 | int(sum[offset+1])<<16 | int(sum[offset+2])<<8 | int(sum[offset+3])
	return fmt.Sprintf("%06d", bin%1000000)
}
