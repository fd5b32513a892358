package mfa

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/federato/identity-core/internal/kv"
	"github.com/federato/identity-core/internal/security/totp"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	return NewService(kv.NewMemory("test"), cfg)
}

// enroll runs the full enrollment ceremony and returns the secret plus
// the one-time backup codes.
func enroll(t *testing.T, s *Service, did string) (string, []string) {
	t.Helper()
	ctx := context.Background()

	resp, err := s.EnrollTOTP(ctx, did)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Secret)
	require.True(t, strings.HasPrefix(resp.KeyURI, "otpauth://totp/"))

	code, err := totp.CodeAt(resp.Secret, time.Now())
	require.NoError(t, err)
	act, err := s.VerifyTOTPEnrollment(ctx, did, code)
	require.NoError(t, err)
	require.NotEmpty(t, act.BackupCodes)
	return resp.Secret, act.BackupCodes
}

func TestEnrollmentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, Config{})

	secret, _ := enroll(t, s, "did:plc:alice")

	enrolled, err := s.Enrolled(ctx, "did:plc:alice")
	require.NoError(t, err)
	require.True(t, enrolled)

	// Pending record is consumed; confirming again says not enrolled.
	code, err := totp.CodeAt(secret, time.Now())
	require.NoError(t, err)
	_, err = s.VerifyTOTPEnrollment(ctx, "did:plc:alice", code)
	require.ErrorIs(t, err, ErrNotEnrolled)

	// Re-enrolling an active subject is rejected.
	_, err = s.EnrollTOTP(ctx, "did:plc:alice")
	require.ErrorIs(t, err, ErrAlreadyEnrolled)
}

func TestEnrollmentRequiresValidCode(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, Config{})

	_, err := s.EnrollTOTP(ctx, "did:plc:bob")
	require.NoError(t, err)

	_, err = s.VerifyTOTPEnrollment(ctx, "did:plc:bob", "000000")
	require.ErrorIs(t, err, ErrInvalidCode)

	enrolled, err := s.Enrolled(ctx, "did:plc:bob")
	require.NoError(t, err)
	require.False(t, enrolled)
}

func TestVerifyTOTP(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, Config{})
	secret, _ := enroll(t, s, "did:plc:carol")

	code, err := totp.CodeAt(secret, time.Now())
	require.NoError(t, err)
	res, err := s.Verify(ctx, "did:plc:carol", MethodTOTP, code)
	require.NoError(t, err)
	require.Equal(t, MethodTOTP, res.Method)

	_, err = s.Verify(ctx, "did:plc:carol", MethodTOTP, "999999")
	require.ErrorIs(t, err, ErrInvalidCode)
}

func TestBackupCodeSingleUse(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, Config{BackupCodes: 4})
	_, codes := enroll(t, s, "did:plc:dan")
	require.Len(t, codes, 4)

	res, err := s.Verify(ctx, "did:plc:dan", MethodBackup, codes[0])
	require.NoError(t, err)
	require.Equal(t, MethodBackup, res.Method)
	require.Equal(t, 3, res.RemainingBackupCodes)

	// Consumed: the same code must fail the second time.
	_, err = s.Verify(ctx, "did:plc:dan", MethodBackup, codes[0])
	require.ErrorIs(t, err, ErrInvalidCode)

	// Others still work.
	_, err = s.Verify(ctx, "did:plc:dan", MethodBackup, codes[1])
	require.NoError(t, err)
}

func TestRegenerateBackupCodesInvalidatesOld(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, Config{BackupCodes: 3})
	_, old := enroll(t, s, "did:plc:erin")

	fresh, err := s.RegenerateBackupCodes(ctx, "did:plc:erin")
	require.NoError(t, err)
	require.Len(t, fresh.BackupCodes, 3)

	_, err = s.Verify(ctx, "did:plc:erin", MethodBackup, old[0])
	require.ErrorIs(t, err, ErrInvalidCode)
	_, err = s.Verify(ctx, "did:plc:erin", MethodBackup, fresh.BackupCodes[0])
	require.NoError(t, err)

	_, err = s.RegenerateBackupCodes(ctx, "did:plc:never-enrolled")
	require.ErrorIs(t, err, ErrNotEnrolled)
}

func TestHardwareMethodPointsElsewhere(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, Config{})
	enroll(t, s, "did:plc:frank")

	_, err := s.Verify(ctx, "did:plc:frank", MethodHardware, "anything")
	require.ErrorIs(t, err, ErrHardwareElsewhere)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, Config{MaxAttempts: 3})
	secret, _ := enroll(t, s, "did:plc:grace")

	left, err := s.RemainingAttempts(ctx, "did:plc:grace")
	require.NoError(t, err)
	require.Equal(t, 3, left)

	for i := 0; i < 3; i++ {
		_, err := s.Verify(ctx, "did:plc:grace", MethodTOTP, "000000")
		require.ErrorIs(t, err, ErrInvalidCode)
	}

	// Locked: even a valid code is rejected, and invalid methods do not
	// keep consuming the counter.
	code, err := totp.CodeAt(secret, time.Now())
	require.NoError(t, err)
	_, err = s.Verify(ctx, "did:plc:grace", MethodTOTP, code)
	require.ErrorIs(t, err, ErrLockedOut)

	left, err = s.RemainingAttempts(ctx, "did:plc:grace")
	require.NoError(t, err)
	require.Equal(t, 0, left)
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, Config{MaxAttempts: 3})
	secret, _ := enroll(t, s, "did:plc:henry")

	_, err := s.Verify(ctx, "did:plc:henry", MethodTOTP, "000000")
	require.ErrorIs(t, err, ErrInvalidCode)

	code, err := totp.CodeAt(secret, time.Now())
	require.NoError(t, err)
	_, err = s.Verify(ctx, "did:plc:henry", MethodTOTP, code)
	require.NoError(t, err)

	left, err := s.RemainingAttempts(ctx, "did:plc:henry")
	require.NoError(t, err)
	require.Equal(t, 3, left)
}

func TestVerifyUnenrolledSubject(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, Config{})

	_, err := s.Verify(ctx, "did:plc:nobody", MethodTOTP, "123456")
	require.ErrorIs(t, err, ErrNotEnrolled)
	_, err = s.Verify(ctx, "did:plc:nobody", MethodBackup, "whatever")
	require.ErrorIs(t, err, ErrNotEnrolled)
}
