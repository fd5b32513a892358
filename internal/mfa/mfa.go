// Package mfa wraps the one-time-password primitive with enrollment
// lifecycle, backup codes, and lockout bookkeeping.
package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/federato/identity-core/internal/kv"
	"github.com/federato/identity-core/internal/metrics"
	"github.com/federato/identity-core/internal/observability/logger"
	tokens "github.com/federato/identity-core/internal/security/token"
	"github.com/federato/identity-core/internal/security/totp"
)

// Verification methods accepted by Verify.
const (
	MethodTOTP     = "totp"
	MethodBackup   = "backup_code"
	MethodHardware = "hardware_key"
)

var (
	ErrNotEnrolled     = errors.New("mfa not enrolled")
	ErrAlreadyEnrolled = errors.New("mfa already enrolled")
	ErrInvalidCode     = errors.New("invalid mfa code")
	ErrLockedOut       = errors.New("mfa locked out")
	// ErrHardwareElsewhere points callers at the credential subsystem
	// that owns hardware-key ceremonies.
	ErrHardwareElsewhere = errors.New("hardware credentials are verified by the webauthn subsystem")
)

// Config carries TTLs and lockout policy.
type Config struct {
	Issuer string // label shown in authenticator apps

	PendingTTL  time.Duration // unconfirmed enrollments expire after this
	BackupCodes int           // codes issued at activation

	MaxAttempts     int           // failures before lockout
	AttemptWindow   time.Duration // sliding window TTL on the failure counter
	LockoutDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Issuer == "" {
		c.Issuer = "identity-core"
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 10 * time.Minute
	}
	if c.BackupCodes <= 0 {
		c.BackupCodes = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = 15 * time.Minute
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = 30 * time.Minute
	}
	return c
}

// Enrollment is the server-side record of an active or pending TOTP
// enrollment. Backup-code hashes live in a separate set.
type Enrollment struct {
	DID         string    `json:"did"`
	Secret      string    `json:"secret"`
	CreatedAt   time.Time `json:"created_at"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// EnrollResponse hands the secret material to the user exactly once.
type EnrollResponse struct {
	Secret string `json:"secret"`
	KeyURI string `json:"key_uri"`
}

// ActivateResponse carries the one-time plaintext backup codes.
type ActivateResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// VerifyResult reports a successful verification and which method
// satisfied it.
type VerifyResult struct {
	Method               string `json:"method"`
	RemainingBackupCodes int    `json:"remaining_backup_codes,omitempty"`
}

// Service implements the MFA lifecycle on the shared key-value store.
type Service struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
}

// NewService wires the MFA service.
func NewService(store kv.Store, cfg Config) *Service {
	return &Service{store: store, cfg: cfg.withDefaults(), now: time.Now}
}

func activeKey(did string) string    { return "mfa:active:" + did }
func pendingKey(did string) string   { return "mfa:pending:" + did }
func backupSetKey(did string) string { return "mfa:backup:" + did }
func attemptsKey(did string) string  { return "mfa:attempts:" + did }
func lockoutKey(did string) string   { return "mfa:lockout:" + did }

// EnrollTOTP starts an enrollment: a fresh secret is stored pending
// until the subject proves possession with one valid code.
func (s *Service) EnrollTOTP(ctx context.Context, did string) (*EnrollResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("mfa.enroll"))
	if did == "" {
		return nil, errors.New("enrollment requires a subject")
	}
	if _, err := s.store.Get(ctx, activeKey(did)); err == nil {
		return nil, ErrAlreadyEnrolled
	}

	secret, err := totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	rec := Enrollment{DID: did, Secret: secret, CreatedAt: s.now().UTC()}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetWithTTL(ctx, pendingKey(did), string(b), s.cfg.PendingTTL); err != nil {
		return nil, fmt.Errorf("store pending enrollment: %w", err)
	}

	log.Info("totp enrollment started", logger.DID(did))
	return &EnrollResponse{
		Secret: secret,
		KeyURI: totp.KeyURI(did, s.cfg.Issuer, secret),
	}, nil
}

// VerifyTOTPEnrollment confirms a pending enrollment. On success the
// secret becomes active, backup codes are minted (hashes stored,
// plaintext returned once), and the pending record is consumed.
func (s *Service) VerifyTOTPEnrollment(ctx context.Context, did, code string) (*ActivateResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("mfa.activate"))

	raw, err := s.store.Get(ctx, pendingKey(did))
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, ErrNotEnrolled
		}
		return nil, err
	}
	var rec Enrollment
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	if !totp.Verify(code, rec.Secret) {
		return nil, ErrInvalidCode
	}

	rec.ActivatedAt = s.now().UTC()
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, activeKey(did), string(b)); err != nil {
		return nil, fmt.Errorf("store active enrollment: %w", err)
	}
	_ = s.store.Delete(ctx, pendingKey(did))

	codes, err := s.mintBackupCodes(ctx, did)
	if err != nil {
		return nil, err
	}

	log.Info("totp enrollment activated", logger.DID(did))
	return &ActivateResponse{BackupCodes: codes}, nil
}

// Verify dispatches a verification attempt by method. Lockout applies
// across methods: once locked, attempts are rejected without touching
// the counter.
func (s *Service) Verify(ctx context.Context, did, method, code string) (*VerifyResult, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("mfa.verify"))

	if locked, err := s.lockedOut(ctx, did); err != nil {
		return nil, err
	} else if locked {
		metrics.MFAAttempts.WithLabelValues(method, "locked_out").Inc()
		return nil, ErrLockedOut
	}

	var (
		res *VerifyResult
		err error
	)
	switch method {
	case MethodTOTP:
		res, err = s.verifyTOTP(ctx, did, code)
	case MethodBackup:
		res, err = s.verifyBackupCode(ctx, did, code)
	case MethodHardware:
		return nil, ErrHardwareElsewhere
	default:
		return nil, fmt.Errorf("unknown mfa method %q", method)
	}

	if err != nil {
		if errors.Is(err, ErrInvalidCode) {
			metrics.MFAAttempts.WithLabelValues(method, "invalid").Inc()
			if lockErr := s.recordFailure(ctx, did); lockErr != nil {
				log.Warn("mfa failure bookkeeping failed", logger.Err(lockErr))
			}
		}
		return nil, err
	}

	// Success clears the failure counter.
	_ = s.store.Delete(ctx, attemptsKey(did))
	metrics.MFAAttempts.WithLabelValues(method, "valid").Inc()
	log.Info("mfa verified", logger.DID(did), logger.String("method", method))
	return res, nil
}

// RemainingAttempts reports how many failures are left before lockout.
func (s *Service) RemainingAttempts(ctx context.Context, did string) (int, error) {
	raw, err := s.store.Get(ctx, attemptsKey(did))
	if err != nil {
		if kv.IsNotFound(err) {
			return s.cfg.MaxAttempts, nil
		}
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("malformed attempts counter %q: %w", raw, err)
	}
	left := s.cfg.MaxAttempts - n
	if left < 0 {
		left = 0
	}
	return left, nil
}

// RegenerateBackupCodes replaces the stored set with fresh codes,
// invalidating every unconsumed old one.
func (s *Service) RegenerateBackupCodes(ctx context.Context, did string) (*ActivateResponse, error) {
	if _, err := s.store.Get(ctx, activeKey(did)); err != nil {
		if kv.IsNotFound(err) {
			return nil, ErrNotEnrolled
		}
		return nil, err
	}
	old, err := s.store.SetMembers(ctx, backupSetKey(did))
	if err != nil {
		return nil, err
	}
	for _, h := range old {
		_, _ = s.store.RemoveFromSet(ctx, backupSetKey(did), h)
	}
	codes, err := s.mintBackupCodes(ctx, did)
	if err != nil {
		return nil, err
	}
	logger.From(ctx).Info("backup codes regenerated", logger.DID(did))
	return &ActivateResponse{BackupCodes: codes}, nil
}

// Enrolled reports whether the subject has an active enrollment.
func (s *Service) Enrolled(ctx context.Context, did string) (bool, error) {
	_, err := s.store.Get(ctx, activeKey(did))
	if err != nil {
		if kv.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Service) verifyTOTP(ctx context.Context, did, code string) (*VerifyResult, error) {
	raw, err := s.store.Get(ctx, activeKey(did))
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, ErrNotEnrolled
		}
		return nil, err
	}
	var rec Enrollment
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	if !totp.Verify(code, rec.Secret) {
		return nil, ErrInvalidCode
	}
	return &VerifyResult{Method: MethodTOTP}, nil
}

// verifyBackupCode consumes a matching code atomically: removal from the
// set is the use-marker, so the same code cannot pass twice.
func (s *Service) verifyBackupCode(ctx context.Context, did, code string) (*VerifyResult, error) {
	if _, err := s.store.Get(ctx, activeKey(did)); err != nil {
		if kv.IsNotFound(err) {
			return nil, ErrNotEnrolled
		}
		return nil, err
	}
	hash := tokens.SHA256Base64URL(code)
	removed, err := s.store.RemoveFromSet(ctx, backupSetKey(did), hash)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, ErrInvalidCode
	}
	left, err := s.store.SetMembers(ctx, backupSetKey(did))
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Method: MethodBackup, RemainingBackupCodes: len(left)}, nil
}

// recordFailure bumps the sliding-window counter and sets the lockout
// flag when the maximum is reached.
func (s *Service) recordFailure(ctx context.Context, did string) error {
	count, err := s.store.AtomicIncrement(ctx, attemptsKey(did), s.cfg.AttemptWindow)
	if err != nil {
		return err
	}
	if count >= int64(s.cfg.MaxAttempts) {
		return s.store.SetWithTTL(ctx, lockoutKey(did), "1", s.cfg.LockoutDuration)
	}
	return nil
}

func (s *Service) lockedOut(ctx context.Context, did string) (bool, error) {
	_, err := s.store.Get(ctx, lockoutKey(did))
	if err != nil {
		if kv.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Service) mintBackupCodes(ctx context.Context, did string) ([]string, error) {
	codes := make([]string, 0, s.cfg.BackupCodes)
	for i := 0; i < s.cfg.BackupCodes; i++ {
		code, err := tokens.GenerateOpaque(10)
		if err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		if err := s.store.AddToSet(ctx, backupSetKey(did), tokens.SHA256Base64URL(code)); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}
