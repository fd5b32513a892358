package trust

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/federato/identity-core/internal/kv"
)

// DevicePosture is a recorded snapshot of a device's security posture.
type DevicePosture struct {
	DeviceID      string    `json:"device_id"`
	Encrypted     bool      `json:"encrypted"`
	ScreenLock    bool      `json:"screen_lock"`
	OSCurrent     bool      `json:"os_current"`
	Platform      string    `json:"platform,omitempty"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	PostureSource string    `json:"posture_source,omitempty"`
}

// SecurityEvent is one entry in a subject's recent event history.
type SecurityEvent struct {
	Type       string    `json:"type"` // failed_login, password_reset, suspicious_ip, ...
	OccurredAt time.Time `json:"occurred_at"`
	IPAddress  string    `json:"ip_address,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// EventFailedLogin is the event type the behavioral sub-score penalizes.
const EventFailedLogin = "failed_login"

const maxEventsKept = 50

// Signals is the ambient state the engine reads: device records, IP
// reputation sets, and per-subject security-event history.
type Signals struct {
	store kv.Store
}

// NewSignals wires the signal store onto the shared key-value store.
func NewSignals(store kv.Store) *Signals {
	return &Signals{store: store}
}

func deviceSetKey(did string) string        { return "trust:devices:" + did }
func deviceKey(did, deviceID string) string { return "trust:device:" + did + ":" + deviceID }
func eventListKey(did string) string        { return "trust:events:" + did }
func mfaVerifiedKey(sessionID string) string {
	return "trust:mfa_verified:" + sessionID
}

const (
	trustedIPSetKey = "trust:ips:trusted"
	flaggedIPSetKey = "trust:ips:flagged"
)

// RecordDevicePosture upserts a device record for the subject,
// preserving FirstSeen across updates.
func (s *Signals) RecordDevicePosture(ctx context.Context, did string, p DevicePosture) error {
	if did == "" || p.DeviceID == "" {
		return errors.New("device posture missing did or device id")
	}
	now := time.Now().UTC()
	p.LastSeen = now
	if prev, err := s.device(ctx, did, p.DeviceID); err == nil {
		p.FirstSeen = prev.FirstSeen
	} else {
		p.FirstSeen = now
	}

	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, deviceKey(did, p.DeviceID), string(b)); err != nil {
		return err
	}
	return s.store.AddToSet(ctx, deviceSetKey(did), p.DeviceID)
}

// KnownDevices returns every recorded device for the subject.
func (s *Signals) KnownDevices(ctx context.Context, did string) ([]DevicePosture, error) {
	ids, err := s.store.SetMembers(ctx, deviceSetKey(did))
	if err != nil {
		return nil, err
	}
	out := make([]DevicePosture, 0, len(ids))
	for _, id := range ids {
		p, err := s.device(ctx, did, id)
		if err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Signals) device(ctx context.Context, did, deviceID string) (DevicePosture, error) {
	raw, err := s.store.Get(ctx, deviceKey(did, deviceID))
	if err != nil {
		return DevicePosture{}, err
	}
	var p DevicePosture
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return DevicePosture{}, err
	}
	return p, nil
}

// RecordSecurityEvent prepends an event to the subject's bounded history.
func (s *Signals) RecordSecurityEvent(ctx context.Context, did string, ev SecurityEvent) error {
	if did == "" || ev.Type == "" {
		return errors.New("security event missing did or type")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.store.PushToList(ctx, eventListKey(did), string(b)); err != nil {
		return err
	}
	return s.store.TrimList(ctx, eventListKey(did), 0, maxEventsKept-1)
}

// RecentEvents returns the subject's events newer than the cutoff,
// most recent first.
func (s *Signals) RecentEvents(ctx context.Context, did string, since time.Time) ([]SecurityEvent, error) {
	raw, err := s.store.RangeList(ctx, eventListKey(did), 0, maxEventsKept-1)
	if err != nil {
		return nil, err
	}
	var out []SecurityEvent
	for _, r := range raw {
		var ev SecurityEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		if ev.OccurredAt.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// TrustIP adds an address to the explicitly-trusted set.
func (s *Signals) TrustIP(ctx context.Context, ip string) error {
	return s.store.AddToSet(ctx, trustedIPSetKey, ip)
}

// FlagIP adds an address to the flagged set. A flagged entry wins over a
// trusted one.
func (s *Signals) FlagIP(ctx context.Context, ip string) error {
	return s.store.AddToSet(ctx, flaggedIPSetKey, ip)
}

// IPReputation classifies an address: "trusted", "flagged", or "unknown".
func (s *Signals) IPReputation(ctx context.Context, ip string) (string, error) {
	if ip == "" {
		return "unknown", nil
	}
	flagged, err := s.store.SetMembers(ctx, flaggedIPSetKey)
	if err != nil {
		return "", err
	}
	for _, f := range flagged {
		if f == ip {
			return "flagged", nil
		}
	}
	trusted, err := s.store.SetMembers(ctx, trustedIPSetKey)
	if err != nil {
		return "", err
	}
	for _, t := range trusted {
		if t == ip {
			return "trusted", nil
		}
	}
	return "unknown", nil
}

// MarkMFAVerified flags a session as having completed MFA, for the
// authentication sub-score. The flag expires with the ttl.
func (s *Signals) MarkMFAVerified(ctx context.Context, sessionID string, ttl time.Duration) error {
	return s.store.SetWithTTL(ctx, mfaVerifiedKey(sessionID), "1", ttl)
}

// MFAVerified reports whether the session completed MFA recently.
func (s *Signals) MFAVerified(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	_, err := s.store.Get(ctx, mfaVerifiedKey(sessionID))
	if err != nil {
		if kv.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
