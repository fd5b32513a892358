// Package audit records security-relevant administrative events (client
// lifecycle, role mutations, MFA changes) to the structured log and to a
// durable trail in the key-value store.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/federato/identity-core/internal/kv"
	"github.com/federato/identity-core/internal/observability/logger"
)

// Event types recorded by the admin surfaces.
const (
	EventClientRegistered  = "client.registered"
	EventClientDeactivated = "client.deactivated"
	EventSecretRotated     = "client.secret_rotated"
	EventRoleAssigned      = "role.assigned"
	EventRoleRevoked       = "role.revoked"
	EventMFAEnrolled       = "mfa.enrolled"
	EventMFARegenerated    = "mfa.codes_regenerated"
)

// Event is one administrative action.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Actor     string         `json:"actor,omitempty"`   // who performed it
	Subject   string         `json:"subject,omitempty"` // who it affected
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

const listCap = 200

// Recorder persists events and mirrors them to the log.
type Recorder struct {
	store kv.Store
}

// New wires the recorder onto the shared key-value store.
func New(store kv.Store) *Recorder {
	return &Recorder{store: store}
}

func eventKey(id string) string     { return "audit:event:" + id }
func typeListKey(typ string) string { return "audit:type:" + typ }

// Record stores the event, generating id and timestamp when absent.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	logger.From(ctx).Info("audit event",
		logger.String("event", ev.Type),
		logger.String("actor", ev.Actor),
		logger.String("subject", ev.Subject),
	)

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, eventKey(ev.ID), string(b)); err != nil {
		return err
	}
	if err := r.store.PushToList(ctx, typeListKey(ev.Type), ev.ID); err != nil {
		return err
	}
	return r.store.TrimList(ctx, typeListKey(ev.Type), 0, listCap-1)
}

// RecentByType returns up to n latest event ids of a type, newest first.
func (r *Recorder) RecentByType(ctx context.Context, typ string, n int) ([]Event, error) {
	if n <= 0 || n > listCap {
		n = listCap
	}
	ids, err := r.store.RangeList(ctx, typeListKey(typ), 0, int64(n-1))
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(ids))
	for _, id := range ids {
		raw, err := r.store.Get(ctx, eventKey(id))
		if err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
