package trust

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/federato/identity-core/internal/kv"
)

// Record is one audited trust decision.
type Record struct {
	ID        string    `json:"id"`
	DID       string    `json:"did"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Allow     bool      `json:"allow"`
	Score     int       `json:"score"`
	Reasons   []string  `json:"reasons"`
	CreatedAt time.Time `json:"created_at"`
}

const auditListCap = 100

// Audit persists trust decisions two ways: a bounded most-recent-first
// list per subject for quick inspection, and a durable record per audit
// id for later reconstruction.
type Audit struct {
	store kv.Store
}

// NewAudit wires the audit trail onto the shared key-value store.
func NewAudit(store kv.Store) *Audit {
	return &Audit{store: store}
}

func auditListKey(did string) string  { return "trust:audit:" + did }
func auditRecordKey(id string) string { return "trust:audit:record:" + id }

// Append stores the record, generating its id when empty.
func (a *Audit) Append(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := a.store.Set(ctx, auditRecordKey(rec.ID), string(b)); err != nil {
		return "", err
	}
	if err := a.store.PushToList(ctx, auditListKey(rec.DID), string(b)); err != nil {
		return "", err
	}
	if err := a.store.TrimList(ctx, auditListKey(rec.DID), 0, auditListCap-1); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Recent returns up to n of the subject's latest decisions, newest first.
func (a *Audit) Recent(ctx context.Context, did string, n int) ([]Record, error) {
	if n <= 0 || n > auditListCap {
		n = auditListCap
	}
	raw, err := a.store.RangeList(ctx, auditListKey(did), 0, int64(n-1))
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for _, r := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ByID fetches one durable record.
func (a *Audit) ByID(ctx context.Context, id string) (*Record, error) {
	raw, err := a.store.Get(ctx, auditRecordKey(id))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
