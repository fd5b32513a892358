package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/federato/identity-core/internal/authz"
	"github.com/federato/identity-core/internal/kv"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *Signals, *Audit) {
	t.Helper()
	store := kv.NewMemory("test")
	signals := NewSignals(store)
	audit := NewAudit(store)
	e, err := NewEngine(signals, audit, cfg)
	require.NoError(t, err)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }
	return e, signals, audit
}

func TestWeightsMustSumToHundred(t *testing.T) {
	store := kv.NewMemory("test")
	_, err := NewEngine(NewSignals(store), NewAudit(store), Config{
		Weights: Weights{Authentication: 50, Device: 30, Behavior: 10, Network: 5},
	})
	require.Error(t, err)
}

func TestEvaluateDeterministic(t *testing.T) {
	ctx := context.Background()
	e, signals, _ := newTestEngine(t, Config{})

	require.NoError(t, signals.TrustIP(ctx, "10.1.2.3"))
	require.NoError(t, signals.RecordDevicePosture(ctx, "did:plc:alice", DevicePosture{
		DeviceID: "dev-1", Encrypted: true, ScreenLock: true, OSCurrent: true,
	}))

	req := Request{
		Subject:  Subject{DID: "did:plc:alice"},
		Action:   "read",
		Resource: "content",
		Context:  RequestContext{IPAddress: "10.1.2.3", DeviceID: "dev-1"},
	}

	d1, err := e.Evaluate(ctx, req)
	require.NoError(t, err)
	d2, err := e.Evaluate(ctx, req)
	require.NoError(t, err)

	require.Equal(t, d1.Score, d2.Score)
	require.Equal(t, d1.Allow, d2.Allow)
	require.Equal(t, d1.Reasons, d2.Reasons)
	require.Equal(t, d1.Obligations, d2.Obligations)
}

func TestReasonsLeadWithSummary(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Config{})

	d, err := e.Evaluate(ctx, Request{
		Subject: Subject{DID: "did:plc:alice"},
		Action:  "read",
	})
	require.NoError(t, err)
	require.NotEmpty(t, d.Reasons)
	if d.Allow {
		require.Contains(t, d.Reasons[0], "granted")
	} else {
		require.Contains(t, d.Reasons[0], "denied")
	}
}

func TestBareServiceIdentityDeniedUnderStrictThreshold(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Config{ServiceMinTrustScore: 90})

	d, err := e.Evaluate(ctx, Request{
		Subject:  Subject{Service: true},
		Action:   "write",
		Resource: "index",
	})
	require.NoError(t, err)
	require.False(t, d.Allow)
	require.Less(t, d.Score, 90)
	require.Contains(t, d.Reasons[0], "denied")
}

func TestSignalsRaiseAndLowerScore(t *testing.T) {
	ctx := context.Background()
	e, signals, _ := newTestEngine(t, Config{})

	base := Request{
		Subject: Subject{DID: "did:plc:bob"},
		Action:  "read",
		Context: RequestContext{IPAddress: "203.0.113.9"},
	}
	neutral, err := e.Evaluate(ctx, base)
	require.NoError(t, err)

	require.NoError(t, signals.TrustIP(ctx, "203.0.113.9"))
	trusted, err := e.Evaluate(ctx, base)
	require.NoError(t, err)
	require.Greater(t, trusted.Score, neutral.Score)

	require.NoError(t, signals.FlagIP(ctx, "203.0.113.9"))
	flagged, err := e.Evaluate(ctx, base)
	require.NoError(t, err)
	require.Less(t, flagged.Score, neutral.Score, "flagged wins over trusted")
}

func TestMFAAndFreshSessionBoostAuthentication(t *testing.T) {
	ctx := context.Background()
	e, signals, _ := newTestEngine(t, Config{})

	req := Request{
		Subject: Subject{DID: "did:plc:carol"},
		Action:  "update",
		Context: RequestContext{SessionID: "sess-1"},
	}
	before, err := e.Evaluate(ctx, req)
	require.NoError(t, err)

	require.NoError(t, signals.MarkMFAVerified(ctx, "sess-1", time.Hour))
	after, err := e.Evaluate(ctx, req)
	require.NoError(t, err)
	require.Greater(t, after.Score, before.Score)

	req.Context.SessionCreatedAt = e.now().Add(-time.Minute)
	fresh, err := e.Evaluate(ctx, req)
	require.NoError(t, err)
	require.Greater(t, fresh.Score, after.Score)
}

func TestAdminRoleBoost(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, Config{})

	plain, err := e.Evaluate(ctx, Request{Subject: Subject{DID: "did:plc:dan"}, Action: "read"})
	require.NoError(t, err)
	admin, err := e.Evaluate(ctx, Request{
		Subject: Subject{DID: "did:plc:dan", Roles: []authz.Role{authz.RoleAdmin}},
		Action:  "read",
	})
	require.NoError(t, err)
	require.Greater(t, admin.Score, plain.Score)
}

func TestStepUpObligationNearThreshold(t *testing.T) {
	ctx := context.Background()
	// Weight authentication fully so it is always the limiting factor,
	// and set the threshold just above a bare-DID score.
	e, _, _ := newTestEngine(t, Config{
		Weights:       Weights{Authentication: 100},
		MinTrustScore: 45,
	})

	d, err := e.Evaluate(ctx, Request{
		Subject: Subject{DID: "did:plc:erin"},
		Action:  "delete",
	})
	require.NoError(t, err)
	require.False(t, d.Allow)
	require.Equal(t, 40, d.Score)
	require.Contains(t, d.Obligations, ObligationStepUpMFA)
}

func TestFailedLoginsDragBehaviorDown(t *testing.T) {
	ctx := context.Background()
	e, signals, _ := newTestEngine(t, Config{})

	req := Request{Subject: Subject{DID: "did:plc:frank"}, Action: "read"}
	clean, err := e.Evaluate(ctx, req)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, signals.RecordSecurityEvent(ctx, "did:plc:frank", SecurityEvent{
			Type:       EventFailedLogin,
			OccurredAt: e.now().Add(-time.Hour),
		}))
	}
	dirty, err := e.Evaluate(ctx, req)
	require.NoError(t, err)
	require.Less(t, dirty.Score, clean.Score)
}

func TestEvaluationIsAudited(t *testing.T) {
	ctx := context.Background()
	e, _, audit := newTestEngine(t, Config{})

	d, err := e.Evaluate(ctx, Request{
		Subject:  Subject{DID: "did:plc:grace"},
		Action:   "read",
		Resource: "content",
	})
	require.NoError(t, err)
	require.NotEmpty(t, d.AuditID)

	rec, err := audit.ByID(ctx, d.AuditID)
	require.NoError(t, err)
	require.Equal(t, "did:plc:grace", rec.DID)
	require.Equal(t, d.Score, rec.Score)
	require.Equal(t, d.Reasons, rec.Reasons)

	recent, err := audit.Recent(ctx, "did:plc:grace", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, d.AuditID, recent[0].ID)
}

func TestAuditListNewestFirstAndBounded(t *testing.T) {
	ctx := context.Background()
	audit := NewAudit(kv.NewMemory("test"))

	var lastID string
	for i := 0; i < auditListCap+10; i++ {
		id, err := audit.Append(ctx, Record{DID: "did:plc:heavy", Score: i})
		require.NoError(t, err)
		lastID = id
	}
	recent, err := audit.Recent(ctx, "did:plc:heavy", 0)
	require.NoError(t, err)
	require.Len(t, recent, auditListCap)
	require.Equal(t, lastID, recent[0].ID, "newest first")
}
