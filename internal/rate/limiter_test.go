package rate

import (
	"context"
	"testing"
	"time"

	"github.com/federato/identity-core/internal/kv"
)

func TestFixedWindowLimiter(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(kv.NewMemory("test"), "rl", 3, time.Minute)

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "203.0.113.5")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("hit %d should be admitted", i+1)
		}
	}

	res, err := l.Allow(ctx, "203.0.113.5")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("fourth hit should be rejected")
	}
	if res.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Fatalf("retry-after = %v, want within the window", res.RetryAfter)
	}

	// Other keys are unaffected.
	other, err := l.Allow(ctx, "198.51.100.7")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !other.Allowed {
		t.Fatal("distinct key should be admitted")
	}
}

func TestAllowNOverridesBudget(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(kv.NewMemory("test"), "rl", 100, time.Minute)

	res, err := l.AllowN(ctx, "mfa:did:plc:alice", 1, time.Minute)
	if err != nil {
		t.Fatalf("allown: %v", err)
	}
	if !res.Allowed {
		t.Fatal("first hit should pass")
	}
	res, err = l.AllowN(ctx, "mfa:did:plc:alice", 1, time.Minute)
	if err != nil {
		t.Fatalf("allown: %v", err)
	}
	if res.Allowed {
		t.Fatal("second hit should fail under limit 1")
	}
}
