package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/federato/identity-core/internal/cache"
	"github.com/federato/identity-core/internal/kv"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store := NewKVRoleStore(kv.NewMemory("test"))
	return NewEngine(store, cache.New(time.Minute), Config{})
}

func TestOwnershipOverride(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	for _, action := range []string{"read", "update", "delete"} {
		d, err := e.Authorize(ctx, Request{
			SubjectDID: "did:plc:owner",
			Action:     action,
			Resource:   Resource{Type: "content", ID: "post-1", OwnerDID: "did:plc:owner"},
		})
		require.NoError(t, err)
		require.True(t, d.Allowed, action)
		require.Equal(t, ReasonResourceOwner, d.Reason)
	}

	// Ownership does not cover create.
	d, err := e.Authorize(ctx, Request{
		SubjectDID: "did:plc:owner",
		Action:     "create",
		Resource:   Resource{Type: "content", OwnerDID: "did:plc:owner"},
	})
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Non-owners get no override.
	d, err = e.Authorize(ctx, Request{
		SubjectDID: "did:plc:stranger",
		Action:     "delete",
		Resource:   Resource{Type: "content", ID: "post-1", OwnerDID: "did:plc:owner"},
	})
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

func TestAdminClosureGrantsEverythingBelow(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	require.NoError(t, e.AssignRole(ctx, Assignment{DID: "did:plc:root", Role: RoleAdmin}))

	// Every direct grant of every role under admin must hold.
	table := DefaultPermissions()
	for _, r := range []Role{RoleModerator, RoleGraphEditor, RoleAuthor, RoleReader} {
		for _, p := range table[r] {
			action := p.Action
			if action == "*" {
				action = "anything"
			}
			resource := p.Resource
			if resource == "*" {
				resource = "anything"
			}
			d, err := e.Authorize(ctx, Request{
				SubjectDID: "did:plc:root",
				Action:     action,
				Resource:   Resource{Type: resource},
			})
			require.NoError(t, err)
			require.True(t, d.Allowed, "admin should hold %s:%s from %s", resource, action, r)
			require.Equal(t, ReasonRolePermission, d.Reason)
		}
	}
}

func TestAlphaTesterBranch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	require.NoError(t, e.AssignRole(ctx, Assignment{DID: "did:plc:alpha", Role: RoleAlphaTester}))

	// alpha-tester implies author and reader.
	for _, tc := range []struct{ resource, action string }{
		{"labs", "enable"},
		{"content", "create"},
		{"content", "read"},
	} {
		d, err := e.Authorize(ctx, Request{
			SubjectDID: "did:plc:alpha",
			Action:     tc.action,
			Resource:   Resource{Type: tc.resource},
		})
		require.NoError(t, err)
		require.True(t, d.Allowed, "%s:%s", tc.resource, tc.action)
	}

	// But not moderation.
	d, err := e.Authorize(ctx, Request{
		SubjectDID: "did:plc:alpha",
		Action:     "resolve",
		Resource:   Resource{Type: "moderation"},
	})
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

func TestScopeFallback(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	d, err := e.Authorize(ctx, Request{
		SubjectDID: "did:plc:svc",
		Scopes:     []string{"search:read"},
		Action:     "read",
		Resource:   Resource{Type: "search"},
	})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, ReasonOAuthScope, d.Reason)

	d, err = e.Authorize(ctx, Request{
		SubjectDID: "did:plc:svc",
		Scopes:     []string{"search:*"},
		Action:     "write",
		Resource:   Resource{Type: "search"},
	})
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = e.Authorize(ctx, Request{
		SubjectDID: "did:plc:svc",
		Scopes:     []string{"content:read"},
		Action:     "read",
		Resource:   Resource{Type: "search"},
	})
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

func TestDenyListsSatisfyingRolesAndScope(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	d, err := e.Authorize(ctx, Request{
		SubjectDID: "did:plc:nobody",
		Action:     "delete",
		Resource:   Resource{Type: "content", OwnerDID: "did:plc:other"},
	})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonInsufficientPermissions, d.Reason)
	require.Equal(t, []string{"content:delete"}, d.RequiredScopes)
	require.Contains(t, d.RequiredRoles, RoleAdmin)
	require.Contains(t, d.RequiredRoles, RoleModerator)
	require.NotContains(t, d.RequiredRoles, RoleReader)
}

func TestRoleMutationsInvalidateCacheSynchronously(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	req := Request{
		SubjectDID: "did:plc:carol",
		Action:     "resolve",
		Resource:   Resource{Type: "moderation"},
	}

	// Prime the cache with an empty role set.
	d, err := e.Authorize(ctx, req)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, e.AssignRole(ctx, Assignment{DID: "did:plc:carol", Role: RoleModerator}))
	d, err = e.Authorize(ctx, req)
	require.NoError(t, err)
	require.True(t, d.Allowed, "assignment must be visible immediately")

	require.NoError(t, e.RevokeRole(ctx, "did:plc:carol", RoleModerator))
	d, err = e.Authorize(ctx, req)
	require.NoError(t, err)
	require.False(t, d.Allowed, "revocation must be visible immediately")
}

func TestExpiredAssignmentIgnored(t *testing.T) {
	ctx := context.Background()
	store := NewKVRoleStore(kv.NewMemory("test"))
	e := NewEngine(store, cache.New(time.Minute), Config{})

	past := time.Now().Add(-time.Hour)
	require.NoError(t, store.Assign(ctx, Assignment{
		DID:       "did:plc:temp",
		Role:      RoleModerator,
		ExpiresAt: &past,
	}))

	roles, err := e.RolesFor(ctx, "did:plc:temp")
	require.NoError(t, err)
	require.Empty(t, roles)
}

func TestRevokeUnassignedRole(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	err := e.RevokeRole(ctx, "did:plc:nobody", RoleAuthor)
	require.ErrorIs(t, err, ErrRoleNotAssigned)
}

func TestParseRole(t *testing.T) {
	for _, ok := range []string{"admin", "moderator", "graph-editor", "author", "reader", "alpha-tester"} {
		_, err := ParseRole(ok)
		require.NoError(t, err)
	}
	_, err := ParseRole("superuser")
	require.Error(t, err)
}

func TestPermissionMatching(t *testing.T) {
	cases := []struct {
		perm     string
		resource string
		action   string
		want     bool
	}{
		{"content:read", "content", "read", true},
		{"content:read", "content", "write", false},
		{"content:*", "content", "anything", true},
		{"*:read", "graph", "read", true},
		{"*:*", "whatever", "whenever", true},
		{"graph:*", "content", "read", false},
	}
	for _, tc := range cases {
		p, err := ParsePermission(tc.perm)
		require.NoError(t, err)
		require.Equal(t, tc.want, p.Matches(tc.resource, tc.action), tc.perm)
	}

	_, err := ParsePermission("no-colon")
	require.Error(t, err)
}
