package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/federato/identity-core/internal/kv"
)

// ErrRoleNotAssigned is returned when revoking a role the subject does
// not hold.
var ErrRoleNotAssigned = errors.New("role not assigned")

// Assignment records who gave which role to whom, and until when.
type Assignment struct {
	DID        string     `json:"did"`
	Role       Role       `json:"role"`
	AssignedAt time.Time  `json:"assigned_at"`
	AssignedBy string     `json:"assigned_by,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (a Assignment) expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// RoleStore is the authoritative store of role assignments.
type RoleStore interface {
	// Assign records an assignment, overwriting any previous one for the
	// same (did, role) pair.
	Assign(ctx context.Context, a Assignment) error

	// Revoke removes an assignment. Returns ErrRoleNotAssigned when the
	// subject does not hold the role.
	Revoke(ctx context.Context, did string, role Role) error

	// RolesFor returns the subject's live (non-expired) roles.
	RolesFor(ctx context.Context, did string) ([]Role, error)

	// AssignmentsFor returns the full assignment records, for admin
	// surfaces.
	AssignmentsFor(ctx context.Context, did string) ([]Assignment, error)
}

type kvRoleStore struct {
	store kv.Store
}

// NewKVRoleStore keeps role assignments in the shared key-value store:
// a per-subject set of role names plus one record per assignment.
func NewKVRoleStore(store kv.Store) RoleStore {
	return &kvRoleStore{store: store}
}

func roleSetKey(did string) string { return "authz:roles:" + did }

func assignmentKey(did string, role Role) string {
	return "authz:assignment:" + did + ":" + string(role)
}

func (s *kvRoleStore) Assign(ctx context.Context, a Assignment) error {
	if a.DID == "" {
		return errors.New("assignment missing did")
	}
	if _, err := ParseRole(string(a.Role)); err != nil {
		return err
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, assignmentKey(a.DID, a.Role), string(b)); err != nil {
		return fmt.Errorf("store assignment: %w", err)
	}
	if err := s.store.AddToSet(ctx, roleSetKey(a.DID), string(a.Role)); err != nil {
		return fmt.Errorf("store role set: %w", err)
	}
	return nil
}

func (s *kvRoleStore) Revoke(ctx context.Context, did string, role Role) error {
	removed, err := s.store.RemoveFromSet(ctx, roleSetKey(did), string(role))
	if err != nil {
		return err
	}
	if !removed {
		return ErrRoleNotAssigned
	}
	return s.store.Delete(ctx, assignmentKey(did, role))
}

func (s *kvRoleStore) RolesFor(ctx context.Context, did string) ([]Role, error) {
	assignments, err := s.AssignmentsFor(ctx, did)
	if err != nil {
		return nil, err
	}
	roles := make([]Role, 0, len(assignments))
	for _, a := range assignments {
		roles = append(roles, a.Role)
	}
	return roles, nil
}

func (s *kvRoleStore) AssignmentsFor(ctx context.Context, did string) ([]Assignment, error) {
	members, err := s.store.SetMembers(ctx, roleSetKey(did))
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]Assignment, 0, len(members))
	for _, m := range members {
		role := Role(m)
		raw, err := s.store.Get(ctx, assignmentKey(did, role))
		if err != nil {
			if kv.IsNotFound(err) {
				// Orphaned set member; drop it.
				_, _ = s.store.RemoveFromSet(ctx, roleSetKey(did), m)
				continue
			}
			return nil, err
		}
		var a Assignment
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		if a.expired(now) {
			// Lazy expiry: clean up on read.
			_, _ = s.store.RemoveFromSet(ctx, roleSetKey(did), m)
			_ = s.store.Delete(ctx, assignmentKey(did, role))
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
