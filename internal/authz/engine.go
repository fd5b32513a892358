// Package authz implements the role/permission engine: a fixed role
// hierarchy with explicit permission tables, resource-ownership override,
// and OAuth-scope fallback. Denials are decision values, never errors.
package authz

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/federato/identity-core/internal/cache"
	"github.com/federato/identity-core/internal/metrics"
	"github.com/federato/identity-core/internal/observability/logger"
)

// Decision reasons, in evaluation order.
const (
	ReasonResourceOwner           = "resource_owner"
	ReasonRolePermission          = "role_permission"
	ReasonOAuthScope              = "oauth_scope"
	ReasonInsufficientPermissions = "insufficient_permissions"
)

// Actions covered by the ownership override.
var ownerActions = map[string]struct{}{
	"read":   {},
	"update": {},
	"delete": {},
}

// Resource is the target of an authorization request.
type Resource struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	OwnerDID string `json:"owner_did,omitempty"`
}

// Request is one authorization question.
type Request struct {
	SubjectDID string   `json:"subject_did"`
	Roles      []Role   `json:"roles,omitempty"`  // roles carried by the credential
	Scopes     []string `json:"scopes,omitempty"` // OAuth scopes carried by the credential
	Action     string   `json:"action"`
	Resource   Resource `json:"resource"`
}

// Decision is the answer. A deny carries the roles and scope that would
// have satisfied the request, for error messages.
type Decision struct {
	Allowed        bool     `json:"allowed"`
	Reason         string   `json:"reason"`
	RequiredRoles  []Role   `json:"required_roles,omitempty"`
	RequiredScopes []string `json:"required_scopes,omitempty"`
}

// Config carries the immutable tables the engine evaluates against.
type Config struct {
	Hierarchy   Hierarchy
	Permissions PermissionTable
	// CacheTTL bounds staleness of per-subject stored-role lookups.
	// Mutations invalidate synchronously, so the window only applies to
	// writes made by other instances.
	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Hierarchy == nil {
		c.Hierarchy = DefaultHierarchy()
	}
	if c.Permissions == nil {
		c.Permissions = DefaultPermissions()
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	return c
}

// Engine answers authorization requests against the role store.
type Engine struct {
	cfg   Config
	store RoleStore
	cache cache.Cache
}

// NewEngine wires the engine. The cache may be shared with other
// consumers; keys are namespaced.
func NewEngine(store RoleStore, c cache.Cache, cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults(), store: store, cache: c}
}

func roleCacheKey(did string) string { return "authz:cache:" + did }

// Authorize runs the decision ladder: ownership override, role closure,
// OAuth scope, deny. Denials are values; the error return is reserved
// for store failures.
func (e *Engine) Authorize(ctx context.Context, req Request) (Decision, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("authz.authorize"))

	// 1. Ownership always wins for read/update/delete.
	if _, ok := ownerActions[req.Action]; ok &&
		req.Resource.OwnerDID != "" && req.Resource.OwnerDID == req.SubjectDID {
		metrics.AuthzDecisions.WithLabelValues("allow", ReasonResourceOwner).Inc()
		return Decision{Allowed: true, Reason: ReasonResourceOwner}, nil
	}

	// 2. Role check over the closure of carried plus stored roles.
	stored, err := e.storedRoles(ctx, req.SubjectDID)
	if err != nil {
		return Decision{}, err
	}
	effective := e.cfg.Hierarchy.Closure(append(append([]Role{}, req.Roles...), stored...))
	if e.cfg.Permissions.covers(effective, req.Resource.Type, req.Action) {
		metrics.AuthzDecisions.WithLabelValues("allow", ReasonRolePermission).Inc()
		return Decision{Allowed: true, Reason: ReasonRolePermission}, nil
	}

	// 3. OAuth scope fallback: exact or resource-wide wildcard.
	want := req.Resource.Type + ":" + req.Action
	wildcard := req.Resource.Type + ":*"
	for _, s := range req.Scopes {
		if s == want || s == wildcard {
			metrics.AuthzDecisions.WithLabelValues("allow", ReasonOAuthScope).Inc()
			return Decision{Allowed: true, Reason: ReasonOAuthScope}, nil
		}
	}

	metrics.AuthzDecisions.WithLabelValues("deny", ReasonInsufficientPermissions).Inc()
	log.Debug("authorization denied",
		logger.DID(req.SubjectDID),
		logger.Action(req.Action),
		logger.Resource(req.Resource.Type),
	)
	return Decision{
		Allowed:        false,
		Reason:         ReasonInsufficientPermissions,
		RequiredRoles:  e.cfg.Permissions.RolesGranting(e.cfg.Hierarchy, req.Resource.Type, req.Action),
		RequiredScopes: []string{want},
	}, nil
}

// AssignRole records an assignment and invalidates the subject's cache
// entry before returning.
func (e *Engine) AssignRole(ctx context.Context, a Assignment) error {
	if err := e.store.Assign(ctx, a); err != nil {
		return err
	}
	e.cache.Delete(roleCacheKey(a.DID))
	logger.From(ctx).Info("role assigned",
		logger.DID(a.DID),
		logger.Role(string(a.Role)),
	)
	return nil
}

// RevokeRole removes an assignment and invalidates the subject's cache
// entry before returning.
func (e *Engine) RevokeRole(ctx context.Context, did string, role Role) error {
	if err := e.store.Revoke(ctx, did, role); err != nil {
		return err
	}
	e.cache.Delete(roleCacheKey(did))
	logger.From(ctx).Info("role revoked",
		logger.DID(did),
		logger.Role(string(role)),
	)
	return nil
}

// RolesFor exposes the subject's stored roles (cache-first), for admin
// surfaces.
func (e *Engine) RolesFor(ctx context.Context, did string) ([]Role, error) {
	return e.storedRoles(ctx, did)
}

func (e *Engine) storedRoles(ctx context.Context, did string) ([]Role, error) {
	if did == "" {
		return nil, nil
	}
	if b, ok := e.cache.Get(roleCacheKey(did)); ok {
		var roles []Role
		if err := json.Unmarshal(b, &roles); err == nil {
			return roles, nil
		}
	}
	roles, err := e.store.RolesFor(ctx, did)
	if err != nil {
		return nil, err
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	if b, err := json.Marshal(roles); err == nil {
		e.cache.Set(roleCacheKey(did), b, e.cfg.CacheTTL)
	}
	return roles, nil
}
