package authz

import (
	"fmt"
	"strings"
)

// Role is one of the closed set of roles the service knows about.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleModerator   Role = "moderator"
	RoleGraphEditor Role = "graph-editor"
	RoleAuthor      Role = "author"
	RoleReader      Role = "reader"
	RoleAlphaTester Role = "alpha-tester"
)

// ParseRole validates a role name against the closed set.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleModerator, RoleGraphEditor, RoleAuthor, RoleReader, RoleAlphaTester:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Hierarchy maps each role to the roles it directly implies. Implication
// is transitive: holding a role grants every role reachable downward.
type Hierarchy map[Role][]Role

// DefaultHierarchy is the fixed role lattice: admin over moderator over
// graph-editor over author over reader, with alpha-tester as a parallel
// branch over author.
func DefaultHierarchy() Hierarchy {
	return Hierarchy{
		RoleAdmin:       {RoleModerator},
		RoleModerator:   {RoleGraphEditor},
		RoleGraphEditor: {RoleAuthor},
		RoleAuthor:      {RoleReader},
		RoleAlphaTester: {RoleAuthor},
	}
}

// Closure expands a role set over the hierarchy, returning every role
// held directly or by implication.
func (h Hierarchy) Closure(roles []Role) map[Role]struct{} {
	out := make(map[Role]struct{}, len(roles))
	var walk func(r Role)
	walk = func(r Role) {
		if _, seen := out[r]; seen {
			return
		}
		out[r] = struct{}{}
		for _, implied := range h[r] {
			walk(implied)
		}
	}
	for _, r := range roles {
		walk(r)
	}
	return out
}

// Permission is a resource-type/action pair. Either side may be the
// wildcard "*".
type Permission struct {
	Resource string
	Action   string
}

// ParsePermission parses "resource:action".
func ParsePermission(s string) (Permission, error) {
	res, act, ok := strings.Cut(s, ":")
	if !ok || res == "" || act == "" {
		return Permission{}, fmt.Errorf("malformed permission %q", s)
	}
	return Permission{Resource: res, Action: act}, nil
}

func (p Permission) String() string { return p.Resource + ":" + p.Action }

// Matches reports whether the permission covers the given resource type
// and action, honoring wildcards on either axis.
func (p Permission) Matches(resourceType, action string) bool {
	if p.Resource != "*" && p.Resource != resourceType {
		return false
	}
	return p.Action == "*" || p.Action == action
}

// PermissionTable maps each role to its explicit permission list. The
// table holds direct grants only; hierarchy expansion happens at
// authorization time.
type PermissionTable map[Role][]Permission

// DefaultPermissions is the stock permission table for the content
// indexing service.
func DefaultPermissions() PermissionTable {
	return PermissionTable{
		RoleReader: {
			{Resource: "content", Action: "read"},
			{Resource: "search", Action: "read"},
			{Resource: "profile", Action: "read"},
		},
		RoleAuthor: {
			{Resource: "content", Action: "create"},
			{Resource: "content", Action: "update"},
			{Resource: "draft", Action: "*"},
		},
		RoleGraphEditor: {
			{Resource: "graph", Action: "*"},
			{Resource: "label", Action: "read"},
		},
		RoleModerator: {
			{Resource: "moderation", Action: "*"},
			{Resource: "report", Action: "*"},
			{Resource: "label", Action: "*"},
			{Resource: "content", Action: "delete"},
		},
		RoleAdmin: {
			{Resource: "*", Action: "*"},
		},
		RoleAlphaTester: {
			{Resource: "labs", Action: "*"},
		},
	}
}

// RolesGranting returns, in stable order, every role that would satisfy
// the resource/action pair once expanded over the hierarchy. Used to
// populate deny responses.
func (t PermissionTable) RolesGranting(h Hierarchy, resourceType, action string) []Role {
	ordered := []Role{RoleAdmin, RoleModerator, RoleGraphEditor, RoleAuthor, RoleReader, RoleAlphaTester}
	var out []Role
	for _, r := range ordered {
		if t.covers(h.Closure([]Role{r}), resourceType, action) {
			out = append(out, r)
		}
	}
	return out
}

// covers reports whether any role in the effective set carries a
// matching permission.
func (t PermissionTable) covers(effective map[Role]struct{}, resourceType, action string) bool {
	for r := range effective {
		for _, p := range t[r] {
			if p.Matches(resourceType, action) {
				return true
			}
		}
	}
	return false
}
