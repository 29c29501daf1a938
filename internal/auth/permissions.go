package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PermissionSet is a value-deduplicated list of grants in first-seen order.
type PermissionSet []PermissionEntry

// NewPermissionSet deduplicates entries by value.
func NewPermissionSet(entries ...PermissionEntry) PermissionSet {
	if len(entries) == 0 {
		return PermissionSet{}
	}
	seen := make(map[PermissionEntry]struct{}, len(entries))
	out := make(PermissionSet, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Has is HasPermission on p.
func (p PermissionSet) Has(resource, action string, required Scope) bool {
	return HasPermission(p, resource, action, required)
}

// HasPermission reports whether set grants resource+action. When required is non-empty the grant must
// carry that scope or ScopeAll; own never satisfies team or all, and team never satisfies all.
func HasPermission(set PermissionSet, resource, action string, required Scope) bool {
	for _, e := range set {
		if e.Resource != resource || e.Action != action {
			continue
		}
		if required == "" || e.Scope == required || e.Scope == ScopeAll {
			return true
		}
	}
	return false
}

// EffectiveScope returns the widest scope granted for resource+action (all > team > own).
func EffectiveScope(set PermissionSet, resource, action string) (Scope, bool) {
	best := -1
	for _, e := range set {
		if e.Resource != resource || e.Action != action {
			continue
		}
		if r := scopeRank(e.Scope); r > best {
			best = r
		}
	}
	switch best {
	case 2:
		return ScopeAll, true
	case 1:
		return ScopeTeam, true
	case 0:
		return ScopeOwn, true
	}
	return "", false
}

func scopeRank(s Scope) int {
	switch s {
	case ScopeAll:
		return 2
	case ScopeTeam:
		return 1
	case ScopeOwn:
		return 0
	}
	return -1
}

// Resolution is the effective authorization state of a user.
type Resolution struct {
	Roles       []string
	Permissions PermissionSet
}

// Resolver computes roles and permissions from the user -> role -> permission assignments.
type Resolver struct {
	store Store
}

// NewResolver builds a resolver over store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns deduplicated role names and permission triples for userID. Nothing is cached.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Resolution, error) {
	if r == nil || r.store == nil {
		return Resolution{}, errors.New("auth: resolver not configured")
	}
	grants, err := r.store.Permissions(ctx).GrantsForUser(ctx, userID)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve permissions: %w", err)
	}
	res := Resolution{Roles: []string{}, Permissions: PermissionSet{}}
	seenRoles := make(map[string]struct{}, len(grants))
	var entries []PermissionEntry
	for _, g := range grants {
		name := strings.TrimSpace(g.RoleName)
		if name != "" {
			if _, ok := seenRoles[name]; !ok {
				seenRoles[name] = struct{}{}
				res.Roles = append(res.Roles, name)
			}
		}
		entries = append(entries, g.Permission)
	}
	res.Permissions = NewPermissionSet(entries...)
	return res, nil
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID      string
	Email       string
	Roles       []string
	Permissions PermissionSet
}

// PrincipalFromClaims builds a principal from verified access claims.
func PrincipalFromClaims(c *AccessClaims) Principal {
	return Principal{
		UserID:      c.Subject,
		Email:       c.Email,
		Roles:       c.Roles,
		Permissions: c.PermissionSet(),
	}
}

// Can reports whether the principal holds resource+action at the required scope.
func (p Principal) Can(resource, action string, required Scope) bool {
	return HasPermission(p.Permissions, resource, action, required)
}

// Require returns ErrForbidden unless the principal can perform resource+action at the required scope.
func (p Principal) Require(resource, action string, required Scope) error {
	if !p.Can(resource, action, required) {
		return fmt.Errorf("%w: %s.%s.%s", ErrForbidden, resource, action, required)
	}
	return nil
}

// Built-in resources and actions.
const (
	ResourceRoles         = "roles"
	ResourceContents      = "contents"
	ResourceAnalytics     = "analytics"
	ResourceAuditLogs     = "audit_logs"
	ResourceSettings      = "settings"
	ResourceNotifications = "notifications"
	ResourceMedia         = "media"
	ResourceBandi         = "bandi"
	ResourceOrganizations = "organizations"
	ResourceAPI           = "api"

	ActionCreate  = "create"
	ActionRead    = "read"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionBulk    = "bulk"
	ActionManage  = "manage"
	ActionReview  = "review"
	ActionPublish = "publish"
	ActionExport  = "export"
	ActionUpload  = "upload"
	ActionSearch  = "search"
	ActionIngest  = "ingest"
	ActionAccess  = "access"
)

// PermAuditRead guards the audit log listing.
var PermAuditRead = PermissionEntry{Resource: ResourceAuditLogs, Action: ActionRead, Scope: ScopeAll}

// CatalogPermission is a seedable permission with its description.
type CatalogPermission struct {
	PermissionEntry
	Description string
}

// CatalogRole is a seedable system role.
type CatalogRole struct {
	Name        string
	DisplayName string
	Description string
	Priority    int
	// Grants is nil for a role that receives every catalog permission.
	Grants []PermissionEntry
}

func perm(resource, action string, scope Scope) PermissionEntry {
	return PermissionEntry{Resource: resource, Action: action, Scope: scope}
}

// BuiltinPermissions is the permission catalog.
var BuiltinPermissions = []CatalogPermission{
	{perm(ResourceUsers, ActionCreate, ScopeAll), "Create users"},
	{perm(ResourceUsers, ActionRead, ScopeAll), "Read every user"},
	{perm(ResourceUsers, ActionRead, ScopeOwn), "Read own profile"},
	{perm(ResourceUsers, ActionUpdate, ScopeAll), "Update every user"},
	{perm(ResourceUsers, ActionUpdate, ScopeOwn), "Update own profile"},
	{perm(ResourceUsers, ActionDelete, ScopeAll), "Delete users"},
	{perm(ResourceUsers, ActionBulk, ScopeAll), "Bulk user operations"},
	{perm(ResourceRoles, ActionManage, ScopeAll), "Manage roles and permissions"},
	{perm(ResourceContents, ActionCreate, ScopeOwn), "Create own content"},
	{perm(ResourceContents, ActionCreate, ScopeAll), "Create content for anyone"},
	{perm(ResourceContents, ActionRead, ScopeAll), "Read all content"},
	{perm(ResourceContents, ActionUpdate, ScopeOwn), "Update own content"},
	{perm(ResourceContents, ActionUpdate, ScopeAll), "Update all content"},
	{perm(ResourceContents, ActionDelete, ScopeOwn), "Delete own content"},
	{perm(ResourceContents, ActionDelete, ScopeAll), "Delete all content"},
	{perm(ResourceContents, ActionReview, ScopeAll), "Review content"},
	{perm(ResourceContents, ActionPublish, ScopeAll), "Publish content"},
	{perm(ResourceAnalytics, ActionRead, ScopeAll), "View analytics"},
	{perm(ResourceAnalytics, ActionExport, ScopeAll), "Export analytics"},
	{PermAuditRead, "Read audit log"},
	{perm(ResourceSettings, ActionManage, ScopeAll), "Manage system settings"},
	{perm(ResourceNotifications, ActionManage, ScopeOwn), "Manage own notifications"},
	{perm(ResourceNotifications, ActionManage, ScopeAll), "Manage all notifications"},
	{perm(ResourceMedia, ActionUpload, ScopeAll), "Upload files"},
	{perm(ResourceMedia, ActionDelete, ScopeOwn), "Delete own files"},
	{perm(ResourceMedia, ActionDelete, ScopeAll), "Delete all files"},
	{perm(ResourceBandi, ActionSearch, ScopeAll), "Search calls for funding"},
	{perm(ResourceBandi, ActionManage, ScopeAll), "Manage calls for funding"},
	{perm(ResourceBandi, ActionIngest, ScopeAll), "Ingest calls for funding"},
	{perm(ResourceOrganizations, ActionManage, ScopeOwn), "Manage own organization"},
	{perm(ResourceOrganizations, ActionManage, ScopeAll), "Manage all organizations"},
	{perm(ResourceAPI, ActionAccess, ScopeAll), "Programmatic API access"},
}

// Built-in role names.
const (
	RoleSuperAdmin    = "super_admin"
	RoleAdmin         = "admin"
	RoleEditor        = "editor"
	RoleModerator     = "moderator"
	RoleAnalyst       = "analyst"
	RoleScoutOperator = "scout_operator"
)

// BuiltinRoles lists the system roles with their grants.
var BuiltinRoles = []CatalogRole{
	{
		Name: RoleSuperAdmin, DisplayName: "Super Admin", Priority: 100,
		Description: "Full platform management and system configuration",
	},
	{
		Name: RoleAdmin, DisplayName: "Administrator", Priority: 80,
		Description: "Manages content, users and analytics",
		Grants: []PermissionEntry{
			perm(ResourceUsers, ActionCreate, ScopeAll), perm(ResourceUsers, ActionRead, ScopeAll),
			perm(ResourceUsers, ActionUpdate, ScopeAll), perm(ResourceUsers, ActionDelete, ScopeAll),
			perm(ResourceUsers, ActionBulk, ScopeAll),
			perm(ResourceContents, ActionCreate, ScopeAll), perm(ResourceContents, ActionRead, ScopeAll),
			perm(ResourceContents, ActionUpdate, ScopeAll), perm(ResourceContents, ActionDelete, ScopeAll),
			perm(ResourceContents, ActionReview, ScopeAll), perm(ResourceContents, ActionPublish, ScopeAll),
			perm(ResourceAnalytics, ActionRead, ScopeAll), perm(ResourceAnalytics, ActionExport, ScopeAll),
			PermAuditRead,
			perm(ResourceNotifications, ActionManage, ScopeAll),
			perm(ResourceMedia, ActionUpload, ScopeAll), perm(ResourceMedia, ActionDelete, ScopeAll),
			perm(ResourceBandi, ActionSearch, ScopeAll), perm(ResourceBandi, ActionManage, ScopeAll),
			perm(ResourceOrganizations, ActionManage, ScopeAll),
			perm(ResourceAPI, ActionAccess, ScopeAll),
		},
	},
	{
		Name: RoleEditor, DisplayName: "Editor", Priority: 40,
		Description: "Creates and edits own content",
		Grants: []PermissionEntry{
			perm(ResourceUsers, ActionRead, ScopeOwn), perm(ResourceUsers, ActionUpdate, ScopeOwn),
			perm(ResourceContents, ActionCreate, ScopeOwn), perm(ResourceContents, ActionRead, ScopeAll),
			perm(ResourceContents, ActionUpdate, ScopeOwn), perm(ResourceContents, ActionDelete, ScopeOwn),
			perm(ResourceNotifications, ActionManage, ScopeOwn),
			perm(ResourceMedia, ActionUpload, ScopeAll), perm(ResourceMedia, ActionDelete, ScopeOwn),
		},
	},
	{
		Name: RoleModerator, DisplayName: "Moderator", Priority: 40,
		Description: "Reviews and approves content",
		Grants: []PermissionEntry{
			perm(ResourceUsers, ActionRead, ScopeOwn), perm(ResourceUsers, ActionUpdate, ScopeOwn),
			perm(ResourceContents, ActionRead, ScopeAll), perm(ResourceContents, ActionReview, ScopeAll),
			perm(ResourceContents, ActionPublish, ScopeAll),
			perm(ResourceNotifications, ActionManage, ScopeOwn),
		},
	},
	{
		Name: RoleAnalyst, DisplayName: "Analyst", Priority: 30,
		Description: "Read-only analytics and reports",
		Grants: []PermissionEntry{
			perm(ResourceUsers, ActionUpdate, ScopeOwn),
			perm(ResourceContents, ActionRead, ScopeAll),
			perm(ResourceAnalytics, ActionRead, ScopeAll), perm(ResourceAnalytics, ActionExport, ScopeAll),
			perm(ResourceNotifications, ActionManage, ScopeOwn),
			perm(ResourceBandi, ActionSearch, ScopeAll),
			perm(ResourceAPI, ActionAccess, ScopeAll),
		},
	},
	{
		Name: RoleScoutOperator, DisplayName: "Scouting Operator", Priority: 50,
		Description: "Operates the calls-for-funding scouting module",
		Grants: []PermissionEntry{
			perm(ResourceUsers, ActionRead, ScopeOwn), perm(ResourceUsers, ActionUpdate, ScopeOwn),
			perm(ResourceContents, ActionRead, ScopeAll),
			perm(ResourceNotifications, ActionManage, ScopeOwn),
			perm(ResourceMedia, ActionUpload, ScopeAll), perm(ResourceMedia, ActionDelete, ScopeOwn),
			perm(ResourceBandi, ActionSearch, ScopeAll), perm(ResourceBandi, ActionManage, ScopeAll),
			perm(ResourceBandi, ActionIngest, ScopeAll),
			perm(ResourceOrganizations, ActionManage, ScopeOwn),
			perm(ResourceAPI, ActionAccess, ScopeAll),
		},
	},
}

// RoleGrants returns the permissions of a catalog role, expanding the all-permissions role.
func RoleGrants(role CatalogRole) []PermissionEntry {
	if role.Grants != nil {
		return role.Grants
	}
	out := make([]PermissionEntry, 0, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		out = append(out, p.PermissionEntry)
	}
	return out
}
