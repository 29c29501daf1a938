package auth

import (
	"context"
	"errors"
	"testing"
)

func TestHasPermissionScopes(t *testing.T) {
	set := NewPermissionSet(
		PermissionEntry{Resource: "contents", Action: "update", Scope: ScopeOwn},
		PermissionEntry{Resource: "users", Action: "read", Scope: ScopeTeam},
	)
	cases := []struct {
		resource, action string
		scope            Scope
		want             bool
	}{
		{"contents", "update", "", true},
		{"contents", "update", ScopeOwn, true},
		{"contents", "update", ScopeTeam, false},
		{"contents", "update", ScopeAll, false},
		{"users", "read", ScopeTeam, true},
		{"users", "read", ScopeAll, false},
		{"users", "delete", "", false},
	}
	for _, tc := range cases {
		if got := HasPermission(set, tc.resource, tc.action, tc.scope); got != tc.want {
			t.Fatalf("HasPermission(%s,%s,%q) = %v, want %v", tc.resource, tc.action, tc.scope, got, tc.want)
		}
	}
}

func TestAllScopeSatisfiesEveryRequirement(t *testing.T) {
	set := NewPermissionSet(PermissionEntry{Resource: "media", Action: "delete", Scope: ScopeAll})
	for _, s := range []Scope{"", ScopeOwn, ScopeTeam, ScopeAll} {
		if !set.Has("media", "delete", s) {
			t.Fatalf("all-scope grant should satisfy %q", s)
		}
	}
}

func TestPrincipalRequire(t *testing.T) {
	p := Principal{UserID: "u1", Permissions: NewPermissionSet(
		PermissionEntry{Resource: "contents", Action: "update", Scope: ScopeTeam},
	)}
	if err := p.Require("contents", "update", ScopeTeam); err != nil {
		t.Fatalf("matching scope rejected: %v", err)
	}
	err := p.Require("contents", "update", ScopeOwn)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if ErrorCode(err) != CodeForbidden {
		t.Fatalf("unexpected code %q", ErrorCode(err))
	}
}

func TestEffectiveScopeTakesWidest(t *testing.T) {
	set := NewPermissionSet(
		PermissionEntry{Resource: "contents", Action: "delete", Scope: ScopeOwn},
		PermissionEntry{Resource: "contents", Action: "delete", Scope: ScopeTeam},
		PermissionEntry{Resource: "contents", Action: "read", Scope: ScopeOwn},
		PermissionEntry{Resource: "contents", Action: "read", Scope: ScopeAll},
	)
	if s, ok := EffectiveScope(set, "contents", "delete"); !ok || s != ScopeTeam {
		t.Fatalf("delete scope = %q %v", s, ok)
	}
	if s, ok := EffectiveScope(set, "contents", "read"); !ok || s != ScopeAll {
		t.Fatalf("read scope = %q %v", s, ok)
	}
	if _, ok := EffectiveScope(set, "contents", "publish"); ok {
		t.Fatal("expected no scope for ungranted action")
	}
}

func TestNewPermissionSetDedupesByValue(t *testing.T) {
	a := PermissionEntry{Resource: "users", Action: "read", Scope: ScopeOwn}
	b := a
	set := NewPermissionSet(a, b, PermissionEntry{Resource: "users", Action: "read", Scope: ScopeAll})
	if len(set) != 2 {
		t.Fatalf("expected 2 entries, got %v", set)
	}
}

type grantStore struct {
	Store
	grants []Grant
	err    error
}

func (g grantStore) Permissions(context.Context) PermissionStore { return g }

func (g grantStore) GrantsForUser(context.Context, string) ([]Grant, error) { return g.grants, g.err }

func TestResolverDedupesRolesAndPermissions(t *testing.T) {
	read := PermissionEntry{Resource: "contents", Action: "read", Scope: ScopeAll}
	own := PermissionEntry{Resource: "users", Action: "update", Scope: ScopeOwn}
	store := grantStore{grants: []Grant{
		{RoleName: "admin", Permission: read},
		{RoleName: "editor", Permission: PermissionEntry{Resource: "contents", Action: "read", Scope: ScopeAll}},
		{RoleName: "editor", Permission: own},
	}}
	res, err := NewResolver(store).Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Roles) != 2 || res.Roles[0] != "admin" || res.Roles[1] != "editor" {
		t.Fatalf("unexpected roles: %v", res.Roles)
	}
	if len(res.Permissions) != 2 {
		t.Fatalf("unexpected permissions: %v", res.Permissions)
	}
}

func TestResolverPropagatesStoreError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewResolver(grantStore{err: boom}).Resolve(context.Background(), "u1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestCatalogRolesOnlyGrantCatalogPermissions(t *testing.T) {
	known := map[PermissionEntry]struct{}{}
	for _, p := range BuiltinPermissions {
		if !p.Scope.Valid() {
			t.Fatalf("invalid scope in catalog: %+v", p)
		}
		if _, dup := known[p.PermissionEntry]; dup {
			t.Fatalf("duplicate catalog permission: %+v", p)
		}
		known[p.PermissionEntry] = struct{}{}
	}
	for _, r := range BuiltinRoles {
		for _, g := range RoleGrants(r) {
			if _, ok := known[g]; !ok {
				t.Fatalf("role %s grants unknown permission %+v", r.Name, g)
			}
		}
	}
}
