// Package memory is an in-process credential store used in development mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"civika.it/internal/auth"
	"civika.it/internal/ids"
)

var _ auth.Store = (*Store)(nil)

// Store keeps every auth table in maps guarded by one mutex.
type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	users       map[string]*auth.User
	roles       map[string]*auth.Role
	permissions map[auth.PermissionEntry]*auth.Permission
	rolePerms   map[string][]auth.PermissionEntry
	userRoles   map[string][]string
	refresh     map[string]*auth.RefreshToken
	audit       []auth.AuditEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:         time.Now,
		users:       map[string]*auth.User{},
		roles:       map[string]*auth.Role{},
		permissions: map[auth.PermissionEntry]*auth.Permission{},
		rolePerms:   map[string][]auth.PermissionEntry{},
		userRoles:   map[string][]string{},
		refresh:     map[string]*auth.RefreshToken{},
	}
}

// SetClock overrides the timestamp source for created/updated columns.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (s *Store) Users(context.Context) auth.UserStore                 { return users{s} }
func (s *Store) Permissions(context.Context) auth.PermissionStore     { return grants{s} }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore { return refreshTokens{s} }
func (s *Store) Audit(context.Context) auth.AuditStore                { return auditLog{s} }

// Seeding -------------------------------------------------------------------

// AddUser inserts u. The email is lowercased and must be unique among non-deleted users.
func (s *Store) AddUser(u auth.User) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Email == "" {
		return auth.User{}, fmt.Errorf("%w: email is required", auth.ErrInvalidInput)
	}
	if _, ok := s.userByEmailLocked(u.Email); ok {
		return auth.User{}, auth.ErrConflict
	}
	if u.ID == "" {
		u.ID = ids.NewRowID()
	}
	if _, ok := s.users[u.ID]; ok {
		return auth.User{}, auth.ErrConflict
	}
	now := s.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	stored := u
	s.users[u.ID] = &stored
	return u, nil
}

// UpdateUser applies fn to the stored user, including soft-deleted ones.
func (s *Store) UpdateUser(id string, fn func(*auth.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(u)
	u.UpdatedAt = s.now().UTC()
	return nil
}

// User returns a copy of the stored row, including soft-deleted ones.
func (s *Store) User(id string) (auth.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, false
	}
	return *u, true
}

// AddRole creates role name (if missing) and grants perms to it. Duplicate pairs are ignored.
func (s *Store) AddRole(role auth.Role, perms ...auth.PermissionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return fmt.Errorf("%w: role name is required", auth.ErrInvalidInput)
	}
	if _, ok := s.roles[role.Name]; !ok {
		if role.ID == "" {
			role.ID = ids.NewRowID()
		}
		now := s.now().UTC()
		role.CreatedAt, role.UpdatedAt = now, now
		stored := role
		s.roles[role.Name] = &stored
	}
	for _, p := range perms {
		if !p.Scope.Valid() {
			return fmt.Errorf("%w: scope %q", auth.ErrInvalidInput, p.Scope)
		}
		if _, ok := s.permissions[p]; !ok {
			s.permissions[p] = &auth.Permission{ID: ids.NewRowID(), PermissionEntry: p, CreatedAt: s.now().UTC()}
		}
		if !containsEntry(s.rolePerms[role.Name], p) {
			s.rolePerms[role.Name] = append(s.rolePerms[role.Name], p)
		}
	}
	return nil
}

// AssignRole links a user to an existing role. Assigning twice is a no-op.
func (s *Store) AssignRole(userID, roleName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.roles[roleName]; !ok {
		return auth.ErrNotFound
	}
	for _, r := range s.userRoles[userID] {
		if r == roleName {
			return nil
		}
	}
	s.userRoles[userID] = append(s.userRoles[userID], roleName)
	return nil
}

// SeedCatalog installs the built-in roles and permissions.
func (s *Store) SeedCatalog() error {
	for _, p := range auth.BuiltinPermissions {
		s.mu.Lock()
		if _, ok := s.permissions[p.PermissionEntry]; !ok {
			s.permissions[p.PermissionEntry] = &auth.Permission{
				ID:              ids.NewRowID(),
				PermissionEntry: p.PermissionEntry,
				Description:     p.Description,
				CreatedAt:       s.now().UTC(),
			}
		}
		s.mu.Unlock()
	}
	for _, r := range auth.BuiltinRoles {
		role := auth.Role{
			Name:        r.Name,
			DisplayName: r.DisplayName,
			Description: r.Description,
			IsSystem:    true,
			Priority:    r.Priority,
		}
		if err := s.AddRole(role, auth.RoleGrants(r)...); err != nil {
			return fmt.Errorf("seed role %s: %w", r.Name, err)
		}
	}
	return nil
}

// RefreshRecords returns copies of every refresh token row of userID.
func (s *Store) RefreshRecords(userID string) []auth.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.RefreshToken
	for _, t := range s.refresh {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) userByEmailLocked(email string) (*auth.User, bool) {
	for _, u := range s.users {
		if u.DeletedAt == nil && u.Email == email {
			return u, true
		}
	}
	return nil, false
}

func containsEntry(list []auth.PermissionEntry, p auth.PermissionEntry) bool {
	for _, e := range list {
		if e == p {
			return true
		}
	}
	return false
}

// Users -----------------------------------------------------------------------
type users struct{ s *Store }

func (v users) Find(_ context.Context, id string) (*auth.User, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	u, ok := v.s.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (v users) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	u, ok := v.s.userByEmailLocked(strings.ToLower(strings.TrimSpace(email)))
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (v users) RecordFailedLogin(_ context.Context, userID string, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	u, ok := v.s.users[userID]
	if !ok {
		return 0, nil, auth.ErrNotFound
	}
	u.FailedLoginAttempts++
	u.LockedUntil = nil
	if u.FailedLoginAttempts >= threshold {
		at := lockUntil.UTC()
		u.LockedUntil = &at
	}
	u.UpdatedAt = v.s.now().UTC()
	var locked *time.Time
	if u.LockedUntil != nil {
		at := *u.LockedUntil
		locked = &at
	}
	return u.FailedLoginAttempts, locked, nil
}

func (v users) RecordSuccessfulLogin(_ context.Context, userID string, at time.Time, ip string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	u, ok := v.s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	at = at.UTC()
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &at
	u.LastLoginIP = ip
	u.UpdatedAt = v.s.now().UTC()
	return nil
}

// Grants ----------------------------------------------------------------------
type grants struct{ s *Store }

// GrantsForUser lists roles by priority (highest first) then name, each with its permissions.
// Roles without permissions produce no grants.
func (v grants) GrantsForUser(_ context.Context, userID string) ([]auth.Grant, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	names := append([]string(nil), v.s.userRoles[userID]...)
	sort.Slice(names, func(i, j int) bool {
		ri, rj := v.s.roles[names[i]], v.s.roles[names[j]]
		if ri.Priority != rj.Priority {
			return ri.Priority > rj.Priority
		}
		return ri.Name < rj.Name
	})
	var out []auth.Grant
	for _, name := range names {
		for _, p := range v.s.rolePerms[name] {
			out = append(out, auth.Grant{RoleName: name, Permission: p})
		}
	}
	return out, nil
}

// Refresh tokens ----------------------------------------------------------------
type refreshTokens struct{ s *Store }

func (v refreshTokens) Create(_ context.Context, tok *auth.RefreshToken) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if tok.ID == "" {
		tok.ID = ids.NewRowID()
	}
	if _, ok := v.s.refresh[tok.ID]; ok {
		return auth.ErrConflict
	}
	for _, t := range v.s.refresh {
		if t.TokenHash == tok.TokenHash {
			return auth.ErrConflict
		}
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = v.s.now().UTC()
	}
	cp := *tok
	v.s.refresh[tok.ID] = &cp
	return nil
}

func (v refreshTokens) byHashLocked(hash string) (*auth.RefreshToken, bool) {
	for _, t := range v.s.refresh {
		if t.TokenHash == hash {
			return t, true
		}
	}
	return nil, false
}

func (v refreshTokens) FindActiveByHash(_ context.Context, hash string) (*auth.RefreshToken, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	t, ok := v.byHashLocked(hash)
	if !ok || t.RevokedAt != nil {
		return nil, auth.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (v refreshTokens) FindByHash(_ context.Context, hash string) (*auth.RefreshToken, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	t, ok := v.byHashLocked(hash)
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (v refreshTokens) Revoke(_ context.Context, id string, at time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	t, ok := v.s.refresh[id]
	if !ok || t.RevokedAt != nil {
		return false, nil
	}
	at = at.UTC()
	t.RevokedAt = &at
	return true, nil
}

func (v refreshTokens) RevokeByHash(_ context.Context, hash string, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if t, ok := v.byHashLocked(hash); ok && t.RevokedAt == nil {
		at = at.UTC()
		t.RevokedAt = &at
	}
	return nil
}

func (v refreshTokens) RevokeAllForUser(_ context.Context, userID string, at time.Time) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	at = at.UTC()
	var n int64
	for _, t := range v.s.refresh {
		if t.UserID == userID && t.RevokedAt == nil {
			ts := at
			t.RevokedAt = &ts
			n++
		}
	}
	return n, nil
}

// Audit -------------------------------------------------------------------------
type auditLog struct{ s *Store }

func (v auditLog) Append(_ context.Context, e *auth.AuditEntry) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if e.ID == "" {
		e.ID = ids.NewRowID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = v.s.now().UTC()
	}
	v.s.audit = append(v.s.audit, *e)
	return nil
}

// Recent returns up to limit entries, newest first.
func (v auditLog) Recent(_ context.Context, limit int) ([]auth.AuditEntry, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	n := len(v.s.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]auth.AuditEntry, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, v.s.audit[i])
	}
	return out, nil
}
