package auth

import "time"

// Scope is the breadth of a permission grant over a resource/action pair.
type Scope string

const (
	ScopeOwn  Scope = "own"
	ScopeTeam Scope = "team"
	ScopeAll  Scope = "all"
)

// Valid reports whether s is one of own, team, all.
func (s Scope) Valid() bool {
	switch s {
	case ScopeOwn, ScopeTeam, ScopeAll:
		return true
	}
	return false
}

// PermissionEntry is the (resource, action, scope) triple carried in access tokens.
type PermissionEntry struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Scope    Scope  `json:"scope"`
}

// User is the identity record. Users are soft-deleted only.
type User struct {
	ID                  string
	Email               string
	PasswordHash        string
	FirstName           string
	LastName            string
	AvatarURL           string
	IsActive            bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	LastLoginIP         string
	DeletedAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LockedAt reports whether the lockout window is still open at now.
func (u *User) LockedAt(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// Role groups permissions. Priority only orders roles for display.
type Role struct {
	ID          string
	Name        string
	DisplayName string
	Description string
	IsSystem    bool
	Priority    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is a catalog row; (Resource, Action, Scope) is unique.
type Permission struct {
	ID string
	PermissionEntry
	Description string
	CreatedAt   time.Time
}

// Grant is one row of the user -> role -> permission join.
// A role that carries no permissions yields no grant.
type Grant struct {
	RoleName   string
	Permission PermissionEntry
}

// RefreshToken is the server-side record of an issued refresh credential.
// Only the SHA-256 hash of the raw token is stored.
type RefreshToken struct {
	ID         string
	UserID     string
	TokenHash  string
	DeviceInfo map[string]string
	IPAddress  string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// Usable reports whether the record can still be exchanged at now.
func (t *RefreshToken) Usable(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}

// AuditEntry is an append-only record of a security-relevant action.
type AuditEntry struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id,omitempty"`
	OldValues  map[string]any `json:"old_values,omitempty"`
	NewValues  map[string]any `json:"new_values,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ClientInfo carries request metadata recorded with sessions and audit entries.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// Audit actions and resources.
const (
	ActionLogin        = "user.login"
	ActionLoginFailed  = "user.login_failed"
	ActionLocked       = "user.locked"
	ActionLogout       = "user.logout"
	ActionRefreshReuse = "user.refresh_reuse"

	ResourceUsers         = "users"
	ResourceRefreshTokens = "refresh_tokens"
)
