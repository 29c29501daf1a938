package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Permissions(ctx context.Context) PermissionStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Audit(ctx context.Context) AuditStore
}

// UserStore reads identity records and writes login bookkeeping.
// Find and FindByEmail never return soft-deleted users.
type UserStore interface {
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// RecordFailedLogin atomically increments the failed-attempt counter. When the new count reaches
	// threshold, lockedUntil is set to lockUntil; otherwise it is cleared.
	RecordFailedLogin(ctx context.Context, userID string, threshold int, lockUntil time.Time) (attempts int, lockedUntil *time.Time, err error)
	// RecordSuccessfulLogin resets the counter, clears the lockout and stores last-login metadata.
	RecordSuccessfulLogin(ctx context.Context, userID string, at time.Time, ip string) error
}

// PermissionStore resolves role and permission assignments.
type PermissionStore interface {
	GrantsForUser(ctx context.Context, userID string) ([]Grant, error)
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	// FindActiveByHash returns the record only while it is not revoked; ErrNotFound otherwise.
	FindActiveByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// FindByHash returns the record regardless of revocation.
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// Revoke marks the record revoked only if it is not revoked yet and reports whether this call did it.
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
	// RevokeByHash revokes a non-revoked record; a missing or already revoked record is not an error.
	RevokeByHash(ctx context.Context, tokenHash string, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
}

// AuditStore appends immutable entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Recent(ctx context.Context, limit int) ([]AuditEntry, error)
}

// AuditRecorder is the fire-and-forget side channel used by the session controller.
// Implementations must never block the caller on storage failures.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}
