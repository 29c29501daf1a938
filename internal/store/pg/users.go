package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"civika.it/internal/auth"
	"civika.it/internal/ids"
)

const userColumns = `id, email, password_hash, first_name, last_name, coalesce(avatar_url, ''), is_active,
	failed_login_attempts, locked_until, last_login_at, coalesce(host(last_login_ip), ''), deleted_at,
	created_at, updated_at`

type userStore struct{ s *Store }

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var (
		u                             auth.User
		lockedUntil, lastLogin, delAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.AvatarURL, &u.IsActive,
		&u.FailedLoginAttempts, &lockedUntil, &lastLogin, &u.LastLoginIP, &delAt,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	u.LockedUntil = timePtr(lockedUntil)
	u.LastLoginAt = timePtr(lastLogin)
	u.DeletedAt = timePtr(delAt)
	return &u, nil
}

func (v userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	if v.s.db == nil {
		return nil, errNoDB
	}
	ctx, cancel := v.s.bound(ctx)
	defer cancel()
	return scanUser(v.s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id = $1 and deleted_at is null`, id))
}

func (v userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if v.s.db == nil {
		return nil, errNoDB
	}
	ctx, cancel := v.s.bound(ctx)
	defer cancel()
	return scanUser(v.s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email = $1 and deleted_at is null`,
		strings.ToLower(strings.TrimSpace(email))))
}

// RecordFailedLogin increments and compares in one statement so concurrent failures cannot undercount.
func (v userStore) RecordFailedLogin(ctx context.Context, userID string, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	if v.s.db == nil {
		return 0, nil, errNoDB
	}
	ctx, cancel := v.s.bound(ctx)
	defer cancel()
	var (
		attempts int
		locked   sql.NullTime
	)
	err := v.s.db.QueryRowContext(ctx, `
		update users
		set failed_login_attempts = failed_login_attempts + 1,
		    locked_until = case when failed_login_attempts + 1 >= $2 then $3::timestamptz else null end,
		    updated_at = now()
		where id = $1
		returning failed_login_attempts, locked_until
	`, userID, threshold, lockUntil.UTC()).Scan(&attempts, &locked)
	if err != nil {
		return 0, nil, translate(err)
	}
	return attempts, timePtr(locked), nil
}

func (v userStore) RecordSuccessfulLogin(ctx context.Context, userID string, at time.Time, ip string) error {
	if v.s.db == nil {
		return errNoDB
	}
	ctx, cancel := v.s.bound(ctx)
	defer cancel()
	res, err := v.s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = 0,
		    locked_until = null,
		    last_login_at = $2,
		    last_login_ip = $3,
		    updated_at = now()
		where id = $1
	`, userID, at.UTC(), nullIP(ip))
	if err != nil {
		return translate(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// CreateUser inserts a user; a live row with the same email yields auth.ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if s.db == nil {
		return errNoDB
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Email == "" || u.PasswordHash == "" {
		return fmt.Errorf("%w: email and password hash are required", auth.ErrInvalidInput)
	}
	if u.ID == "" {
		u.ID = ids.NewRowID()
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, first_name, last_name, avatar_url, is_active)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at, updated_at
	`, u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, nullIfEmpty(u.AvatarURL), u.IsActive,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	return translate(err)
}

// AssignRole links a user to a role by name. Repeated assignments are ignored.
func (s *Store) AssignRole(ctx context.Context, userID, roleName string) error {
	if s.db == nil {
		return errNoDB
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		select $1, r.id from roles r where r.name = $2
		on conflict (user_id, role_id) do nothing
	`, userID, roleName)
	if err != nil {
		return translate(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from roles where name = $1)`, roleName).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("role %s: %w", roleName, auth.ErrNotFound)
		}
	}
	return nil
}

// BootstrapUser creates u with role unless a live user with the same email exists. It reports whether
// a user was created.
func (s *Store) BootstrapUser(ctx context.Context, u *auth.User, roleName string) (bool, error) {
	err := s.CreateUser(ctx, u)
	if errors.Is(err, auth.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.AssignRole(ctx, u.ID, roleName); err != nil {
		return true, err
	}
	return true, nil
}

type permissionStore struct{ s *Store }

// GrantsForUser inner-joins permissions, so a role with no permissions yields no grant.
func (v permissionStore) GrantsForUser(ctx context.Context, userID string) ([]auth.Grant, error) {
	if v.s.db == nil {
		return nil, errNoDB
	}
	ctx, cancel := v.s.bound(ctx)
	defer cancel()
	rows, err := v.s.db.QueryContext(ctx, `
		select r.name, p.resource, p.action, p.scope
		from user_roles ur
		join roles r on r.id = ur.role_id
		join role_permissions rp on rp.role_id = r.id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
		order by r.priority desc, r.name, p.resource, p.action, p.scope
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []auth.Grant
	for rows.Next() {
		var (
			role  string
			entry auth.PermissionEntry
			scope string
		)
		if err := rows.Scan(&role, &entry.Resource, &entry.Action, &scope); err != nil {
			return nil, err
		}
		entry.Scope = auth.Scope(scope)
		grants = append(grants, auth.Grant{RoleName: role, Permission: entry})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}
