package pg

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"civika.it/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, WithQueryTimeout(time.Second)), mock
}

var userCols = []string{"id", "email", "password_hash", "first_name", "last_name", "avatar_url", "is_active",
	"failed_login_attempts", "locked_until", "last_login_at", "last_login_ip", "deleted_at", "created_at", "updated_at"}

func TestFindByEmailScansUser(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	locked := now.Add(10 * time.Minute)
	mock.ExpectQuery("from users where email = \\$1 and deleted_at is null").
		WithArgs("a@b.it").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u1", "a@b.it", "hash", "Ada", "Bianchi", "", true, 2, locked, nil, "", nil, now, now))

	ctx := context.Background()
	u, err := s.Users(ctx).FindByEmail(ctx, " A@B.it ")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.ID != "u1" || u.FailedLoginAttempts != 2 || u.LockedUntil == nil || !u.LockedUntil.Equal(locked) {
		t.Fatalf("unexpected user: %+v", u)
	}
	if u.LastLoginAt != nil || u.DeletedAt != nil {
		t.Fatalf("null columns should stay nil: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindMissingUser(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from users where id = \\$1").WithArgs("nope").WillReturnError(sql.ErrNoRows)
	ctx := context.Background()
	if _, err := s.Users(ctx).Find(ctx, "nope"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordFailedLoginIsSingleStatement(t *testing.T) {
	s, mock := newMock(t)
	until := time.Date(2026, 2, 1, 8, 15, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("set failed_login_attempts = failed_login_attempts + 1")).
		WithArgs("u1", 5, until).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(5, until))

	ctx := context.Background()
	n, locked, err := s.Users(ctx).RecordFailedLogin(ctx, "u1", 5, until)
	if err != nil {
		t.Fatalf("RecordFailedLogin: %v", err)
	}
	if n != 5 || locked == nil || !locked.Equal(until) {
		t.Fatalf("unexpected result: %d %v", n, locked)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordSuccessfulLoginStoresNullForBadIP(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec("set failed_login_attempts = 0").
		WithArgs("u1", at, sql.NullString{}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ctx := context.Background()
	if err := s.Users(ctx).RecordSuccessfulLogin(ctx, "u1", at, "unknown"); err != nil {
		t.Fatalf("RecordSuccessfulLogin: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGrantsForUserInnerJoinsPermissions(t *testing.T) {
	var executed string
	matcher := sqlmock.QueryMatcherFunc(func(expected, actual string) error {
		executed = actual
		return sqlmock.QueryMatcherRegexp.Match(expected, actual)
	})
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(matcher))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := New(db, WithQueryTimeout(time.Second))

	mock.ExpectQuery(regexp.QuoteMeta("join permissions p on p.id = rp.permission_id")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "resource", "action", "scope"}).
			AddRow("admin", "audit_logs", "read", "all").
			AddRow("admin", "contents", "read", "all"))
	ctx := context.Background()
	grants, err := s.Permissions(ctx).GrantsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GrantsForUser: %v", err)
	}
	if strings.Contains(strings.ToLower(executed), "left join") {
		t.Fatalf("roles without permissions must not be joined in: %s", executed)
	}
	if len(grants) != 2 || grants[0].RoleName != "admin" || grants[0].Permission != auth.PermAuditRead {
		t.Fatalf("unexpected grants: %+v", grants)
	}
	if grants[1].Permission.Resource != "contents" || grants[1].Permission.Scope != auth.ScopeAll {
		t.Fatalf("unexpected second grant: %+v", grants[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRevokeReportsWinner(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	q := regexp.QuoteMeta("update refresh_tokens set revoked_at = $2 where id = $1 and revoked_at is null")
	mock.ExpectExec(q).WithArgs("t1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("t1", at).WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	first, err := s.RefreshTokens(ctx).Revoke(ctx, "t1", at)
	if err != nil || !first {
		t.Fatalf("first revoke: %v %v", first, err)
	}
	second, err := s.RefreshTokens(ctx).Revoke(ctx, "t1", at)
	if err != nil || second {
		t.Fatalf("second revoke should lose: %v %v", second, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateRefreshTokenConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into refresh_tokens").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	ctx := context.Background()
	err := s.RefreshTokens(ctx).Create(ctx, &auth.RefreshToken{
		UserID:     "u1",
		TokenHash:  "h",
		DeviceInfo: map[string]string{"userAgent": "curl"},
		IPAddress:  "10.0.0.1",
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestFindActiveByHash(t *testing.T) {
	s, mock := newMock(t)
	exp := time.Date(2026, 2, 8, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from refresh_tokens where token_hash = \\$1 and revoked_at is null").
		WithArgs("h").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token_hash", "device_info", "ip_address", "expires_at", "revoked_at", "created_at"}).
			AddRow("t1", "u1", "h", []byte(`{"userAgent":"curl"}`), "10.0.0.1", exp, nil, exp.Add(-7*24*time.Hour)))
	ctx := context.Background()
	tok, err := s.RefreshTokens(ctx).FindActiveByHash(ctx, "h")
	if err != nil {
		t.Fatalf("FindActiveByHash: %v", err)
	}
	if tok.DeviceInfo["userAgent"] != "curl" || tok.RevokedAt != nil || !tok.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected token: %+v", tok)
	}
}

func TestAuditAppendAndRecent(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec("insert into audit_logs").
		WithArgs(sqlmock.AnyArg(), sql.NullString{}, "user.login_failed", "users", sql.NullString{String: "u1", Valid: true},
			sqlmock.AnyArg(), sqlmock.AnyArg(), sql.NullString{String: "10.0.0.1", Valid: true}, sql.NullString{}, []byte(`{"failed_attempts":3}`), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("from audit_logs").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "action", "resource", "resource_id", "old_values", "new_values", "ip_address", "user_agent", "metadata", "created_at"}).
			AddRow("a1", "", "user.login_failed", "users", "u1", nil, nil, "10.0.0.1", "", []byte(`{"failed_attempts":3}`), at))

	ctx := context.Background()
	err := s.Audit(ctx).Append(ctx, &auth.AuditEntry{
		Action:     auth.ActionLoginFailed,
		Resource:   auth.ResourceUsers,
		ResourceID: "u1",
		IPAddress:  "10.0.0.1",
		Metadata:   map[string]any{"failed_attempts": 3},
		CreatedAt:  at,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries, err := s.Audit(ctx).Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Metadata["failed_attempts"] != float64(3) {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBootstrapUserSkipsExisting(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	created, err := s.BootstrapUser(context.Background(), &auth.User{Email: "root@civika.it", PasswordHash: "h", IsActive: true}, auth.RoleSuperAdmin)
	if err != nil || created {
		t.Fatalf("expected silent skip, got created=%v err=%v", created, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAssignRoleUnknownRole(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into user_roles").WithArgs("u1", "ghost").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("ghost").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	if err := s.AssignRole(context.Background(), "u1", "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
