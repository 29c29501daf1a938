package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"civika.it/internal/auth"
	"civika.it/internal/ids"
)

const refreshColumns = `id, user_id, token_hash, device_info, coalesce(host(ip_address), ''), expires_at, revoked_at, created_at`

type refreshTokenStore struct{ s *Store }

func (v refreshTokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	if v.s.db == nil {
		return errNoDB
	}
	if tok.ID == "" {
		tok.ID = ids.NewRowID()
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	device := []byte("{}")
	if len(tok.DeviceInfo) > 0 {
		b, err := json.Marshal(tok.DeviceInfo)
		if err != nil {
			return fmt.Errorf("marshal device info: %w", err)
		}
		device = b
	}
	ctx, cancel := v.s.bound(ctx)
	defer cancel()
	_, err := v.s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, device_info, ip_address, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, tok.ID, tok.UserID, tok.TokenHash, device, nullIP(tok.IPAddress), tok.ExpiresAt.UTC(), tok.CreatedAt.UTC())
	return translate(err)
}

func scanRefresh(row interface{ Scan(...any) error }) (*auth.RefreshToken, error) {
	var (
		t       auth.RefreshToken
		device  []byte
		revoked sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &device, &t.IPAddress, &t.ExpiresAt, &revoked, &t.CreatedAt); err != nil {
		return nil, translate(err)
	}
	if len(device) > 0 {
		if err := json.Unmarshal(device, &t.DeviceInfo); err != nil {
			return nil, fmt.Errorf("decode device info: %w", err)
		}
	}
	t.RevokedAt = timePtr(revoked)
	return &t, nil
}

func (v refreshTokenStore) FindActiveByHash(ctx context.Context, hash string) (*auth.RefreshToken, error) {
	if v.s.db == nil {
		return nil, errNoDB
	}
	ctx, cancel := v.s.bound(ctx)
	defer cancel()
	return scanRefresh(v.s.db.QueryRowContext(ctx,
		`select `+refreshColumns+` from refresh_tokens where token_hash = $1 and revoked_at is null`, hash))
}

func (v refreshTokenStore) FindByHash(ctx context.Context, hash string) (*auth.RefreshToken, error) {
	if v.s.db == nil {
		return nil, errNoDB
	}
	ctx, cancel := v.s.bound(ctx)
	defer cancel()
	return scanRefresh(v.s.db.QueryRowContext(ctx,
		`select `+refreshColumns+` from refresh_tokens where token_hash = $1`, hash))
}

// Revoke is a compare-and-set on revoked_at; only the caller that flips it gets true.
func (v refreshTokenStore) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := v.exec(ctx, `update refresh_tokens set revoked_at = $2 where id = $1 and revoked_at is null`, id, at.UTC())
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (v refreshTokenStore) RevokeByHash(ctx context.Context, hash string, at time.Time) error {
	_, err := v.exec(ctx, `update refresh_tokens set revoked_at = $2 where token_hash = $1 and revoked_at is null`, hash, at.UTC())
	return err
}

func (v refreshTokenStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	return v.exec(ctx, `update refresh_tokens set revoked_at = $2 where user_id = $1 and revoked_at is null`, userID, at.UTC())
}

func (v refreshTokenStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	if v.s.db == nil {
		return 0, errNoDB
	}
	ctx, cancel := v.s.bound(ctx)
	defer cancel()
	res, err := v.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, translate(err)
	}
	return res.RowsAffected()
}

type auditStore struct{ s *Store }

func (v auditStore) Append(ctx context.Context, e *auth.AuditEntry) error {
	if v.s.db == nil {
		return errNoDB
	}
	if e.ID == "" {
		e.ID = ids.NewRowID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	oldValues, err := jsonOrNull(e.OldValues)
	if err != nil {
		return err
	}
	newValues, err := jsonOrNull(e.NewValues)
	if err != nil {
		return err
	}
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	ctx, cancel := v.s.bound(ctx)
	defer cancel()
	_, err = v.s.db.ExecContext(ctx, `
		insert into audit_logs (id, user_id, action, resource, resource_id, old_values, new_values,
			ip_address, user_agent, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, nullIfEmpty(e.UserID), e.Action, e.Resource, nullIfEmpty(e.ResourceID), oldValues, newValues,
		nullIP(e.IPAddress), nullIfEmpty(e.UserAgent), meta, e.CreatedAt.UTC())
	return translate(err)
}

func (v auditStore) Recent(ctx context.Context, limit int) ([]auth.AuditEntry, error) {
	if v.s.db == nil {
		return nil, errNoDB
	}
	ctx, cancel := v.s.bound(ctx)
	defer cancel()
	rows, err := v.s.db.QueryContext(ctx, `
		select id, coalesce(user_id::text, ''), action, resource, coalesce(resource_id, ''),
			old_values, new_values, coalesce(host(ip_address), ''), coalesce(user_agent, ''), metadata, created_at
		from audit_logs
		order by created_at desc, id desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.AuditEntry
	for rows.Next() {
		var (
			e                    auth.AuditEntry
			oldRaw, newRaw, meta []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Resource, &e.ResourceID,
			&oldRaw, &newRaw, &e.IPAddress, &e.UserAgent, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			raw []byte
			dst *map[string]any
		}{{oldRaw, &e.OldValues}, {newRaw, &e.NewValues}, {meta, &e.Metadata}} {
			if len(f.raw) == 0 {
				continue
			}
			if err := json.Unmarshal(f.raw, f.dst); err != nil {
				return nil, fmt.Errorf("decode audit %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func jsonOrNull(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal values: %w", err)
	}
	return b, nil
}
