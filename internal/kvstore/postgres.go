package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Postgres stores records in the kv_records table. TTL handling is
// lazy: readers treat rows past expires_at as missing, and the
// maintenance sweep deletes them in batches.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

func (s *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT value, expires_at
		FROM kv_records
		WHERE key = $1
	`, key).Scan(&value, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query kv record: %w", err)
	}

	if !s.now().UTC().Before(expiresAt.UTC()) {
		return nil, ErrNotFound
	}

	return []byte(value), nil
}

func (s *Postgres) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_records (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`, key, string(value), now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("upsert kv record: %w", err)
	}

	return nil
}

func (s *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete kv record: %w", err)
	}

	return nil
}

func (s *Postgres) Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	now := s.now().UTC()

	var count int64
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv_records (key, value, expires_at, updated_at)
		VALUES ($1, '1', $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE
				WHEN kv_records.expires_at <= $3 THEN '1'
				ELSE (kv_records.value::bigint + 1)::text
			END,
			expires_at = CASE
				WHEN kv_records.expires_at <= $3 THEN $2
				ELSE kv_records.expires_at
			END,
			updated_at = $3
		RETURNING value::bigint, expires_at
	`, key, now.Add(ttl), now).Scan(&count, &expiresAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment kv counter: %w", err)
	}

	return count, expiresAt.UTC(), nil
}

func (s *Postgres) DeleteExpired(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT key
			FROM kv_records
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM kv_records t
		USING stale
		WHERE t.key = stale.key
	`, s.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired kv records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired kv records rows affected: %w", err)
	}

	return affected, nil
}
