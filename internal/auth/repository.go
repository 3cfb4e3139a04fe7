package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the Postgres-backed Repo.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateUserIfNotExists upserts on the unique email so concurrent first
// logins for the same address converge on one row.
func (r *Repository) CreateUserIfNotExists(ctx context.Context, email string) (User, error) {
	id, err := newID()
	if err != nil {
		return User{}, err
	}

	var user User
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, created_at
	`, id, email, time.Now().UTC()).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}

	return user, nil
}

func (r *Repository) CreateSession(ctx context.Context, id, userID, tokenHash string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, userID, tokenHash, time.Now().UTC(), expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	return nil
}

func (r *Repository) SessionByTokenHash(ctx context.Context, tokenHash string) (Session, User, error) {
	var session Session
	var user User
	err := r.db.QueryRowContext(ctx, `
		SELECT s.id, s.user_id, s.expires_at, u.id, u.email, u.created_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = $1
	`, tokenHash).Scan(&session.ID, &session.UserID, &session.ExpiresAt, &user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, User{}, ErrNoSession
		}
		return Session{}, User{}, fmt.Errorf("query session: %w", err)
	}

	return session, user, nil
}

func (r *Repository) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	return nil
}

func (r *Repository) DeleteExpiredSessions(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM sessions
			WHERE expires_at < NOW()
			ORDER BY expires_at ASC
			LIMIT $1
		)
		DELETE FROM sessions t
		USING stale
		WHERE t.id = stale.id
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired sessions rows affected: %w", err)
	}

	return affected, nil
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid v7: %w", err)
	}
	return id.String(), nil
}
