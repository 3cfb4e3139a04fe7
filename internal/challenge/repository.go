package challenge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Repository is the Postgres-backed Repo.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) RandomQuestions(ctx context.Context, bookID string, count int) ([]Question, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, book_id, page, line, word_index
		FROM challenge_index
		WHERE book_id = $1
		ORDER BY random()
		LIMIT $2
	`, bookID, count)
	if err != nil {
		return nil, fmt.Errorf("query random questions: %w", err)
	}
	defer rows.Close()

	questions := make([]Question, 0, count)
	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.ID, &q.BookID, &q.Page, &q.Line, &q.WordIndex); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}

	return questions, nil
}

func (r *Repository) AnswerKeys(ctx context.Context, bookID string, ids []int64) (map[int64]string, error) {
	keys := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return keys, nil
	}

	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, bookID)
	for i, id := range ids {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT id, answer_word
		FROM challenge_index
		WHERE book_id = $1 AND id IN (%s)
	`, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query answer keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var answer string
		if err := rows.Scan(&id, &answer); err != nil {
			return nil, fmt.Errorf("scan answer key: %w", err)
		}
		keys[id] = answer
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answer keys: %w", err)
	}

	return keys, nil
}

// UpsertEntitlement is a single atomic conditional write, so concurrent
// passes for the same (user, book) converge on one row.
func (r *Repository) UpsertEntitlement(ctx context.Context, userID, bookID string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO entitlements (user_id, book_id, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, book_id) DO UPDATE SET
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`, userID, bookID, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert entitlement: %w", err)
	}

	return nil
}

func (r *Repository) ActiveEntitlements(ctx context.Context, userID string, now time.Time) ([]Entitlement, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT book_id, expires_at
		FROM entitlements
		WHERE user_id = $1 AND expires_at > $2
		ORDER BY expires_at DESC
	`, userID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query entitlements: %w", err)
	}
	defer rows.Close()

	entitlements := make([]Entitlement, 0)
	for rows.Next() {
		var e Entitlement
		if err := rows.Scan(&e.BookID, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		entitlements = append(entitlements, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entitlements: %w", err)
	}

	return entitlements, nil
}

// BulkUpsertQuestions loads an answer-key batch transactionally and
// verifies every touched book still meets the minimum bank size before
// committing.
func (r *Repository) BulkUpsertQuestions(ctx context.Context, inputs []QuestionInput, minPerBook int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin question load tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	books := make(map[string]struct{})
	for _, input := range inputs {
		books[input.BookID] = struct{}{}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO challenge_index (book_id, page, line, word_index, answer_word, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (book_id, page, line, word_index) DO UPDATE SET
				answer_word = EXCLUDED.answer_word,
				updated_at = EXCLUDED.updated_at
		`, input.BookID, input.Page, input.Line, input.WordIndex, input.AnswerWord, now)
		if err != nil {
			return fmt.Errorf("upsert question: %w", err)
		}
	}

	for bookID := range books {
		var total int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM challenge_index WHERE book_id = $1
		`, bookID).Scan(&total); err != nil {
			return fmt.Errorf("count questions for %s: %w", bookID, err)
		}
		if total < minPerBook {
			return fmt.Errorf("book %s has %d questions, need %d: %w", bookID, total, minPerBook, ErrBankTooSmall)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit question load tx: %w", err)
	}

	return nil
}

func (r *Repository) DeleteExpiredEntitlements(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT user_id, book_id
			FROM entitlements
			WHERE expires_at < NOW()
			ORDER BY expires_at ASC
			LIMIT $1
		)
		DELETE FROM entitlements t
		USING stale
		WHERE t.user_id = stale.user_id AND t.book_id = stale.book_id
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired entitlements: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired entitlements rows affected: %w", err)
	}

	return affected, nil
}
