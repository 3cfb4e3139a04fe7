package challenge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"keyhoney-serverless/internal/kvstore"
	"keyhoney-serverless/internal/ratelimit"
)

type memQuestion struct {
	Question
	answer string
}

type memRepo struct {
	questions    map[string][]memQuestion
	entitlements map[string]Entitlement
	nextID       int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		questions:    make(map[string][]memQuestion),
		entitlements: make(map[string]Entitlement),
		nextID:       1,
	}
}

func (r *memRepo) add(bookID string, page, line, wordIndex int, answer string) int64 {
	id := r.nextID
	r.nextID++
	r.questions[bookID] = append(r.questions[bookID], memQuestion{
		Question: Question{ID: id, BookID: bookID, Page: page, Line: line, WordIndex: wordIndex},
		answer:   answer,
	})
	return id
}

func (r *memRepo) RandomQuestions(_ context.Context, bookID string, count int) ([]Question, error) {
	bank := r.questions[bookID]
	selected := make([]Question, 0, count)
	for i := 0; i < len(bank) && i < count; i++ {
		selected = append(selected, bank[i].Question)
	}
	return selected, nil
}

func (r *memRepo) AnswerKeys(_ context.Context, bookID string, ids []int64) (map[int64]string, error) {
	keys := make(map[int64]string)
	for _, q := range r.questions[bookID] {
		for _, id := range ids {
			if q.ID == id {
				keys[id] = q.answer
			}
		}
	}
	return keys, nil
}

func (r *memRepo) UpsertEntitlement(_ context.Context, userID, bookID string, expiresAt time.Time) error {
	r.entitlements[userID+"|"+bookID] = Entitlement{BookID: bookID, ExpiresAt: expiresAt}
	return nil
}

func (r *memRepo) ActiveEntitlements(_ context.Context, userID string, now time.Time) ([]Entitlement, error) {
	active := make([]Entitlement, 0)
	for key, e := range r.entitlements {
		if len(key) > len(userID) && key[:len(userID)+1] == userID+"|" && e.ExpiresAt.After(now) {
			active = append(active, e)
		}
	}
	return active, nil
}

func (r *memRepo) BulkUpsertQuestions(_ context.Context, inputs []QuestionInput, minPerBook int) error {
	touched := make(map[string]struct{})
	for _, input := range inputs {
		replaced := false
		for i, q := range r.questions[input.BookID] {
			if q.Page == input.Page && q.Line == input.Line && q.WordIndex == input.WordIndex {
				r.questions[input.BookID][i].answer = input.AnswerWord
				replaced = true
				break
			}
		}
		if !replaced {
			r.add(input.BookID, input.Page, input.Line, input.WordIndex, input.AnswerWord)
		}
		touched[input.BookID] = struct{}{}
	}
	for bookID := range touched {
		if len(r.questions[bookID]) < minPerBook {
			return fmt.Errorf("book %s: %w", bookID, ErrBankTooSmall)
		}
	}
	return nil
}

func (r *memRepo) DeleteExpiredEntitlements(_ context.Context, _ int) (int64, error) {
	return 0, nil
}

type quizFixture struct {
	svc  *Service
	repo *memRepo
	now  *time.Time
}

func newQuizFixture(t *testing.T) *quizFixture {
	t.Helper()

	now := time.Date(2026, 3, 6, 14, 0, 0, 0, time.UTC)
	store := kvstore.NewMemory()
	store.Now = func() time.Time { return now }

	repo := newMemRepo()
	svc := NewService(repo, ratelimit.New(store, 5, 15*time.Minute))
	svc.now = func() time.Time { return now }

	f := &quizFixture{svc: svc, repo: repo}
	f.now = &now
	return f
}

func seedBook(repo *memRepo, bookID string) []int64 {
	return []int64{
		repo.add(bookID, 12, 3, 4, "Paris"),
		repo.add(bookID, 45, 1, 2, "integral"),
		repo.add(bookID, 78, 9, 1, "theorem"),
	}
}

func TestService_Questions_FailsWhenBankTooSmall(t *testing.T) {
	f := newQuizFixture(t)
	f.repo.add("book-1", 1, 1, 1, "only")
	f.repo.add("book-1", 2, 2, 2, "two")

	if _, err := f.svc.Questions(context.Background(), "book-1"); !errors.Is(err, ErrInsufficientQuestions) {
		t.Fatalf("expected ErrInsufficientQuestions, got %v", err)
	}
}

func TestService_Questions_ReturnsExactlyDrawSize(t *testing.T) {
	f := newQuizFixture(t)
	seedBook(f.repo, "book-1")
	f.repo.add("book-1", 99, 1, 1, "extra")

	questions, err := f.svc.Questions(context.Background(), "book-1")
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if len(questions) != 3 {
		t.Fatalf("expected 3 questions, got %d", len(questions))
	}
}

func TestService_Grade_IsCaseAndWhitespaceInsensitive(t *testing.T) {
	f := newQuizFixture(t)
	ids := seedBook(f.repo, "book-1")
	ctx := context.Background()

	result, err := f.svc.Grade(ctx, "user-1", "book-1", []Answer{
		{QuestionID: ids[0], Value: "  paris "},
		{QuestionID: ids[1], Value: "INTEGRAL"},
		{QuestionID: ids[2], Value: "wrong"},
	})
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if result.Correct != 2 || !result.Passed {
		t.Fatalf("expected 2 correct and pass, got %+v", result)
	}
}

func TestService_Grade_PassUpsertsSingleEntitlementWithNinetyDayExpiry(t *testing.T) {
	f := newQuizFixture(t)
	ids := seedBook(f.repo, "book-1")
	ctx := context.Background()

	answers := []Answer{
		{QuestionID: ids[0], Value: "Paris"},
		{QuestionID: ids[1], Value: "integral"},
		{QuestionID: ids[2], Value: "wrong"},
	}

	result, err := f.svc.Grade(ctx, "user-1", "book-1", answers)
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if want := f.now.Add(90 * 24 * time.Hour); !result.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", result.ExpiresAt, want)
	}

	*f.now = f.now.Add(24 * time.Hour)
	if _, err := f.svc.Grade(ctx, "user-1", "book-1", answers); err != nil {
		t.Fatalf("regrade: %v", err)
	}

	if len(f.repo.entitlements) != 1 {
		t.Fatalf("expected one entitlement row, got %d", len(f.repo.entitlements))
	}
	e := f.repo.entitlements["user-1|book-1"]
	if want := f.now.Add(90 * 24 * time.Hour); !e.ExpiresAt.Equal(want) {
		t.Fatalf("refreshed expires_at = %v, want %v", e.ExpiresAt, want)
	}
}

func TestService_Grade_BelowThresholdLeavesEntitlementsUntouched(t *testing.T) {
	f := newQuizFixture(t)
	ids := seedBook(f.repo, "book-1")
	ctx := context.Background()

	existing := Entitlement{BookID: "book-1", ExpiresAt: f.now.Add(time.Hour)}
	f.repo.entitlements["user-1|book-1"] = existing

	result, err := f.svc.Grade(ctx, "user-1", "book-1", []Answer{
		{QuestionID: ids[0], Value: "Paris"},
		{QuestionID: ids[1], Value: "wrong"},
		{QuestionID: ids[2], Value: "wrong"},
	})
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if result.Passed || result.Correct != 1 {
		t.Fatalf("expected fail with 1 correct, got %+v", result)
	}
	if got := f.repo.entitlements["user-1|book-1"]; !got.ExpiresAt.Equal(existing.ExpiresAt) {
		t.Fatalf("failed grade must not touch entitlements: %+v", got)
	}
}

func TestService_Grade_IgnoresQuestionIDsFromOtherBooks(t *testing.T) {
	f := newQuizFixture(t)
	seedBook(f.repo, "book-1")
	otherIDs := seedBook(f.repo, "book-2")
	ctx := context.Background()

	// All three answers are right for book-2, but graded against book-1.
	result, err := f.svc.Grade(ctx, "user-1", "book-1", []Answer{
		{QuestionID: otherIDs[0], Value: "Paris"},
		{QuestionID: otherIDs[1], Value: "integral"},
		{QuestionID: otherIDs[2], Value: "theorem"},
	})
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if result.Correct != 0 || result.Passed {
		t.Fatalf("cross-book ids must not grade, got %+v", result)
	}
}

func TestService_Grade_LockoutAfterRepeatedFailures(t *testing.T) {
	f := newQuizFixture(t)
	ids := seedBook(f.repo, "book-1")
	ctx := context.Background()

	wrong := []Answer{
		{QuestionID: ids[0], Value: "no"},
		{QuestionID: ids[1], Value: "no"},
		{QuestionID: ids[2], Value: "no"},
	}

	for i := 0; i < 5; i++ {
		if _, err := f.svc.Grade(ctx, "user-1", "book-1", wrong); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	if _, err := f.svc.Grade(ctx, "user-1", "book-1", wrong); !errors.Is(err, ErrLockedOut) {
		t.Fatalf("expected lockout, got %v", err)
	}

	// Another user and another book are unaffected.
	if _, err := f.svc.Grade(ctx, "user-2", "book-1", wrong); err != nil {
		t.Fatalf("other user should not be locked: %v", err)
	}

	*f.now = f.now.Add(16 * time.Minute)
	if _, err := f.svc.Grade(ctx, "user-1", "book-1", wrong); err != nil {
		t.Fatalf("lockout should lapse with window: %v", err)
	}
}

func TestService_Grade_PassResetsFailureCounter(t *testing.T) {
	f := newQuizFixture(t)
	ids := seedBook(f.repo, "book-1")
	ctx := context.Background()

	wrong := []Answer{
		{QuestionID: ids[0], Value: "no"},
		{QuestionID: ids[1], Value: "no"},
		{QuestionID: ids[2], Value: "no"},
	}
	right := []Answer{
		{QuestionID: ids[0], Value: "Paris"},
		{QuestionID: ids[1], Value: "integral"},
		{QuestionID: ids[2], Value: "theorem"},
	}

	for i := 0; i < 4; i++ {
		if _, err := f.svc.Grade(ctx, "user-1", "book-1", wrong); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if _, err := f.svc.Grade(ctx, "user-1", "book-1", right); err != nil {
		t.Fatalf("passing grade: %v", err)
	}

	// A fresh run of failures is allowed again after the reset.
	for i := 0; i < 5; i++ {
		if _, err := f.svc.Grade(ctx, "user-1", "book-1", wrong); err != nil {
			t.Fatalf("post-reset attempt %d: %v", i+1, err)
		}
	}
}

func TestService_LoadQuestions_RejectsUndersizedBook(t *testing.T) {
	f := newQuizFixture(t)

	err := f.svc.LoadQuestions(context.Background(), []QuestionInput{
		{BookID: "book-9", Page: 1, Line: 1, WordIndex: 1, AnswerWord: "alone"},
	})
	if !errors.Is(err, ErrBankTooSmall) {
		t.Fatalf("expected ErrBankTooSmall, got %v", err)
	}
}

func TestService_Entitlements_ExcludesExpired(t *testing.T) {
	f := newQuizFixture(t)
	f.repo.entitlements["user-1|live"] = Entitlement{BookID: "live", ExpiresAt: f.now.Add(time.Hour)}
	f.repo.entitlements["user-1|dead"] = Entitlement{BookID: "dead", ExpiresAt: f.now.Add(-time.Hour)}

	active, err := f.svc.Entitlements(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("entitlements: %v", err)
	}
	if len(active) != 1 || active[0].BookID != "live" {
		t.Fatalf("expected only live entitlement, got %+v", active)
	}
}
