package challenge

import (
	"context"
	"errors"
	"strings"
	"time"

	"keyhoney-serverless/internal/ratelimit"
)

const (
	defaultQuestionCount  = 3
	defaultPassCount      = 2
	defaultEntitlementTTL = 90 * 24 * time.Hour

	failScope = "challenge-fail"
)

var (
	ErrInsufficientQuestions = errors.New("not enough questions for book")
	ErrBankTooSmall          = errors.New("question bank below draw size")
	ErrLockedOut             = errors.New("too many failed attempts")
)

// Repo persists the question bank and entitlements.
type Repo interface {
	RandomQuestions(ctx context.Context, bookID string, count int) ([]Question, error)
	// AnswerKeys matches on (id, book_id) jointly so a question id from
	// another book never grades against this one.
	AnswerKeys(ctx context.Context, bookID string, ids []int64) (map[int64]string, error)
	UpsertEntitlement(ctx context.Context, userID, bookID string, expiresAt time.Time) error
	ActiveEntitlements(ctx context.Context, userID string, now time.Time) ([]Entitlement, error)
	BulkUpsertQuestions(ctx context.Context, inputs []QuestionInput, minPerBook int) error
	DeleteExpiredEntitlements(ctx context.Context, limit int) (int64, error)
}

type Service struct {
	repo     Repo
	failures *ratelimit.Limiter

	questionCount  int
	passCount      int
	entitlementTTL time.Duration
	now            func() time.Time
}

func NewService(repo Repo, failures *ratelimit.Limiter) *Service {
	return &Service{
		repo:           repo,
		failures:       failures,
		questionCount:  defaultQuestionCount,
		passCount:      defaultPassCount,
		entitlementTTL: defaultEntitlementTTL,
		now:            time.Now,
	}
}

func (s *Service) WithQuizConfig(questionCount, passCount int, entitlementTTL time.Duration) {
	if questionCount > 0 {
		s.questionCount = questionCount
	}
	if passCount > 0 && passCount <= s.questionCount {
		s.passCount = passCount
	}
	if entitlementTTL > 0 {
		s.entitlementTTL = entitlementTTL
	}
}

// Questions draws the quiz for a book. The draw is uniform with no
// tie-break; grading does not depend on order.
func (s *Service) Questions(ctx context.Context, bookID string) ([]Question, error) {
	questions, err := s.repo.RandomQuestions(ctx, bookID, s.questionCount)
	if err != nil {
		return nil, err
	}
	if len(questions) < s.questionCount {
		return nil, ErrInsufficientQuestions
	}

	return questions, nil
}

func failIdentity(userID, bookID string) string {
	return userID + ":" + bookID
}

// Grade scores a submission against the stored answer key. Enough
// correct answers grant or refresh the caller's entitlement for the
// book; a failed attempt counts toward the per-(user, book) lockout.
func (s *Service) Grade(ctx context.Context, userID, bookID string, answers []Answer) (GradeResult, error) {
	identity := failIdentity(userID, bookID)
	locked, err := s.failures.Limited(ctx, failScope, identity)
	if err != nil {
		return GradeResult{}, err
	}
	if locked {
		return GradeResult{}, ErrLockedOut
	}

	ids := make([]int64, 0, len(answers))
	for _, answer := range answers {
		ids = append(ids, answer.QuestionID)
	}

	keys, err := s.repo.AnswerKeys(ctx, bookID, ids)
	if err != nil {
		return GradeResult{}, err
	}

	correct := 0
	for _, answer := range answers {
		key, ok := keys[answer.QuestionID]
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(answer.Value), strings.TrimSpace(key)) {
			correct++
		}
	}

	if correct < s.passCount {
		if _, _, err := s.failures.Hit(ctx, failScope, identity); err != nil {
			return GradeResult{}, err
		}
		return GradeResult{Correct: correct}, nil
	}

	expiresAt := s.now().UTC().Add(s.entitlementTTL)
	if err := s.repo.UpsertEntitlement(ctx, userID, bookID, expiresAt); err != nil {
		return GradeResult{}, err
	}
	if err := s.failures.Reset(ctx, failScope, identity); err != nil {
		return GradeResult{}, err
	}

	return GradeResult{Correct: correct, Passed: true, ExpiresAt: expiresAt}, nil
}

// Entitlements lists the caller's unexpired grants.
func (s *Service) Entitlements(ctx context.Context, userID string) ([]Entitlement, error) {
	return s.repo.ActiveEntitlements(ctx, userID, s.now().UTC())
}

// LoadQuestions applies an administrative answer-key batch. The load is
// rejected when it would leave any touched book with fewer rows than
// the quiz draws, which would permanently lock that book's readers out.
func (s *Service) LoadQuestions(ctx context.Context, inputs []QuestionInput) error {
	return s.repo.BulkUpsertQuestions(ctx, inputs, s.questionCount)
}

// QuestionCount is the quiz draw size, exposed for request validation.
func (s *Service) QuestionCount() int {
	return s.questionCount
}
