package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"keyhoney-serverless/internal/kvstore"
	"keyhoney-serverless/internal/ratelimit"
)

const (
	defaultOTPLength  = 6
	defaultOTPTTL     = 5 * time.Minute
	defaultSessionTTL = 30 * 24 * time.Hour
	defaultCookieName = "kh_session"

	otpRateScope  = "otp"
	bypassEmail   = "dev@localhost"
	mailSubject   = "KeyHoney sign-in code"
	mailBodyFmt   = "<p>Your one-time code is <strong>%s</strong>. It expires in %d minutes.</p>"
	sessionIssuer = "keyhoney"
)

var (
	ErrInvalidEmail = errors.New("invalid email address")
	ErrInvalidOTP   = errors.New("invalid or expired otp")
	ErrRateLimited  = errors.New("too many otp requests")
	ErrNoSession    = errors.New("no valid session")
)

// Repo persists users and sessions in the relational store.
type Repo interface {
	CreateUserIfNotExists(ctx context.Context, email string) (User, error)
	CreateSession(ctx context.Context, id, userID, tokenHash string, expiresAt time.Time) error
	SessionByTokenHash(ctx context.Context, tokenHash string) (Session, User, error)
	DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error
	DeleteExpiredSessions(ctx context.Context, limit int) (int64, error)
}

// Mailer delivers the one-time code out-of-band.
type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

type Service struct {
	repo    Repo
	kv      kvstore.Store
	limiter *ratelimit.Limiter
	mailer  Mailer

	sessionSecret []byte
	otpLength     int
	otpTTL        time.Duration
	sessionTTL    time.Duration
	cookieName    string
	cookieSecure  bool
	authBypass    bool
	now           func() time.Time
}

func NewService(repo Repo, kv kvstore.Store, limiter *ratelimit.Limiter, mailer Mailer, sessionSecret string) *Service {
	return &Service{
		repo:          repo,
		kv:            kv,
		limiter:       limiter,
		mailer:        mailer,
		sessionSecret: []byte(sessionSecret),
		otpLength:     defaultOTPLength,
		otpTTL:        defaultOTPTTL,
		sessionTTL:    defaultSessionTTL,
		cookieName:    defaultCookieName,
		cookieSecure:  true,
		now:           time.Now,
	}
}

func (s *Service) WithOTPConfig(length int, ttl time.Duration) {
	if length >= 4 && length <= 10 {
		s.otpLength = length
	}
	if ttl > 0 {
		s.otpTTL = ttl
	}
}

func (s *Service) WithSessionConfig(ttl time.Duration, cookieName string, secure bool) {
	if ttl > 0 {
		s.sessionTTL = ttl
	}
	if cookieName != "" {
		s.cookieName = cookieName
	}
	s.cookieSecure = secure
}

// WithAuthBypass turns every request into a signed-in dev user. Startup
// refuses this flag in production; see internal/app.
func (s *Service) WithAuthBypass(enabled bool) {
	s.authBypass = enabled
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	if email == "" || len(email) > 255 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return strings.ToLower(addr.Address) == email
}

// RequestOTP issues and mails a fresh code. The abuse gate runs in the
// handler before this, so failed human checks never consume quota; a
// non-limited call here always consumes one unit even if mailing fails.
func (s *Service) RequestOTP(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return ErrInvalidEmail
	}

	limited, err := s.limiter.Limited(ctx, otpRateScope, email)
	if err != nil {
		return err
	}
	if limited {
		return ErrRateLimited
	}
	if _, _, err := s.limiter.Hit(ctx, otpRateScope, email); err != nil {
		return err
	}

	code, err := s.generateOTP()
	if err != nil {
		return err
	}
	if err := s.storeOTP(ctx, email, code); err != nil {
		return err
	}

	body := fmt.Sprintf(mailBodyFmt, code, int(s.otpTTL.Minutes()))
	if err := s.mailer.Send(ctx, email, mailSubject, body); err != nil {
		return fmt.Errorf("send otp mail: %w", err)
	}

	return nil
}

// VerifyOTP validates the submitted code, consumes it, lazily creates
// the user, and opens a session. The returned value is the signed
// cookie payload.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (string, time.Time, error) {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return "", time.Time{}, ErrInvalidOTP
	}

	ok, err := s.validateOTP(ctx, email, code)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok {
		return "", time.Time{}, ErrInvalidOTP
	}

	if err := s.clearOTP(ctx, email); err != nil {
		return "", time.Time{}, err
	}

	user, err := s.repo.CreateUserIfNotExists(ctx, email)
	if err != nil {
		return "", time.Time{}, err
	}

	return s.createSession(ctx, user.ID)
}

func (s *Service) createSession(ctx context.Context, userID string) (string, time.Time, error) {
	rawToken, err := randomToken(48)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token: %w", err)
	}

	sessionID, err := newID()
	if err != nil {
		return "", time.Time{}, err
	}

	expiresAt := s.now().UTC().Add(s.sessionTTL)
	if err := s.repo.CreateSession(ctx, sessionID, userID, hashToken(rawToken), expiresAt); err != nil {
		return "", time.Time{}, err
	}

	signed, err := s.signSessionCookie(rawToken, expiresAt)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// signSessionCookie wraps the opaque session token in an HS256 JWT so
// the cookie is tamper-evident and expired cookies are rejected without
// touching the database.
func (s *Service) signSessionCookie(rawToken string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": sessionIssuer,
		"tok": rawToken,
		"iat": s.now().UTC().Unix(),
		"exp": expiresAt.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.sessionSecret)
	if err != nil {
		return "", fmt.Errorf("sign session cookie: %w", err)
	}

	return signed, nil
}

func (s *Service) parseSessionCookie(value string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (any, error) {
		return s.sessionSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(sessionIssuer), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !token.Valid {
		return "", ErrNoSession
	}

	rawToken, _ := claims["tok"].(string)
	if rawToken == "" {
		return "", ErrNoSession
	}

	return rawToken, nil
}

// AuthenticateRequest resolves the session cookie to a user. Failures
// of any kind surface as ErrNoSession.
func (s *Service) AuthenticateRequest(r *http.Request) (User, error) {
	ctx := r.Context()

	if s.authBypass {
		return s.repo.CreateUserIfNotExists(ctx, bypassEmail)
	}

	cookie, err := r.Cookie(s.cookieName)
	if err != nil || cookie.Value == "" {
		return User{}, ErrNoSession
	}

	rawToken, err := s.parseSessionCookie(cookie.Value)
	if err != nil {
		return User{}, err
	}

	session, user, err := s.repo.SessionByTokenHash(ctx, hashToken(rawToken))
	if err != nil {
		return User{}, ErrNoSession
	}
	if !s.now().UTC().Before(session.ExpiresAt.UTC()) {
		_ = s.repo.DeleteSessionByTokenHash(ctx, hashToken(rawToken))
		return User{}, ErrNoSession
	}

	return user, nil
}

// Logout drops the session row. Unknown or malformed cookies are a
// no-op so logout stays idempotent.
func (s *Service) Logout(ctx context.Context, cookieValue string) error {
	rawToken, err := s.parseSessionCookie(cookieValue)
	if err != nil {
		return nil
	}

	return s.repo.DeleteSessionByTokenHash(ctx, hashToken(rawToken))
}

// SessionCookie builds the Set-Cookie payload for a fresh session.
func (s *Service) SessionCookie(value string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    value,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// BlankSessionCookie expires the session cookie on the client.
func (s *Service) BlankSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashToken(rawToken string) string {
	hash := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(hash[:])
}
