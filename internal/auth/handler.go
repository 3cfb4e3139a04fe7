package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/getsentry/sentry-go"

	"keyhoney-serverless/internal/ratelimit"
)

const (
	maxJSONBodyBytes = 1 << 20
	minCaptchaToken  = 10
)

// HumanVerifier is the bot/abuse gate checked before any OTP quota is
// consumed.
type HumanVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

type Handler struct {
	service     *Service
	verifier    HumanVerifier
	codePattern *regexp.Regexp
}

func NewHandler(service *Service, verifier HumanVerifier) *Handler {
	return &Handler{
		service:     service,
		verifier:    verifier,
		codePattern: regexp.MustCompile(fmt.Sprintf(`^[0-9]{%d}$`, service.otpLength)),
	}
}

type otpRequestBody struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type otpVerifyBody struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
	Token string `json:"token"`
}

func (h *Handler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body otpRequestBody
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, false, "invalid json body")
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	body.Token = strings.TrimSpace(body.Token)
	if body.Email == "" || len(body.Email) > 255 {
		writeMessage(w, http.StatusBadRequest, false, "a valid email address is required")
		return
	}
	if len(body.Token) < minCaptchaToken {
		writeMessage(w, http.StatusBadRequest, false, "verification token is required")
		return
	}

	if !h.verifyHuman(w, r, body.Token) {
		return
	}

	if err := h.service.RequestOTP(r.Context(), body.Email); err != nil {
		switch {
		case errors.Is(err, ErrInvalidEmail):
			writeMessage(w, http.StatusBadRequest, false, "a valid email address is required")
		case errors.Is(err, ErrRateLimited):
			writeMessage(w, http.StatusTooManyRequests, false, "too many otp requests, try again later")
		default:
			sentry.CaptureException(err)
			writeMessage(w, http.StatusInternalServerError, false, "failed to send otp")
		}
		return
	}

	writeMessage(w, http.StatusOK, true, "otp sent")
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body otpVerifyBody
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, false, "invalid json body")
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	body.OTP = strings.TrimSpace(body.OTP)
	body.Token = strings.TrimSpace(body.Token)
	if body.Email == "" || len(body.Email) > 255 {
		writeMessage(w, http.StatusBadRequest, false, "a valid email address is required")
		return
	}
	if !h.codePattern.MatchString(body.OTP) {
		writeMessage(w, http.StatusBadRequest, false, fmt.Sprintf("otp must be %d digits", h.service.otpLength))
		return
	}
	if len(body.Token) < minCaptchaToken {
		writeMessage(w, http.StatusBadRequest, false, "verification token is required")
		return
	}

	if !h.verifyHuman(w, r, body.Token) {
		return
	}

	cookieValue, expiresAt, err := h.service.VerifyOTP(r.Context(), body.Email, body.OTP)
	if err != nil {
		if errors.Is(err, ErrInvalidOTP) {
			writeMessage(w, http.StatusBadRequest, false, "invalid or expired otp")
			return
		}
		sentry.CaptureException(err)
		writeMessage(w, http.StatusInternalServerError, false, "failed to verify otp")
		return
	}

	http.SetCookie(w, h.service.SessionCookie(cookieValue, expiresAt))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "redirect": "/"})
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.AuthenticateRequest(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "email": user.Email})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(h.service.cookieName); err == nil && cookie.Value != "" {
		if err := h.service.Logout(r.Context(), cookie.Value); err != nil {
			sentry.CaptureException(err)
			writeMessage(w, http.StatusInternalServerError, false, "failed to logout")
			return
		}
	}

	http.SetCookie(w, h.service.BlankSessionCookie())
	w.WriteHeader(http.StatusNoContent)
}

// verifyHuman runs the abuse gate. It must come before the rate limiter
// so failed bot checks never consume OTP quota.
func (h *Handler) verifyHuman(w http.ResponseWriter, r *http.Request, token string) bool {
	ok, err := h.verifier.Verify(r.Context(), token, ratelimit.ClientIP(r))
	if err != nil {
		sentry.CaptureException(err)
		writeMessage(w, http.StatusInternalServerError, false, "human verification unavailable")
		return false
	}
	if !ok {
		writeMessage(w, http.StatusBadRequest, false, "human verification failed")
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeMessage(w http.ResponseWriter, status int, ok bool, message string) {
	writeJSON(w, status, map[string]any{"ok": ok, "message": message})
}
