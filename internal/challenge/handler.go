package challenge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"keyhoney-serverless/internal/auth"
)

const (
	maxJSONBodyBytes = 1 << 20
	maxAnswerLength  = 100
	maxBookIDLength  = 64
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type submitBody struct {
	BookID  string   `json:"book_id"`
	Answers []Answer `json:"answers"`
}

// Questions serves the quiz draw for a book. Rows never carry the
// answer word.
func (h *Handler) Questions(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.UserFromContext(r.Context()); !ok {
		writeMessage(w, http.StatusUnauthorized, false, "authentication required")
		return
	}

	bookID := strings.TrimSpace(r.URL.Query().Get("book_id"))
	if bookID == "" || len(bookID) > maxBookIDLength {
		writeMessage(w, http.StatusBadRequest, false, "book_id is required")
		return
	}

	questions, err := h.service.Questions(r.Context(), bookID)
	if err != nil {
		if errors.Is(err, ErrInsufficientQuestions) {
			writeMessage(w, http.StatusBadRequest, false, "insufficient challenge data for this book")
			return
		}
		sentry.CaptureException(err)
		writeMessage(w, http.StatusInternalServerError, false, "failed to load challenge")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "questions": questions})
}

// Submit grades a quiz submission for the session user.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, false, "authentication required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body submitBody
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, false, "invalid json body")
		return
	}

	body.BookID = strings.TrimSpace(body.BookID)
	if body.BookID == "" || len(body.BookID) > maxBookIDLength {
		writeMessage(w, http.StatusBadRequest, false, "book_id is required")
		return
	}
	if len(body.Answers) != h.service.QuestionCount() {
		writeMessage(w, http.StatusBadRequest, false, fmt.Sprintf("exactly %d answers are required", h.service.QuestionCount()))
		return
	}
	for _, answer := range body.Answers {
		if answer.QuestionID <= 0 {
			writeMessage(w, http.StatusBadRequest, false, "answer question id is invalid")
			return
		}
		value := strings.TrimSpace(answer.Value)
		if value == "" || len(value) > maxAnswerLength {
			writeMessage(w, http.StatusBadRequest, false, "answer value is invalid")
			return
		}
	}

	result, err := h.service.Grade(r.Context(), user.ID, body.BookID, body.Answers)
	if err != nil {
		if errors.Is(err, ErrLockedOut) {
			writeMessage(w, http.StatusTooManyRequests, false, "too many failed attempts, try again later")
			return
		}
		sentry.CaptureException(err)
		writeMessage(w, http.StatusInternalServerError, false, "failed to grade submission")
		return
	}

	if !result.Passed {
		writeMessage(w, http.StatusForbidden, false, "not enough correct answers, try again")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"message":    "book access granted",
		"expires_at": result.ExpiresAt,
	})
}

// Entitlements lists the session user's unexpired grants.
func (h *Handler) Entitlements(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, false, "authentication required")
		return
	}

	entitlements, err := h.service.Entitlements(r.Context(), user.ID)
	if err != nil {
		sentry.CaptureException(err)
		writeMessage(w, http.StatusInternalServerError, false, "failed to list entitlements")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entitlements": entitlements})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeMessage(w http.ResponseWriter, status int, ok bool, message string) {
	writeJSON(w, status, map[string]any{"ok": ok, "message": message})
}
