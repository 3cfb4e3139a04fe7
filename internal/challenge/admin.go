package challenge

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
)

const (
	adminKeyHeader    = "x-admin-key"
	maxAdminBodyBytes = 8 << 20
	maxBatchSize      = 5000
)

// AdminHandler loads the answer-key bank. Authorization is a shared
// secret header, checked in constant time.
type AdminHandler struct {
	service *Service
	apiKey  string
}

func NewAdminHandler(service *Service, apiKey string) *AdminHandler {
	return &AdminHandler{service: service, apiKey: strings.TrimSpace(apiKey)}
}

type adminPayload struct {
	Challenges []QuestionInput `json:"challenges"`
}

func (h *AdminHandler) BulkUpsert(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeMessage(w, http.StatusForbidden, false, "forbidden")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)

	var payload adminPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		writeMessage(w, http.StatusBadRequest, false, "invalid json body")
		return
	}

	if len(payload.Challenges) == 0 || len(payload.Challenges) > maxBatchSize {
		writeMessage(w, http.StatusBadRequest, false, "challenges batch is empty or too large")
		return
	}
	for i := range payload.Challenges {
		item := &payload.Challenges[i]
		item.BookID = strings.TrimSpace(item.BookID)
		item.AnswerWord = strings.TrimSpace(item.AnswerWord)
		if item.BookID == "" || len(item.BookID) > maxBookIDLength ||
			item.Page < 1 || item.Line < 1 || item.WordIndex < 1 ||
			item.AnswerWord == "" || len(item.AnswerWord) > maxAnswerLength {
			writeMessage(w, http.StatusBadRequest, false, "challenge row is invalid")
			return
		}
	}

	if err := h.service.LoadQuestions(r.Context(), payload.Challenges); err != nil {
		if errors.Is(err, ErrBankTooSmall) {
			writeMessage(w, http.StatusBadRequest, false, "a book in this batch would end below the question draw size")
			return
		}
		sentry.CaptureException(err)
		writeMessage(w, http.StatusInternalServerError, false, "failed to store challenge data")
		return
	}

	writeMessage(w, http.StatusOK, true, "challenge data stored")
}

func (h *AdminHandler) authorized(r *http.Request) bool {
	if h.apiKey == "" {
		return false
	}

	provided := strings.TrimSpace(r.Header.Get(adminKeyHeader))
	providedHash := sha256.Sum256([]byte(provided))
	expectedHash := sha256.Sum256([]byte(h.apiKey))
	return subtle.ConstantTimeCompare(providedHash[:], expectedHash[:]) == 1
}
