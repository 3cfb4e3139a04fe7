package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"keyhoney-serverless/internal/observability"
)

// Sweeper removes up to limit expired rows and reports how many went.
type Sweeper interface {
	DeleteExpired(ctx context.Context, limit int) (int64, error)
}

// SweeperFunc adapts a repository method to the Sweeper interface.
type SweeperFunc func(ctx context.Context, limit int) (int64, error)

func (f SweeperFunc) DeleteExpired(ctx context.Context, limit int) (int64, error) {
	return f(ctx, limit)
}

// CleanupHandler runs the scheduled expiry sweep over every store that
// accumulates dated rows: KV records, sessions and entitlements. It is
// invoked by the platform cron and guarded by a bearer secret.
type CleanupHandler struct {
	sweepers   map[string]Sweeper
	logger     *observability.Logger
	cronSecret string
	batchSize  int
}

func NewCleanupHandler(
	logger *observability.Logger,
	cronSecret string,
	batchSize int,
	sweepers map[string]Sweeper,
) *CleanupHandler {
	return &CleanupHandler{
		sweepers:   sweepers,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		batchSize:  batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	deleted := make(map[string]int64, len(h.sweepers))
	failed := false
	for name, sweeper := range h.sweepers {
		count, err := sweeper.DeleteExpired(r.Context(), h.batchSize)
		if err != nil {
			failed = true
			h.logger.Error("cleanup_sweep_failed", map[string]any{
				"target": name,
				"error":  err.Error(),
			})
			continue
		}
		deleted[name] = count
	}

	if failed {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "cleanup failed",
			"deleted": deleted,
		})
		return
	}

	h.logger.Info("cleanup_completed", map[string]any{"deleted": deleted})

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"deleted": deleted,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
