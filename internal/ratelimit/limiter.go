package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"keyhoney-serverless/internal/kvstore"
)

// Limiter counts actions per scope+identity in a fixed window backed by
// the expiring store. The counter starts on the first action and resets
// when its TTL elapses.
type Limiter struct {
	store  kvstore.Store
	max    int
	window time.Duration
}

func New(store kvstore.Store, max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = 5
	}
	if window <= 0 {
		window = time.Hour
	}

	return &Limiter{store: store, max: max, window: window}
}

func key(scope, identity string) string {
	return "ratelimit:" + scope + ":" + identity
}

// Limited reports whether the identity has exhausted its quota without
// consuming any of it.
func (l *Limiter) Limited(ctx context.Context, scope, identity string) (bool, error) {
	value, err := l.store.Get(ctx, key(scope, identity))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read rate counter: %w", err)
	}

	count, err := strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse rate counter: %w", err)
	}

	return count >= int64(l.max), nil
}

// Hit consumes one unit of quota and returns the running count and the
// window end.
func (l *Limiter) Hit(ctx context.Context, scope, identity string) (int64, time.Time, error) {
	return l.store.Increment(ctx, key(scope, identity), l.window)
}

// Allow atomically consumes one unit and reports whether the request
// stays within quota, with a retry hint when it does not.
func (l *Limiter) Allow(ctx context.Context, scope, identity string) (bool, time.Duration, error) {
	count, windowEnd, err := l.Hit(ctx, scope, identity)
	if err != nil {
		return false, 0, err
	}
	if count <= int64(l.max) {
		return true, 0, nil
	}

	retryAfter := time.Until(windowEnd)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, retryAfter, nil
}

// Reset clears the counter, e.g. after a successful challenge pass.
func (l *Limiter) Reset(ctx context.Context, scope, identity string) error {
	return l.store.Delete(ctx, key(scope, identity))
}

// Middleware rejects clients that exceed the per-IP quota for the given
// scope with 429 and a Retry-After header. Store failures fail open: a
// broken counter must not take the endpoint down with it.
func (l *Limiter) Middleware(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter, err := l.Allow(r.Context(), scope, ClientIP(r))
		if err == nil && !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"message":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP prefers the first X-Forwarded-For hop, as set by the fronting
// proxy, over the raw remote address.
func ClientIP(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		if first, _, found := strings.Cut(forwarded, ","); found || first != "" {
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}
