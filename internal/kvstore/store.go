package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its TTL has elapsed.
// Callers cannot tell the two apart.
var ErrNotFound = errors.New("kvstore: key not found")

// Store holds small records with a per-key time-to-live. Records past
// their expiry are invisible to readers even before they are physically
// removed by a cleanup sweep.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Increment atomically bumps a numeric counter at key. An absent or
	// expired key starts a fresh window: count 1, expiry now+ttl. A live
	// key keeps its window end so the counter resets only when the
	// window elapses.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error)

	// DeleteExpired removes up to limit physically expired records.
	DeleteExpired(ctx context.Context, limit int) (int64, error)
}
