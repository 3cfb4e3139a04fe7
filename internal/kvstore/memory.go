package kvstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryRecord struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store for tests and local runs. Now is
// swappable so expiry can be driven by a fake clock.
type Memory struct {
	mu      sync.Mutex
	records map[string]memoryRecord

	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]memoryRecord),
		Now:     time.Now,
	}
}

func (s *Memory) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok || !s.Now().Before(record.expiresAt) {
		delete(s.records, key)
		return nil, ErrNotFound
	}

	value := make([]byte, len(record.value))
	copy(value, record.value)
	return value, nil
}

func (s *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.records[key] = memoryRecord{value: stored, expiresAt: s.Now().Add(ttl)}
	return nil
}

func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

func (s *Memory) Increment(_ context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	record, ok := s.records[key]
	if !ok || !now.Before(record.expiresAt) {
		expiresAt := now.Add(ttl)
		s.records[key] = memoryRecord{value: []byte("1"), expiresAt: expiresAt}
		return 1, expiresAt, nil
	}

	count, err := strconv.ParseInt(string(record.value), 10, 64)
	if err != nil {
		count = 0
	}
	count++
	record.value = []byte(strconv.FormatInt(count, 10))
	s.records[key] = record
	return count, record.expiresAt, nil
}

func (s *Memory) DeleteExpired(_ context.Context, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 500
	}

	now := s.Now()
	var deleted int64
	for key, record := range s.records {
		if deleted >= int64(limit) {
			break
		}
		if !now.Before(record.expiresAt) {
			delete(s.records, key)
			deleted++
		}
	}

	return deleted, nil
}
