// Package history is the append-only log of resolution attempts.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/edgefix/edgefix/internal/types"
)

// ErrDuplicateAttempt is returned when (alert id, attempt number) is already recorded.
var ErrDuplicateAttempt = errors.New("attempt already recorded")

// Store records completed attempts. Records are never updated once appended.
type Store interface {
	Append(ctx context.Context, a types.Attempt) error
	Attempts(ctx context.Context, alertID string) ([]types.Attempt, error)
	Close() error
}

// MemoryStore keeps the attempt log in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[string][]types.Attempt
}

// NewMemoryStore creates an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[string][]types.Attempt)}
}

func (s *MemoryStore) Append(_ context.Context, a types.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.attempts[a.AlertID] {
		if existing.Number == a.Number {
			return ErrDuplicateAttempt
		}
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		a.CompletedAt = &t
	}
	list := append(s.attempts[a.AlertID], a)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Number < list[j].Number })
	s.attempts[a.AlertID] = list
	return nil
}

// Attempts returns the attempts for alertID ordered by attempt number.
func (s *MemoryStore) Attempts(_ context.Context, alertID string) ([]types.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]types.Attempt(nil), s.attempts[alertID]...), nil
}

// Forget drops the log for an archived alert.
func (s *MemoryStore) Forget(alertID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, alertID)
}

func (s *MemoryStore) Close() error { return nil }
