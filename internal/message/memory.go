package message

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Message Store for tests and dev wiring.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // keyed by accountID + "\x00" + nativeID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func key(accountID, nativeID string) string {
	return accountID + "\x00" + nativeID
}

func (s *MemoryStore) InsertBatch(ctx context.Context, records []*Record) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var inserted []*Record
	for _, r := range records {
		k := key(r.AccountID, r.NativeID)
		if _, exists := s.records[k]; exists {
			continue
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		cp := *r
		s.records[k] = &cp
		inserted = append(inserted, r)
	}
	return inserted, nil
}

func (s *MemoryStore) Exists(ctx context.Context, accountID, nativeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key(accountID, nativeID)]
	return ok, nil
}

func (s *MemoryStore) CountSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.AccountID == accountID && !r.ReceivedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateLabels(ctx context.Context, accountID, nativeID string, labels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key(accountID, nativeID)]
	if !ok {
		return ErrRecordNotFound
	}
	r.Labels = append([]string(nil), labels...)
	r.UpdatedAt = time.Now()
	return nil
}
