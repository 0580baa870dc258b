package account

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Account Store used by tests and by the
// dev wiring when no database path is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s *MemoryStore) GetBySubscriptionRef(ctx context.Context, ref string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.SubscriptionRef() == ref && ref != "" {
			return cloneAccount(a), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetByAddress(ctx context.Context, address string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.Address == address {
			return cloneAccount(a), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListActive(ctx context.Context, kind ProviderKind) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Account
	for _, a := range s.accounts {
		if !a.Active {
			continue
		}
		if kind != "" && a.Kind != kind {
			continue
		}
		out = append(out, cloneAccount(a))
	}
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, a *Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[a.ID]; !exists {
		for _, other := range s.accounts {
			if other.UserID == a.UserID && other.Address == a.Address && other.Kind == a.Kind {
				return ErrDuplicate
			}
		}
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(s.accounts, id)
	return nil
}

func (s *MemoryStore) AdvanceCursor(ctx context.Context, id, candidate string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return false, ErrNotFound
	}
	return ApplyCursor(a, candidate, now), nil
}

func (s *MemoryStore) TouchLastSynced(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.LastSyncedAt = now
	a.UpdatedAt = now
	return nil
}

func (s *MemoryStore) UpdateSubscription(ctx context.Context, a *Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.accounts[a.ID]
	if !ok {
		return ErrNotFound
	}

	// The stored cursor wins over a stale snapshot; lastSyncedAt stays
	// with the sync paths.
	mergeStoredCursor(a, stored.Cursor())

	c := cloneAccount(a)
	c.LastSyncedAt = stored.LastSyncedAt
	c.CreatedAt = stored.CreatedAt
	c.UpdatedAt = time.Now()
	s.accounts[a.ID] = c
	return nil
}

func cloneAccount(a *Account) *Account {
	c := *a
	if a.Session.Webhook != nil {
		w := *a.Session.Webhook
		c.Session.Webhook = &w
	}
	if a.Session.PubSub != nil {
		p := *a.Session.PubSub
		c.Session.PubSub = &p
	}
	if a.Session.Poll != nil {
		p := *a.Session.Poll
		c.Session.Poll = &p
	}
	if a.Credentials != nil {
		c.Credentials = append([]byte(nil), a.Credentials...)
	}
	return &c
}
