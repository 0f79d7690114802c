package syncstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const keySuffix = "usersSyncResult"

// Key is the cache key a tenant's state lives under.
func Key(tenant string) string {
	return tenant + "|" + keySuffix
}

// Cache is the key/value backend behind the store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Store reads and writes run states. Reads and writes share one lock so a
// reader never sees a key between its removal and rewrite.
type Store struct {
	mu    sync.Mutex
	cache Cache
}

// NewStore creates a store over cache.
func NewStore(cache Cache) *Store {
	return &Store{cache: cache}
}

// Get returns the tenant's state, or Default when none was written.
func (s *Store) Get(ctx context.Context, tenant string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.cache.Get(ctx, Key(tenant))
	if err != nil {
		return State{}, fmt.Errorf("read sync state for %s: %w", tenant, err)
	}
	if !ok {
		return Default(), nil
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, fmt.Errorf("decode sync state for %s: %w", tenant, err)
	}
	if state.FailedUsers == nil {
		state.FailedUsers = []string{}
	}
	return state, nil
}

// Set replaces the tenant's state.
func (s *Store) Set(ctx context.Context, tenant string, state State) error {
	return s.SetAll(ctx, []string{tenant}, state)
}

// SetAll writes the same state under every tenant in one critical section.
func (s *Store) SetAll(ctx context.Context, tenants []string, state State) error {
	if state.FailedUsers == nil {
		state.FailedUsers = []string{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tenant := range tenants {
		key := Key(tenant)
		if err := s.cache.Delete(ctx, key); err != nil {
			return fmt.Errorf("remove sync state for %s: %w", tenant, err)
		}
		if err := s.cache.Set(ctx, key, raw); err != nil {
			return fmt.Errorf("write sync state for %s: %w", tenant, err)
		}
	}
	return nil
}
