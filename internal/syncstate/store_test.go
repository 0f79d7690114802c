package syncstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestGetDefaultsToUndone(t *testing.T) {
	store := NewStore(NewMemoryCache())

	state, err := store.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != StatusUndone || state.LastSuccessfulDate != nil || len(state.FailedUsers) != 0 {
		t.Fatalf("unexpected default state: %+v", state)
	}
	if state.FailedUsers == nil {
		t.Fatalf("expected empty, non-nil failed list")
	}
}

func TestSetOverwritesPreviousState(t *testing.T) {
	cache := NewMemoryCache()
	store := NewStore(cache)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Set(ctx, "acme", State{Status: StatusError, FailedUsers: []string{"a@acme.test", "b@acme.test"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Set(ctx, "acme", State{Status: StatusDone, LastSuccessfulDate: &now}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, _ := store.Get(ctx, "acme")
	if state.Status != StatusDone || len(state.FailedUsers) != 0 {
		t.Fatalf("expected overwrite, got %+v", state)
	}
	if !state.LastSuccessfulDate.Equal(now) {
		t.Fatalf("expected %v, got %v", now, state.LastSuccessfulDate)
	}
	if _, ok, _ := cache.Get(ctx, "acme|usersSyncResult"); !ok {
		t.Fatalf("expected state under acme|usersSyncResult")
	}
}

func TestSetAllBroadcasts(t *testing.T) {
	store := NewStore(NewMemoryCache())
	ctx := context.Background()

	if err := store.SetAll(ctx, []string{"acme", "beta"}, State{Status: StatusCancelled, FailedUsers: []string{"x@beta.test"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tenant := range []string{"acme", "beta"} {
		state, _ := store.Get(ctx, tenant)
		if state.Status != StatusCancelled || len(state.FailedUsers) != 1 {
			t.Fatalf("%s: unexpected state %+v", tenant, state)
		}
	}
}

// observingCache fails the test when a read lands between a delete and the
// following write of the same key.
type observingCache struct {
	*MemoryCache
	t       *testing.T
	mu      sync.Mutex
	deleted map[string]bool
}

func (o *observingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	o.mu.Lock()
	if o.deleted[key] {
		o.t.Errorf("read of %s observed a removed key", key)
	}
	o.mu.Unlock()
	return o.MemoryCache.Get(ctx, key)
}

func (o *observingCache) Delete(ctx context.Context, key string) error {
	o.mu.Lock()
	o.deleted[key] = true
	o.mu.Unlock()
	return o.MemoryCache.Delete(ctx, key)
}

func (o *observingCache) Set(ctx context.Context, key string, value []byte) error {
	err := o.MemoryCache.Set(ctx, key, value)
	o.mu.Lock()
	o.deleted[key] = false
	o.mu.Unlock()
	return err
}

func TestReadsNeverObserveRemoveWriteGap(t *testing.T) {
	cache := &observingCache{MemoryCache: NewMemoryCache(), t: t, deleted: map[string]bool{}}
	store := NewStore(cache)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = store.Set(ctx, "acme", State{Status: StatusDone})
		}()
		go func() {
			defer wg.Done()
			_, _ = store.Get(ctx, "acme")
		}()
	}
	wg.Wait()
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewStore(NewRedisCache(client))
	ctx := context.Background()

	state, err := store.Get(ctx, "acme")
	if err != nil || state.Status != StatusUndone {
		t.Fatalf("expected default state, got %+v, %v", state, err)
	}

	if err := store.Set(ctx, "acme", State{Status: StatusError, FailedUsers: []string{"u@acme.test"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mr.Exists("acme|usersSyncResult") {
		t.Fatalf("expected key in redis")
	}
	state, err = store.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != StatusError || len(state.FailedUsers) != 1 || state.FailedUsers[0] != "u@acme.test" {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestDistinct(t *testing.T) {
	got := Distinct([]string{"b@x", "a@x", "b@x"})
	if len(got) != 2 || got[0] != "a@x" || got[1] != "b@x" {
		t.Fatalf("unexpected distinct list: %v", got)
	}
}
