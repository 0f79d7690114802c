// Package tokencache holds one bearer token per integration target and
// refreshes it once its freshness margin has elapsed.
package tokencache

import (
	"context"
	"sync"
	"time"
)

// Freshness margins per target. A token older than its margin is discarded
// whatever expiry the issuer reported.
const (
	AdminTokenMargin    = 50 * time.Second
	ExternalTokenMargin = 270 * time.Second
)

// FetchFunc requests a new token from the target's token endpoint.
type FetchFunc func(ctx context.Context) (string, error)

type entry struct {
	token    string
	issuedAt time.Time
}

// Cache is a single-slot, mutex-guarded token holder.
type Cache struct {
	fetch  FetchFunc
	margin time.Duration
	now    func() time.Time

	mu      sync.Mutex
	current *entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache that refreshes through fetch after margin.
func New(fetch FetchFunc, margin time.Duration, opts ...Option) *Cache {
	c := &Cache{fetch: fetch, margin: margin, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the cached token while it is fresh and replaces it otherwise.
// Concurrent callers wait for a single refresh.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.now().Sub(c.current.issuedAt) < c.margin {
		return c.current.token, nil
	}
	c.current = nil

	token, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.current = &entry{token: token, issuedAt: c.now()}
	return token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}
