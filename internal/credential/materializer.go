package credential

import (
	"context"
	"sync"
	"time"

	"github.com/dhawalhost/dirsync/internal/connector"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

// HashSource fetches password hash material by email.
type HashSource interface {
	PasswordHash(ctx context.Context, email string) (connector.PasswordHash, error)
}

// Target is a user resolved in the current run.
type Target struct {
	Email      string
	InternalID string
}

// Result summarizes one materialization pass.
type Result struct {
	Materialized int
	Failed       []string
	// StoreErr is set when the credential store could not be reached at all.
	StoreErr error
}

// Materializer copies hashes from the external directory into the store.
type Materializer struct {
	source      HashSource
	store       Store
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

// NewMaterializer creates a materializer fetching with at most concurrency
// requests in flight.
func NewMaterializer(source HashSource, store Store, concurrency int, logger *zap.Logger) *Materializer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Materializer{source: source, store: store, concurrency: concurrency, logger: logger, now: time.Now}
}

// Materialize fetches one hash per target and upserts it. A failed fetch or
// upsert only records the target's email.
func (m *Materializer) Materialize(ctx context.Context, targets []Target) Result {
	var (
		mu        sync.Mutex
		materials []connector.PasswordMaterial
		result    Result
	)

	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			hash, err := m.source.PasswordHash(ctx, t.Email)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Warn("Password hash unavailable, credential postponed", zap.String("email", t.Email), zap.Error(err))
				result.Failed = append(result.Failed, t.Email)
				return nil
			}
			materials = append(materials, connector.PasswordMaterial{Email: t.Email, InternalID: t.InternalID, Hash: hash})
			return nil
		})
	}
	_ = g.Wait()

	if len(materials) == 0 {
		return result
	}

	if err := m.store.Ping(ctx); err != nil {
		m.logger.Error("Credential store unreachable", zap.Error(err))
		result.StoreErr = err
		return result
	}
	if created, err := m.store.EnsureUniqueUserConstraint(ctx); err != nil {
		m.logger.Error("Error adding unique constraint to credential table", zap.Error(err))
	} else if created {
		m.logger.Info("Credential table unique_user_id constraint added")
	}

	for _, mat := range materials {
		row, err := NewRow(mat.InternalID, mat.Hash, m.now())
		if err == nil {
			err = m.store.Upsert(ctx, row)
		}
		if err != nil {
			m.logger.Error("Credential upsert failed", zap.String("email", mat.Email), zap.Error(err))
			result.Failed = append(result.Failed, mat.Email)
			continue
		}
		result.Materialized++
	}
	m.logger.Info("Credential table updated", zap.Int("materialized", result.Materialized), zap.Int("failed", len(result.Failed)))
	return result
}
