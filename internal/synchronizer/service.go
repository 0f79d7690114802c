// Package synchronizer reconciles the internal directory with the external
// one: it correlates identities, applies creates and updates with a bounded
// worker pool, materializes password credentials and persists the run outcome.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dhawalhost/dirsync/internal/connector"
	"github.com/dhawalhost/dirsync/internal/credential"
	"github.com/dhawalhost/dirsync/internal/events"
	"github.com/dhawalhost/dirsync/internal/syncstate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrRunInProgress is returned when a run for an overlapping scope is in flight.
	ErrRunInProgress = errors.New("synchronization already in progress")
	// ErrCancelled is returned when a run was stopped before completion.
	ErrCancelled = errors.New("synchronization cancelled")
)

const (
	DefaultConcurrency = 8
	DefaultUserTimeout = 30 * time.Second
)

// User outcomes reported to the Recorder.
const (
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeFailed  = "failed"
)

// InternalDirectory is the directory being kept in sync.
type InternalDirectory interface {
	AdminToken(ctx context.Context) (string, error)
	ListGroups(ctx context.Context) ([]connector.Group, error)
	ListRoles(ctx context.Context) ([]connector.Role, error)
	ListLinkedUsers(ctx context.Context) ([]connector.IndexEntry, error)
	CreateUser(ctx context.Context, token string, user connector.User, externalID string) (string, error)
	UpdateUser(ctx context.Context, token, internalID string, user connector.User, externalID string) error
	AssignRealmRoles(ctx context.Context, token, internalID string, roles []connector.Role) error
	JoinGroups(ctx context.Context, token, internalID string, groups []connector.Group) error
	ListUserRealmRoles(ctx context.Context, token, internalID string) ([]connector.Role, error)
	RevokeRealmRoles(ctx context.Context, token, internalID string, roles []connector.Role) error
	ListUserGroups(ctx context.Context, token, internalID string) ([]connector.Group, error)
	LeaveGroups(ctx context.Context, token, internalID string, groups []connector.Group) error
	ClearUserCache(ctx context.Context) error
}

// ExternalDirectory is the source of truth.
type ExternalDirectory interface {
	ListUsers(ctx context.Context) ([]connector.ExternalUser, error)
	FindCustomerID(ctx context.Context, name string) (int, error)
}

// Materializer writes password credentials for resolved users.
type Materializer interface {
	Materialize(ctx context.Context, targets []credential.Target) credential.Result
}

// Recorder receives run metrics.
type Recorder interface {
	RunFinished(status string, elapsed time.Duration)
	UserApplied(outcome string)
	CredentialsMaterialized(succeeded, failed int)
}

type nopRecorder struct{}

func (nopRecorder) RunFinished(string, time.Duration) {}
func (nopRecorder) UserApplied(string)                {}
func (nopRecorder) CredentialsMaterialized(int, int)  {}

// Config tunes a Service.
type Config struct {
	Concurrency int
	UserTimeout time.Duration
	DefaultRole string
}

// Service runs synchronizations.
type Service struct {
	internal     InternalDirectory
	external     ExternalDirectory
	materializer Materializer
	states       *syncstate.Store
	publisher    events.Publisher
	recorder     Recorder
	config       Config
	locks        *runLocks
	logger       *zap.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder reports metrics to r.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires a Service.
func NewService(
	internal InternalDirectory,
	external ExternalDirectory,
	materializer Materializer,
	states *syncstate.Store,
	publisher events.Publisher,
	config Config,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.UserTimeout <= 0 {
		config.UserTimeout = DefaultUserTimeout
	}
	s := &Service{
		internal:     internal,
		external:     external,
		materializer: materializer,
		states:       states,
		publisher:    publisher,
		recorder:     nopRecorder{},
		config:       config,
		locks:        newRunLocks(),
		logger:       logger,
		tracer:       otel.Tracer("github.com/dhawalhost/dirsync/internal/synchronizer"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run is the state of one synchronization. It never outlives Synchronize.
type run struct {
	mu       sync.Mutex
	status   syncstate.Status
	failed   []string
	resolved []credential.Target
}

func (r *run) fail(email string) {
	r.mu.Lock()
	r.failed = append(r.failed, email)
	r.status = syncstate.StatusError
	r.mu.Unlock()
}

func (r *run) postpone(emails ...string) {
	r.mu.Lock()
	r.failed = append(r.failed, emails...)
	r.mu.Unlock()
}

func (r *run) resolve(email, internalID string) {
	r.mu.Lock()
	r.resolved = append(r.resolved, credential.Target{Email: email, InternalID: internalID})
	r.mu.Unlock()
}

type catalog struct {
	groups  []connector.Group
	users   []connector.User
	index   map[string]string
	managed Managed
	token   string
}

// Synchronize runs one reconciliation for tenant, or for every tenant when
// tenant is empty. Per-user failures are recorded in the returned state; an
// error is returned only when the run could not complete.
func (s *Service) Synchronize(ctx context.Context, tenant string) (syncstate.State, error) {
	release, ok := s.locks.acquire(tenant)
	if !ok {
		return syncstate.State{}, ErrRunInProgress
	}
	defer release()
	return s.synchronize(ctx, tenant)
}

// Start begins a run in the background and returns once the scope is held.
// done, when non-nil, receives the outcome.
func (s *Service) Start(ctx context.Context, tenant string, done func(syncstate.State, error)) error {
	release, ok := s.locks.acquire(tenant)
	if !ok {
		return ErrRunInProgress
	}
	go func() {
		defer release()
		state, err := s.synchronize(ctx, tenant)
		if done != nil {
			done(state, err)
		}
	}()
	return nil
}

func (s *Service) synchronize(ctx context.Context, tenant string) (syncstate.State, error) {
	ctx, span := s.tracer.Start(ctx, "synchronize", trace.WithAttributes(attribute.String("tenant", tenant)))
	defer span.End()

	start := s.now()
	r := &run{status: syncstate.StatusRunning}
	logger := s.logger.With(zap.String("tenant", tenant))
	logger.Info("Synchronization started")

	cat, groups, err := s.loadCatalog(ctx, tenant)
	if err != nil {
		status, retErr := syncstate.StatusError, fmt.Errorf("load catalog: %w", err)
		if ctx.Err() != nil {
			status, retErr = syncstate.StatusCancelled, ErrCancelled
		}
		logger.Error("Synchronization aborted, catalog unavailable", zap.Error(err))
		span.RecordError(err)
		state := s.carryOver(context.WithoutCancel(ctx), tenant, groups, status, nil)
		s.recorder.RunFinished(string(state.Status), s.now().Sub(start))
		return state, retErr
	}

	s.apply(ctx, cat, r)

	if ctx.Err() != nil {
		r.mu.Lock()
		failed := syncstate.Distinct(r.failed)
		r.mu.Unlock()
		logger.Warn("Synchronization cancelled", zap.Int("failed", len(failed)))
		state := s.carryOver(context.WithoutCancel(ctx), tenant, cat.groups, syncstate.StatusCancelled, failed)
		s.recorder.RunFinished(string(state.Status), s.now().Sub(start))
		return state, ErrCancelled
	}

	s.materialize(ctx, r)

	if err := s.internal.ClearUserCache(ctx); err != nil {
		logger.Error("User cache clear error", zap.Error(err))
	} else {
		logger.Debug("Users cache cleared")
	}

	completed := s.now().UTC()
	state := syncstate.State{
		Status:             r.status,
		LastSuccessfulDate: &completed,
		FailedUsers:        syncstate.Distinct(r.failed),
	}
	if state.Status == syncstate.StatusRunning {
		state.Status = syncstate.StatusDone
	}

	_, persistSpan := s.tracer.Start(ctx, "persist")
	s.persist(ctx, tenant, cat.groups, state)
	persistSpan.End()

	s.recorder.RunFinished(string(state.Status), s.now().Sub(start))
	logger.Info("Synchronization finished",
		zap.String("status", string(state.Status)),
		zap.Int("users", len(cat.users)),
		zap.Int("failed", len(state.FailedUsers)),
		zap.Duration("elapsed", s.now().Sub(start)))
	return state, nil
}

// loadCatalog fetches every precondition of the apply phase. Groups are
// returned separately so a failed run can still broadcast its status.
func (s *Service) loadCatalog(ctx context.Context, tenant string) (catalog, []connector.Group, error) {
	ctx, span := s.tracer.Start(ctx, "catalog")
	defer span.End()

	groups, err := s.internal.ListGroups(ctx)
	if err != nil {
		return catalog{}, nil, err
	}
	roles, err := s.internal.ListRoles(ctx)
	if err != nil {
		return catalog{}, groups, err
	}
	scope := Scope{Tenant: tenant}
	if !scope.All() {
		if scope.CustomerID, err = s.external.FindCustomerID(ctx, tenant); err != nil {
			return catalog{}, groups, err
		}
	}
	external, err := s.external.ListUsers(ctx)
	if err != nil {
		return catalog{}, groups, err
	}
	linked, err := s.internal.ListLinkedUsers(ctx)
	if err != nil {
		return catalog{}, groups, err
	}
	token, err := s.internal.AdminToken(ctx)
	if err != nil {
		return catalog{}, groups, err
	}

	cat := catalog{
		groups:  groups,
		users:   BuildUsers(external, groups, NewRolePolicy(roles, s.config.DefaultRole), scope),
		index:   BuildIndex(linked),
		managed: NewManaged(groups, roles, s.config.DefaultRole),
		token:   token,
	}
	span.SetAttributes(attribute.Int("users", len(cat.users)), attribute.Int("linked", len(cat.index)))
	return cat, groups, nil
}

// apply creates or updates every canonical user with at most
// Config.Concurrency users in flight. Once ctx is cancelled no further users
// start; users already started finish under UserTimeout.
func (s *Service) apply(ctx context.Context, cat catalog, r *run) {
	ctx, span := s.tracer.Start(ctx, "apply")
	defer span.End()

	g := new(errgroup.Group)
	g.SetLimit(s.config.Concurrency)
	for _, user := range cat.users {
		if ctx.Err() != nil {
			break
		}
		user := user
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			userCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.UserTimeout)
			defer cancel()
			s.applyUser(userCtx, cat, user, r)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) applyUser(ctx context.Context, cat catalog, user connector.User, r *run) {
	externalID := user.ID
	internalID, matched := cat.index[externalID]

	var err error
	if matched {
		err = s.updateUser(ctx, cat, internalID, externalID, user)
	} else {
		internalID, err = s.createUser(ctx, cat.token, externalID, user)
	}
	if internalID != "" {
		r.resolve(user.Email, internalID)
	}
	if err != nil {
		r.fail(user.Email)
		s.recorder.UserApplied(OutcomeFailed)
		s.logger.Error("User synchronization error",
			zap.String("email", user.Email),
			zap.Bool("existing", matched),
			zap.String("kind", string(connector.KindOf(err))),
			zap.Error(err))
		return
	}

	eventType, outcome := events.UserAdded, OutcomeCreated
	if matched {
		eventType, outcome = events.UserChanged, OutcomeUpdated
	}
	s.recorder.UserApplied(outcome)
	s.propagate(ctx, eventType, user, internalID, externalID)
	s.logger.Info("User synchronized", zap.String("email", user.Email), zap.String("outcome", outcome))
}

func (s *Service) updateUser(ctx context.Context, cat catalog, internalID, externalID string, user connector.User) error {
	if err := s.internal.UpdateUser(ctx, cat.token, internalID, user, externalID); err != nil {
		return err
	}
	if err := s.grant(ctx, cat.token, internalID, user); err != nil {
		return err
	}
	return s.revokeStale(ctx, cat, internalID, user)
}

// revokeStale removes managed roles and tenant groups the user lost in the
// external directory.
func (s *Service) revokeStale(ctx context.Context, cat catalog, internalID string, user connector.User) error {
	roles, err := s.internal.ListUserRealmRoles(ctx, cat.token, internalID)
	if err != nil {
		return err
	}
	if stale := cat.managed.StaleRoles(roles, user); len(stale) > 0 {
		if err := s.internal.RevokeRealmRoles(ctx, cat.token, internalID, stale); err != nil {
			return err
		}
		s.logger.Info("Revoked roles", zap.String("email", user.Email), zap.Int("count", len(stale)))
	}

	groups, err := s.internal.ListUserGroups(ctx, cat.token, internalID)
	if err != nil {
		return err
	}
	if stale := cat.managed.StaleGroups(groups, user); len(stale) > 0 {
		if err := s.internal.LeaveGroups(ctx, cat.token, internalID, stale); err != nil {
			return err
		}
		s.logger.Info("Left groups", zap.String("email", user.Email), zap.Int("count", len(stale)))
	}
	return nil
}

func (s *Service) createUser(ctx context.Context, token, externalID string, user connector.User) (string, error) {
	internalID, err := s.internal.CreateUser(ctx, token, user, externalID)
	if err != nil {
		return "", err
	}
	return internalID, s.grant(ctx, token, internalID, user)
}

func (s *Service) grant(ctx context.Context, token, internalID string, user connector.User) error {
	if err := s.internal.AssignRealmRoles(ctx, token, internalID, user.GrantedRoles()); err != nil {
		return err
	}
	return s.internal.JoinGroups(ctx, token, internalID, user.Groups)
}

// propagate emits one event per tenant the user belongs to.
func (s *Service) propagate(ctx context.Context, eventType string, user connector.User, internalID, externalID string) {
	if s.publisher == nil {
		return
	}
	payload := events.UserPayload{InternalID: internalID, ExternalID: externalID, Email: user.Email}
	for _, g := range user.Groups {
		s.publisher.Publish(ctx, events.Event{Tenant: g.Name, Type: eventType, Payload: payload})
	}
}

func (s *Service) materialize(ctx context.Context, r *run) {
	ctx, span := s.tracer.Start(ctx, "materialize")
	defer span.End()

	r.mu.Lock()
	targets := append([]credential.Target(nil), r.resolved...)
	r.mu.Unlock()

	res := s.materializer.Materialize(ctx, targets)
	s.recorder.CredentialsMaterialized(res.Materialized, len(res.Failed))
	r.postpone(res.Failed...)
	if res.StoreErr != nil {
		span.RecordError(res.StoreErr)
		r.mu.Lock()
		r.status = syncstate.StatusError
		r.mu.Unlock()
	}
}

// carryOver persists the state of a run that did not complete. Every tenant
// it covers keeps the last successful date of its own previous run.
func (s *Service) carryOver(ctx context.Context, tenant string, groups []connector.Group, status syncstate.Status, failed []string) syncstate.State {
	if failed == nil {
		failed = []string{}
	}
	state := syncstate.State{Status: status, FailedUsers: failed}

	tenants := []string{tenant}
	if tenant == "" {
		tenants = groupNames(groups)
	}
	for _, name := range tenants {
		st := state
		if prev, err := s.states.Get(ctx, name); err == nil {
			st.LastSuccessfulDate = prev.LastSuccessfulDate
		}
		if err := s.states.Set(ctx, name, st); err != nil {
			s.logger.Error("Failed to persist synchronization state", zap.String("tenant", name), zap.Error(err))
		}
		if name == tenant {
			state = st
		}
	}
	return state
}

// persist writes state for tenant, or for every known group when the run was
// untenanted.
func (s *Service) persist(ctx context.Context, tenant string, groups []connector.Group, state syncstate.State) {
	var err error
	if tenant != "" {
		err = s.states.Set(ctx, tenant, state)
	} else {
		err = s.states.SetAll(ctx, groupNames(groups), state)
	}
	if err != nil {
		s.logger.Error("Failed to persist synchronization state", zap.String("tenant", tenant), zap.Error(err))
	}
}

// Status returns the persisted state for tenant, reported as Running while a
// run covering it is in flight.
func (s *Service) Status(ctx context.Context, tenant string) (syncstate.State, error) {
	state, err := s.states.Get(ctx, tenant)
	if err != nil {
		return syncstate.State{}, err
	}
	if s.locks.active(tenant) {
		state.Status = syncstate.StatusRunning
	}
	return state, nil
}

// Running reports whether a run covering tenant is in flight.
func (s *Service) Running(tenant string) bool {
	return s.locks.active(tenant)
}

func groupNames(groups []connector.Group) []string {
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	return names
}
