package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dhawalhost/dirsync/internal/connector"
	"github.com/dhawalhost/dirsync/internal/credential"
	"github.com/dhawalhost/dirsync/internal/events"
	"github.com/dhawalhost/dirsync/internal/syncstate"
	"go.uber.org/zap"
)

type fakeInternal struct {
	mu          sync.Mutex
	groups      []connector.Group
	roles       []connector.Role
	linked      []connector.IndexEntry
	nextID      int
	created     []string
	updated     []string
	granted     map[string][]connector.Role
	joined      map[string][]connector.Group
	failCreate  map[string]error
	groupsErr   error
	cacheClears int

	// gate, when set, holds every CreateUser until closed.
	gate    chan struct{}
	started chan struct{}
}

func newFakeInternal() *fakeInternal {
	return &fakeInternal{
		groups: []connector.Group{{ID: "g-acme", Name: "acme"}, {ID: "g-beta", Name: "beta"}},
		roles: []connector.Role{
			{ID: "r-acme-admin", Name: "acme|admin"},
			{ID: "r-beta-viewer", Name: "beta|viewer"},
			{ID: "r-default", Name: "default-roles-test"},
		},
		granted:    make(map[string][]connector.Role),
		joined:     make(map[string][]connector.Group),
		failCreate: make(map[string]error),
	}
}

func (f *fakeInternal) AdminToken(context.Context) (string, error) { return "admin-token", nil }

func (f *fakeInternal) ListGroups(context.Context) ([]connector.Group, error) {
	if f.groupsErr != nil {
		return nil, f.groupsErr
	}
	return f.groups, nil
}

func (f *fakeInternal) ListRoles(context.Context) ([]connector.Role, error) { return f.roles, nil }

func (f *fakeInternal) ListLinkedUsers(context.Context) ([]connector.IndexEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connector.IndexEntry(nil), f.linked...), nil
}

func (f *fakeInternal) CreateUser(_ context.Context, _ string, user connector.User, externalID string) (string, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failCreate[user.Email]; err != nil {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("kc-%d", f.nextID)
	f.created = append(f.created, user.Email)
	f.linked = append(f.linked, connector.IndexEntry{InternalID: id, ExternalID: externalID})
	return id, nil
}

func (f *fakeInternal) UpdateUser(_ context.Context, _, _ string, user connector.User, _ string) error {
	f.mu.Lock()
	f.updated = append(f.updated, user.Email)
	f.mu.Unlock()
	return nil
}

func (f *fakeInternal) AssignRealmRoles(_ context.Context, _, internalID string, roles []connector.Role) error {
	f.mu.Lock()
	f.granted[internalID] = append(f.granted[internalID], roles...)
	f.mu.Unlock()
	return nil
}

func (f *fakeInternal) JoinGroups(_ context.Context, _, internalID string, groups []connector.Group) error {
	f.mu.Lock()
	f.joined[internalID] = append(f.joined[internalID], groups...)
	f.mu.Unlock()
	return nil
}

func (f *fakeInternal) ListUserRealmRoles(_ context.Context, _, internalID string) ([]connector.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connector.Role(nil), f.granted[internalID]...), nil
}

func (f *fakeInternal) RevokeRealmRoles(_ context.Context, _, internalID string, roles []connector.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []connector.Role
	for _, r := range f.granted[internalID] {
		if !hasRole(roles, r.ID) {
			kept = append(kept, r)
		}
	}
	f.granted[internalID] = kept
	return nil
}

func (f *fakeInternal) ListUserGroups(_ context.Context, _, internalID string) ([]connector.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connector.Group(nil), f.joined[internalID]...), nil
}

func (f *fakeInternal) LeaveGroups(_ context.Context, _, internalID string, groups []connector.Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []connector.Group
	for _, g := range f.joined[internalID] {
		if !hasGroup(groups, g.ID) {
			kept = append(kept, g)
		}
	}
	f.joined[internalID] = kept
	return nil
}

func hasRole(roles []connector.Role, id string) bool {
	for _, r := range roles {
		if r.ID == id {
			return true
		}
	}
	return false
}

func hasGroup(groups []connector.Group, id string) bool {
	for _, g := range groups {
		if g.ID == id {
			return true
		}
	}
	return false
}

func (f *fakeInternal) ClearUserCache(context.Context) error {
	f.mu.Lock()
	f.cacheClears++
	f.mu.Unlock()
	return nil
}

type fakeExternal struct {
	users     []connector.ExternalUser
	customers map[string]int
	usersErr  error
}

func (f *fakeExternal) ListUsers(context.Context) ([]connector.ExternalUser, error) {
	if f.usersErr != nil {
		return nil, f.usersErr
	}
	return f.users, nil
}

func (f *fakeExternal) FindCustomerID(_ context.Context, name string) (int, error) {
	return f.customers[name], nil
}

type fakeMaterializer struct {
	mu       sync.Mutex
	calls    int
	targets  []credential.Target
	failed   []string
	storeErr error
}

func (f *fakeMaterializer) Materialize(_ context.Context, targets []credential.Target) credential.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.targets = append(f.targets, targets...)
	return credential.Result{Materialized: len(targets) - len(f.failed), Failed: f.failed, StoreErr: f.storeErr}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakePublisher) Publish(_ context.Context, event events.Event) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	internal  *fakeInternal
	external  *fakeExternal
	mat       *fakeMaterializer
	states    *syncstate.Store
	publisher *fakePublisher
	svc       *Service
}

func newFixture(users ...connector.ExternalUser) *fixture {
	f := &fixture{
		internal:  newFakeInternal(),
		external:  &fakeExternal{users: users, customers: map[string]int{"acme": 3, "beta": 4}},
		mat:       &fakeMaterializer{},
		states:    syncstate.NewStore(syncstate.NewMemoryCache()),
		publisher: &fakePublisher{},
	}
	f.svc = NewService(f.internal, f.external, f.mat, f.states, f.publisher,
		Config{DefaultRole: "default-roles-test"}, zap.NewNop(), WithClock(func() time.Time { return fixedNow }))
	return f
}

func acmeUser(id int, email string, roles ...string) connector.ExternalUser {
	return connector.ExternalUser{
		ID:        id,
		Username:  email,
		Email:     email,
		Customers: []connector.CustomerMembership{{ID: 3, Name: "acme", Roles: roles}},
	}
}

func TestSynchronizeCreatesAndMaterializes(t *testing.T) {
	f := newFixture(acmeUser(7, "ann@acme.io", "admin"))

	state, err := f.svc.Synchronize(context.Background(), "")
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if state.Status != syncstate.StatusDone {
		t.Fatalf("expected Done, got %s", state.Status)
	}
	if len(f.internal.created) != 1 || f.internal.created[0] != "ann@acme.io" {
		t.Fatalf("expected ann to be created, got %v", f.internal.created)
	}

	granted := f.internal.granted["kc-1"]
	if len(granted) != 2 || granted[0].ID != "r-acme-admin" || granted[1].ID != "r-default" {
		t.Fatalf("unexpected roles %+v", granted)
	}
	if joined := f.internal.joined["kc-1"]; len(joined) != 1 || joined[0].ID != "g-acme" {
		t.Fatalf("unexpected groups %+v", joined)
	}
	if len(f.mat.targets) != 1 || f.mat.targets[0] != (credential.Target{Email: "ann@acme.io", InternalID: "kc-1"}) {
		t.Fatalf("unexpected materialization targets %+v", f.mat.targets)
	}
	if f.internal.cacheClears != 1 {
		t.Fatalf("expected one cache clear, got %d", f.internal.cacheClears)
	}

	stored, err := f.states.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != syncstate.StatusDone || stored.LastSuccessfulDate == nil || !stored.LastSuccessfulDate.Equal(fixedNow) {
		t.Fatalf("unexpected stored state %+v", stored)
	}
	if beta, _ := f.states.Get(context.Background(), "beta"); beta.Status != syncstate.StatusDone {
		t.Fatalf("untenanted run should write every group, beta=%+v", beta)
	}

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	if len(f.publisher.events) != 1 || f.publisher.events[0].Type != events.UserAdded || f.publisher.events[0].Tenant != "acme" {
		t.Fatalf("unexpected events %+v", f.publisher.events)
	}
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	f := newFixture(acmeUser(7, "ann@acme.io", "admin"), acmeUser(8, "bob@acme.io"))

	if _, err := f.svc.Synchronize(context.Background(), ""); err != nil {
		t.Fatalf("first run: %v", err)
	}
	state, err := f.svc.Synchronize(context.Background(), "")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if state.Status != syncstate.StatusDone {
		t.Fatalf("expected Done, got %s", state.Status)
	}
	if len(f.internal.created) != 2 {
		t.Fatalf("second run must not create again, created=%v", f.internal.created)
	}
	if len(f.internal.updated) != 2 {
		t.Fatalf("expected both users updated on second run, got %v", f.internal.updated)
	}
}

func TestSynchronizeIsolatesUserFailures(t *testing.T) {
	f := newFixture(acmeUser(7, "ann@acme.io"), acmeUser(8, "dup@acme.io"), acmeUser(9, "cid@acme.io"))
	f.internal.failCreate["dup@acme.io"] = &connector.Error{Kind: connector.KindConflict, Field: "Email"}

	state, err := f.svc.Synchronize(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if state.Status != syncstate.StatusError {
		t.Fatalf("expected Error, got %s", state.Status)
	}
	if len(state.FailedUsers) != 1 || state.FailedUsers[0] != "dup@acme.io" {
		t.Fatalf("unexpected failed users %v", state.FailedUsers)
	}
	if len(f.internal.created) != 2 {
		t.Fatalf("other users must still be created, got %v", f.internal.created)
	}
	if len(f.mat.targets) != 2 {
		t.Fatalf("expected two materialization targets, got %+v", f.mat.targets)
	}
	if state.LastSuccessfulDate == nil {
		t.Fatalf("completed run should record its date")
	}
}

func TestSynchronizeTenantScope(t *testing.T) {
	beta := connector.ExternalUser{
		ID:        11,
		Email:     "bea@beta.io",
		Customers: []connector.CustomerMembership{{ID: 4, Name: "beta", Roles: []string{"viewer"}}},
	}
	f := newFixture(acmeUser(7, "ann@acme.io"), beta)

	if _, err := f.svc.Synchronize(context.Background(), "beta"); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if len(f.internal.created) != 1 || f.internal.created[0] != "bea@beta.io" {
		t.Fatalf("only beta users should be applied, got %v", f.internal.created)
	}
	if acme, _ := f.states.Get(context.Background(), "acme"); acme.Status != syncstate.StatusUndone {
		t.Fatalf("tenant run must not write other tenants, acme=%+v", acme)
	}
}

func TestSynchronizeMaterializationFailures(t *testing.T) {
	f := newFixture(acmeUser(7, "ann@acme.io"), acmeUser(8, "bob@acme.io"))
	f.mat.failed = []string{"bob@acme.io"}

	state, err := f.svc.Synchronize(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if state.Status != syncstate.StatusDone {
		t.Fatalf("missing hashes must not degrade the run, got %s", state.Status)
	}
	if len(state.FailedUsers) != 1 || state.FailedUsers[0] != "bob@acme.io" {
		t.Fatalf("unexpected failed users %v", state.FailedUsers)
	}

	f.mat.failed = nil
	f.mat.storeErr = errors.New("connection refused")
	state, _ = f.svc.Synchronize(context.Background(), "acme")
	if state.Status != syncstate.StatusError {
		t.Fatalf("unreachable store should degrade the run, got %s", state.Status)
	}
}

func TestSynchronizeCatalogFailure(t *testing.T) {
	f := newFixture(acmeUser(7, "ann@acme.io"))
	previous := fixedNow.Add(-time.Hour)
	if err := f.states.Set(context.Background(), "acme", syncstate.State{Status: syncstate.StatusDone, LastSuccessfulDate: &previous}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.internal.groupsErr = connector.Unavailable("list groups", errors.New("dial tcp: refused"))

	state, err := f.svc.Synchronize(context.Background(), "acme")
	if err == nil || errors.Is(err, ErrCancelled) {
		t.Fatalf("expected catalog error, got %v", err)
	}
	if !connector.IsKind(err, connector.KindServiceUnavailable) {
		t.Fatalf("expected service unavailable kind, got %v", err)
	}
	if state.Status != syncstate.StatusError {
		t.Fatalf("expected Error, got %s", state.Status)
	}
	stored, _ := f.states.Get(context.Background(), "acme")
	if stored.Status != syncstate.StatusError || stored.LastSuccessfulDate == nil || !stored.LastSuccessfulDate.Equal(previous) {
		t.Fatalf("expected carried-over date, got %+v", stored)
	}
	if len(f.internal.created) != 0 || f.mat.calls != 0 {
		t.Fatalf("aborted run must not apply or materialize")
	}
}

func TestSynchronizeUntenantedAbortKeepsEachTenantDate(t *testing.T) {
	f := newFixture(acmeUser(7, "ann@acme.io"))
	acmeDone := fixedNow.Add(-time.Hour)
	betaDone := fixedNow.Add(-2 * time.Hour)
	ctx := context.Background()
	_ = f.states.Set(ctx, "acme", syncstate.State{Status: syncstate.StatusDone, LastSuccessfulDate: &acmeDone})
	_ = f.states.Set(ctx, "beta", syncstate.State{Status: syncstate.StatusError, LastSuccessfulDate: &betaDone})
	f.external.usersErr = connector.Unavailable("list users", errors.New("timeout"))

	if _, err := f.svc.Synchronize(ctx, ""); err == nil {
		t.Fatal("expected catalog error")
	}

	acme, _ := f.states.Get(ctx, "acme")
	if acme.Status != syncstate.StatusError || acme.LastSuccessfulDate == nil || !acme.LastSuccessfulDate.Equal(acmeDone) {
		t.Fatalf("acme lost its date: %+v", acme)
	}
	beta, _ := f.states.Get(ctx, "beta")
	if beta.Status != syncstate.StatusError || beta.LastSuccessfulDate == nil || !beta.LastSuccessfulDate.Equal(betaDone) {
		t.Fatalf("beta lost its date: %+v", beta)
	}
}

func TestSynchronizeUntenantedCancellationKeepsDates(t *testing.T) {
	f := newFixture(acmeUser(7, "ann@acme.io"), acmeUser(8, "bob@acme.io"))
	f.svc.config.Concurrency = 1
	f.internal.gate = make(chan struct{})
	f.internal.started = make(chan struct{}, 1)
	acmeDone := fixedNow.Add(-time.Hour)
	_ = f.states.Set(context.Background(), "acme", syncstate.State{Status: syncstate.StatusDone, LastSuccessfulDate: &acmeDone})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.svc.Synchronize(ctx, "")
		errCh <- err
	}()

	<-f.internal.started
	cancel()
	close(f.internal.gate)

	if err := <-errCh; !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	acme, _ := f.states.Get(context.Background(), "acme")
	if acme.Status != syncstate.StatusCancelled || acme.LastSuccessfulDate == nil || !acme.LastSuccessfulDate.Equal(acmeDone) {
		t.Fatalf("acme lost its date: %+v", acme)
	}
	beta, _ := f.states.Get(context.Background(), "beta")
	if beta.Status != syncstate.StatusCancelled || beta.LastSuccessfulDate != nil {
		t.Fatalf("beta had no previous run: %+v", beta)
	}
}

func TestSynchronizeRevokesLostTenant(t *testing.T) {
	ann := connector.ExternalUser{
		ID:    7,
		Email: "ann@acme.io",
		Customers: []connector.CustomerMembership{
			{ID: 3, Name: "acme", Roles: []string{"admin"}},
			{ID: 4, Name: "beta", Roles: []string{"viewer"}},
		},
	}
	f := newFixture(ann)
	ctx := context.Background()
	if _, err := f.svc.Synchronize(ctx, ""); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if joined := f.internal.joined["kc-1"]; !hasGroup(joined, "g-beta") {
		t.Fatalf("expected beta membership after first run, got %+v", joined)
	}

	ann.Customers = ann.Customers[:1]
	f.external.users = []connector.ExternalUser{ann}
	state, err := f.svc.Synchronize(ctx, "")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if state.Status != syncstate.StatusDone {
		t.Fatalf("expected Done, got %s", state.Status)
	}
	if joined := f.internal.joined["kc-1"]; hasGroup(joined, "g-beta") || !hasGroup(joined, "g-acme") {
		t.Fatalf("expected only acme membership, got %+v", joined)
	}
	granted := f.internal.granted["kc-1"]
	if hasRole(granted, "r-beta-viewer") {
		t.Fatalf("beta role should be revoked, got %+v", granted)
	}
	if !hasRole(granted, "r-acme-admin") || !hasRole(granted, "r-default") {
		t.Fatalf("kept roles missing, got %+v", granted)
	}
}

func TestSynchronizeCancellation(t *testing.T) {
	f := newFixture(acmeUser(7, "ann@acme.io"), acmeUser(8, "bob@acme.io"), acmeUser(9, "cid@acme.io"))
	f.svc.config.Concurrency = 1
	f.internal.gate = make(chan struct{})
	f.internal.started = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		state syncstate.State
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		state, err := f.svc.Synchronize(ctx, "acme")
		done <- outcome{state, err}
	}()

	<-f.internal.started
	cancel()
	close(f.internal.gate)

	got := <-done
	if !errors.Is(got.err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", got.err)
	}
	if got.state.Status != syncstate.StatusCancelled {
		t.Fatalf("expected Cancelled, got %s", got.state.Status)
	}
	if len(f.internal.created) != 1 {
		t.Fatalf("in-flight user should finish and no new user should start, created=%v", f.internal.created)
	}
	if f.mat.calls != 0 {
		t.Fatalf("cancelled run must skip materialization")
	}
	stored, _ := f.states.Get(context.Background(), "acme")
	if stored.Status != syncstate.StatusCancelled {
		t.Fatalf("expected persisted Cancelled, got %s", stored.Status)
	}
}

func TestStartHoldsScope(t *testing.T) {
	f := newFixture(acmeUser(7, "ann@acme.io"))
	f.internal.gate = make(chan struct{})
	f.internal.started = make(chan struct{}, 1)

	done := make(chan syncstate.State, 1)
	if err := f.svc.Start(context.Background(), "", func(s syncstate.State, _ error) { done <- s }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-f.internal.started

	if _, err := f.svc.Synchronize(context.Background(), "acme"); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if err := f.svc.Start(context.Background(), "", nil); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	status, err := f.svc.Status(context.Background(), "acme")
	if err != nil || status.Status != syncstate.StatusRunning {
		t.Fatalf("expected Running while in flight, got %+v %v", status, err)
	}

	close(f.internal.gate)
	if s := <-done; s.Status != syncstate.StatusDone {
		t.Fatalf("expected Done, got %s", s.Status)
	}
}

func TestStatusDefault(t *testing.T) {
	f := newFixture()

	state, err := f.svc.Status(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state.Status != syncstate.StatusUndone || state.LastSuccessfulDate != nil || len(state.FailedUsers) != 0 {
		t.Fatalf("unexpected default state %+v", state)
	}
}
