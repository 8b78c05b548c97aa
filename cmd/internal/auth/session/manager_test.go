package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gearhub/cmd/identity"
	"gearhub/cmd/internal/profile"
	"gearhub/cmd/internal/realtime"
	v1 "gearhub/shared/contracts/realtime/v1"
)

const (
	userA = "3f6c1b9e-8a51-4c4e-9a36-2b9d0f1c7a01"
	userB = "8d2e4f60-1b7c-4d3a-8e95-6c0a2b3d4e02"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sessionFor(id, email string) *identity.Session {
	return &identity.Session{
		AccessToken:  "access-" + id,
		RefreshToken: "refresh-" + id,
		ExpiresAt:    time.Now().Add(time.Hour),
		Identity:     identity.Identity{ID: id, Email: email},
	}
}

func invalidCredentials() error {
	return &identity.ProviderError{
		Op:     "identity.SignIn",
		Status: http.StatusBadRequest,
		Code:   "invalid_credentials",
		Msg:    "Invalid login credentials",
		Kind:   identity.ErrInvalidCredentials,
	}
}

func unavailable() error {
	return &identity.ProviderError{Op: "identity.call", Status: http.StatusServiceUnavailable, Kind: identity.ErrUnavailable}
}

// fakeProvider scripts the identity provider. Errors in the *Errs slices are
// returned one per call before calls start succeeding.
type fakeProvider struct {
	mu sync.Mutex

	persisted *identity.Session
	getErr    error
	// getGate, when set, holds GetSession until it is closed.
	getGate chan struct{}

	signInSession *identity.Session
	signInErrs    []error
	signInCalls   int

	signUpSession *identity.Session
	signUpMeta    identity.SignUpMetadata

	signOutErrs  []error
	signOutCalls int

	resetRedirect string
	updateCalls   int

	hub            *identity.EventHub
	subscribed     chan struct{}
	subscribedOnce sync.Once
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{hub: identity.NewEventHub(), subscribed: make(chan struct{})}
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (p *fakeProvider) SignIn(context.Context, string, string) (*identity.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signInCalls++
	if err := popErr(&p.signInErrs); err != nil {
		return nil, err
	}
	return p.signInSession, nil
}

func (p *fakeProvider) SignUp(_ context.Context, _, _ string, meta identity.SignUpMetadata) (*identity.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signUpMeta = meta
	return p.signUpSession, nil
}

func (p *fakeProvider) SignOut(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOutCalls++
	return popErr(&p.signOutErrs)
}

func (p *fakeProvider) ResetPasswordForEmail(_ context.Context, _ string, opts identity.ResetOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetRedirect = opts.RedirectTo
	return nil
}

func (p *fakeProvider) UpdatePassword(context.Context, string) (*identity.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateCalls++
	return &identity.Identity{ID: userA, Email: "renamed@example.com"}, nil
}

func (p *fakeProvider) GetSession(context.Context) (*identity.Session, error) {
	p.mu.Lock()
	gate := p.getGate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persisted, p.getErr
}

func (p *fakeProvider) Subscribe() *identity.Subscription {
	sub := p.hub.Subscribe()
	p.subscribedOnce.Do(func() { close(p.subscribed) })
	return sub
}

func (p *fakeProvider) calls() (signIn, signOut int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signInCalls, p.signOutCalls
}

// countingStore counts reads and can hold profile reads for one user until released.
type countingStore struct {
	*profile.InMemoryStore

	mu       sync.Mutex
	reads    int
	holdUser uuid.UUID
	gate     chan struct{}
}

func (s *countingStore) GetProfile(ctx context.Context, id uuid.UUID) (*profile.Profile, error) {
	s.mu.Lock()
	s.reads++
	gate := s.gate
	hold := s.holdUser
	s.mu.Unlock()

	if gate != nil && id == hold {
		<-gate
	}
	return s.InMemoryStore.GetProfile(ctx, id)
}

func (s *countingStore) profileReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// gatedChannels holds Open for one identity until gate is closed.
type gatedChannels struct {
	*realtime.Bridge
	hold     string
	gate     chan struct{}
	waiting  chan struct{}
	waitOnce sync.Once
}

func (g *gatedChannels) Open(ctx context.Context, identityID string, onEvent realtime.Handler, opts ...realtime.OpenOption) (*realtime.Channel, error) {
	if identityID == g.hold {
		g.waitOnce.Do(func() { close(g.waiting) })
		<-g.gate
	}
	return g.Bridge.Open(ctx, identityID, onEvent, opts...)
}

type countingMetrics struct {
	mu       sync.Mutex
	attempts map[string]int
	stale    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{attempts: map[string]int{}, stale: map[string]int{}}
}

func (m *countingMetrics) Transition(Phase)        {}
func (m *countingMetrics) Operation(string, error) {}
func (m *countingMetrics) Attempt(op string, _ int, _ error) {
	m.mu.Lock()
	m.attempts[op]++
	m.mu.Unlock()
}
func (m *countingMetrics) StaleDiscarded(kind string) {
	m.mu.Lock()
	m.stale[kind]++
	m.mu.Unlock()
}

type fixture struct {
	provider *fakeProvider
	store    *countingStore
	hub      *realtime.Hub
	bridge   *realtime.Bridge
	metrics  *countingMetrics
	mgr      *Manager
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.AuthPolicy.BaseDelay = time.Millisecond
	cfg.SignOutPolicy.BaseDelay = time.Millisecond
	cfg.ResetRedirectURL = "https://gearhub.example/reset"
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := discardLogger()
	mem := profile.NewInMemoryStore()
	for _, id := range []string{userA, userB} {
		uid := uuid.MustParse(id)
		mem.PutProfile(profile.Profile{UserID: uid, Email: id + "@example.com", DisplayName: "user " + id[:4]})
		mem.PutAnalytics(profile.Analytics{UserID: uid, BookingsTotal: 4, BookingsActive: 1, SpendCents: 12900})
		mem.SetUnread(uid, 2)
	}

	f := &fixture{
		provider: newFakeProvider(),
		store:    &countingStore{InMemoryStore: mem},
		hub:      realtime.NewHub(log),
		metrics:  newCountingMetrics(),
	}
	f.bridge = realtime.NewBridge(realtime.NewMemoryTransport(f.hub), realtime.WithBridgeLogger(log))

	mgr, err := NewManager(fastConfig(), Deps{
		Provider: f.provider,
		Store:    f.store,
		Channels: f.bridge,
	}, WithLogger(log), WithMetrics(f.metrics))
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	f.mgr = mgr
	return f
}

func (f *fixture) members(userID string) int {
	return f.hub.Members(v1.NotificationsChannel(userID))
}

func (f *fixture) staleCount(kind string) int {
	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	return f.metrics.stale[kind]
}

// restoreHeld starts Restore with GetSession held and returns once the
// Manager is Restoring. Closing the returned gate lets GetSession answer.
func (f *fixture) restoreHeld(t *testing.T) (gate chan struct{}, restored <-chan struct{}) {
	t.Helper()
	gate = make(chan struct{})
	f.provider.mu.Lock()
	f.provider.getGate = gate
	f.provider.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.mgr.Restore(context.Background())
	}()
	require.Eventually(t, func() bool { return f.mgr.State().Phase == PhaseRestoring }, time.Second, time.Millisecond)
	return gate, done
}

func TestRestore_NoPersistedSession(t *testing.T) {
	f := newFixture(t)

	f.mgr.Restore(context.Background())
	f.mgr.Wait()

	st := f.mgr.State()
	assert.Equal(t, PhaseUnauthenticated, st.Phase)
	assert.Nil(t, st.Identity)
	assert.Zero(t, f.store.profileReads())
	assert.Zero(t, f.members(userA))
}

func TestRestore_ProviderErrorMeansNoSession(t *testing.T) {
	f := newFixture(t)
	f.provider.getErr = errors.New("disk on fire")

	f.mgr.Restore(context.Background())
	assert.Equal(t, PhaseUnauthenticated, f.mgr.State().Phase)
}

func TestRestore_ValidPersistedSession(t *testing.T) {
	f := newFixture(t)
	f.provider.persisted = sessionFor(userA, "a@example.com")

	f.mgr.Restore(context.Background())
	f.mgr.Wait()

	st := f.mgr.State()
	require.Equal(t, PhaseAuthenticated, st.Phase)
	require.NotNil(t, st.Identity)
	assert.Equal(t, userA, st.Identity.ID)
	require.NotNil(t, st.Profile)
	assert.Equal(t, uuid.MustParse(userA), st.Profile.UserID)
	require.NotNil(t, st.Analytics)
	assert.Equal(t, 4, st.Analytics.BookingsTotal)
	assert.Equal(t, 2, st.UnreadCount)
	assert.Equal(t, 1, f.members(userA))

	// Restore runs once.
	f.mgr.Restore(context.Background())
	f.mgr.Wait()
	assert.Equal(t, st.Generation, f.mgr.State().Generation)
	assert.Equal(t, 1, f.members(userA))
}

func TestRestore_SignOutDuringRestoreWins(t *testing.T) {
	f := newFixture(t)
	f.provider.persisted = sessionFor(userA, "a@example.com")
	gate, restored := f.restoreHeld(t)

	require.NoError(t, f.mgr.SignOut(context.Background()))
	cleared := f.mgr.State()
	require.Equal(t, PhaseUnauthenticated, cleared.Phase)

	close(gate)
	<-restored
	f.mgr.Wait()

	assert.Equal(t, cleared, f.mgr.State())
	assert.Zero(t, f.store.profileReads())
	assert.Zero(t, f.members(userA))
	assert.Equal(t, 1, f.staleCount("session"))
}

func TestRestore_SignInDuringRestoreWins(t *testing.T) {
	f := newFixture(t)
	f.provider.persisted = sessionFor(userA, "a@example.com")
	gate, restored := f.restoreHeld(t)

	f.provider.signInSession = sessionFor(userB, "b@example.com")
	require.NoError(t, f.mgr.SignIn(context.Background(), "b@example.com", "pw"))
	genB := f.mgr.State().Generation

	close(gate)
	<-restored
	f.mgr.Wait()

	st := f.mgr.State()
	assert.Equal(t, userB, st.UserID())
	assert.Equal(t, genB, st.Generation)
	require.NotNil(t, st.Profile)
	assert.Equal(t, uuid.MustParse(userB), st.Profile.UserID)
	assert.Equal(t, 1, f.members(userB))
	assert.Zero(t, f.members(userA))
}

func TestSignIn_RejectedCredentialsShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.mgr.Restore(context.Background())
	before := f.mgr.State()

	f.provider.signInErrs = []error{invalidCredentials()}
	err := f.mgr.SignIn(context.Background(), "a@b.com", "wrong")
	require.Error(t, err)

	signIns, _ := f.provider.calls()
	assert.Equal(t, 1, signIns)
	assert.Equal(t, "Invalid email or password. Please try again.", UserMessage(err))

	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, OpSignIn, ae.Op)
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	assert.Equal(t, before, f.mgr.State())
	assert.Empty(t, f.store.AuditEvents())
}

func TestSignIn_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.mgr.Restore(context.Background())

	f.provider.signInSession = sessionFor(userA, "a@example.com")
	f.provider.signInErrs = []error{unavailable(), unavailable()}

	require.NoError(t, f.mgr.SignIn(context.Background(), "a@example.com", "correct horse"))
	f.mgr.Wait()

	signIns, _ := f.provider.calls()
	assert.Equal(t, 3, signIns)
	assert.Equal(t, 3, f.metrics.attempts[OpSignIn])

	st := f.mgr.State()
	assert.True(t, st.Authenticated())
	assert.Equal(t, userA, st.UserID())
	assert.NotNil(t, st.Profile)

	audit := f.store.AuditEvents()
	require.Len(t, audit, 1)
	assert.Equal(t, profile.ActionSignIn, audit[0].Action)
	assert.Equal(t, uuid.MustParse(userA), audit[0].UserID)

	p, err := f.store.InMemoryStore.GetProfile(context.Background(), uuid.MustParse(userA))
	require.NoError(t, err)
	assert.NotNil(t, p.LastLoginAt)
}

func TestSignIn_ExhaustedRetriesSurfaceLastError(t *testing.T) {
	f := newFixture(t)
	f.provider.signInErrs = []error{unavailable(), unavailable(), unavailable(), unavailable()}

	err := f.mgr.SignIn(context.Background(), "a@example.com", "pw")
	require.Error(t, err)
	assert.ErrorIs(t, err, identity.ErrUnavailable)

	signIns, _ := f.provider.calls()
	assert.Equal(t, 3, signIns)
	assert.False(t, f.mgr.State().Authenticated())
}

func TestNotification_IncrementsUnreadOnce(t *testing.T) {
	f := newFixture(t)
	f.provider.persisted = sessionFor(userA, "a@example.com")
	f.mgr.Restore(context.Background())
	f.mgr.Wait()
	require.Equal(t, 2, f.mgr.State().UnreadCount)

	w := f.mgr.Watch()
	defer w.Close()

	n, err := f.hub.Notify(v1.NotificationPayload{UserID: userA, Type: "booking.confirmed", Title: "Booking confirmed"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool { return f.mgr.State().UnreadCount == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, f.mgr.State().UnreadCount)

	// Another identity's inbox does not reach this session.
	_, err = f.hub.Notify(v1.NotificationPayload{UserID: userB, Type: "booking.confirmed"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, f.mgr.State().UnreadCount)
}

func TestSignOut_ClearsAtomicallyEvenWhenProviderFails(t *testing.T) {
	f := newFixture(t)
	f.provider.persisted = sessionFor(userA, "a@example.com")
	f.mgr.Restore(context.Background())
	f.mgr.Wait()
	before := f.mgr.State()
	require.True(t, before.Authenticated())
	require.Equal(t, 1, f.members(userA))

	f.provider.signOutErrs = []error{unavailable(), unavailable()}
	err := f.mgr.SignOut(context.Background())
	require.Error(t, err)

	_, signOuts := f.provider.calls()
	assert.Equal(t, 2, signOuts)

	assert.Equal(t, State{Phase: PhaseUnauthenticated, Generation: before.Generation + 1}, f.mgr.State())
	assert.Zero(t, f.members(userA))

	audit := f.store.AuditEvents()
	require.Len(t, audit, 1)
	assert.Equal(t, profile.ActionSignOut, audit[0].Action)
}

func TestSignOut_WatcherNeverSeesPartialState(t *testing.T) {
	f := newFixture(t)
	f.provider.persisted = sessionFor(userA, "a@example.com")
	f.mgr.Restore(context.Background())
	f.mgr.Wait()

	w := f.mgr.Watch()
	defer w.Close()
	<-w.C()

	require.NoError(t, f.mgr.SignOut(context.Background()))
	st := <-w.C()
	assert.Equal(t, PhaseUnauthenticated, st.Phase)
	assert.Nil(t, st.Identity)
	assert.Nil(t, st.Profile)
	assert.Nil(t, st.Analytics)
	assert.Zero(t, st.UnreadCount)
}

func TestGenerationGuard_DropsStaleLoad(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.store.mu.Lock()
	f.store.holdUser = uuid.MustParse(userA)
	f.store.gate = gate
	f.store.mu.Unlock()

	ctx := context.Background()
	f.mgr.Restore(ctx)

	f.provider.signInSession = sessionFor(userA, "a@example.com")
	require.NoError(t, f.mgr.SignIn(ctx, "a@example.com", "pw"))
	genA := f.mgr.State().Generation

	require.NoError(t, f.mgr.SignOut(ctx))
	f.provider.signInSession = sessionFor(userB, "b@example.com")
	require.NoError(t, f.mgr.SignIn(ctx, "b@example.com", "pw"))

	// B's loads complete; A's profile read is still held.
	require.Eventually(t, func() bool { return f.mgr.State().Profile != nil }, time.Second, 5*time.Millisecond)

	close(gate)
	f.mgr.Wait()

	st := f.mgr.State()
	assert.Equal(t, userB, st.UserID())
	assert.Greater(t, st.Generation, genA)
	require.NotNil(t, st.Profile)
	assert.Equal(t, uuid.MustParse(userB), st.Profile.UserID)
	assert.Equal(t, 1, f.metrics.stale["profile"])
	assert.Zero(t, f.members(userA))
	assert.Equal(t, 1, f.members(userB))
}

func TestGenerationGuard_StaleChannelOpenKeepsNewerChannel(t *testing.T) {
	f := newFixture(t)
	gated := &gatedChannels{Bridge: f.bridge, hold: userA, gate: make(chan struct{}), waiting: make(chan struct{})}
	mgr, err := NewManager(fastConfig(), Deps{
		Provider: f.provider,
		Store:    f.store,
		Channels: gated,
	}, WithLogger(discardLogger()), WithMetrics(f.metrics))
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	ctx := context.Background()
	mgr.Restore(ctx)

	f.provider.signInSession = sessionFor(userA, "a@example.com")
	require.NoError(t, mgr.SignIn(ctx, "a@example.com", "pw"))
	select {
	case <-gated.waiting:
	case <-time.After(time.Second):
		t.Fatal("channel open for A never started")
	}

	require.NoError(t, mgr.SignOut(ctx))
	f.provider.signInSession = sessionFor(userB, "b@example.com")
	require.NoError(t, mgr.SignIn(ctx, "b@example.com", "pw"))
	require.Eventually(t, func() bool { return f.members(userB) == 1 }, time.Second, 5*time.Millisecond)

	close(gated.gate)
	mgr.Wait()

	assert.Equal(t, userB, mgr.State().UserID())
	assert.Equal(t, 1, f.members(userB))
	assert.Zero(t, f.members(userA))
	ch := f.bridge.Current()
	require.NotNil(t, ch)
	assert.Equal(t, userB, ch.IdentityID())
	assert.Equal(t, 1, f.staleCount("channel"))
}

func TestSignUp(t *testing.T) {
	f := newFixture(t)

	signedIn, err := f.mgr.SignUp(context.Background(), "new@example.com", "pw123456", " Rae ")
	require.NoError(t, err)
	assert.False(t, signedIn, "confirmation pending")
	assert.Equal(t, "Rae", f.provider.signUpMeta.DisplayName)
	assert.False(t, f.mgr.State().Authenticated())

	f.provider.signUpSession = sessionFor(userB, "new@example.com")
	signedIn, err = f.mgr.SignUp(context.Background(), "new@example.com", "pw123456", "Rae")
	require.NoError(t, err)
	assert.True(t, signedIn)
	assert.Equal(t, userB, f.mgr.State().UserID())

	audit := f.store.AuditEvents()
	require.Len(t, audit, 1)
	assert.Equal(t, profile.ActionSignUp, audit[0].Action)
}

func TestResetAndUpdatePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.ResetPassword(ctx, "a@example.com"))
	assert.Equal(t, "https://gearhub.example/reset", f.provider.resetRedirect)

	err := f.mgr.UpdatePassword(ctx, "new-password")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, "Please sign in to continue.", UserMessage(err))
	assert.Zero(t, f.provider.updateCalls)

	f.provider.signInSession = sessionFor(userA, "a@example.com")
	require.NoError(t, f.mgr.SignIn(ctx, "a@example.com", "pw"))
	gen := f.mgr.State().Generation

	require.NoError(t, f.mgr.UpdatePassword(ctx, "new-password"))
	st := f.mgr.State()
	assert.Equal(t, "renamed@example.com", st.Identity.Email)
	assert.Equal(t, gen, st.Generation)
}

func TestRun_AppliesProviderEvents(t *testing.T) {
	f := newFixture(t)
	f.mgr.Restore(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mgr.Run(ctx) }()

	w := f.mgr.Watch()
	defer w.Close()

	// Run subscribes asynchronously; keep publishing until it is applied.
	require.Eventually(t, func() bool {
		f.provider.hub.Publish(identity.AuthEvent{Kind: identity.EventSignedIn, Session: sessionFor(userA, "a@example.com")})
		return f.mgr.State().Authenticated()
	}, time.Second, 10*time.Millisecond)
	gen := f.mgr.State().Generation

	refreshed := sessionFor(userA, "a@example.com")
	refreshed.AccessToken = "access-refreshed"
	f.provider.hub.Publish(identity.AuthEvent{Kind: identity.EventTokenRefreshed, Session: refreshed})
	f.provider.hub.Publish(identity.AuthEvent{Kind: identity.EventSignedOut, EndedToken: refreshed.AccessToken})

	require.Eventually(t, func() bool { return f.mgr.State().Phase == PhaseUnauthenticated }, time.Second, 5*time.Millisecond)
	assert.Equal(t, gen+1, f.mgr.State().Generation, "a token refresh keeps the generation")

	cancel()
	require.NoError(t, <-done)
}

func TestRun_IgnoresEventsForSessionsAlreadyHandled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mgr.Restore(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.mgr.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()
	select {
	case <-f.provider.subscribed:
	case <-time.After(time.Second):
		t.Fatal("Run never subscribed")
	}
	publish := func(ev identity.AuthEvent) { f.provider.hub.Publish(ev) }

	sessA := sessionFor(userA, "a@example.com")
	f.provider.signInSession = sessA
	require.NoError(t, f.mgr.SignIn(ctx, "a@example.com", "pw"))
	f.mgr.Wait()
	reads := f.store.profileReads()

	// The provider echoes the sign-in and, later, the sign-out.
	publish(identity.AuthEvent{Kind: identity.EventSignedIn, Session: sessA})
	require.NoError(t, f.mgr.SignOut(ctx))
	publish(identity.AuthEvent{Kind: identity.EventSignedIn, Session: sessA})
	publish(identity.AuthEvent{Kind: identity.EventSignedOut, EndedToken: sessA.AccessToken})

	f.provider.signInSession = sessionFor(userB, "b@example.com")
	require.NoError(t, f.mgr.SignIn(ctx, "b@example.com", "pw"))
	genB := f.mgr.State().Generation
	publish(identity.AuthEvent{Kind: identity.EventSignedOut, EndedToken: sessA.AccessToken})

	// Events are handled in order, so once this one lands the earlier ones have too.
	rotated := sessionFor(userB, "b+new@example.com")
	rotated.AccessToken = "access-rotated"
	publish(identity.AuthEvent{Kind: identity.EventUserUpdated, Session: rotated})
	require.Eventually(t, func() bool {
		st := f.mgr.State()
		return st.Identity != nil && st.Identity.Email == "b+new@example.com"
	}, time.Second, 5*time.Millisecond)
	f.mgr.Wait()

	st := f.mgr.State()
	assert.Equal(t, userB, st.UserID())
	assert.Equal(t, genB, st.Generation)
	assert.Equal(t, 1, f.members(userB))
	assert.Zero(t, f.members(userA))
	// One load for B's sign-in and one for the rotated token; none for the echoes.
	assert.Equal(t, reads+2, f.store.profileReads())
	assert.GreaterOrEqual(t, f.staleCount("sign_out"), 1)
}

type fakePusher struct {
	subscribed []string
	unsubs     int
}

func (p *fakePusher) Subscribe(_ context.Context, userID string) bool {
	p.subscribed = append(p.subscribed, userID)
	return true
}

func (p *fakePusher) Unsubscribe(context.Context) bool {
	p.unsubs++
	return true
}

func TestPushPassthrough(t *testing.T) {
	provider := newFakeProvider()
	pusher := &fakePusher{}
	mgr, err := NewManager(fastConfig(), Deps{Provider: provider, Push: pusher}, WithLogger(discardLogger()))
	require.NoError(t, err)
	defer mgr.Close()
	ctx := context.Background()

	assert.False(t, mgr.EnablePush(ctx), "signed out")
	assert.Empty(t, pusher.subscribed)

	provider.signInSession = sessionFor(userA, "a@example.com")
	require.NoError(t, mgr.SignIn(ctx, "a@example.com", "pw"))
	assert.True(t, mgr.EnablePush(ctx))
	assert.Equal(t, []string{userA}, pusher.subscribed)

	assert.True(t, mgr.DisablePush(ctx))
	assert.True(t, mgr.DisablePush(ctx))
	assert.Equal(t, 2, pusher.unsubs)
}

func TestWatcher_LatestWins(t *testing.T) {
	mgr, err := NewManager(fastConfig(), Deps{Provider: newFakeProvider()}, WithLogger(discardLogger()))
	require.NoError(t, err)

	w := mgr.Watch()
	first := <-w.C()
	assert.Equal(t, PhaseUninitialized, first.Phase)

	mgr.Restore(context.Background())
	// Restoring and Unauthenticated were both published; only the latest is pending.
	st := <-w.C()
	assert.Equal(t, PhaseUnauthenticated, st.Phase)
	select {
	case extra := <-w.C():
		t.Fatalf("unexpected extra snapshot %+v", extra)
	default:
	}

	mgr.Close()
	<-w.Done()
	w.Close()
}

func TestNewManager_RequiresProvider(t *testing.T) {
	_, err := NewManager(DefaultConfig(), Deps{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.AuthPolicy.MaxAttempts = 0
	_, err = NewManager(cfg, Deps{Provider: newFakeProvider()})
	assert.ErrorIs(t, err, ErrConfig)
}
