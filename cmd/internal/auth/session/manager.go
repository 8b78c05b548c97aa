package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"gearhub/cmd/identity"
	"gearhub/cmd/internal/auth/retry"
	"gearhub/cmd/internal/profile"
	"gearhub/cmd/internal/realtime"
)

const tracerName = "gearhub/session"

// maxSeenTokens bounds how many handled sessions are remembered for event dedup.
const maxSeenTokens = 16

// Operation names used in errors, logs and metrics.
const (
	OpSignIn         = "sign_in"
	OpSignUp         = "sign_up"
	OpSignOut        = "sign_out"
	OpResetPassword  = "reset_password"
	OpUpdatePassword = "update_password"
)

// Channels opens the realtime notification channel for an identity.
// *realtime.Bridge implements it.
type Channels interface {
	Open(ctx context.Context, identityID string, onEvent realtime.Handler, opts ...realtime.OpenOption) (*realtime.Channel, error)
	Close()
}

// Pusher is the device push registration surface. *push.Manager implements it.
type Pusher interface {
	Subscribe(ctx context.Context, userID string) bool
	Unsubscribe(ctx context.Context) bool
}

// Deps are the Manager's collaborators. Provider is required; the rest are
// optional and their features are skipped when nil.
type Deps struct {
	Provider identity.Provider
	Store    profile.Store
	Channels Channels
	Push     Pusher
}

// Manager is the single source of truth for the signed-in identity.
type Manager struct {
	cfg      Config
	provider identity.Provider
	store    profile.Store
	channels Channels
	push     Pusher

	log     *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
	now     func() time.Time

	state atomic.Pointer[State]

	// mu serializes transitions and watcher fan-out. It is never held across I/O.
	mu          sync.Mutex
	watchers    map[uint64]*Watcher
	nextWatcher uint64

	// closed is guarded by mu; loads are only added while it is false.
	closed bool
	// seenTokens are access tokens of sessions already applied or rejected,
	// oldest first. Guarded by mu.
	seenTokens []string

	restoreOnce sync.Once
	loads       sync.WaitGroup
	baseCtx     context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClock overrides timestamps on audit records.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a Manager in the Uninitialized phase.
func NewManager(cfg Config, deps Deps, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Provider == nil {
		return nil, errors.New("session: identity provider is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		provider: deps.Provider,
		store:    deps.Store,
		channels: deps.Channels,
		push:     deps.Push,
		log:      slog.Default(),
		metrics:  nopMetrics{},
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
		watchers: make(map[uint64]*Watcher),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.state.Store(&State{Phase: PhaseUninitialized})
	return m, nil
}

// State returns the current snapshot.
func (m *Manager) State() State { return *m.state.Load() }

// Watch returns a Watcher primed with the current snapshot.
func (m *Manager) Watch() *Watcher {
	w := newWatcher()

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = w
	w.release = func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
	w.offer(*m.state.Load())
	return w
}

// transition applies fn to the current snapshot under the transition lock and
// publishes the result. fn returns false to leave the state untouched.
func (m *Manager) transition(fn func(cur State) (State, bool)) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := *m.state.Load()
	next, ok := fn(cur)
	if !ok {
		return cur, false
	}

	m.state.Store(&next)
	for _, w := range m.watchers {
		w.offer(next)
	}
	if next.Phase != cur.Phase {
		m.metrics.Transition(next.Phase)
	}
	return next, true
}

// ---- lifecycle ----

// Restore loads the persisted session once at startup. It never fails: any
// provider error is treated as "no session".
func (m *Manager) Restore(ctx context.Context) {
	ran := false
	m.restoreOnce.Do(func() {
		ran = true
		m.restore(ctx)
	})
	if !ran {
		m.log.Debug("session.restore.skip")
	}
}

func (m *Manager) restore(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "session.Restore")
	defer span.End()

	restoring, started := m.transition(func(cur State) (State, bool) {
		if cur.Phase != PhaseUninitialized {
			return cur, false
		}
		cur.Phase = PhaseRestoring
		return cur, true
	})
	if !started {
		return
	}
	// A sign-in or sign-out while the provider is consulted wins.
	stillRestoring := func(cur State) bool {
		return cur.Phase == PhaseRestoring && cur.Generation == restoring.Generation
	}

	sess, err := m.provider.GetSession(ctx)
	if err != nil {
		m.log.Warn("session.restore.fail", "err", err)
		span.RecordError(err)
		sess = nil
	}

	if sess == nil || strings.TrimSpace(sess.Identity.ID) == "" {
		m.transition(func(cur State) (State, bool) {
			if !stillRestoring(cur) {
				return cur, false
			}
			return State{Phase: PhaseUnauthenticated, Generation: cur.Generation + 1}, true
		})
		m.log.Info("session.restore.none")
		return
	}

	span.SetAttributes(attribute.String("user.id", sess.Identity.ID))
	if !m.apply(sess, "restore", stillRestoring) {
		m.log.Info("session.restore.superseded", "user_id", sess.Identity.ID)
	}
}

// Run consumes the provider's auth-change stream until ctx is done or the
// stream closes.
func (m *Manager) Run(ctx context.Context) error {
	sub := m.provider.Subscribe()
	defer sub.Close()

	m.log.Info("session.run.start")
	defer m.log.Info("session.run.stop")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		case ev := <-sub.Events():
			m.handleAuthEvent(ev)
		}
	}
}

// handleAuthEvent applies a provider event unless it describes a session the
// Manager has already moved past. Events for the Manager's own sign-in and
// sign-out arrive after the fact and must not undo later operations.
func (m *Manager) handleAuthEvent(ev identity.AuthEvent) {
	if ev.Session != nil && strings.TrimSpace(ev.Session.Identity.ID) != "" {
		tok := ev.Session.AccessToken
		m.log.Debug("session.event", "kind", ev.Kind, "user_id", ev.Session.Identity.ID)
		m.apply(ev.Session, string(ev.Kind), func(cur State) bool {
			return !m.sawToken(tok) || cur.accessToken == tok
		})
		return
	}
	m.log.Debug("session.event", "kind", ev.Kind)
	m.clear(string(ev.Kind), func(cur State) bool {
		return ev.EndedToken == "" || cur.accessToken == ev.EndedToken
	})
}

// Wait blocks until in-flight background loads have finished.
func (m *Manager) Wait() { m.loads.Wait() }

// Close cancels background loads, closes the realtime channel, waits for loads
// and detaches every watcher.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.cancel()
		if m.channels != nil {
			m.channels.Close()
		}
		m.loads.Wait()
		if m.channels != nil {
			m.channels.Close()
		}

		m.mu.Lock()
		ws := make([]*Watcher, 0, len(m.watchers))
		for _, w := range m.watchers {
			ws = append(ws, w)
		}
		m.mu.Unlock()
		for _, w := range ws {
			w.Close()
		}
	})
}

// ---- explicit operations ----

// SignIn authenticates with email and password.
func (m *Manager) SignIn(ctx context.Context, email, password string) (err error) {
	ctx, span := m.tracer.Start(ctx, "session.SignIn")
	defer func() { m.finish(span, OpSignIn, err) }()

	sess, err := retry.Do(ctx, m.cfg.AuthPolicy, func(ctx context.Context) (*identity.Session, error) {
		return m.provider.SignIn(ctx, email, password)
	}, m.retryOptions(OpSignIn)...)
	if err != nil {
		return authError(OpSignIn, err)
	}
	if sess == nil || sess.Identity.ID == "" {
		return authError(OpSignIn, identity.ErrUnavailable)
	}

	m.audit(ctx, sess.Identity.ID, profile.ActionSignIn, map[string]string{"method": "password"})
	m.touchLastLogin(ctx, sess.Identity.ID)
	m.apply(sess, OpSignIn, nil)
	return nil
}

// SignUp registers a new account. signedIn is false when the provider requires
// email confirmation before the first sign-in.
func (m *Manager) SignUp(ctx context.Context, email, password, displayName string) (signedIn bool, err error) {
	ctx, span := m.tracer.Start(ctx, "session.SignUp")
	defer func() { m.finish(span, OpSignUp, err) }()

	meta := identity.SignUpMetadata{DisplayName: strings.TrimSpace(displayName)}
	sess, err := retry.Do(ctx, m.cfg.AuthPolicy, func(ctx context.Context) (*identity.Session, error) {
		return m.provider.SignUp(ctx, email, password, meta)
	}, m.retryOptions(OpSignUp)...)
	if err != nil {
		return false, authError(OpSignUp, err)
	}
	if sess == nil || sess.Identity.ID == "" {
		m.log.Info("session.sign_up.confirmation_pending")
		return false, nil
	}

	m.audit(ctx, sess.Identity.ID, profile.ActionSignUp, map[string]string{"method": "password"})
	m.apply(sess, OpSignUp, nil)
	return true, nil
}

// ResetPassword sends a recovery email.
func (m *Manager) ResetPassword(ctx context.Context, email string) (err error) {
	ctx, span := m.tracer.Start(ctx, "session.ResetPassword")
	defer func() { m.finish(span, OpResetPassword, err) }()

	opts := identity.ResetOptions{RedirectTo: m.cfg.ResetRedirectURL}
	_, err = retry.Do(ctx, m.cfg.AuthPolicy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.provider.ResetPasswordForEmail(ctx, email, opts)
	}, m.retryOptions(OpResetPassword)...)
	if err != nil {
		return authError(OpResetPassword, err)
	}
	return nil
}

// UpdatePassword changes the signed-in identity's password.
func (m *Manager) UpdatePassword(ctx context.Context, password string) (err error) {
	ctx, span := m.tracer.Start(ctx, "session.UpdatePassword")
	defer func() { m.finish(span, OpUpdatePassword, err) }()

	cur := m.State()
	if !cur.Authenticated() {
		return authError(OpUpdatePassword, ErrNotAuthenticated)
	}

	ident, err := retry.Do(ctx, m.cfg.AuthPolicy, func(ctx context.Context) (*identity.Identity, error) {
		return m.provider.UpdatePassword(ctx, password)
	}, m.retryOptions(OpUpdatePassword)...)
	if err != nil {
		return authError(OpUpdatePassword, err)
	}

	if ident != nil {
		updated := *ident
		m.transition(func(s State) (State, bool) {
			if !s.Authenticated() || s.Identity.ID != updated.ID {
				return s, false
			}
			s.Identity = &updated
			return s, true
		})
	}
	return nil
}

// SignOut clears local state and revokes the provider session.
//
// Local clearing always happens, before the provider call; a provider failure
// is returned afterwards.
func (m *Manager) SignOut(ctx context.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "session.SignOut")
	defer func() { m.finish(span, OpSignOut, err) }()

	if cur := m.State(); cur.Authenticated() {
		m.audit(ctx, cur.Identity.ID, profile.ActionSignOut, nil)
	}
	m.clear(OpSignOut, nil)

	_, err = retry.Do(ctx, m.cfg.SignOutPolicy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.provider.SignOut(ctx)
	}, m.retryOptions(OpSignOut)...)
	if err != nil {
		return authError(OpSignOut, err)
	}
	return nil
}

// EnablePush registers this device for the signed-in identity's push
// notifications. It reports false when signed out or when push is unavailable.
func (m *Manager) EnablePush(ctx context.Context) bool {
	cur := m.State()
	if m.push == nil || !cur.Authenticated() {
		return false
	}
	return m.push.Subscribe(ctx, cur.Identity.ID)
}

// DisablePush removes this device's push subscription.
func (m *Manager) DisablePush(ctx context.Context) bool {
	if m.push == nil {
		return true
	}
	return m.push.Unsubscribe(ctx)
}

// ---- transitions ----

type applyOutcome int

const (
	applyRejected applyOutcome = iota
	// applyUnchanged: the session is already the current one.
	applyUnchanged
	// applyRefreshed: same identity, new token; the generation is kept.
	applyRefreshed
	applySwitched
)

// apply makes sess the signed-in session if accept (nil accepts anything)
// holds for the current snapshot. It reports whether sess is now current.
func (m *Manager) apply(sess *identity.Session, reason string, accept func(State) bool) bool {
	ident := sess.Identity
	tok := sess.AccessToken
	outcome := applyRejected
	next, _ := m.transition(func(cur State) (State, bool) {
		defer m.rememberToken(tok)
		if accept != nil && !accept(cur) {
			return cur, false
		}
		if cur.Authenticated() && cur.Identity.ID == ident.ID {
			outcome = applyRefreshed
			if tok != "" && cur.accessToken == tok {
				outcome = applyUnchanged
			}
			cur.Identity = &ident
			cur.accessToken = tok
			return cur, true
		}
		outcome = applySwitched
		return State{
			Phase:       PhaseAuthenticated,
			Identity:    &ident,
			Generation:  cur.Generation + 1,
			accessToken: tok,
		}, true
	})

	switch outcome {
	case applyRejected:
		m.metrics.StaleDiscarded("session")
		m.log.Debug("session.apply.stale", "user_id", ident.ID, "reason", reason)
		return false
	case applyUnchanged:
		m.log.Debug("session.apply.unchanged", "user_id", ident.ID, "reason", reason)
		return true
	}
	m.log.Info("session.authenticated", "user_id", ident.ID, "generation", next.Generation, "reason", reason)
	m.startLoads(next.Generation, ident.ID)
	return true
}

// clear replaces the state with an empty Unauthenticated snapshot if accept
// (nil accepts anything) holds, then closes the realtime channel.
func (m *Manager) clear(reason string, accept func(State) bool) {
	stale := false
	next, changed := m.transition(func(cur State) (State, bool) {
		if cur.Phase == PhaseUnauthenticated {
			return cur, false
		}
		if accept != nil && !accept(cur) {
			stale = true
			return cur, false
		}
		return State{Phase: PhaseUnauthenticated, Generation: cur.Generation + 1}, true
	})
	if stale {
		m.metrics.StaleDiscarded("sign_out")
		m.log.Debug("session.clear.stale", "reason", reason)
		return
	}
	if m.channels != nil {
		m.channels.Close()
	}
	if changed {
		m.log.Info("session.cleared", "generation", next.Generation, "reason", reason)
	}
}

// sawToken and rememberToken run under mu, from transition funcs.
func (m *Manager) sawToken(tok string) bool {
	return tok != "" && slices.Contains(m.seenTokens, tok)
}

func (m *Manager) rememberToken(tok string) {
	if tok == "" || slices.Contains(m.seenTokens, tok) {
		return
	}
	m.seenTokens = append(m.seenTokens, tok)
	if n := len(m.seenTokens) - maxSeenTokens; n > 0 {
		m.seenTokens = slices.Delete(m.seenTokens, 0, n)
	}
}

// ---- background loads ----

func (m *Manager) startLoads(gen uint64, userID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.loads.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.loads.Done()
		m.load(gen, userID)
	}()
}

// load fetches everything shown alongside a session and opens the realtime
// channel. Every result is applied only if gen is still current.
func (m *Manager) load(gen uint64, userID string) {
	ctx := m.baseCtx
	if m.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.LoadTimeout)
		defer cancel()
	}
	ctx, span := m.tracer.Start(ctx, "session.load", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("session.generation", int64(gen)),
	))
	defer span.End()

	var g errgroup.Group
	if m.store != nil {
		if uid, err := uuid.Parse(userID); err != nil {
			m.log.Warn("session.load.invalid_user", "user_id", userID, "err", err)
		} else {
			g.Go(func() error {
				p, err := m.store.GetProfile(ctx, uid)
				if err != nil {
					m.logLoadErr("profile", userID, err)
					return nil
				}
				m.applyLoad(gen, "profile", func(s *State) { s.Profile = p })
				return nil
			})
			g.Go(func() error {
				a, err := m.store.GetUserAnalytics(ctx, uid)
				if err != nil {
					m.logLoadErr("analytics", userID, err)
					return nil
				}
				m.applyLoad(gen, "analytics", func(s *State) { s.Analytics = a })
				return nil
			})
			g.Go(func() error {
				n, err := m.store.GetUnreadNotificationCount(ctx, uid)
				if err != nil {
					m.logLoadErr("unread", userID, err)
					return nil
				}
				m.applyLoad(gen, "unread", func(s *State) { s.UnreadCount = n })
				return nil
			})
		}
	}
	if m.channels != nil {
		g.Go(func() error {
			m.openChannel(ctx, gen, userID)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) logLoadErr(kind, userID string, err error) {
	if errors.Is(err, profile.ErrNotFound) {
		m.log.Debug("session.load.missing", "kind", kind, "user_id", userID)
		return
	}
	m.log.Warn("session.load.fail", "kind", kind, "user_id", userID, "err", err)
}

func (m *Manager) applyLoad(gen uint64, kind string, fn func(*State)) {
	_, ok := m.transition(func(cur State) (State, bool) {
		if cur.Generation != gen || !cur.Authenticated() {
			return cur, false
		}
		fn(&cur)
		return cur, true
	})
	if !ok {
		m.metrics.StaleDiscarded(kind)
		m.log.Debug("session.load.stale", "kind", kind, "generation", gen)
	}
}

// openChannel opens userID's channel only while gen is current. The check runs
// under the bridge lock, so a stale load never replaces a newer channel.
func (m *Manager) openChannel(ctx context.Context, gen uint64, userID string) {
	current := func() bool {
		cur := m.State()
		return cur.Authenticated() && cur.Generation == gen
	}
	_, err := m.channels.Open(ctx, userID, m.onNotification(userID), realtime.OnlyIf(current))
	switch {
	case errors.Is(err, realtime.ErrStale):
		m.metrics.StaleDiscarded("channel")
		m.log.Debug("session.channel.stale", "user_id", userID, "generation", gen)
	case err != nil:
		m.log.Warn("session.channel.fail", "user_id", userID, "generation", gen, "err", err)
	}
}

func (m *Manager) onNotification(userID string) realtime.Handler {
	return func(ev realtime.NotificationEvent) {
		_, ok := m.transition(func(cur State) (State, bool) {
			if !cur.Authenticated() || cur.Identity.ID != userID {
				return cur, false
			}
			cur.UnreadCount++
			return cur, true
		})
		if !ok {
			m.metrics.StaleDiscarded("notification")
		}
		m.log.Debug("session.notification", "user_id", userID, "type", ev.Type, "applied", ok)
	}
}

// ---- helpers ----

func (m *Manager) audit(ctx context.Context, userID, action string, meta map[string]string) {
	if m.store == nil {
		return
	}
	uid, err := uuid.Parse(userID)
	if err != nil {
		m.log.Warn("session.audit.skip", "action", action, "err", err)
		return
	}
	err = m.store.LogAuditEvent(ctx, profile.AuditEvent{
		UserID:   uid,
		Action:   action,
		Metadata: meta,
		At:       m.now(),
	})
	if err != nil {
		m.log.Warn("session.audit.fail", "action", action, "user_id", userID, "err", err)
	}
}

func (m *Manager) touchLastLogin(ctx context.Context, userID string) {
	if m.store == nil {
		return
	}
	uid, err := uuid.Parse(userID)
	if err != nil {
		return
	}
	if err := m.store.TouchLastLogin(ctx, uid, m.now()); err != nil {
		m.log.Warn("session.last_login.fail", "user_id", userID, "err", err)
	}
}

func (m *Manager) retryOptions(op string) []retry.Option {
	return []retry.Option{
		retry.WithObserver(func(attempt int, err error) {
			m.metrics.Attempt(op, attempt, err)
			if err != nil {
				m.log.Debug("session.attempt.fail", "op", op, "attempt", attempt, "status", retry.Status(err), "err", err)
			}
		}),
	}
}

func (m *Manager) finish(span trace.Span, op string, err error) {
	defer span.End()
	m.metrics.Operation(op, err)
	if err == nil {
		m.log.Info("session."+op+".ok", "user_id", m.State().UserID())
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	m.log.Warn("session."+op+".fail", "err", err)
}
