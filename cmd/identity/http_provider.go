package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	defaultRefreshSkew = 30 * time.Second
	maxErrorBodyBytes  = 64 << 10
)

// HTTPConfig configures the GoTrue-compatible REST client.
type HTTPConfig struct {
	// BaseURL is the auth API root, e.g. https://project.example.com/auth/v1.
	BaseURL string
	// APIKey is the public (anon) key sent as the apikey header.
	APIKey string
	// Timeout bounds every request. Zero means defaultHTTPTimeout.
	Timeout time.Duration
	// RefreshSkew refreshes the access token this long before it expires.
	RefreshSkew time.Duration
}

// HTTPProvider implements Provider against a GoTrue-compatible REST API.
//
// The current session is persisted through a SessionStore, refreshed on expiry
// by GetSession, and every change is published to subscribers.
type HTTPProvider struct {
	cfg    HTTPConfig
	base   *url.URL
	client *http.Client
	store  SessionStore
	hub    *EventHub
	log    *slog.Logger
	now    func() time.Time

	// mu serializes session reads/refreshes against writes.
	mu sync.Mutex
	// pendingRevoke holds the access token of a signed-out session until the
	// provider acknowledged the logout, so a retried SignOut can finish it.
	pendingRevoke string
}

// HTTPOption configures optional HTTPProvider dependencies.
type HTTPOption func(*HTTPProvider)

// WithHTTPClient overrides the HTTP client (tests, custom transports).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithProviderLogger sets the logger.
func WithProviderLogger(log *slog.Logger) HTTPOption {
	return func(p *HTTPProvider) {
		if log != nil {
			p.log = log
		}
	}
}

// WithProviderClock injects a clock (tests).
func WithProviderClock(now func() time.Time) HTTPOption {
	return func(p *HTTPProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewHTTPProvider constructs an HTTPProvider.
func NewHTTPProvider(cfg HTTPConfig, store SessionStore, opts ...HTTPOption) (*HTTPProvider, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, fmt.Errorf("identity: empty provider base url: %w", ErrInvalidInput)
	}
	base, err := url.Parse(raw)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("identity: invalid provider base url %q: %w", raw, ErrInvalidInput)
	}
	if store == nil {
		store = NewMemorySessionStore()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.RefreshSkew < 0 {
		cfg.RefreshSkew = 0
	} else if cfg.RefreshSkew == 0 {
		cfg.RefreshSkew = defaultRefreshSkew
	}

	p := &HTTPProvider{
		cfg:    cfg,
		base:   base,
		client: &http.Client{Timeout: cfg.Timeout},
		store:  store,
		hub:    NewEventHub(),
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// ---- Provider ----

// SignIn exchanges email/password for a session.
func (p *HTTPProvider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	const op = "identity.SignIn"

	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, invalidInput(op, "email and password are required")
	}

	var tr tokenResponse
	q := url.Values{"grant_type": {"password"}}
	if err := p.do(ctx, op, http.MethodPost, "/token", q, "", map[string]string{
		"email":    email,
		"password": password,
	}, &tr); err != nil {
		return nil, err
	}

	sess, err := tr.session(p.now())
	if err != nil {
		return nil, &ProviderError{Op: op, Kind: ErrUnavailable, Err: err}
	}
	if err := p.persist(ctx, sess); err != nil {
		return nil, err
	}
	p.hub.Publish(AuthEvent{Kind: EventSignedIn, Session: sess, At: p.now()})
	return sess, nil
}

// SignUp registers a new identity. The session is nil when the provider
// requires email confirmation first.
func (p *HTTPProvider) SignUp(ctx context.Context, email, password string, meta SignUpMetadata) (*Session, error) {
	const op = "identity.SignUp"

	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return nil, invalidInput(op, "a valid email is required")
	}
	if password == "" {
		return nil, invalidInput(op, "password is required")
	}

	var sr signUpResponse
	if err := p.do(ctx, op, http.MethodPost, "/signup", nil, "", map[string]any{
		"email":    email,
		"password": password,
		"data":     meta,
	}, &sr); err != nil {
		return nil, err
	}

	if sr.AccessToken == "" {
		p.log.Info("identity.signup.confirmation_pending", "user_id", sr.ID)
		return nil, nil
	}

	sess, err := sr.tokenResponse.session(p.now())
	if err != nil {
		return nil, &ProviderError{Op: op, Kind: ErrUnavailable, Err: err}
	}
	if err := p.persist(ctx, sess); err != nil {
		return nil, err
	}
	p.hub.Publish(AuthEvent{Kind: EventSignedIn, Session: sess, At: p.now()})
	return sess, nil
}

// SignOut drops the persisted session immediately and revokes it remotely.
// A failed revocation is remembered so a retried SignOut completes it.
func (p *HTTPProvider) SignOut(ctx context.Context) error {
	const op = "identity.SignOut"

	p.mu.Lock()
	sess, err := p.store.Load(ctx)
	if err != nil {
		p.log.Warn("identity.signout.load.fail", "err", err)
	}
	if sess != nil {
		p.pendingRevoke = sess.AccessToken
		if err := p.store.Clear(ctx); err != nil {
			p.log.Error("identity.signout.clear.fail", "err", err)
		}
	}
	token := p.pendingRevoke
	p.mu.Unlock()

	if sess != nil {
		p.hub.Publish(AuthEvent{Kind: EventSignedOut, EndedToken: sess.AccessToken, At: p.now()})
	}
	if token == "" {
		return nil
	}

	err = p.do(ctx, op, http.MethodPost, "/logout", nil, token, nil, nil)
	var pe *ProviderError
	if err != nil && !(errors.As(err, &pe) && pe.Status >= 400 && pe.Status < 500) {
		return err
	}

	// 4xx means the token is already unusable; nothing left to revoke.
	p.mu.Lock()
	if p.pendingRevoke == token {
		p.pendingRevoke = ""
	}
	p.mu.Unlock()
	return nil
}

// ResetPasswordForEmail sends a recovery email.
func (p *HTTPProvider) ResetPasswordForEmail(ctx context.Context, email string, opts ResetOptions) error {
	const op = "identity.ResetPasswordForEmail"

	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return invalidInput(op, "a valid email is required")
	}

	var q url.Values
	if opts.RedirectTo != "" {
		q = url.Values{"redirect_to": {opts.RedirectTo}}
	}
	return p.do(ctx, op, http.MethodPost, "/recover", q, "", map[string]string{"email": email}, nil)
}

// UpdatePassword changes the password of the signed-in identity.
func (p *HTTPProvider) UpdatePassword(ctx context.Context, password string) (*Identity, error) {
	const op = "identity.UpdatePassword"

	if password == "" {
		return nil, invalidInput(op, "password is required")
	}

	sess, err := p.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &ProviderError{Op: op, Status: http.StatusUnauthorized, Kind: ErrNotAuthenticated, Msg: "no active session"}
	}

	var ur userResponse
	if err := p.do(ctx, op, http.MethodPut, "/user", nil, sess.AccessToken, map[string]string{
		"password": password,
	}, &ur); err != nil {
		return nil, err
	}

	id := ur.identity()
	sess.Identity = id
	if err := p.persist(ctx, sess); err != nil {
		return nil, err
	}
	p.hub.Publish(AuthEvent{Kind: EventUserUpdated, Session: sess, At: p.now()})
	return &id, nil
}

// GetSession returns the persisted session, refreshing it when it is about to expire.
func (p *HTTPProvider) GetSession(ctx context.Context) (*Session, error) {
	const op = "identity.GetSession"

	p.mu.Lock()
	defer p.mu.Unlock()

	sess, err := p.store.Load(ctx)
	if err != nil {
		return nil, &ProviderError{Op: op, Kind: ErrUnavailable, Err: err}
	}
	if sess == nil {
		return nil, nil
	}
	if !sess.Expired(p.now(), p.cfg.RefreshSkew) {
		return sess, nil
	}
	if sess.RefreshToken == "" {
		_ = p.store.Clear(ctx)
		return nil, &ProviderError{Op: op, Status: http.StatusUnauthorized, Kind: ErrNotAuthenticated, Msg: "session expired"}
	}

	var tr tokenResponse
	q := url.Values{"grant_type": {"refresh_token"}}
	err = p.do(ctx, op, http.MethodPost, "/token", q, "", map[string]string{
		"refresh_token": sess.RefreshToken,
	}, &tr)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Status >= 400 && pe.Status < 500 {
			// Refresh token was rotated away or revoked: the session is gone.
			_ = p.store.Clear(ctx)
		}
		return nil, err
	}

	refreshed, err := tr.session(p.now())
	if err != nil {
		return nil, &ProviderError{Op: op, Kind: ErrUnavailable, Err: err}
	}
	if refreshed.Identity.ID == "" {
		refreshed.Identity = sess.Identity
	}
	refreshed.CreatedAt = sess.CreatedAt
	if err := p.store.Save(ctx, refreshed); err != nil {
		return nil, &ProviderError{Op: op, Kind: ErrUnavailable, Err: err}
	}

	p.hub.Publish(AuthEvent{Kind: EventTokenRefreshed, Session: refreshed, At: p.now()})
	return refreshed, nil
}

// Subscribe opens an auth-change stream.
func (p *HTTPProvider) Subscribe() *Subscription { return p.hub.Subscribe() }

// AccessToken returns a valid access token for collaborators that authenticate
// as the current identity (realtime, push server).
func (p *HTTPProvider) AccessToken(ctx context.Context) (string, error) {
	sess, err := p.GetSession(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", ErrNotAuthenticated
	}
	return sess.AccessToken, nil
}

// Close ends every open subscription.
func (p *HTTPProvider) Close() { p.hub.Close() }

// ---- transport ----

func (p *HTTPProvider) persist(ctx context.Context, sess *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.Save(ctx, sess); err != nil {
		return &ProviderError{Op: "identity.persist", Kind: ErrUnavailable, Err: err}
	}
	return nil
}

func (p *HTTPProvider) do(ctx context.Context, op, method, path string, q url.Values, bearer string, body any, out any) error {
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &ProviderError{Op: op, Kind: ErrInvalidInput, Err: err}
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return &ProviderError{Op: op, Kind: ErrInvalidInput, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("apikey", p.cfg.APIKey)
	}
	switch {
	case bearer != "":
		req.Header.Set("Authorization", "Bearer "+bearer)
	case p.cfg.APIKey != "":
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeProviderError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Op: op, Status: resp.StatusCode, Kind: ErrUnavailable, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func decodeProviderError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var er errorResponse
	_ = json.Unmarshal(b, &er)

	code := firstNonEmpty(er.ErrorCode, er.Error)
	msg := firstNonEmpty(er.ErrorDescription, er.Msg, er.Message)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return newProviderError(op, resp.StatusCode, code, msg)
}

func invalidInput(op, msg string) *ProviderError {
	return &ProviderError{Op: op, Status: http.StatusBadRequest, Kind: ErrInvalidInput, Msg: msg}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// ---- wire models ----

type userResponse struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	CreatedAt    time.Time      `json:"created_at"`
	LastSignInAt *time.Time     `json:"last_sign_in_at"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (u userResponse) identity() Identity {
	id := Identity{
		ID:           u.ID,
		Email:        u.Email,
		CreatedAt:    u.CreatedAt,
		LastSignInAt: u.LastSignInAt,
	}
	if name, ok := u.UserMetadata["display_name"].(string); ok {
		id.DisplayName = name
	}
	return id
}

type tokenResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	RefreshToken string        `json:"refresh_token"`
	User         *userResponse `json:"user"`
}

func (t tokenResponse) session(now time.Time) (*Session, error) {
	if t.AccessToken == "" {
		return nil, errors.New("token response without access_token")
	}
	if t.User == nil || t.User.ID == "" {
		return nil, errors.New("token response without user")
	}

	exp := time.Time{}
	switch {
	case t.ExpiresAt > 0:
		exp = time.Unix(t.ExpiresAt, 0).UTC()
	case t.ExpiresIn > 0:
		exp = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}

	return &Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresAt:    exp,
		CreatedAt:    now,
		Identity:     t.User.identity(),
	}, nil
}

// signUpResponse is either a full token response or a bare user when
// confirmation is pending.
type signUpResponse struct {
	tokenResponse
	userResponse
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}
