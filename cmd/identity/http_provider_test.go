package identity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUserID = "5b0e9e8c-2a5d-4a43-9d4e-3f6a6e1d9a11"

type fakeGoTrue struct {
	t *testing.T

	mu       sync.Mutex
	logouts  int
	logoutRC int // status for /logout; 0 means 204
	refreshN int
	lastAuth string
	lastBody map[string]any
}

func (f *fakeGoTrue) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		body := f.record(r)
		switch r.URL.Query().Get("grant_type") {
		case "password":
			if body["password"] != "correct-horse" {
				writeTestJSON(w, http.StatusBadRequest, map[string]any{
					"error":             "invalid_grant",
					"error_description": "Invalid login credentials",
				})
				return
			}
			writeTestJSON(w, http.StatusOK, tokenBody("access-1", "refresh-1", 3600))
		case "refresh_token":
			f.mu.Lock()
			f.refreshN++
			f.mu.Unlock()
			if body["refresh_token"] != "refresh-1" {
				writeTestJSON(w, http.StatusBadRequest, map[string]any{"error_code": "refresh_token_not_found", "msg": "Invalid Refresh Token"})
				return
			}
			writeTestJSON(w, http.StatusOK, tokenBody("access-2", "refresh-2", 3600))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	mux.HandleFunc("POST /auth/v1/signup", func(w http.ResponseWriter, r *http.Request) {
		body := f.record(r)
		switch body["email"] {
		case "taken@example.com":
			writeTestJSON(w, http.StatusUnprocessableEntity, map[string]any{"error_code": "user_already_exists", "msg": "User already registered"})
		case "confirm@example.com":
			writeTestJSON(w, http.StatusOK, map[string]any{"id": testUserID, "email": "confirm@example.com"})
		default:
			writeTestJSON(w, http.StatusOK, tokenBody("access-1", "refresh-1", 3600))
		}
	})

	mux.HandleFunc("POST /auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		f.logouts++
		rc := f.logoutRC
		f.mu.Unlock()
		if rc == 0 {
			rc = http.StatusNoContent
		}
		w.WriteHeader(rc)
	})

	mux.HandleFunc("POST /auth/v1/recover", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.URL.Query().Get("redirect_to") != "https://gear.example.com/reset" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{})
	})

	mux.HandleFunc("PUT /auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeTestJSON(w, http.StatusOK, userBody())
	})

	return mux
}

func (f *fakeGoTrue) record(r *http.Request) map[string]any {
	var body map[string]any
	if r.Body != nil {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
	}
	f.mu.Lock()
	f.lastAuth = r.Header.Get("Authorization")
	f.lastBody = body
	f.mu.Unlock()
	return body
}

func (f *fakeGoTrue) snapshot() (logouts, refreshes int, auth string, body map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts, f.refreshN, f.lastAuth, f.lastBody
}

func (f *fakeGoTrue) logoutCount() int {
	n, _, _, _ := f.snapshot()
	return n
}

func (f *fakeGoTrue) refreshCount() int {
	_, n, _, _ := f.snapshot()
	return n
}

func (f *fakeGoTrue) auth() string {
	_, _, a, _ := f.snapshot()
	return a
}

func (f *fakeGoTrue) body() map[string]any {
	_, _, _, b := f.snapshot()
	return b
}

func userBody() map[string]any {
	return map[string]any{
		"id":            testUserID,
		"email":         "renter@example.com",
		"created_at":    "2026-01-02T03:04:05Z",
		"user_metadata": map[string]any{"display_name": "Ren"},
	}
}

func tokenBody(access, refresh string, expiresIn int) map[string]any {
	return map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    expiresIn,
		"user":          userBody(),
	}
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestProvider(t *testing.T, fake *fakeGoTrue, store SessionStore, opts ...HTTPOption) *HTTPProvider {
	t.Helper()

	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	opts = append([]HTTPOption{WithProviderLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	p, err := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL + "/auth/v1", APIKey: "anon"}, store, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestNewHTTPProvider_RejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "   ", "ftp://x", "not a url"} {
		_, err := NewHTTPProvider(HTTPConfig{BaseURL: raw}, nil)
		assert.ErrorIs(t, err, ErrInvalidInput, "base url %q", raw)
	}
}

func TestHTTPProvider_SignInPersistsAndPublishes(t *testing.T) {
	fake := &fakeGoTrue{t: t}
	store := NewMemorySessionStore()
	p := newTestProvider(t, fake, store)

	sub := p.Subscribe()
	defer sub.Close()

	sess, err := p.SignIn(context.Background(), "  Renter@Example.com ", "correct-horse")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "access-1", sess.AccessToken)
	assert.Equal(t, testUserID, sess.Identity.ID)
	assert.Equal(t, "Ren", sess.Identity.DisplayName)
	assert.False(t, sess.ExpiresAt.IsZero())

	assert.Equal(t, "renter@example.com", fake.body()["email"])
	assert.Equal(t, "Bearer anon", fake.auth())

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "access-1", stored.AccessToken)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventSignedIn, ev.Kind)
		require.NotNil(t, ev.Session)
		assert.Equal(t, testUserID, ev.Session.Identity.ID)
	case <-time.After(time.Second):
		t.Fatal("no signed_in event")
	}
}

func TestHTTPProvider_SignInInvalidCredentials(t *testing.T) {
	p := newTestProvider(t, &fakeGoTrue{t: t}, nil)

	_, err := p.SignIn(context.Background(), "renter@example.com", "wrong")
	require.Error(t, err)
	assert.True(t, IsInvalidCredentials(err))
	assert.Equal(t, "Invalid login credentials", ProviderMessage(err))

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.HTTPStatus())
}

func TestHTTPProvider_SignInValidatesLocally(t *testing.T) {
	fake := &fakeGoTrue{t: t}
	p := newTestProvider(t, fake, nil)

	_, err := p.SignIn(context.Background(), "", "x")
	require.ErrorIs(t, err, ErrInvalidInput)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.Status)
	assert.Nil(t, fake.body(), "no request expected")
}

func TestHTTPProvider_SignUp(t *testing.T) {
	t.Run("session", func(t *testing.T) {
		fake := &fakeGoTrue{t: t}
		p := newTestProvider(t, fake, nil)

		sess, err := p.SignUp(context.Background(), "new@example.com", "pw", SignUpMetadata{DisplayName: "Ren"})
		require.NoError(t, err)
		require.NotNil(t, sess)
		data, _ := fake.body()["data"].(map[string]any)
		assert.Equal(t, "Ren", data["display_name"])
	})

	t.Run("confirmation pending", func(t *testing.T) {
		p := newTestProvider(t, &fakeGoTrue{t: t}, nil)

		sess, err := p.SignUp(context.Background(), "confirm@example.com", "pw", SignUpMetadata{})
		require.NoError(t, err)
		assert.Nil(t, sess)
	})

	t.Run("conflict", func(t *testing.T) {
		p := newTestProvider(t, &fakeGoTrue{t: t}, nil)

		_, err := p.SignUp(context.Background(), "taken@example.com", "pw", SignUpMetadata{})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("invalid email", func(t *testing.T) {
		p := newTestProvider(t, &fakeGoTrue{t: t}, nil)

		_, err := p.SignUp(context.Background(), "Ren <ren@example.com>", "pw", SignUpMetadata{})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestHTTPProvider_SignOutClearsAndRevokes(t *testing.T) {
	fake := &fakeGoTrue{t: t}
	store := NewMemorySessionStore()
	p := newTestProvider(t, fake, store)

	_, err := p.SignIn(context.Background(), "renter@example.com", "correct-horse")
	require.NoError(t, err)

	sub := p.Subscribe()
	defer sub.Close()

	require.NoError(t, p.SignOut(context.Background()))
	assert.Equal(t, 1, fake.logoutCount())
	assert.Equal(t, "Bearer access-1", fake.auth())

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventSignedOut, ev.Kind)
		assert.Nil(t, ev.Session)
		assert.Equal(t, "access-1", ev.EndedToken)
	case <-time.After(time.Second):
		t.Fatal("no signed_out event")
	}

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored)

	// Nothing left to revoke.
	require.NoError(t, p.SignOut(context.Background()))
	assert.Equal(t, 1, fake.logoutCount())
}

func TestHTTPProvider_SignOutRetryFinishesRevocation(t *testing.T) {
	fake := &fakeGoTrue{t: t, logoutRC: http.StatusBadGateway}
	store := NewMemorySessionStore()
	p := newTestProvider(t, fake, store)

	_, err := p.SignIn(context.Background(), "renter@example.com", "correct-horse")
	require.NoError(t, err)

	err = p.SignOut(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))

	stored, _ := store.Load(context.Background())
	assert.Nil(t, stored, "local session is dropped even when revocation fails")

	fake.mu.Lock()
	fake.logoutRC = 0
	fake.mu.Unlock()

	require.NoError(t, p.SignOut(context.Background()))
	assert.Equal(t, 2, fake.logoutCount())
	assert.Equal(t, "Bearer access-1", fake.auth())
}

func TestHTTPProvider_SignOutTreats4xxAsDone(t *testing.T) {
	fake := &fakeGoTrue{t: t, logoutRC: http.StatusUnauthorized}
	p := newTestProvider(t, fake, nil)

	_, err := p.SignIn(context.Background(), "renter@example.com", "correct-horse")
	require.NoError(t, err)
	require.NoError(t, p.SignOut(context.Background()))
	require.NoError(t, p.SignOut(context.Background()))
	assert.Equal(t, 1, fake.logoutCount())
}

func TestHTTPProvider_ResetPassword(t *testing.T) {
	p := newTestProvider(t, &fakeGoTrue{t: t}, nil)

	require.NoError(t, p.ResetPasswordForEmail(context.Background(), "renter@example.com", ResetOptions{RedirectTo: "https://gear.example.com/reset"}))

	err := p.ResetPasswordForEmail(context.Background(), "renter@example.com", ResetOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = p.ResetPasswordForEmail(context.Background(), "nope", ResetOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHTTPProvider_UpdatePassword(t *testing.T) {
	fake := &fakeGoTrue{t: t}
	p := newTestProvider(t, fake, nil)

	_, err := p.UpdatePassword(context.Background(), "new-pw")
	require.ErrorIs(t, err, ErrNotAuthenticated)

	_, err = p.SignIn(context.Background(), "renter@example.com", "correct-horse")
	require.NoError(t, err)

	sub := p.Subscribe()
	defer sub.Close()

	id, err := p.UpdatePassword(context.Background(), "new-pw")
	require.NoError(t, err)
	assert.Equal(t, testUserID, id.ID)
	assert.Equal(t, "Bearer access-1", fake.auth())
	assert.Equal(t, "new-pw", fake.body()["password"])

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventUserUpdated, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no user_updated event")
	}
}

func TestHTTPProvider_GetSessionRefreshesExpired(t *testing.T) {
	fake := &fakeGoTrue{t: t}
	store := NewMemorySessionStore()

	var now atomic.Pointer[time.Time]
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now.Store(&start)
	clock := func() time.Time { return *now.Load() }

	p := newTestProvider(t, fake, store, WithProviderClock(clock))

	_, err := p.SignIn(context.Background(), "renter@example.com", "correct-horse")
	require.NoError(t, err)

	sess, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", sess.AccessToken)
	assert.Equal(t, 0, fake.refreshCount())

	later := start.Add(2 * time.Hour)
	now.Store(&later)

	sub := p.Subscribe()
	defer sub.Close()

	sess, err = p.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "access-2", sess.AccessToken)
	assert.Equal(t, 1, fake.refreshCount())

	tok, err := p.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventTokenRefreshed, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no token_refreshed event")
	}
}

func TestHTTPProvider_GetSessionDropsRevokedRefresh(t *testing.T) {
	store := NewMemorySessionStore()
	require.NoError(t, store.Save(context.Background(), &Session{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(-time.Hour),
		Identity:     Identity{ID: testUserID},
	}))
	p := newTestProvider(t, &fakeGoTrue{t: t}, store)

	sess, err := p.GetSession(context.Background())
	require.Error(t, err)
	assert.Nil(t, sess)

	stored, _ := store.Load(context.Background())
	assert.Nil(t, stored)
}

func TestHTTPProvider_GetSessionEmpty(t *testing.T) {
	p := newTestProvider(t, &fakeGoTrue{t: t}, nil)

	sess, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)

	_, err = p.AccessToken(context.Background())
	assert.True(t, errors.Is(err, ErrNotAuthenticated))
}

func TestHTTPProvider_TransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: base, Timeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = p.SignIn(context.Background(), "renter@example.com", "pw")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, pe.HTTPStatus())
}
