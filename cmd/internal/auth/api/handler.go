package authapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"gearhub/cmd/identity"
	"gearhub/cmd/internal/auth/session"
	"gearhub/cmd/security/password"
)

// Sessions is the subset of *session.Manager served over HTTP.
type Sessions interface {
	State() session.State
	SignIn(ctx context.Context, email, password string) error
	SignUp(ctx context.Context, email, password, displayName string) (bool, error)
	SignOut(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
	UpdatePassword(ctx context.Context, password string) error
	EnablePush(ctx context.Context) bool
	DisablePush(ctx context.Context) bool
}

// Handler wires HTTP control endpoints to the session manager.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions Sessions
	failures *failureLog
	now      func() time.Time
}

// HandlerOption configures optional handler behavior.
type HandlerOption func(*Handler)

// WithClock overrides the time source used for throttling.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if h == nil || now == nil {
			return
		}
		h.now = now
	}
}

// NewHandler constructs a control API Handler.
func NewHandler(log *slog.Logger, sessions Sessions, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("authapi: nil sessions")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()

	retention := cfg.SignInIPWindow
	for _, t := range cfg.lockoutTiers() {
		retention = max(retention, t.Duration)
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		failures: newFailureLog(retention),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires control routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("GET /v1/session", h.Guard(http.HandlerFunc(h.handleSession)))
	mux.Handle("POST /v1/auth/sign-in", h.Guard(http.HandlerFunc(h.handleSignIn)))
	mux.Handle("POST /v1/auth/sign-up", h.Guard(http.HandlerFunc(h.handleSignUp)))
	mux.Handle("POST /v1/auth/sign-out", h.Guard(http.HandlerFunc(h.handleSignOut)))
	mux.Handle("POST /v1/auth/password/reset", h.Guard(http.HandlerFunc(h.handleResetPassword)))
	mux.Handle("POST /v1/auth/password/update", h.Guard(http.HandlerFunc(h.handleUpdatePassword)))
	mux.Handle("POST /v1/push/subscribe", h.Guard(http.HandlerFunc(h.handlePushSubscribe)))
	mux.Handle("POST /v1/push/unsubscribe", h.Guard(http.HandlerFunc(h.handlePushUnsubscribe)))
}

// Guard enforces the control token when one is configured. It lets other
// local routes share the control API's authentication.
func (h *Handler) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.ControlToken != "" {
			got, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.ControlToken)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="gearhub"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid control token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ---- handlers ----

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSessionResponse(h.sessions.State()))
}

func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "email and password are required")
		return
	}

	now := h.now()
	ip := ipString(clientIP(r, h.cfg.TrustProxy))
	if blocked, retry := h.signInThrottled(now, ip, req.Email); blocked {
		h.log.Warn("authapi.sign_in.throttled", "ip", ip, "retry_after", retry)
		writeRateLimited(w, retry)
		return
	}

	if err := h.sessions.SignIn(r.Context(), req.Email, req.Password); err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.failures.record(now, ip, req.Email)
		}
		h.writeSessionError(w, r, "sign_in", err)
		return
	}
	h.failures.reset(req.Email)
	writeJSON(w, http.StatusOK, toSessionResponse(h.sessions.State()))
}

func (h *Handler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "email and password are required")
		return
	}
	if err := h.cfg.Password.Validate(req.Password, req.Email); err != nil {
		writeError(w, http.StatusBadRequest, "weak_password", passwordMessage(err))
		return
	}

	signedIn, err := h.sessions.SignUp(r.Context(), strings.TrimSpace(req.Email), req.Password, req.DisplayName)
	if err != nil {
		h.writeSessionError(w, r, "sign_up", err)
		return
	}
	status := http.StatusCreated
	if !signedIn {
		status = http.StatusAccepted
	}
	writeJSON(w, status, signUpResponse{
		SignedIn:             signedIn,
		ConfirmationRequired: !signedIn,
		Session:              toSessionResponse(h.sessions.State()),
	})
}

func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.SignOut(r.Context()); err != nil {
		h.writeSessionError(w, r, "sign_out", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(h.sessions.State()))
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "email is required")
		return
	}
	if err := h.sessions.ResetPassword(r.Context(), strings.TrimSpace(req.Email)); err != nil {
		h.writeSessionError(w, r, "reset_password", err)
		return
	}
	writeJSON(w, http.StatusAccepted, okResponse{OK: true})
}

func (h *Handler) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req updatePasswordRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "password is required")
		return
	}
	var email string
	if st := h.sessions.State(); st.Identity != nil {
		email = st.Identity.Email
	}
	if err := h.cfg.Password.Validate(req.Password, email); err != nil {
		writeError(w, http.StatusBadRequest, "weak_password", passwordMessage(err))
		return
	}
	if err := h.sessions.UpdatePassword(r.Context(), req.Password); err != nil {
		h.writeSessionError(w, r, "update_password", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(h.sessions.State()))
}

func (h *Handler) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.State().Authenticated() {
		writeError(w, http.StatusUnauthorized, "not_authenticated", session.UserMessageFor(localizer(r), session.ErrNotAuthenticated))
		return
	}
	writeJSON(w, http.StatusOK, pushResponse{OK: h.sessions.EnablePush(r.Context())})
}

func (h *Handler) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pushResponse{OK: h.sessions.DisablePush(r.Context())})
}

// ---- errors ----

func (h *Handler) writeSessionError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("authapi."+op+".fail", "err", err)
	} else {
		h.log.Info("authapi."+op+".rejected", "code", code)
	}
	writeError(w, status, code, session.UserMessageFor(localizer(r), err))
}

// localizer picks the language of user-facing copy from Accept-Language.
func localizer(r *http.Request) session.Localizer {
	return session.PrinterFor(r.Header.Get("Accept-Language"))
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, session.ErrNotAuthenticated), errors.Is(err, identity.ErrNotAuthenticated):
		return http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, identity.ErrEmailNotConfirmed):
		return http.StatusForbidden, "email_not_confirmed"
	case errors.Is(err, identity.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, identity.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, identity.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, identity.ErrInvalidInput):
		var pe *identity.ProviderError
		if errors.As(err, &pe) && pe.Status >= 400 && pe.Status < 500 {
			return pe.Status, "invalid_input"
		}
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, identity.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func passwordMessage(err error) string {
	switch {
	case errors.Is(err, password.ErrPasswordTooShort):
		return "Password is too short."
	case errors.Is(err, password.ErrPasswordTooLong):
		return "Password is too long."
	case errors.Is(err, password.ErrPasswordContext):
		return "Password must not contain your email address."
	default:
		return "Password is too easy to guess. Please choose a stronger one."
	}
}

// ---- request helpers ----

func bearerToken(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return net.ParseIP(strings.TrimSpace(r.RemoteAddr))
	}
	return net.ParseIP(host)
}

// parseForwardedIP returns the first parseable address, the original client.
func parseForwardedIP(raw string) net.IP {
	for p := range strings.SplitSeq(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
