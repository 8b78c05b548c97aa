package telemetry

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gearhub/cmd/identity"
	"gearhub/cmd/internal/auth/session"
	"gearhub/cmd/internal/push"
	"gearhub/cmd/internal/realtime"
)

var (
	_ session.Metrics  = (*Metrics)(nil)
	_ realtime.Metrics = (*Metrics)(nil)
	_ push.Metrics     = (*Metrics)(nil)
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	b, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(b)
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()

	m.Transition(session.PhaseAuthenticated)
	m.Operation(session.OpSignIn, nil)
	m.Operation(session.OpSignIn, &identity.ProviderError{Status: http.StatusBadRequest, Kind: identity.ErrInvalidCredentials})
	m.Attempt(session.OpSignOut, 1, errors.New("dial tcp: refused"))
	m.StaleDiscarded("profile")
	m.ChannelOpened()
	m.EventDelivered("booking.confirmed")
	m.Reconnected()
	m.Subscribed(false, push.ReasonDenied)
	m.Unsubscribed(true)
	m.Sent(3)

	body := scrape(t, m)
	for _, want := range []string{
		`gearhub_session_phase{phase="authenticated"} 1`,
		`gearhub_session_phase{phase="unauthenticated"} 0`,
		`gearhub_session_operations_total{op="sign_in",result="ok"} 1`,
		`gearhub_session_operations_total{op="sign_in",result="client_error"} 1`,
		`gearhub_session_provider_attempts_total{op="sign_out",result="error"} 1`,
		`gearhub_session_stale_discarded_total{kind="profile"} 1`,
		`gearhub_realtime_channels_open 1`,
		`gearhub_realtime_events_total{type="booking.confirmed"} 1`,
		`gearhub_realtime_reconnects_total 1`,
		`gearhub_push_subscribe_total{reason="denied",result="false"} 1`,
		`gearhub_push_unsubscribe_total{result="true"} 1`,
		`gearhub_push_sent_total 3`,
		`go_goroutines`,
	} {
		assert.Contains(t, body, want)
	}
}
