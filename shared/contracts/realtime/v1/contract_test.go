package v1

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "hello", env: Envelope{V: Version, Type: TypeHello, TS: now}},
		{name: "join with channel", env: Envelope{V: Version, Type: TypeChannelJoin, Channel: "notifications:u1"}},
		{name: "join without channel", env: Envelope{V: Version, Type: TypeChannelJoin}, wantErr: true},
		{name: "notification without channel", env: Envelope{V: Version, Type: TypeNotification}, wantErr: true},
		{name: "missing version", env: Envelope{Type: TypeHello}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeHello}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "message_send"}, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNotificationsChannel(t *testing.T) {
	t.Parallel()
	require.Equal(t, "notifications:abc", NotificationsChannel("  abc "))
}

func TestNotificationPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"notification_id":"n1","user_id":"u1","type":"booking.confirmed","data":{"booking_id":"b1"},"created_at":"2026-01-02T03:04:05Z"}`)
	var p NotificationPayload
	require.NoError(t, json.Unmarshal(raw, &p))
	require.Equal(t, "booking.confirmed", p.Type)
	require.JSONEq(t, `{"booking_id":"b1"}`, string(p.Data))
}
