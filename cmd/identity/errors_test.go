package identity

import (
	"errors"
	"net/http"
	"testing"
)

func TestKindFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		code   string
		msg    string
		want   error
	}{
		{status: 400, code: "invalid_grant", msg: "Invalid login credentials", want: ErrInvalidCredentials},
		{status: 400, code: "invalid_credentials", want: ErrInvalidCredentials},
		{status: 400, code: "email_not_confirmed", want: ErrEmailNotConfirmed},
		{status: 422, code: "user_already_exists", want: ErrConflict},
		{status: 400, msg: "User already registered", want: ErrConflict},
		{status: 422, code: "weak_password", want: ErrInvalidInput},
		{status: http.StatusTooManyRequests, want: ErrRateLimited},
		{status: http.StatusUnauthorized, want: ErrNotAuthenticated},
		{status: http.StatusForbidden, want: ErrNotAuthenticated},
		{status: http.StatusNotFound, want: ErrNotFound},
		{status: http.StatusConflict, want: ErrConflict},
		{status: http.StatusBadGateway, want: ErrUnavailable},
	}

	for _, tc := range cases {
		if got := kindFor(tc.status, tc.code, tc.msg); got != tc.want {
			t.Fatalf("kindFor(%d,%q,%q)=%v want=%v", tc.status, tc.code, tc.msg, got, tc.want)
		}
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := error(transportError("identity.SignIn", cause))

	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable in chain")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}

	var st interface{ HTTPStatus() int }
	if !errors.As(err, &st) || st.HTTPStatus() != 0 {
		t.Fatalf("expected HTTPStatus()=0")
	}
	if got := err.Error(); got != "identity.SignIn: unavailable: dial tcp: refused" {
		t.Fatalf("Error()=%q", got)
	}
}

func TestValidEmail(t *testing.T) {
	t.Parallel()

	good := []string{"a@b.co", "renter+tag@example.com"}
	bad := []string{"", "nope", "Ren <ren@example.com>", "a@"}

	for _, s := range good {
		if !ValidEmail(s) {
			t.Fatalf("ValidEmail(%q)=false", s)
		}
	}
	for _, s := range bad {
		if ValidEmail(s) {
			t.Fatalf("ValidEmail(%q)=true", s)
		}
	}
}
