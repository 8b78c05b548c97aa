package session

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/message"

	"gearhub/cmd/identity"
)

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"invalid credentials", identity.ErrInvalidCredentials, "Invalid email or password. Please try again."},
		{"raw provider text", errors.New("AuthApiError: Invalid login credentials"), "Invalid email or password. Please try again."},
		{"unconfirmed", fmt.Errorf("wrap: %w", identity.ErrEmailNotConfirmed), "Please confirm your email address before signing in."},
		{"conflict", identity.ErrConflict, "An account with this email already exists."},
		{"rate limited", identity.ErrRateLimited, "Too many attempts. Please wait a moment and try again."},
		{"unavailable", identity.ErrUnavailable, "We couldn't reach the server. Please check your connection and try again."},
		{
			"provider validation text",
			&identity.ProviderError{Status: http.StatusUnprocessableEntity, Msg: "Password should be at least 6 characters", Kind: identity.ErrInvalidInput},
			"Password should be at least 6 characters",
		},
		{"bare invalid input", identity.ErrInvalidInput, "Please check the details you entered and try again."},
		{"unknown", errors.New("boom"), "Something went wrong. Please try again."},
		{"auth error is translated from its cause", &AuthError{Op: OpSignUp, Message: "stale", Err: identity.ErrConflict}, "An account with this email already exists."},
		{"auth error without cause keeps its message", &AuthError{Op: OpSignIn, Message: "custom"}, "custom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UserMessage(tt.err))
		})
	}
}

func TestPrinterFor(t *testing.T) {
	tests := []struct {
		accept string
		want   string
	}{
		{"", "Please sign in to continue."},
		{"de-CH,de;q=0.9,en;q=0.5", "Bitte melde dich an, um fortzufahren."},
		{"es-MX", "Inicia sesión para continuar."},
		{"fr-FR,fr;q=0.9", "Please sign in to continue."},
		{"not a header;;;", "Please sign in to continue."},
	}
	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			assert.Equal(t, tt.want, UserMessageFor(PrinterFor(tt.accept), ErrNotAuthenticated))
		})
	}
}

func TestUserMessageFor_TranslatesAuthErrors(t *testing.T) {
	err := authError(OpSignIn, &identity.ProviderError{Status: http.StatusBadRequest, Kind: identity.ErrInvalidCredentials})
	assert.Equal(t, "Invalid email or password. Please try again.", err.Message)
	assert.Equal(t, "Correo electrónico o contraseña no válidos. Inténtalo de nuevo.", UserMessageFor(PrinterFor("es"), err))
	assert.Equal(t, "Please sign in to continue.", UserMessageFor(nil, ErrNotAuthenticated))
}

func TestCatalog_EveryLanguageHasEveryKey(t *testing.T) {
	english := translations[SupportedLanguages[0]]
	for _, tag := range SupportedLanguages {
		entries, ok := translations[tag]
		require.True(t, ok, tag.String())
		p := message.NewPrinter(tag, message.Catalog(messages))
		for key := range english {
			assert.Contains(t, entries, key, "%s lacks %s", tag, key)
			assert.Equal(t, entries[key], p.Sprintf(key), "%s %s", tag, key)
		}
	}
}
