package session

import (
	"errors"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"gearhub/cmd/identity"
)

// Message keys for user-facing error copy.
const (
	msgInvalidCredentials = "session.error.invalid_credentials"
	msgEmailNotConfirmed  = "session.error.email_not_confirmed"
	msgConflict           = "session.error.conflict"
	msgRateLimited        = "session.error.rate_limited"
	msgInvalidInput       = "session.error.invalid_input"
	msgNotAuthenticated   = "session.error.not_authenticated"
	msgUnavailable        = "session.error.unavailable"
	msgGeneric            = "session.error.generic"
)

// SupportedLanguages lists the languages user-facing copy is available in.
// The first entry is the fallback.
var SupportedLanguages = []language.Tag{language.English, language.German, language.Spanish}

var translations = map[language.Tag]map[string]string{
	language.English: {
		msgInvalidCredentials: "Invalid email or password. Please try again.",
		msgEmailNotConfirmed:  "Please confirm your email address before signing in.",
		msgConflict:           "An account with this email already exists.",
		msgRateLimited:        "Too many attempts. Please wait a moment and try again.",
		msgInvalidInput:       "Please check the details you entered and try again.",
		msgNotAuthenticated:   "Please sign in to continue.",
		msgUnavailable:        "We couldn't reach the server. Please check your connection and try again.",
		msgGeneric:            "Something went wrong. Please try again.",
	},
	language.German: {
		msgInvalidCredentials: "Ungültige E-Mail-Adresse oder ungültiges Passwort. Bitte versuche es erneut.",
		msgEmailNotConfirmed:  "Bitte bestätige deine E-Mail-Adresse, bevor du dich anmeldest.",
		msgConflict:           "Es gibt bereits ein Konto mit dieser E-Mail-Adresse.",
		msgRateLimited:        "Zu viele Versuche. Bitte warte einen Moment und versuche es erneut.",
		msgInvalidInput:       "Bitte prüfe deine Angaben und versuche es erneut.",
		msgNotAuthenticated:   "Bitte melde dich an, um fortzufahren.",
		msgUnavailable:        "Der Server ist nicht erreichbar. Bitte prüfe deine Verbindung und versuche es erneut.",
		msgGeneric:            "Etwas ist schiefgelaufen. Bitte versuche es erneut.",
	},
	language.Spanish: {
		msgInvalidCredentials: "Correo electrónico o contraseña no válidos. Inténtalo de nuevo.",
		msgEmailNotConfirmed:  "Confirma tu dirección de correo electrónico antes de iniciar sesión.",
		msgConflict:           "Ya existe una cuenta con este correo electrónico.",
		msgRateLimited:        "Demasiados intentos. Espera un momento e inténtalo de nuevo.",
		msgInvalidInput:       "Revisa los datos que has introducido e inténtalo de nuevo.",
		msgNotAuthenticated:   "Inicia sesión para continuar.",
		msgUnavailable:        "No pudimos conectar con el servidor. Comprueba tu conexión e inténtalo de nuevo.",
		msgGeneric:            "Algo salió mal. Inténtalo de nuevo.",
	},
}

var (
	messages        = newCatalog()
	languageMatcher = language.NewMatcher(SupportedLanguages)
	printer         = message.NewPrinter(language.English, message.Catalog(messages))
)

func newCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, entries := range translations {
		for key, msg := range entries {
			if err := b.SetString(tag, key, msg); err != nil {
				panic("session: bad message " + key + ": " + err.Error())
			}
		}
	}
	return b
}

// Localizer is the message printer contract for user-facing copy.
type Localizer interface {
	Sprintf(key message.Reference, args ...any) string
}

// PrinterFor returns the Localizer best matching an Accept-Language header.
// Empty or unparseable headers and unsupported languages get English.
func PrinterFor(acceptLanguage string) Localizer {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return printer
	}
	_, idx, conf := languageMatcher.Match(tags...)
	if conf == language.No {
		return printer
	}
	return message.NewPrinter(SupportedLanguages[idx], message.Catalog(messages))
}

// UserMessage maps an error to English copy for end users. It never exposes
// internal detail beyond the provider's own validation message.
func UserMessage(err error) string {
	return UserMessageFor(printer, err)
}

// UserMessageFor is UserMessage in loc's language. An AuthError is translated
// from its cause; its stored Message is used only when it has none.
func UserMessageFor(loc Localizer, err error) string {
	if err == nil {
		return ""
	}
	if loc == nil {
		loc = printer
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		if ae.Err == nil {
			return ae.Message
		}
		err = ae.Err
	}

	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		return loc.Sprintf(msgInvalidCredentials)
	case errors.Is(err, identity.ErrEmailNotConfirmed):
		return loc.Sprintf(msgEmailNotConfirmed)
	case errors.Is(err, identity.ErrConflict):
		return loc.Sprintf(msgConflict)
	case errors.Is(err, identity.ErrRateLimited):
		return loc.Sprintf(msgRateLimited)
	case errors.Is(err, identity.ErrNotAuthenticated), errors.Is(err, ErrNotAuthenticated):
		return loc.Sprintf(msgNotAuthenticated)
	case errors.Is(err, identity.ErrInvalidInput):
		// The provider's validation text is shown as is.
		if msg := strings.TrimSpace(identity.ProviderMessage(err)); msg != "" {
			return msg
		}
		return loc.Sprintf(msgInvalidInput)
	case errors.Is(err, identity.ErrUnavailable):
		return loc.Sprintf(msgUnavailable)
	}

	if strings.Contains(strings.ToLower(err.Error()), "invalid login credentials") {
		return loc.Sprintf(msgInvalidCredentials)
	}
	return loc.Sprintf(msgGeneric)
}
