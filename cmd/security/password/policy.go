package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Policy controls local password validation.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// DefaultPolicy matches the provider's minimum and caps input at 256 runes.
func DefaultPolicy() Policy {
	return Policy{MinLength: 8, MaxLength: 256, RejectVeryWeak: true}
}

// Validate checks password against the policy. email, when set, rejects
// passwords built from the account's own mailbox name.
func (p Policy) Validate(password, email string) error {
	// Count characters (runes), not bytes, to be user-friendly.
	n := utf8.RuneCountInString(password)

	if p.MinLength > 0 && n < p.MinLength {
		return ErrPasswordTooShort
	}
	if p.MaxLength > 0 && n > p.MaxLength {
		return ErrPasswordTooLong
	}
	if !p.RejectVeryWeak {
		return nil
	}
	if looksVeryWeak(password) {
		return ErrWeakPassword
	}
	if local, _, ok := strings.Cut(strings.ToLower(strings.TrimSpace(email)), "@"); ok && len(local) >= 4 {
		if strings.Contains(strings.ToLower(password), local) {
			return ErrPasswordContext
		}
	}
	return nil
}

var commonPasswords = map[string]struct{}{
	"password": {}, "password1": {}, "password123": {}, "12345678": {}, "123456789": {},
	"qwerty123": {}, "qwertyuiop": {}, "11111111": {}, "iloveyou": {}, "letmein1": {},
	"gearhub1": {}, "gearhub123": {},
}

// looksVeryWeak is minimal and conservative. It is not an entropy estimator.
func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	if _, ok := commonPasswords[strings.ToLower(s)]; ok {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	allSame, onlyDigits, sequential := true, true, true
	prev := rune(-1)
	for _, r := range s {
		if r != first {
			allSame = false
		}
		if !unicode.IsDigit(r) {
			onlyDigits = false
		}
		if prev >= 0 && r != prev+1 {
			sequential = false
		}
		prev = r
	}

	// PIN-like digit strings and runs like "abcdefgh" are rejected.
	return allSame || (onlyDigits && utf8.RuneCountInString(s) < 12) || sequential
}
