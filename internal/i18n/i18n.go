package i18n

import "strings"

// Lang is a language replies and notifications are rendered in.
type Lang string

const (
	RU Lang = "ru"
	EN Lang = "en"
)

// Fallback is used when neither the user nor the configuration names a translated language.
const Fallback = EN

// FromLanguageCode maps a Telegram client tag such as "ru-RU" to a Lang.
func FromLanguageCode(code string) Lang {
	return Parse(code, Fallback)
}

// Parse reads a stored or configured language. Region subtags are ignored and anything without a
// translation yields fallback.
func Parse(s string, fallback Lang) Lang {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexAny(s, "-_"); i >= 0 {
		s = s[:i]
	}
	switch Lang(s) {
	case RU, EN:
		return Lang(s)
	}
	return fallback
}
