package promo

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type Classification int

const (
	Valid Classification = iota
	// Malformed input cannot be a code but shows no sign of abuse.
	Malformed
	// Suspicious input looks like an injection attempt or binary garbage.
	Suspicious
)

const maxInputRunes = 64

var codePattern = regexp.MustCompile(`^[A-Z0-9_-]{3,32}$`)

var suspiciousMarkers = []string{"'", `"`, ";", `\`, "<", ">", "--", "/*", "*/", "`"}

// Classify normalizes untrusted promo input and sorts it into one of three classes. The normalized
// code is only meaningful for Valid input.
func Classify(input string) (string, Classification) {
	trimmed := strings.TrimSpace(input)
	if !utf8.ValidString(trimmed) || utf8.RuneCountInString(trimmed) > maxInputRunes {
		return "", Suspicious
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return "", Suspicious
		}
	}
	code := strings.ToUpper(trimmed)
	for _, m := range suspiciousMarkers {
		if strings.Contains(code, m) {
			return "", Suspicious
		}
	}
	if !codePattern.MatchString(code) {
		return "", Malformed
	}
	return code, Valid
}
