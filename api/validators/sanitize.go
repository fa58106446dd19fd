package validators

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// cleanLine trims a single-line form value, drops control characters and
// cuts it to maxLen runes. maxLen <= 0 means unbounded.
func cleanLine(input string, maxLen int) string {
	return clean(input, maxLen, false)
}

// cleanText is cleanLine for free text; newlines and tabs survive.
func cleanText(input string, maxLen int) string {
	return clean(input, maxLen, true)
}

func clean(input string, maxLen int, multiline bool) string {
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	stripped := strings.Map(func(r rune) rune {
		if multiline && (r == '\n' || r == '\t') {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, input)
	stripped = strings.TrimSpace(stripped)
	if maxLen > 0 && utf8.RuneCountInString(stripped) > maxLen {
		stripped = strings.TrimSpace(string([]rune(stripped)[:maxLen]))
	}
	return stripped
}
