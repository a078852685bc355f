package types

import (
	"strings"
	"unicode"
)

// maxValueLen bounds entity values after normalization.
const maxValueLen = 200

// NormalizeWhitespace collapses all runs of whitespace in s to single spaces
// and trims the ends. Used both for entity values and for the quote
// substring check, so that line breaks introduced by caption joining never
// defeat a verbatim match.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeValue prepares an entity surface form for storage: whitespace is
// collapsed and the result is truncated to 200 characters.
func NormalizeValue(s string) string {
	s = NormalizeWhitespace(s)
	if len(s) > maxValueLen {
		s = s[:maxValueLen]
	}
	return s
}

// NormalizeName casefolds s and strips punctuation so that "Dr. Jane Smith"
// and "jane smith" produce comparable keys. Interior whitespace collapses to
// single spaces.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case r == '_':
			// Underscores separate words in enum-style values (q_and_a).
			b.WriteRune('_')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// TokenCount returns the number of whitespace-separated tokens in s.
// Speaker distributions are computed from these counts.
func TokenCount(s string) int {
	return len(strings.Fields(s))
}
