// Package validation enforces the shape of device-flow user codes: the
// restricted charset, the XXXX-XXXX display format, and repetition limits
// that keep codes readable when typed or spoken.
package validation

import (
	"fmt"
	"strings"
)

const (
	// CodeLength is the number of significant characters in a user code,
	// excluding the group separator.
	CodeLength = 8

	// GroupSize is the number of characters on each side of the separator.
	GroupSize = 4

	// maxRepeats caps occurrences of any single character per RFC 8628
	// section 6.1.
	maxRepeats = 2
)

// Charset is the user-code alphabet. Vowels and easily confused glyphs
// (I, O, U, Y and digits) are excluded.
const Charset = "BCDFGHJKLMNPQRSTVWXZ"

// ValidationError reports why a user code was rejected.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid user code %q: %s", e.Code, e.Message)
}

// NormalizeCode strips the separator and surrounding whitespace and
// upper-cases the code. Lookups and storage always use the normalized form.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

// FormatCode renders a normalized code in XXXX-XXXX display format.
func FormatCode(code string) string {
	if len(code) != CodeLength {
		return code
	}
	return code[:GroupSize] + "-" + code[GroupSize:]
}

// ValidateUserCode checks a user code against the charset, length, and
// repetition rules. It accepts both display and normalized forms.
func ValidateUserCode(code string) error {
	normalized := NormalizeCode(code)
	if len(normalized) != CodeLength {
		return &ValidationError{
			Code:    code,
			Message: fmt.Sprintf("code must contain exactly %d characters", CodeLength),
		}
	}

	counts := make(map[rune]int)
	for _, char := range normalized {
		if !strings.ContainsRune(Charset, char) {
			return &ValidationError{
				Code:    code,
				Message: fmt.Sprintf("character %q is not in the allowed set", char),
			}
		}
		counts[char]++
		if counts[char] > maxRepeats {
			return &ValidationError{
				Code:    code,
				Message: "too many repeated characters",
			}
		}
	}
	return nil
}
