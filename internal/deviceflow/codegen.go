// Package deviceflow implements the OAuth 2.0 Device Authorization Grant
// (RFC 8628) against the upstream provider.
package deviceflow

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/taskbridge/taskbridge/internal/validation"
)

// deviceCodeBytes yields a 64-character hex device code.
const deviceCodeBytes = 32

// generateDeviceCode generates the long, unguessable device code.
func generateDeviceCode() (string, error) {
	buf := make([]byte, deviceCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating device code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// newFlowState generates the internal state token carried through the
// upstream provider's redirect.
func newFlowState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating flow state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// selectRandomChar picks a random character from available without modulo
// bias.
func selectRandomChar(available []rune) (rune, error) {
	availLen := len(available)
	maxNeeded := 256 - (256 % availLen)

	for {
		b := make([]byte, 1)
		if _, err := rand.Read(b); err != nil {
			return 0, fmt.Errorf("generating random byte: %w", err)
		}
		if int(b[0]) >= maxNeeded {
			continue
		}
		return available[int(b[0])%availLen], nil
	}
}

// generateUserCode generates a normalized user code per RFC 8628
// section 6.1: restricted charset, at most two occurrences per character.
func generateUserCode() (string, error) {
	charset := []rune(validation.Charset)

	var builder strings.Builder
	freqs := make(map[rune]int)
	for i := 0; i < validation.CodeLength; i++ {
		var available []rune
		for _, c := range charset {
			if freqs[c] < 2 {
				available = append(available, c)
			}
		}
		char, err := selectRandomChar(available)
		if err != nil {
			return "", err
		}
		builder.WriteRune(char)
		freqs[char]++
	}

	code := builder.String()
	if err := validation.ValidateUserCode(code); err != nil {
		return "", fmt.Errorf("generated code failed validation: %w", err)
	}
	return code, nil
}
