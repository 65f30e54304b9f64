// Package token issues session tokens and compresses them into the 16-bit beacon field.
package token

import (
	"errors"
	"strings"

	"github.com/aura-chapters/proximity/internal/models"
)

const (
	// Length is the number of symbols in every session token.
	Length = 12
	// Alphabet excludes 0/O and 1/I/l so tokens survive being read aloud or typed.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// ErrMalformedToken is returned when a token has the wrong length or a symbol outside Alphabet.
var ErrMalformedToken = errors.New("token: malformed session token")

var alphabetIndex = func() [256]bool {
	var idx [256]bool
	for i := 0; i < len(Alphabet); i++ {
		idx[Alphabet[i]] = true
	}
	return idx
}()

// Normalize trims surrounding whitespace and uppercases. Both the broadcasting and the
// scanning side hash only normalized tokens.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// EncodeHash folds the normalized token into 16 bits: h = ((h << 5) - h + c) & 0xFFFF.
func EncodeHash(token string) models.TokenHash {
	var h uint32
	for _, c := range Normalize(token) {
		h = ((h << 5) - h + uint32(c)) & 0xFFFF
	}
	return models.TokenHash(h)
}

// ValidateShape checks length and alphabet of the normalized token.
func ValidateShape(token string) error {
	t := Normalize(token)
	if len(t) != Length {
		return ErrMalformedToken
	}
	for i := 0; i < len(t); i++ {
		if !alphabetIndex[t[i]] {
			return ErrMalformedToken
		}
	}
	return nil
}
