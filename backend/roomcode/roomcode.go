// Package roomcode generates and validates the human-shareable room codes
// used to address a host, e.g. "KXM-204".
package roomcode

import (
	"crypto/rand"
	"errors"
	"math/big"
	"regexp"
	"strings"
)

// Letters excludes I, L and O, which are easily confused with 1 and 0.
const (
	Letters = "ABCDEFGHJKMNPQRSTUVWXYZ"
	Digits  = "0123456789"
)

var ErrInvalidCode = errors.New("invalid room code")

var codeRe = regexp.MustCompile(`^[A-HJKMNP-Z]{3}-[0-9]{3}$`)

// Generate returns a random code in LLL-DDD format.
func Generate() string {
	var b strings.Builder
	b.Grow(7)
	for i := 0; i < 3; i++ {
		b.WriteByte(pick(Letters))
	}
	b.WriteByte('-')
	for i := 0; i < 3; i++ {
		b.WriteByte(pick(Digits))
	}
	return b.String()
}

func pick(alphabet string) byte {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return alphabet[n.Int64()]
}

// Normalize uppercases the input, strips everything that is not a letter or
// a digit and re-inserts the dash, so "kxm 204" and "kxm-204" both become
// "KXM-204". The result is not guaranteed to be valid.
func Normalize(input string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) == 6 {
		return s[:3] + "-" + s[3:]
	}
	return s
}

func Valid(code string) bool {
	return codeRe.MatchString(code)
}

// Parse normalizes input and rejects codes that do not match the format.
func Parse(input string) (string, error) {
	code := Normalize(input)
	if !Valid(code) {
		return "", ErrInvalidCode
	}
	return code, nil
}
