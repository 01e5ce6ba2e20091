// Package sessionid generates and validates the opaque session identifiers
// described in spec.md §6: a 22-character base62 encoding of a version-4
// UUID, matching ^[0-9A-Za-z]{22}$.
package sessionid

import (
	"math/big"
	"regexp"

	"github.com/google/uuid"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Pattern matches a valid session id.
var Pattern = regexp.MustCompile(`^[0-9A-Za-z]{22}$`)

// FilenamePattern matches a durable-backend session filename (spec.md §6).
var FilenamePattern = regexp.MustCompile(`^([0-9A-Za-z]{22})\.json$`)

// New generates a fresh session id: a random UUID v4, base62-encoded and
// left-padded with '0' to exactly 22 characters.
func New() string {
	return Encode(uuid.New())
}

// Encode renders u as a 22-character base62 string. UUIDs are 128 bits;
// base62 needs at most 22 digits to represent the full range
// (62^22 > 2^128), so the result is always zero-padded to exactly 22.
func Encode(u uuid.UUID) string {
	n := new(big.Int).SetBytes(u[:])
	base := big.NewInt(62)
	zero := big.NewInt(0)
	mod := new(big.Int)

	var digits []byte
	for n.Cmp(zero) > 0 {
		n.DivMod(n, base, mod)
		digits = append(digits, alphabet[mod.Int64()])
	}
	// digits were produced least-significant first; reverse.
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	if len(digits) >= 22 {
		return string(digits[len(digits)-22:])
	}
	padded := make([]byte, 22)
	pad := 22 - len(digits)
	for i := 0; i < pad; i++ {
		padded[i] = '0'
	}
	copy(padded[pad:], digits)
	return string(padded)
}

// Valid reports whether id matches the session id format.
func Valid(id string) bool {
	return Pattern.MatchString(id)
}

// FilenameToSessionID extracts the session id from a durable-backend
// filename of the form "<id>.json", per spec.md §8's round-trip law
// filenameToSessionId("<id>.json") == "<id>" iff id matches the regex.
func FilenameToSessionID(filename string) (string, bool) {
	m := FilenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// SessionIDToFilename is the inverse of FilenameToSessionID.
func SessionIDToFilename(id string) string {
	return id + ".json"
}
