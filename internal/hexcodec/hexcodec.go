// Package hexcodec converts between raw bytes, upper case hex strings and
// base32 encoded OTP secrets.
package hexcodec

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptySecret is returned when a secret has no base32 characters.
var ErrEmptySecret = errors.New("empty secret")

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Encode returns the upper case hex representation of b.
func Encode(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// Decode parses a hex string of either case. Whitespace is ignored.
func Decode(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex '%s': %w", s, err)
	}
	return b, nil
}

// DecodeSecret decodes a base32 OTP secret as typed by a user: spaces are
// stripped, case is ignored and trailing padding is optional.
func DecodeSecret(s string) ([]byte, error) {
	s = strings.ToUpper(strings.Join(strings.Fields(s), ""))
	s = strings.TrimRight(s, "=")
	if s == "" {
		return nil, ErrEmptySecret
	}
	b, err := b32.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base32 secret: %w", err)
	}
	return b, nil
}

// EncodeSecret returns the unpadded base32 form of a raw secret.
func EncodeSecret(b []byte) string {
	return b32.EncodeToString(b)
}

// Base32ToHex converts a base32 secret to its hex representation.
func Base32ToHex(s string) (string, error) {
	b, err := DecodeSecret(s)
	if err != nil {
		return "", err
	}
	return Encode(b), nil
}
