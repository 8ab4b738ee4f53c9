package models

import (
	"fmt"
	"strings"
)

// Type is the OTP algorithm family of an entry.
type Type int

const (
	TypeTOTP Type = iota + 1
	TypeHOTP
)

// Algorithm is the HMAC hash used to compute codes.
type Algorithm int

const (
	AlgorithmSHA1 Algorithm = iota + 1
	AlgorithmSHA256
)

// Source tells where an entry's secret lives and therefore where its
// codes are computed.
type Source int

const (
	// SourceLocal entries carry their secret and are computed in software.
	SourceLocal Source = iota
	// SourceHardware entries live on the token. The secret never leaves it.
	SourceHardware
)

const (
	DefaultDigits = 6
	DefaultPeriod = 30
)

// Entry represents an OTP credential, either stored locally or on the token.
type Entry struct {
	Index     int       `json:"index"`
	Issuer    string    `json:"issuer"`
	Account   string    `json:"account"`
	Type      Type      `json:"type"`
	Algorithm Algorithm `json:"algorithm"`
	Digits    int       `json:"digits"`

	// Period is only meaningful for TOTP, Counter only for HOTP.
	Period  int    `json:"period,omitempty"`
	Counter uint64 `json:"counter,omitempty"`

	Source Source `json:"source"`
	Secret []byte `json:"-"`
}

// NewEntry returns an entry with the defaults applied: 6 digits, SHA1 and a
// 30 second period for TOTP entries.
func NewEntry(e Entry) Entry {
	if e.Type == 0 {
		e.Type = TypeTOTP
	}
	if e.Algorithm == 0 {
		e.Algorithm = AlgorithmSHA1
	}
	if e.Digits == 0 {
		e.Digits = DefaultDigits
	}
	if e.Type == TypeTOTP {
		if e.Period == 0 {
			e.Period = DefaultPeriod
		}
		e.Counter = 0
	} else {
		e.Period = 0
	}
	return e
}

// FormatCode renders a truncated numeric code left padded with zeroes to
// digits characters. Values whose string form is longer than digits keep
// only their last digits characters.
func FormatCode(code uint32, digits int) string {
	s := fmt.Sprintf("%d", code)
	if digits <= 0 {
		return s
	}
	if len(s) > digits {
		return s[len(s)-digits:]
	}
	return strings.Repeat("0", digits-len(s)) + s
}

func (t Type) String() string {
	switch t {
	case TypeTOTP:
		return "totp"
	case TypeHOTP:
		return "hotp"
	default:
		return fmt.Sprintf("UnknownType(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseType parses "totp" or "hotp" (case insensitive).
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "totp":
		return TypeTOTP, nil
	case "hotp":
		return TypeHOTP, nil
	}
	return 0, fmt.Errorf("unknown OTP type '%s'", s)
}

func (a Algorithm) String() string {
	switch a {
	case AlgorithmSHA1:
		return "SHA1"
	case AlgorithmSHA256:
		return "SHA256"
	default:
		return fmt.Sprintf("UnknownAlgorithm(%d)", int(a))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(b []byte) error {
	v, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAlgorithm parses "SHA1" or "SHA256" (case insensitive).
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SHA1":
		return AlgorithmSHA1, nil
	case "SHA256":
		return AlgorithmSHA256, nil
	}
	return 0, fmt.Errorf("unknown algorithm '%s'", s)
}

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceHardware:
		return "hardware"
	default:
		return fmt.Sprintf("UnknownSource(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(b []byte) error {
	switch string(b) {
	case "local":
		*s = SourceLocal
	case "hardware":
		*s = SourceHardware
	default:
		return fmt.Errorf("unknown source '%s'", b)
	}
	return nil
}

// Code is the current code of an entry. Code is nil when no code could be
// produced.
type Code struct {
	Entry

	Code          *string `json:"code"`
	TouchRequired bool    `json:"touch_required,omitempty"`
}
