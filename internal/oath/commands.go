package oath

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/knadh/oathkey/internal/tlv"
	"github.com/knadh/oathkey/pkg/models"
)

// Credential is a credential as listed by the device.
type Credential struct {
	Name      string
	Type      models.Type
	Algorithm models.Algorithm
}

// Special marks a calculation that produced no numeric code.
type Special int

const (
	SpecialNone Special = iota
	SpecialTouchRequired
	SpecialHOTPNoResponse
)

func (s Special) String() string {
	switch s {
	case SpecialNone:
		return "none"
	case SpecialTouchRequired:
		return "touch_required"
	case SpecialHOTPNoResponse:
		return "hotp_no_response"
	}
	return fmt.Sprintf("UnknownSpecial(%d)", int(s))
}

// Result is a calculated code.
type Result struct {
	Name    string
	Digits  int
	Code    uint32
	Special Special
}

// Numeric reports whether the result carries a code.
func (r Result) Numeric() bool {
	return r.Special == SpecialNone
}

// Format returns the zero padded code.
func (r Result) Format() string {
	return models.FormatCode(r.Code, r.Digits)
}

// List returns the credentials stored on the device.
func (c *Client) List(ctx context.Context) ([]Credential, error) {
	b, err := c.run(ctx, InsList, nil)
	if err != nil {
		return nil, err
	}

	var out []Credential
	if err := tlv.Decode(b, func(tag byte, val []byte) error {
		if tag != TagNameList {
			c.lo.Warn("unknown tag in list response", "tag", fmt.Sprintf("%02x", tag))
			return nil
		}

		if !c.opt.ListMetadata {
			out = append(out, Credential{
				Name:      string(val),
				Type:      models.TypeTOTP,
				Algorithm: models.AlgorithmSHA1,
			})
			return nil
		}

		if len(val) == 0 {
			return fmt.Errorf("%w: empty list record", tlv.ErrDecode)
		}
		t, a := decodeFlag(val[0])
		out = append(out, Credential{
			Name:      string(val[1:]),
			Type:      t,
			Algorithm: a,
		})
		return nil
	}); err != nil {
		return nil, err
	}

	return out, nil
}

// CalculateAll calculates every credential against the challenge (the
// TOTP time-step). Name and result records are paired positionally.
func (c *Client) CalculateAll(ctx context.Context, challenge uint64) ([]Result, error) {
	b, err := c.run(ctx, InsCalculateAll, challengeRecord(challenge))
	if err != nil {
		return nil, err
	}

	var (
		out []Result
		cur Result
		n   int
	)
	if err := tlv.Decode(b, func(tag byte, val []byte) error {
		switch tag {
		case TagName:
			cur.Name = string(val)
		case TagNoResp:
			cur.Digits, cur.Code, cur.Special = 0, 0, SpecialHOTPNoResponse
		case TagTouch:
			cur.Digits, cur.Code, cur.Special = 0, 0, SpecialTouchRequired
		case TagResponse:
			d, code, err := decodeResponse(val)
			if err != nil {
				return err
			}
			cur.Digits, cur.Code, cur.Special = d, code, SpecialNone
		default:
			c.lo.Warn("unknown tag in calculate response", "tag", fmt.Sprintf("%02x", tag))
			return nil
		}

		n++
		if n%2 == 0 {
			out = append(out, cur)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return out, nil
}

// CalculateOne calculates a single credential. HOTP credentials use a zero
// challenge and advance the device's counter.
func (c *Client) CalculateOne(ctx context.Context, name string, challenge uint64) (Result, error) {
	nameRec, err := tlv.Encode(TagName, []byte(name))
	if err != nil {
		return Result{}, err
	}

	b, err := c.run(ctx, InsCalculate, append(nameRec, challengeRecord(challenge)...))
	if err != nil {
		return Result{}, err
	}

	var (
		out   = Result{Name: name}
		found bool
	)
	if err := tlv.Decode(b, func(tag byte, val []byte) error {
		if tag != TagResponse {
			c.lo.Warn("unknown tag in calculate response", "tag", fmt.Sprintf("%02x", tag))
			return nil
		}

		d, code, err := decodeResponse(val)
		if err != nil {
			return err
		}
		out.Digits, out.Code, found = d, code, true
		return nil
	}); err != nil {
		return Result{}, err
	}

	if !found {
		return Result{}, ErrNoResponse
	}
	return out, nil
}

// Put stores a credential. secret is the raw key. The command buffer is
// zeroed once sent.
func (c *Client) Put(ctx context.Context, name string, secret []byte, a models.Algorithm, t models.Type, digits int) error {
	key := make([]byte, 0, 2+len(secret))
	key = append(key, encodeFlag(t, a), byte(digits))
	key = append(key, secret...)
	defer clear(key)

	payload, err := tlv.Concat(
		tlv.Record{Tag: TagName, Value: []byte(name)},
		tlv.Record{Tag: TagKey, Value: key},
		tlv.Record{Tag: TagProperty, Value: []byte{0}},
	)
	if err != nil {
		return err
	}
	defer clear(payload)

	_, err = c.run(ctx, InsPut, payload)
	return err
}

// Delete removes a credential by name.
func (c *Client) Delete(ctx context.Context, name string) error {
	payload, err := tlv.Encode(TagName, []byte(name))
	if err != nil {
		return err
	}

	_, err = c.run(ctx, InsDelete, payload)
	return err
}

func challengeRecord(challenge uint64) []byte {
	b := make([]byte, 10)
	b[0], b[1] = TagChallenge, 8
	binary.BigEndian.PutUint64(b[2:], challenge)
	return b
}

// decodeResponse reads {digits, 4 byte big endian code}.
func decodeResponse(val []byte) (int, uint32, error) {
	if len(val) < 5 {
		return 0, 0, fmt.Errorf("%w: response record of %d bytes", tlv.ErrDecode, len(val))
	}
	return int(val[0]), binary.BigEndian.Uint32(val[1:5]), nil
}
