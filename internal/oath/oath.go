// Package oath speaks the token's OATH applet protocol: applet selection,
// APDU framing with 61xx response chaining and the TLV encoded credential
// commands.
package oath

import (
	"context"
	"errors"
	"fmt"

	"github.com/knadh/oathkey/internal/tlv"
	"github.com/knadh/oathkey/internal/transport"
	"github.com/knadh/oathkey/pkg/models"
	"github.com/zerodha/logf"
)

// Instruction is an APDU instruction byte.
type Instruction byte

const (
	InsPut          Instruction = 0x01
	InsDelete       Instruction = 0x02
	InsList         Instruction = 0x03
	InsCalculate    Instruction = 0x04
	InsCalculateAll Instruction = 0x05

	// InsGetResponse requests the remainder of a chained response.
	InsGetResponse Instruction = 0xc0
)

// TLV tags of the applet.
const (
	TagName      byte = 0x71
	TagNameList  byte = 0x72
	TagKey       byte = 0x73
	TagChallenge byte = 0x74
	TagResponse  byte = 0x76
	TagNoResp    byte = 0x77
	TagProperty  byte = 0x78
	TagTouch     byte = 0x7c
)

// Status words.
const (
	SWSuccess  uint16 = 0x9000
	swMoreData byte   = 0x61
)

var (
	// selectAPDU selects the OATH applet (AID A0000005272101).
	selectAPDU = []byte{0x00, 0xa4, 0x04, 0x00, 0x07, 0xa0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01}

	// ErrAppletSelect is returned when the applet rejects selection.
	ErrAppletSelect = errors.New("failed to select OATH applet")

	// ErrNoResponse is returned when CalculateOne gets no response record.
	ErrNoResponse = errors.New("no response record from the device")
)

// StatusError is a command that ended with a status word other than 9000.
type StatusError struct {
	SW uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command failed with %04X", e.SW)
}

// Device runs exclusive transactions against the token.
type Device interface {
	Do(ctx context.Context, fn func(transport.Transmitter) error) error
}

// Opt holds protocol options.
type Opt struct {
	// ListMetadata decodes the type/algorithm byte that precedes the name
	// in list records. When false the whole record is the name and every
	// entry is TOTP/SHA1.
	ListMetadata bool

	// GetResponse overrides the continuation instruction. Some firmware
	// uses 0x06 instead of 0xC0.
	GetResponse Instruction
}

// Client issues applet commands. Each operation re-selects the applet
// inside its own transaction.
type Client struct {
	dev Device
	opt Opt
	lo  *logf.Logger
}

// New returns a new Client.
func New(dev Device, o Opt, lo *logf.Logger) *Client {
	if o.GetResponse == 0 {
		o.GetResponse = InsGetResponse
	}

	return &Client{
		dev: dev,
		opt: o,
		lo:  lo,
	}
}

// run selects the applet and executes one command in a single transaction.
func (c *Client) run(ctx context.Context, ins Instruction, payload []byte) ([]byte, error) {
	var out []byte
	err := c.dev.Do(ctx, func(x transport.Transmitter) error {
		if err := c.selectApplet(ctx, x); err != nil {
			return err
		}

		b, err := c.execute(ctx, x, ins, payload)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func (c *Client) selectApplet(ctx context.Context, x transport.Transmitter) error {
	resp, err := x.Transmit(ctx, selectAPDU)
	if err != nil {
		return err
	}
	if sw, ok := statusWord(resp); !ok || sw != SWSuccess {
		return ErrAppletSelect
	}
	return nil
}

// execute frames the payload as an APDU and collects the chained response.
func (c *Client) execute(ctx context.Context, x transport.Transmitter, ins Instruction, payload []byte) ([]byte, error) {
	if len(payload) > tlv.MaxLength {
		return nil, fmt.Errorf("%w: command payload of %d bytes", tlv.ErrTooLong, len(payload))
	}

	apdu := make([]byte, 0, 5+len(payload))
	apdu = append(apdu, 0x00, byte(ins), 0x00, 0x00, byte(len(payload)))
	apdu = append(apdu, payload...)

	resp, err := x.Transmit(ctx, apdu)
	if err != nil {
		return nil, err
	}

	var out []byte
	for {
		sw, ok := statusWord(resp)
		if !ok {
			return nil, fmt.Errorf("%w: response of %d bytes", transport.ErrProtocol, len(resp))
		}
		out = append(out, resp[:len(resp)-2]...)

		if byte(sw>>8) != swMoreData {
			if sw != SWSuccess {
				return nil, &StatusError{SW: sw}
			}
			return out, nil
		}

		resp, err = x.Transmit(ctx, []byte{0x00, byte(c.opt.GetResponse), 0x00, 0x00, 0x00})
		if err != nil {
			return nil, err
		}
	}
}

func statusWord(resp []byte) (uint16, bool) {
	if len(resp) < 2 {
		return 0, false
	}
	return uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1]), true
}

// decodeFlag unpacks the type/algorithm byte of list records.
func decodeFlag(b byte) (models.Type, models.Algorithm) {
	t := models.TypeTOTP
	if b&0xf0 == flagHOTP {
		t = models.TypeHOTP
	}

	a := models.AlgorithmSHA256
	if b&0x0f == flagSHA1 {
		a = models.AlgorithmSHA1
	}
	return t, a
}

// encodeFlag packs the type/algorithm byte of key records.
func encodeFlag(t models.Type, a models.Algorithm) byte {
	var b byte = flagSHA1
	if a == models.AlgorithmSHA256 {
		b = flagSHA256
	}

	if t == models.TypeHOTP {
		return b | flagHOTP
	}
	return b | flagTOTP
}

const (
	flagSHA1   byte = 0x01
	flagSHA256 byte = 0x02
	flagHOTP   byte = 0x10
	flagTOTP   byte = 0x20
)
