package oath

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/knadh/oathkey/internal/hexcodec"
	"github.com/knadh/oathkey/internal/tlv"
	"github.com/knadh/oathkey/internal/transport"
	"github.com/knadh/oathkey/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

// scripted replies to every command with the next queued response. The
// applet selection is answered with 9000 unless selectSW is set.
type scripted struct {
	selectSW []byte
	resp     [][]byte
	sent     [][]byte
	txns     int
	err      error
}

func (s *scripted) Do(ctx context.Context, fn func(transport.Transmitter) error) error {
	if s.err != nil {
		return s.err
	}
	s.txns++
	return fn(s)
}

func (s *scripted) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	s.sent = append(s.sent, append([]byte(nil), cmd...))

	if string(cmd) == string(selectAPDU) {
		if s.selectSW != nil {
			return s.selectSW, nil
		}
		return []byte{0x90, 0x00}, nil
	}

	if len(s.resp) == 0 {
		return nil, errors.New("no scripted response")
	}
	r := s.resp[0]
	s.resp = s.resp[1:]
	return r, nil
}

// commands returns the sent APDUs other than applet selection.
func (s *scripted) commands() [][]byte {
	var out [][]byte
	for _, c := range s.sent {
		if string(c) != string(selectAPDU) {
			out = append(out, c)
		}
	}
	return out
}

func newTestClient(dev Device, o Opt) *Client {
	lo := logf.New(logf.Opts{Writer: io.Discard})
	return New(dev, o, &lo)
}

func hexb(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hexcodec.Decode(s)
	require.NoError(t, err)
	return b
}

func TestChaining(t *testing.T) {
	dev := &scripted{resp: [][]byte{{0xaa, 0x61, 0x01}, {0xbb, 0x61, 0x01}, {0xcc, 0x90, 0x00}}}
	c := newTestClient(dev, Opt{})

	out, err := c.run(context.Background(), InsList, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, out)

	cmds := dev.commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, []byte{0x00, 0x03, 0x00, 0x00, 0x00}, cmds[0])
	assert.Equal(t, []byte{0x00, 0xc0, 0x00, 0x00, 0x00}, cmds[1])
	assert.Equal(t, []byte{0x00, 0xc0, 0x00, 0x00, 0x00}, cmds[2])

	// Selection, command and continuations share one transaction.
	assert.Equal(t, 1, dev.txns)
	assert.Equal(t, selectAPDU, dev.sent[0])
}

func TestChainingGetResponseOverride(t *testing.T) {
	dev := &scripted{resp: [][]byte{{0x61, 0x00}, {0x90, 0x00}}}
	c := newTestClient(dev, Opt{GetResponse: 0x06})

	_, err := c.run(context.Background(), InsList, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x06, 0x00, 0x00, 0x00}, dev.commands()[1])
}

func TestExecuteFailures(t *testing.T) {
	t.Run("select", func(t *testing.T) {
		dev := &scripted{selectSW: []byte{0x6a, 0x82}}
		_, err := newTestClient(dev, Opt{}).List(context.Background())
		assert.ErrorIs(t, err, ErrAppletSelect)
		assert.Empty(t, dev.commands())
	})

	t.Run("status", func(t *testing.T) {
		dev := &scripted{resp: [][]byte{{0x01, 0x6a, 0x80}}}
		_, err := newTestClient(dev, Opt{}).List(context.Background())

		var serr *StatusError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, uint16(0x6a80), serr.SW)
		assert.Equal(t, "command failed with 6A80", serr.Error())
	})

	t.Run("status after chaining", func(t *testing.T) {
		dev := &scripted{resp: [][]byte{{0x61, 0x02}, {0x69, 0x85}}}
		_, err := newTestClient(dev, Opt{}).List(context.Background())

		var serr *StatusError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, uint16(0x6985), serr.SW)
	})

	t.Run("empty response", func(t *testing.T) {
		dev := &scripted{resp: [][]byte{{}}}
		_, err := newTestClient(dev, Opt{}).List(context.Background())
		assert.ErrorIs(t, err, transport.ErrProtocol)
	})

	t.Run("transport", func(t *testing.T) {
		dev := &scripted{err: transport.ErrBusy}
		_, err := newTestClient(dev, Opt{}).CalculateAll(context.Background(), 1)
		assert.ErrorIs(t, err, transport.ErrBusy)
	})

	t.Run("payload too long", func(t *testing.T) {
		dev := &scripted{}
		_, err := newTestClient(dev, Opt{}).run(context.Background(), InsPut, make([]byte, 256))
		assert.ErrorIs(t, err, tlv.ErrTooLong)
	})
}

func TestList(t *testing.T) {
	resp := append(hexb(t, "7204"+"21"+"676974"+"7206"+"12"+"6d61696c"+"ab"+"7c00"), 0x90, 0x00)

	t.Run("metadata", func(t *testing.T) {
		dev := &scripted{resp: [][]byte{resp}}
		creds, err := newTestClient(dev, Opt{ListMetadata: true}).List(context.Background())
		require.NoError(t, err)

		assert.Equal(t, []Credential{
			{Name: "git", Type: models.TypeTOTP, Algorithm: models.AlgorithmSHA1},
			{Name: "mail\xab", Type: models.TypeHOTP, Algorithm: models.AlgorithmSHA256},
		}, creds)
	})

	t.Run("legacy", func(t *testing.T) {
		dev := &scripted{resp: [][]byte{resp}}
		creds, err := newTestClient(dev, Opt{}).List(context.Background())
		require.NoError(t, err)

		require.Len(t, creds, 2)
		assert.Equal(t, "\x21git", creds[0].Name)
		for _, c := range creds {
			assert.Equal(t, models.TypeTOTP, c.Type)
			assert.Equal(t, models.AlgorithmSHA1, c.Algorithm)
		}
	})

	t.Run("empty", func(t *testing.T) {
		dev := &scripted{resp: [][]byte{{0x90, 0x00}}}
		creds, err := newTestClient(dev, Opt{}).List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, creds)
	})

	t.Run("malformed", func(t *testing.T) {
		dev := &scripted{resp: [][]byte{{0x72, 0x05, 0x21, 0x90, 0x00}}}
		_, err := newTestClient(dev, Opt{}).List(context.Background())
		assert.ErrorIs(t, err, tlv.ErrDecode)
	})
}

func TestCalculateAll(t *testing.T) {
	body := hexb(t, ""+
		"7103676974"+"760506000f4240"+ // git: 6 digits, 1000000
		"71046d61696c"+"7700"+ // mail: HOTP
		"7f0101"+ // unknown, skipped
		"7103766376"+"7c00"+ // vcv: touch
		"710461777300"+"7605080000002a") // aws\x00: 8 digits, 42
	dev := &scripted{resp: [][]byte{append(body, 0x90, 0x00)}}

	res, err := newTestClient(dev, Opt{}).CalculateAll(context.Background(), 0x0102030405)
	require.NoError(t, err)

	assert.Equal(t, []Result{
		{Name: "git", Digits: 6, Code: 1000000},
		{Name: "mail", Special: SpecialHOTPNoResponse},
		{Name: "vcv", Special: SpecialTouchRequired},
		{Name: "aws\x00", Digits: 8, Code: 42},
	}, res)

	assert.Equal(t, "000000", res[0].Format())
	assert.Equal(t, "00000042", res[3].Format())
	assert.False(t, res[1].Numeric())

	cmds := dev.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, hexb(t, "00050000"+"0a"+"74080000000102030405"), cmds[0])
}

func TestCalculateOne(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		dev := &scripted{resp: [][]byte{append(hexb(t, "7f00"+"760506000b8c4d"), 0x90, 0x00)}}
		r, err := newTestClient(dev, Opt{}).CalculateOne(context.Background(), "ci", 0)
		require.NoError(t, err)

		assert.Equal(t, Result{Name: "ci", Digits: 6, Code: 756813}, r)
		assert.Equal(t, hexb(t, "00040000"+"0e"+"71026369"+"74080000000000000000"), dev.commands()[0])
	})

	t.Run("no response", func(t *testing.T) {
		dev := &scripted{resp: [][]byte{{0x90, 0x00}}}
		_, err := newTestClient(dev, Opt{}).CalculateOne(context.Background(), "ci", 0)
		assert.ErrorIs(t, err, ErrNoResponse)
	})

	t.Run("short record", func(t *testing.T) {
		dev := &scripted{resp: [][]byte{{0x76, 0x02, 0x06, 0x00, 0x90, 0x00}}}
		_, err := newTestClient(dev, Opt{}).CalculateOne(context.Background(), "ci", 0)
		assert.ErrorIs(t, err, tlv.ErrDecode)
	})
}

func TestPut(t *testing.T) {
	dev := &scripted{resp: [][]byte{{0x90, 0x00}}}
	secret := []byte("Hello!\xde\xad\xbe\xef")

	err := newTestClient(dev, Opt{}).Put(context.Background(), "git", secret, models.AlgorithmSHA256, models.TypeTOTP, 6)
	require.NoError(t, err)

	want := hexb(t, "00010000"+"16"+
		"7103676974"+
		"730c"+"2206"+"48656c6c6f21deadbeef"+
		"780100")
	assert.Equal(t, want, dev.commands()[0])

	// HOTP, SHA1.
	assert.Equal(t, byte(0x11), encodeFlag(models.TypeHOTP, models.AlgorithmSHA1))
}

func TestDelete(t *testing.T) {
	dev := &scripted{resp: [][]byte{{0x90, 0x00}}}

	require.NoError(t, newTestClient(dev, Opt{}).Delete(context.Background(), "git"))
	assert.Equal(t, hexb(t, "00020000"+"05"+"7103676974"), dev.commands()[0])
}
