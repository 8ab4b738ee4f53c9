package hexcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHex(t *testing.T) {
	assert.Equal(t, "00A4040007A0", Encode([]byte{0x00, 0xa4, 0x04, 0x00, 0x07, 0xa0}))
	assert.Equal(t, "", Encode(nil))

	b, err := Decode("00a4 0400")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xa4, 0x04, 0x00}, b)

	_, err = Decode("0")
	assert.Error(t, err, "odd length hex accepted")
	_, err = Decode("zz")
	assert.Error(t, err)
}

func TestDecodeSecret(t *testing.T) {
	b, err := DecodeSecret("JBSW Y3DP EHPK 3PXP")
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello!\xde\xad\xbe\xef"), b)

	lower, err := DecodeSecret("jbswy3dpehpk3pxp")
	require.NoError(t, err)
	assert.Equal(t, b, lower, "secret decoding is case sensitive")

	padded, err := DecodeSecret("MZXW6===")
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), padded)

	_, err = DecodeSecret("  ")
	assert.ErrorIs(t, err, ErrEmptySecret)

	_, err = DecodeSecret("1111")
	assert.Error(t, err, "invalid base32 accepted")

	assert.Equal(t, "MZXW6", EncodeSecret([]byte("foo")))
}

func TestBase32ToHex(t *testing.T) {
	h, err := Base32ToHex("MZXW6")
	require.NoError(t, err)
	assert.Equal(t, "666F6F", h)
}
