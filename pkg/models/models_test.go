package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCode(t *testing.T) {
	assert.Equal(t, "000042", FormatCode(42, 6), "short code not padded")
	assert.Equal(t, "123456", FormatCode(123456, 6))
	assert.Equal(t, "00000042", FormatCode(42, 8))
	assert.Equal(t, "567890", FormatCode(1234567890, 6), "long code not truncated to the last digits")
	assert.Equal(t, "0", FormatCode(0, 0))
}

func TestNewEntry(t *testing.T) {
	e := NewEntry(Entry{Issuer: "a"})
	assert.Equal(t, TypeTOTP, e.Type)
	assert.Equal(t, AlgorithmSHA1, e.Algorithm)
	assert.Equal(t, DefaultDigits, e.Digits)
	assert.Equal(t, DefaultPeriod, e.Period)

	h := NewEntry(Entry{Issuer: "b", Type: TypeHOTP, Period: 60, Counter: 7})
	assert.Equal(t, 0, h.Period, "period kept on a HOTP entry")
	assert.Equal(t, uint64(7), h.Counter)
}

func TestEntryJSON(t *testing.T) {
	e := NewEntry(Entry{Issuer: "github", Source: SourceHardware, Secret: []byte("hush")})
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"totp"`)
	assert.Contains(t, string(b), `"algorithm":"SHA1"`)
	assert.Contains(t, string(b), `"source":"hardware"`)
	assert.NotContains(t, string(b), "hush", "secret leaked into JSON")

	var typ Type
	require.NoError(t, json.Unmarshal([]byte(`"HOTP"`), &typ))
	assert.Equal(t, TypeHOTP, typ)

	_, err = ParseAlgorithm("md5")
	assert.Error(t, err)
}

func TestCodeJSON(t *testing.T) {
	b, err := json.Marshal(Code{Entry: NewEntry(Entry{Issuer: "vault"}), TouchRequired: true})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"issuer":"vault"`)
	assert.Contains(t, string(b), `"code":null`)
	assert.Contains(t, string(b), `"touch_required":true`)

	var c Code
	require.NoError(t, json.Unmarshal(b, &c))
	assert.Equal(t, SourceLocal, c.Source)
	assert.Error(t, json.Unmarshal([]byte(`{"source":"cloud"}`), &c))
}
