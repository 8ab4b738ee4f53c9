// Package tlv implements the flat, single byte tag and length TLV records
// used by the OATH applet.
//
// Each record is [tag: 1 byte][length: 1 byte][value: length bytes]. Long
// form lengths are not supported, so values are capped at 255 bytes.
package tlv

import (
	"errors"
	"fmt"
)

// MaxLength is the largest value a record can carry.
const MaxLength = 0xff

var (
	// ErrDecode is returned for a truncated or otherwise malformed buffer.
	ErrDecode = errors.New("malformed tlv")

	// ErrTooLong is returned when a value does not fit a single length byte.
	ErrTooLong = errors.New("tlv value too long")
)

// Visitor is invoked once per record, in order. Returning an error stops
// the walk and the error is returned from Decode.
type Visitor func(tag byte, val []byte) error

// Decode walks buf from offset 0 and calls visit for every record. A
// dangling tag or length, or a length that runs past the end of the buffer,
// stops the walk with ErrDecode. Records visited before that are not undone.
func Decode(buf []byte, visit Visitor) error {
	for i := 0; i < len(buf); {
		if len(buf)-i < 2 {
			return fmt.Errorf("%w: dangling %d byte(s) at offset %d", ErrDecode, len(buf)-i, i)
		}
		tag, length := buf[i], int(buf[i+1])
		i += 2
		if i+length > len(buf) {
			return fmt.Errorf("%w: tag 0x%02X wants %d bytes, %d left", ErrDecode, tag, length, len(buf)-i)
		}
		if err := visit(tag, buf[i:i+length:i+length]); err != nil {
			return err
		}
		i += length
	}
	return nil
}

// Encode returns [tag][len(val)][val...].
func Encode(tag byte, val []byte) ([]byte, error) {
	if len(val) > MaxLength {
		return nil, fmt.Errorf("%w: tag 0x%02X has %d bytes, max %d", ErrTooLong, tag, len(val), MaxLength)
	}
	out := make([]byte, 2+len(val))
	out[0] = tag
	out[1] = byte(len(val))
	copy(out[2:], val)
	return out, nil
}

// Record is a single tag and value pair.
type Record struct {
	Tag   byte
	Value []byte
}

// Concat encodes and concatenates records in order.
func Concat(recs ...Record) ([]byte, error) {
	var out []byte
	for _, r := range recs {
		b, err := Encode(r.Tag, r.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// Records decodes buf into a slice of records.
func Records(buf []byte) ([]Record, error) {
	var out []Record
	err := Decode(buf, func(tag byte, val []byte) error {
		out = append(out, Record{Tag: tag, Value: val})
		return nil
	})
	return out, err
}
