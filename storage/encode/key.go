package encode

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/leftmike/falcon/sql"
)

const (
	// Index key values are encoded as a tag followed by a binary representation
	// of the value.
	NullKeyTag              = 128
	BoolKeyTag              = 129
	Int64NegKeyTag          = 130
	Int64NotNegKeyTag       = 131
	Float64NaNKeyTag        = 140
	Float64NegKeyTag        = 141
	Float64ZeroKeyTag       = 142
	Float64PosKeyTag        = 143
	Float64NaNReverseKeyTag = 144
	StringKeyTag            = 150
	BytesKeyTag             = 160
)

func encodeKeyBytes(buf []byte, bytes []byte, reverse bool) []byte {
	n := len(buf)
	for _, b := range bytes {
		if b == 0 || b == 1 {
			buf = append(buf, 1)
		}
		buf = append(buf, b)
	}
	buf = append(buf, 0)

	if reverse {
		for n < len(buf) {
			buf[n] = ^buf[n]
			n += 1
		}
	}
	return buf
}

// MakeKey encodes the key columns of row so that comparing the encoded keys with
// bytes.Compare orders them the same as comparing the values.
func MakeKey(key []sql.ColumnKey, row []sql.Value) []byte {
	return AppendKey(nil, key, row)
}

func AppendKey(buf []byte, key []sql.ColumnKey, row []sql.Value) []byte {

	for _, ck := range key {
		val := row[ck.Column()]
		reverse := ck.Reverse()

		switch val := val.(type) {
		case sql.BoolValue:
			if reverse {
				val = !val
			}
			buf = append(buf, BoolKeyTag)
			if val {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case sql.StringValue:
			buf = append(buf, StringKeyTag)
			buf = encodeKeyBytes(buf, []byte(val), reverse)
		case sql.BytesValue:
			buf = append(buf, BytesKeyTag)
			buf = encodeKeyBytes(buf, []byte(val), reverse)
		case sql.Float64Value:
			if reverse {
				val = -val
			}
			if math.IsNaN(float64(val)) {
				if reverse {
					buf = append(buf, Float64NaNReverseKeyTag)
				} else {
					buf = append(buf, Float64NaNKeyTag)
				}
			} else if val == 0 {
				buf = append(buf, Float64ZeroKeyTag)
			} else {
				u := math.Float64bits(float64(val))
				if u&(1<<63) != 0 {
					u = ^u
					buf = append(buf, Float64NegKeyTag)
				} else {
					buf = append(buf, Float64PosKeyTag)
				}
				buf = binary.BigEndian.AppendUint64(buf, u)
			}
		case sql.Int64Value:
			if reverse {
				val = ^val
			}
			if val < 0 {
				buf = append(buf, Int64NegKeyTag)
			} else {
				buf = append(buf, Int64NotNegKeyTag)
			}
			buf = binary.BigEndian.AppendUint64(buf, uint64(val))
		default:
			if val == nil {
				buf = append(buf, NullKeyTag)
			} else {
				panic(fmt.Sprintf("unexpected type for sql.Value: %T: %v", val, val))
			}
		}
	}
	return buf
}

// KeyHasNull returns true if any of the key columns of row is NULL; such keys never conflict
// in a unique index.
func KeyHasNull(key []sql.ColumnKey, row []sql.Value) bool {
	for _, ck := range key {
		if row[ck.Column()] == nil {
			return true
		}
	}
	return false
}
