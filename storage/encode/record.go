package encode

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leftmike/falcon/sql"
)

// Records are encoded as the format version as a varint followed by one protobuf field per
// non-NULL column; the field number is the column number plus one.

func valueSize(num protowire.Number, val sql.Value) int {
	switch val := val.(type) {
	case sql.BoolValue:
		return protowire.SizeTag(num) + 1
	case sql.Int64Value:
		return protowire.SizeTag(num) + protowire.SizeVarint(protowire.EncodeZigZag(int64(val)))
	case sql.Float64Value:
		return protowire.SizeTag(num) + protowire.SizeFixed64()
	case sql.StringValue:
		return protowire.SizeTag(num) + protowire.SizeBytes(len(val))
	case sql.BytesValue:
		return protowire.SizeTag(num) + protowire.SizeBytes(len(val))
	}
	panic(fmt.Sprintf("unexpected type for sql.Value: %T: %v", val, val))
}

// RecordSize returns the number of bytes AppendRecord will append.
func RecordSize(format uint32, row []sql.Value) int {
	n := protowire.SizeVarint(uint64(format))
	for num, val := range row {
		if val != nil {
			n += valueSize(protowire.Number(num+1), val)
		}
	}
	return n
}

func AppendRecord(buf []byte, format uint32, row []sql.Value) []byte {
	buf = protowire.AppendVarint(buf, uint64(format))
	for num, val := range row {
		if val == nil {
			continue
		}
		buf = appendValue(buf, protowire.Number(num+1), val)
	}
	return buf
}

func appendValue(buf []byte, num protowire.Number, val sql.Value) []byte {
	switch val := val.(type) {
	case sql.BoolValue:
		buf = protowire.AppendTag(buf, num, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(bool(val)))
	case sql.Int64Value:
		buf = protowire.AppendTag(buf, num, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(val)))
	case sql.Float64Value:
		buf = protowire.AppendTag(buf, num, protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, math.Float64bits(float64(val)))
	case sql.StringValue:
		buf = protowire.AppendTag(buf, num, protowire.BytesType)
		buf = protowire.AppendString(buf, string(val))
	case sql.BytesValue:
		buf = protowire.AppendTag(buf, num, protowire.BytesType)
		buf = protowire.AppendBytes(buf, []byte(val))
	default:
		panic(fmt.Sprintf("unexpected type for sql.Value: %T: %v", val, val))
	}
	return buf
}

func EncodeRecord(format uint32, row []sql.Value) []byte {
	return AppendRecord(make([]byte, 0, RecordSize(format, row)), format, row)
}

// RecordFormat returns the format version of an encoded record.
func RecordFormat(buf []byte) (uint32, error) {
	u, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, fmt.Errorf("encode: record format: %s", protowire.ParseError(n))
	}
	return uint32(u), nil
}

// DecodeRecord decodes buf using types for the columns. Columns missing from buf are NULL
// and fields past the end of types are skipped.
func DecodeRecord(buf []byte, types []sql.DataType) (uint32, []sql.Value, error) {
	u, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, nil, fmt.Errorf("encode: record format: %s", protowire.ParseError(n))
	}
	format := uint32(u)
	buf = buf[n:]

	row := make([]sql.Value, len(types))
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return 0, nil, fmt.Errorf("encode: record field: %s", protowire.ParseError(n))
		}
		buf = buf[n:]

		col := int(num) - 1
		if col >= len(types) {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return 0, nil, fmt.Errorf("encode: record field %d: %s", num,
					protowire.ParseError(n))
			}
			buf = buf[n:]
			continue
		}

		val, n, err := decodeValue(types[col], typ, buf)
		if err != nil {
			return 0, nil, fmt.Errorf("encode: record field %d: %s", num, err)
		}
		row[col] = val
		buf = buf[n:]
	}
	return format, row, nil
}

func decodeValue(dt sql.DataType, typ protowire.Type, buf []byte) (sql.Value, int, error) {
	switch typ {
	case protowire.VarintType:
		u, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		switch dt {
		case sql.BooleanType:
			return sql.BoolValue(protowire.DecodeBool(u)), n, nil
		case sql.IntegerType:
			return sql.Int64Value(protowire.DecodeZigZag(u)), n, nil
		}
	case protowire.Fixed64Type:
		u, n := protowire.ConsumeFixed64(buf)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		if dt == sql.FloatType {
			return sql.Float64Value(math.Float64frombits(u)), n, nil
		}
	case protowire.BytesType:
		b, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		switch dt {
		case sql.StringType:
			return sql.StringValue(b), n, nil
		case sql.BytesType:
			return sql.BytesValue(append([]byte(nil), b...)), n, nil
		}
	}
	return nil, 0, fmt.Errorf("wire type %d does not match %s", typ, dt)
}
