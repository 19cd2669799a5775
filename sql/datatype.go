package sql

import (
	"fmt"
	"strings"
)

type DataType int

const (
	BooleanType DataType = iota + 1
	StringType
	BytesType
	FloatType
	IntegerType
)

func (dt DataType) String() string {
	switch dt {
	case BooleanType:
		return "BOOL"
	case StringType:
		return "TEXT"
	case BytesType:
		return "BYTES"
	case FloatType:
		return "DOUBLE"
	case IntegerType:
		return "INT"
	}

	return ""
}

func ParseDataType(s string) (DataType, error) {
	switch strings.ToUpper(s) {
	case "BOOL", "BOOLEAN":
		return BooleanType, nil
	case "TEXT", "STRING", "VARCHAR":
		return StringType, nil
	case "BYTES", "BINARY":
		return BytesType, nil
	case "DOUBLE", "FLOAT":
		return FloatType, nil
	case "INT", "INTEGER", "BIGINT":
		return IntegerType, nil
	}
	return 0, fmt.Errorf("sql: unknown data type: %s", s)
}
