package sql

import (
	"fmt"
	"strings"
)

// Column describes one field of a record format.
type Column struct {
	Name    string
	Type    DataType
	NotNull bool
	Default Value
}

func (col Column) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s %s", col.Name, col.Type)
	if col.NotNull {
		buf.WriteString(" NOT NULL")
	}
	if col.Default != nil {
		fmt.Fprintf(&buf, " DEFAULT %s", col.Default)
	}
	return buf.String()
}

// ConvertValue checks v against the column, converting it to the column's data type.
func (col Column) ConvertValue(v Value) (Value, error) {
	if v == nil {
		if col.NotNull {
			return nil, fmt.Errorf("sql: column %s may not be NULL", col.Name)
		}
		return nil, nil
	}
	cv, err := ConvertValue(col.Type, v)
	if err != nil {
		return nil, fmt.Errorf("sql: column %s: %s", col.Name, err)
	}
	return cv, nil
}
