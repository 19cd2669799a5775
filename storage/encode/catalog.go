package encode

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leftmike/falcon/sql"
)

type IndexDef struct {
	Name   string
	Unique bool
	Key    []sql.ColumnKey
}

type DeleteRule int

const (
	Restrict DeleteRule = iota
	Cascade
	SetNull
)

type ForeignKeyDef struct {
	Name     string
	Columns  []int
	RefTable string
	RefIndex string
	OnDelete DeleteRule
}

// TableDef is the catalog entry for a table.
type TableDef struct {
	Name        string
	Section     uint32
	Format      uint32
	Columns     []sql.Column
	Indexes     []IndexDef
	ForeignKeys []ForeignKeyDef
}

const (
	tableNameField       = 1
	tableSectionField    = 2
	tableFormatField     = 3
	tableColumnField     = 4
	tableIndexField      = 5
	tableForeignKeyField = 6

	columnNameField    = 1
	columnTypeField    = 2
	columnNotNullField = 3
	columnDefaultField = 4

	indexNameField   = 1
	indexUniqueField = 2
	indexKeyField    = 3

	fkNameField     = 1
	fkColumnField   = 2
	fkRefTableField = 3
	fkRefIndexField = 4
	fkDeleteField   = 5
)

func (dr DeleteRule) String() string {
	switch dr {
	case Restrict:
		return "restrict"
	case Cascade:
		return "cascade"
	case SetNull:
		return "set null"
	}
	return fmt.Sprintf("deleterule(%d)", int(dr))
}

func appendMessage(buf []byte, num protowire.Number, msg []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, msg)
}

func appendString(buf []byte, num protowire.Number, s string) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

func appendUint(buf []byte, num protowire.Number, u uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, u)
}

func EncodeTableDef(td *TableDef) []byte {
	buf := appendString(nil, tableNameField, td.Name)
	buf = appendUint(buf, tableSectionField, uint64(td.Section))
	buf = appendUint(buf, tableFormatField, uint64(td.Format))

	for _, col := range td.Columns {
		msg := appendString(nil, columnNameField, col.Name)
		msg = appendUint(msg, columnTypeField, uint64(col.Type))
		msg = appendUint(msg, columnNotNullField, protowire.EncodeBool(col.NotNull))
		if col.Default != nil {
			msg = appendMessage(msg, columnDefaultField,
				EncodeRecord(0, []sql.Value{col.Default}))
		}
		buf = appendMessage(buf, tableColumnField, msg)
	}

	for _, id := range td.Indexes {
		msg := appendString(nil, indexNameField, id.Name)
		msg = appendUint(msg, indexUniqueField, protowire.EncodeBool(id.Unique))
		for _, ck := range id.Key {
			msg = appendUint(msg, indexKeyField, protowire.EncodeZigZag(int64(ck)))
		}
		buf = appendMessage(buf, tableIndexField, msg)
	}

	for _, fk := range td.ForeignKeys {
		msg := appendString(nil, fkNameField, fk.Name)
		for _, col := range fk.Columns {
			msg = appendUint(msg, fkColumnField, uint64(col))
		}
		msg = appendString(msg, fkRefTableField, fk.RefTable)
		msg = appendString(msg, fkRefIndexField, fk.RefIndex)
		msg = appendUint(msg, fkDeleteField, uint64(fk.OnDelete))
		buf = appendMessage(buf, tableForeignKeyField, msg)
	}

	return buf
}

// consumeFields calls fn for each field of a message; fn returns the number of bytes of the
// field value it consumed or a negative protowire error code.
func consumeFields(buf []byte,
	fn func(num protowire.Number, typ protowire.Type, buf []byte) int) error {

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]

		n = fn(num, typ, buf)
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
	}
	return nil
}

func DecodeTableDef(buf []byte) (*TableDef, error) {
	var td TableDef
	var err error

	perr := consumeFields(buf,
		func(num protowire.Number, typ protowire.Type, buf []byte) int {
			switch num {
			case tableNameField:
				s, n := protowire.ConsumeString(buf)
				td.Name = s
				return n
			case tableSectionField:
				u, n := protowire.ConsumeVarint(buf)
				td.Section = uint32(u)
				return n
			case tableFormatField:
				u, n := protowire.ConsumeVarint(buf)
				td.Format = uint32(u)
				return n
			case tableColumnField:
				b, n := protowire.ConsumeBytes(buf)
				if n > 0 {
					var col sql.Column
					col, err = decodeColumn(b)
					td.Columns = append(td.Columns, col)
				}
				return n
			case tableIndexField:
				b, n := protowire.ConsumeBytes(buf)
				if n > 0 {
					var id IndexDef
					id, err = decodeIndexDef(b)
					td.Indexes = append(td.Indexes, id)
				}
				return n
			case tableForeignKeyField:
				b, n := protowire.ConsumeBytes(buf)
				if n > 0 {
					var fk ForeignKeyDef
					fk, err = decodeForeignKeyDef(b)
					td.ForeignKeys = append(td.ForeignKeys, fk)
				}
				return n
			}
			return 0
		})
	if perr != nil {
		return nil, fmt.Errorf("encode: table definition: %s", perr)
	} else if err != nil {
		return nil, err
	}
	return &td, nil
}

func decodeColumn(buf []byte) (sql.Column, error) {
	var col sql.Column
	var err error
	perr := consumeFields(buf,
		func(num protowire.Number, typ protowire.Type, buf []byte) int {
			switch num {
			case columnNameField:
				s, n := protowire.ConsumeString(buf)
				col.Name = s
				return n
			case columnTypeField:
				u, n := protowire.ConsumeVarint(buf)
				col.Type = sql.DataType(u)
				return n
			case columnNotNullField:
				u, n := protowire.ConsumeVarint(buf)
				col.NotNull = protowire.DecodeBool(u)
				return n
			case columnDefaultField:
				b, n := protowire.ConsumeBytes(buf)
				if n > 0 {
					var row []sql.Value
					_, row, err = DecodeRecord(b, []sql.DataType{col.Type})
					if err == nil {
						col.Default = row[0]
					}
				}
				return n
			}
			return 0
		})
	if perr != nil {
		return col, fmt.Errorf("encode: column: %s", perr)
	}
	return col, err
}

func decodeIndexDef(buf []byte) (IndexDef, error) {
	var id IndexDef
	perr := consumeFields(buf,
		func(num protowire.Number, typ protowire.Type, buf []byte) int {
			switch num {
			case indexNameField:
				s, n := protowire.ConsumeString(buf)
				id.Name = s
				return n
			case indexUniqueField:
				u, n := protowire.ConsumeVarint(buf)
				id.Unique = protowire.DecodeBool(u)
				return n
			case indexKeyField:
				u, n := protowire.ConsumeVarint(buf)
				id.Key = append(id.Key, sql.ColumnKey(protowire.DecodeZigZag(u)))
				return n
			}
			return 0
		})
	if perr != nil {
		return id, fmt.Errorf("encode: index: %s", perr)
	}
	return id, nil
}

func decodeForeignKeyDef(buf []byte) (ForeignKeyDef, error) {
	var fk ForeignKeyDef
	perr := consumeFields(buf,
		func(num protowire.Number, typ protowire.Type, buf []byte) int {
			switch num {
			case fkNameField:
				s, n := protowire.ConsumeString(buf)
				fk.Name = s
				return n
			case fkColumnField:
				u, n := protowire.ConsumeVarint(buf)
				fk.Columns = append(fk.Columns, int(u))
				return n
			case fkRefTableField:
				s, n := protowire.ConsumeString(buf)
				fk.RefTable = s
				return n
			case fkRefIndexField:
				s, n := protowire.ConsumeString(buf)
				fk.RefIndex = s
				return n
			case fkDeleteField:
				u, n := protowire.ConsumeVarint(buf)
				fk.OnDelete = DeleteRule(u)
				return n
			}
			return 0
		})
	if perr != nil {
		return fk, fmt.Errorf("encode: foreign key: %s", perr)
	}
	return fk, nil
}
