package encode_test

import (
	"testing"

	"github.com/leftmike/falcon/sql"
	"github.com/leftmike/falcon/storage/encode"
	"github.com/leftmike/falcon/testutil"
)

func TestRecord(t *testing.T) {
	types := []sql.DataType{sql.IntegerType, sql.StringType, sql.BooleanType, sql.FloatType,
		sql.BytesType}
	cases := []struct {
		format uint32
		row    []sql.Value
	}{
		{
			format: 1,
			row: []sql.Value{sql.Int64Value(-123), sql.StringValue("abc"), sql.BoolValue(true),
				sql.Float64Value(1.25), sql.BytesValue{0, 1, 2}},
		},
		{
			format: 7,
			row:    []sql.Value{sql.Int64Value(0), nil, sql.BoolValue(false), nil, nil},
		},
		{
			format: 300,
			row:    []sql.Value{nil, sql.StringValue(""), nil, sql.Float64Value(-0.5), nil},
		},
	}

	for _, c := range cases {
		buf := encode.EncodeRecord(c.format, c.row)
		if len(buf) != encode.RecordSize(c.format, c.row) {
			t.Errorf("RecordSize(%v) got %d want %d", c.row, encode.RecordSize(c.format, c.row),
				len(buf))
		}
		format, row, err := encode.DecodeRecord(buf, types)
		if err != nil {
			t.Errorf("DecodeRecord(%v) failed with %s", c.row, err)
			continue
		}
		if format != c.format {
			t.Errorf("DecodeRecord(%v) got format %d want %d", c.row, format, c.format)
		}
		if !testutil.DeepEqual(row, c.row) {
			t.Errorf("DecodeRecord() got %v want %v", row, c.row)
		}
		if f, err := encode.RecordFormat(buf); err != nil || f != c.format {
			t.Errorf("RecordFormat(%v) got %d, %v want %d", c.row, f, err, c.format)
		}
	}
}

func TestRecordFormats(t *testing.T) {
	buf := encode.EncodeRecord(1, []sql.Value{sql.Int64Value(1), sql.StringValue("one")})

	// A newer format with an added column sees NULL for it.
	_, row, err := encode.DecodeRecord(buf,
		[]sql.DataType{sql.IntegerType, sql.StringType, sql.FloatType})
	if err != nil {
		t.Fatalf("DecodeRecord() failed with %s", err)
	}
	want := []sql.Value{sql.Int64Value(1), sql.StringValue("one"), nil}
	if !testutil.DeepEqual(row, want) {
		t.Errorf("DecodeRecord() got %v want %v", row, want)
	}

	// Fewer columns skip the extra fields.
	_, row, err = encode.DecodeRecord(buf, []sql.DataType{sql.IntegerType})
	if err != nil {
		t.Fatalf("DecodeRecord() failed with %s", err)
	}
	if !testutil.DeepEqual(row, []sql.Value{sql.Int64Value(1)}) {
		t.Errorf("DecodeRecord() got %v want [1]", row)
	}

	_, _, err = encode.DecodeRecord(buf, []sql.DataType{sql.FloatType, sql.StringType})
	if err == nil {
		t.Errorf("DecodeRecord() with mismatched types did not fail")
	}
	_, _, err = encode.DecodeRecord(buf[:len(buf)-1],
		[]sql.DataType{sql.IntegerType, sql.StringType})
	if err == nil {
		t.Errorf("DecodeRecord() of truncated record did not fail")
	}
}

func TestTableDef(t *testing.T) {
	td := &encode.TableDef{
		Name:    "orders",
		Section: 12,
		Format:  3,
		Columns: []sql.Column{
			{Name: "id", Type: sql.IntegerType, NotNull: true},
			{Name: "customer", Type: sql.StringType},
			{Name: "total", Type: sql.FloatType, Default: sql.Float64Value(0)},
			{Name: "paid", Type: sql.BooleanType, NotNull: true, Default: sql.BoolValue(false)},
		},
		Indexes: []encode.IndexDef{
			{Name: "orders_pkey", Unique: true, Key: []sql.ColumnKey{sql.MakeColumnKey(0, false)}},
			{
				Name: "orders_customer",
				Key: []sql.ColumnKey{sql.MakeColumnKey(1, false),
					sql.MakeColumnKey(2, true)},
			},
		},
		ForeignKeys: []encode.ForeignKeyDef{
			{
				Name:     "orders_customer_fkey",
				Columns:  []int{1},
				RefTable: "customers",
				RefIndex: "customers_pkey",
				OnDelete: encode.Cascade,
			},
		},
	}

	ret, err := encode.DecodeTableDef(encode.EncodeTableDef(td))
	if err != nil {
		t.Fatalf("DecodeTableDef() failed with %s", err)
	}
	if !testutil.DeepEqual(ret, td) {
		t.Errorf("DecodeTableDef() got %#v want %#v", ret, td)
	}
}
