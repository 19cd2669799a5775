package testutil_test

import (
	"testing"

	"github.com/leftmike/falcon/sql"
	"github.com/leftmike/falcon/testutil"
)

func TestDeepEqual(t *testing.T) {
	cases := []struct {
		a, b interface{}
		ret  bool
	}{
		{1, 2, false},
		{"abc", "abc", true},
		{[]string{"abc", "def"}, []string{"abc", "def"}, true},
		{sql.StringValue("id"), sql.StringValue("id"), true},
		{sql.StringValue("id"), sql.StringValue("di"), false},
		{[]sql.Value{}, []sql.Value{}, true},
		{[][]sql.Value{}, [][]sql.Value{}, true},
		{[]sql.Value{nil, sql.Int64Value(1)}, []sql.Value{nil, sql.Int64Value(1)}, true},
		{[]sql.Value{nil}, []sql.Value{sql.Int64Value(0)}, false},
		{[]sql.Value{sql.Int64Value(1)}, []sql.Value{sql.Float64Value(1)}, false},
		{[]sql.Value{sql.BytesValue("ab")}, []sql.Value{sql.BytesValue("ab")}, true},
		{map[string][]uint32{"a": {1, 2}}, map[string][]uint32{"a": {1, 2}}, true},
		{map[string][]uint32{"a": {1, 2}}, map[string][]uint32{"b": {1, 2}}, false},
		{nil, nil, true},
		{nil, 1, false},
	}

	for _, c := range cases {
		if testutil.DeepEqual(c.a, c.b) != c.ret {
			t.Errorf("DeepEqual(%v, %v) got %v want %v", c.a, c.b, !c.ret, c.ret)
		}
	}

	for _, c := range cases {
		var s string
		testutil.DeepEqual(c.a, c.b, &s)
		if c.ret {
			if s != "" {
				t.Errorf("DeepEqual(%v, %v, &s) succeeded; got %q for s; want \"\"", c.a, c.b, s)
			}
		} else {
			if s == "" {
				t.Errorf("DeepEqual(%v, %v, &s) failed; got \"\" for s", c.a, c.b)
			}
		}
	}

	var s string
	rows1 := [][]sql.Value{{sql.Int64Value(1), sql.StringValue("alice")},
		{sql.Int64Value(2), sql.StringValue("bob")}}
	rows2 := [][]sql.Value{{sql.Int64Value(1), sql.StringValue("alice")},
		{sql.Int64Value(2), nil}}
	if testutil.DeepEqual(rows1, rows2, &s) {
		t.Errorf("DeepEqual(rows) got true want false")
	} else if s != "[1][1]: 'bob' != NULL\n" {
		t.Errorf("DeepEqual(rows) got %q", s)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("DeepEqual(123, 123, &s1, &s2) did not panic")
		}
	}()
	var s1, s2 string
	testutil.DeepEqual(123, 123, &s1, &s2)
}
