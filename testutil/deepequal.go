package testutil

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/leftmike/falcon/sql"
)

var valueType = reflect.TypeOf((*sql.Value)(nil)).Elem()

// differ walks two values in step; path is where it is, from the top, such as [2].Name.
type differ struct {
	path []string
}

func (d *differ) at(format string, args ...interface{}) func() {
	d.path = append(d.path, fmt.Sprintf(format, args...))
	return func() {
		d.path = d.path[:len(d.path)-1]
	}
}

func (d *differ) mismatch(format string, args ...interface{}) string {
	where := strings.Join(d.path, "")
	if where == "" {
		where = "value"
	}
	return where + ": " + fmt.Sprintf(format, args...) + "\n"
}

// sqlValues compares two sql.Value interfaces: a nil value is NULL, and otherwise both
// must be of the same type and compare equal.
func (d *differ) sqlValues(v1, v2 reflect.Value) (bool, string) {
	var sv1, sv2 sql.Value
	if !v1.IsNil() {
		sv1 = v1.Interface().(sql.Value)
	}
	if !v2.IsNil() {
		sv2 = v2.Interface().(sql.Value)
	}

	if sv1 == nil || sv2 == nil {
		if sv1 != nil || sv2 != nil {
			return false, d.mismatch("%s != %s", sql.Format(sv1), sql.Format(sv2))
		}
		return true, ""
	}
	if reflect.TypeOf(sv1) != reflect.TypeOf(sv2) {
		return false, d.mismatch("%T(%s) != %T(%s)", sv1, sql.Format(sv1), sv2,
			sql.Format(sv2))
	}
	if sql.Compare(sv1, sv2) != 0 {
		return false, d.mismatch("%s != %s", sql.Format(sv1), sql.Format(sv2))
	}
	return true, ""
}

func (d *differ) equal(v1, v2 reflect.Value) (bool, string) {
	if !v1.IsValid() || !v2.IsValid() {
		if v1.IsValid() != v2.IsValid() {
			return false, d.mismatch("invalid value")
		}
		return true, ""
	}
	if v1.Type() != v2.Type() {
		return false, d.mismatch("%s != %s", v1.Type(), v2.Type())
	}
	if v1.Type() == valueType && v1.CanInterface() {
		return d.sqlValues(v1, v2)
	}

	switch v1.Kind() {
	case reflect.Array, reflect.Slice:
		if v1.Kind() == reflect.Slice {
			if v1.IsNil() != v2.IsNil() {
				return false, d.mismatch("nil != non-nil")
			}
			if v1.Len() != v2.Len() {
				return false, d.mismatch("length %d != %d", v1.Len(), v2.Len())
			}
		}
		for i := 0; i < v1.Len(); i++ {
			pop := d.at("[%d]", i)
			ok, s := d.equal(v1.Index(i), v2.Index(i))
			pop()
			if !ok {
				return false, s
			}
		}
		return true, ""
	case reflect.Interface:
		if v1.IsNil() || v2.IsNil() {
			if v1.IsNil() != v2.IsNil() {
				return false, d.mismatch("%v != %v", v1, v2)
			}
			return true, ""
		}
		return d.equal(v1.Elem(), v2.Elem())
	case reflect.Ptr:
		if v1.Pointer() == v2.Pointer() {
			return true, ""
		}
		pop := d.at("*")
		defer pop()
		return d.equal(v1.Elem(), v2.Elem())
	case reflect.Struct:
		for i, n := 0, v1.NumField(); i < n; i++ {
			pop := d.at(".%s", v1.Type().Field(i).Name)
			ok, s := d.equal(v1.Field(i), v2.Field(i))
			pop()
			if !ok {
				return false, s
			}
		}
		return true, ""
	case reflect.Map:
		if v1.IsNil() != v2.IsNil() {
			return false, d.mismatch("nil != non-nil")
		}
		if v1.Len() != v2.Len() {
			return false, d.mismatch("length %d != %d", v1.Len(), v2.Len())
		}
		for _, k := range v1.MapKeys() {
			val2 := v2.MapIndex(k)
			if !val2.IsValid() {
				return false, d.mismatch("missing key %v", k)
			}
			pop := d.at("[%v]", k)
			ok, s := d.equal(v1.MapIndex(k), val2)
			pop()
			if !ok {
				return false, s
			}
		}
		return true, ""
	case reflect.Func:
		if v1.IsNil() && v2.IsNil() {
			return true, ""
		}
		return false, d.mismatch("functions are not comparable")
	default:
		// Unexported fields can not be turned back into interfaces.
		if !v1.CanInterface() {
			if fmt.Sprint(v1) != fmt.Sprint(v2) {
				return false, d.mismatch("%v != %v", v1, v2)
			}
			return true, ""
		}
		if v1.Interface() != v2.Interface() {
			return false, d.mismatch("%#v != %#v", v1.Interface(), v2.Interface())
		}
		return true, ""
	}
}

// DeepEqual reports whether x and y are deeply equal, comparing rows of sql.Value with
// sql.Compare so that a nil value is NULL. If trc is given, it is set to where and how x
// and y first differ.
func DeepEqual(x, y interface{}, trc ...*string) bool {
	if len(trc) > 1 {
		panic("testutil.DeepEqual: more than one optional argument")
	}

	var d differ
	eq, s := d.equal(reflect.ValueOf(x), reflect.ValueOf(y))
	if len(trc) == 1 && trc[0] != nil {
		*trc[0] = s
	}
	return eq
}
