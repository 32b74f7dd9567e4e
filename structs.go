package dbusrpc

import (
	"cmp"
	"fmt"
	"reflect"
	"strings"
)

// structField is the information about a struct field that needs to
// be marshaled/unmarshaled.
type structField struct {
	Name  string
	Index [][]int
	Type  reflect.Type
}

// GetWithZero loads the struct field from structVal. If loading
// requires traversing a nil pointer into an embedded struct,
// GetWithZero returns a non-settable zero value of the field.
func (f *structField) GetWithZero(structVal reflect.Value) reflect.Value {
	v := structVal
	for i, hop := range f.Index {
		if i > 0 {
			if v.IsNil() {
				return reflect.Zero(f.Type)
			}
			v = v.Elem()
		}
		v = v.FieldByIndex(hop)
	}
	return v
}

// GetWithAlloc loads the struct field from structVal. If loading
// requires traversing a nil pointer into an embedded struct,
// GetWithAlloc allocates zero values appropriately. The returned
// [reflect.Value] is settable.
func (f *structField) GetWithAlloc(structVal reflect.Value) reflect.Value {
	v := structVal
	for i, hop := range f.Index {
		if i > 0 {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.FieldByIndex(hop)
	}
	return v
}

func (f *structField) String() string {
	kindStr := ""
	if ks := f.Type.Kind().String(); ks != f.Type.String() {
		kindStr = fmt.Sprintf(" (%s)", ks)
	}
	return fmt.Sprintf("%s: %s%s at %v", f.Name, f.Type, kindStr, f.Index)
}

// structInfo is the information about a struct relevant to
// marshaling/unmarshaling.
type structInfo struct {
	// Name is the struct's name, for use in diagnostics.
	Name string
	// Type is the struct's type, for use in diagnostics.
	Type reflect.Type

	// StructFields is the information about each struct field
	// eligible for DBus encoding/decoding.
	StructFields []*structField
}

func (s *structInfo) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "%s: struct, fields:\n", s.Name)
	for _, f := range s.StructFields {
		ret.WriteString(f.String())
		ret.WriteByte('\n')
	}
	return ret.String()
}

var structInfos cache[reflect.Type, *structInfo]

// getStructInfo returns the structInfo for t.
//
// Only exported fields take part in encoding. Fields of embedded
// structs are treated as fields of the outer struct. Fields tagged
// with `dbus:"-"` are skipped.
func getStructInfo(t reflect.Type) (*structInfo, error) {
	if ret, err := structInfos.Get(t); err != errNotFound {
		return ret, err
	}
	if t.Kind() != reflect.Struct {
		err := fmt.Errorf("%s is not a struct", t)
		structInfos.SetErr(t, err)
		return nil, err
	}

	ret := &structInfo{
		Name: t.String(),
		Type: t,
	}
	var all []reflect.StructField
	depth := map[string]int{}
	ambiguous := map[string]bool{}
	for field := range structFields(t, nil) {
		d, seen := depth[field.Name]
		switch {
		case !seen || len(field.Index) < d:
			depth[field.Name] = len(field.Index)
			ambiguous[field.Name] = false
		case len(field.Index) == d:
			ambiguous[field.Name] = true
		}
		all = append(all, field)
	}
	for _, field := range all {
		// Follow Go's selector rules: the shallowest field of a given
		// name wins, and same-depth duplicates hide each other.
		if len(field.Index) != depth[field.Name] || ambiguous[field.Name] {
			continue
		}
		if !field.IsExported() || field.Tag.Get("dbus") == "-" {
			continue
		}
		ret.StructFields = append(ret.StructFields, &structField{
			Name:  field.Name,
			Type:  field.Type,
			Index: allocSteps(t, field.Index),
		})
	}
	structInfos.Set(t, ret)
	return ret, nil
}

// mapKeyCmp returns a comparison function for the given map key type.
func mapKeyCmp(t reflect.Type) func(a, b reflect.Value) int {
	switch t.Kind() {
	case reflect.Bool:
		return func(a, b reflect.Value) int {
			if a.Bool() == b.Bool() {
				return 0
			}
			if !a.Bool() {
				return -1
			}
			return 1
		}
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Int(), b.Int())
		}
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Uint(), b.Uint())
		}
	case reflect.Float64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Float(), b.Float())
		}
	case reflect.String:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.String(), b.String())
		}
	default:
		panic("invalid map key type")
	}
}
