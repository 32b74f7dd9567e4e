package dbusrpc

import (
	"errors"
	"reflect"
)

// Tuple marks a struct type as a multi-value return type.
//
// A method whose return type is a struct embedding Tuple receives all
// the values of its reply, in order, in the struct's exported fields:
//
//	type Status struct {
//		dbusrpc.Tuple
//		Code    int32
//		Message string
//	}
//
// Without the marker, a struct return type receives a single DBus
// struct value instead.
type Tuple struct{}

func (Tuple) isTuple() {}

type tupler interface{ isTuple() }

var tuplerType = reflect.TypeFor[tupler]()

// isTuple reports whether t is a tuple return type.
func isTuple(t reflect.Type) bool {
	return t != nil && t.Kind() == reflect.Struct && t.Implements(tuplerType)
}

type tupleInfo struct {
	fields []*structField
	types  []reflect.Type
}

var tupleInfos cache[reflect.Type, *tupleInfo]

// getTupleInfo returns the positional layout of tuple type t.
func getTupleInfo(t reflect.Type) (ret *tupleInfo, err error) {
	if ret, err := tupleInfos.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return nil, err
	}
	defer func() {
		if err != nil {
			tupleInfos.SetErr(t, err)
		} else {
			tupleInfos.Set(t, ret)
		}
	}()

	if !isTuple(t) {
		return nil, typeErr(t, "not a tuple type")
	}
	si, err := getStructInfo(t)
	if err != nil {
		return nil, err
	}
	ret = &tupleInfo{}
	for _, f := range si.StructFields {
		if f.Type != anyType {
			if _, err := signatureFor(f.Type, nil); err != nil {
				return nil, typeErr(t, "tuple field %s: %w", f.Name, err)
			}
		}
		ret.fields = append(ret.fields, f)
		ret.types = append(ret.types, f.Type)
	}
	if len(ret.fields) == 0 {
		return nil, typeErr(t, "tuple has no fields")
	}
	return ret, nil
}
