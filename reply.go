package dbusrpc

import (
	"errors"
	"fmt"
	"reflect"
)

// convertReply converts a successful reply to m's return type.
//
// A reply with no values satisfies only methods with no return value.
// Methods with no return value ignore any values they receive. A
// single value is decoded into the return type, and multiple values
// require a [Tuple] return type with a matching number of fields.
func convertReply(m *Method, reply *ReplyMessage, ms Marshaller) (any, error) {
	mismatch := func(err error) error {
		return &TypeMismatchError{
			Method: m.Name,
			Want:   m.Out,
			Got:    reply.Signature,
			Err:    err,
		}
	}

	n := reply.Len()
	switch {
	case m.Out == nil:
		return nil, nil
	case n == 0:
		return nil, mismatch(errors.New("expected a value, found none"))
	case isTuple(m.Out):
		ti, err := getTupleInfo(m.Out)
		if err != nil {
			return nil, mismatch(err)
		}
		if n != len(ti.fields) {
			return nil, mismatch(fmt.Errorf("got %d values, tuple has %d fields", n, len(ti.fields)))
		}
		vals, err := ms.Deserialize(reply, ti.types)
		if err != nil {
			return nil, mismatch(err)
		}
		ret := reflect.New(m.Out).Elem()
		for i, f := range ti.fields {
			f.GetWithAlloc(ret).Set(vals[i])
		}
		return ret.Interface(), nil
	case n > 1:
		return nil, mismatch(errors.New("not expecting multiple values"))
	default:
		vals, err := ms.Deserialize(reply, []reflect.Type{m.Out})
		if err != nil {
			return nil, mismatch(err)
		}
		return vals[0].Interface(), nil
	}
}
