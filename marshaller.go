package dbusrpc

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/danderson/dbusrpc/fragments"
)

// A Marshaller converts between Go values and DBus message bodies on
// behalf of proxies.
type Marshaller interface {
	// Signature returns the combined DBus signature of a sequence of
	// parameter types. It returns the zero Signature for an empty
	// sequence.
	Signature(types []reflect.Type) (Signature, error)
	// ConvertArgs checks args against their declared parameter types
	// and returns the values to encode, in order.
	ConvertArgs(args []any, types []reflect.Type) ([]any, error)
	// Deserialize decodes a successful reply's values into the given
	// target types. The reply must carry exactly len(types) values.
	Deserialize(reply *ReplyMessage, types []reflect.Type) ([]reflect.Value, error)
}

// DefaultMarshaller is the [Marshaller] used by connections that don't
// specify one. It implements the encoding rules described by
// [SignatureFor].
var DefaultMarshaller Marshaller = codecMarshaller{}

type codecMarshaller struct{}

func (codecMarshaller) Signature(types []reflect.Type) (Signature, error) {
	return signatureOfTypes(types)
}

func (codecMarshaller) ConvertArgs(args []any, types []reflect.Type) ([]any, error) {
	if len(args) != len(types) {
		return nil, fmt.Errorf("got %d arguments, want %d", len(args), len(types))
	}
	ret := make([]any, len(args))
	for i, arg := range args {
		v, err := convertArg(arg, types[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		ret[i] = v
	}
	return ret, nil
}

func convertArg(arg any, t reflect.Type) (any, error) {
	if _, err := signatureFor(t, nil); err != nil {
		return nil, err
	}
	if arg == nil {
		switch t.Kind() {
		case reflect.Pointer, reflect.Slice, reflect.Map:
			return reflect.Zero(t).Interface(), nil
		default:
			return nil, fmt.Errorf("nil value for parameter of type %s", t)
		}
	}
	v := reflect.ValueOf(arg)
	if t.Kind() == reflect.Interface {
		// Variants carry whatever the caller gave us, as long as it is
		// itself encodable.
		if _, err := signatureFor(v.Type(), nil); err != nil {
			return nil, err
		}
		return arg, nil
	}
	if v.Type().AssignableTo(t) {
		return arg, nil
	}
	if v.Type().Kind() == t.Kind() && v.Type().ConvertibleTo(t) {
		return v.Convert(t).Interface(), nil
	}
	return nil, fmt.Errorf("value of type %s is not assignable to parameter type %s", v.Type(), t)
}

func (codecMarshaller) Deserialize(reply *ReplyMessage, types []reflect.Type) ([]reflect.Value, error) {
	parts := reply.Signature.Parts()
	if len(parts) != len(types) {
		return nil, fmt.Errorf("reply has %d values, want %d", len(parts), len(types))
	}
	d := reply.decoder()
	ret := make([]reflect.Value, len(types))
	for i, t := range types {
		target := t
		if t != anyType {
			want, err := signatureFor(t, nil)
			if err != nil {
				return nil, err
			}
			if want.String() != parts[i].String() {
				return nil, fmt.Errorf("value %d has type %q, cannot decode into %s (%q)", i, parts[i], t, want)
			}
		} else {
			// Decode according to the wire type, then box.
			target = parts[i].Type()
		}
		dec, err := decoderFor(target)
		if err != nil {
			return nil, err
		}
		v := reflect.New(target).Elem()
		if err := dec(d, v); err != nil {
			return nil, fmt.Errorf("decoding value %d (%q): %w", i, parts[i], err)
		}
		if target != t {
			boxed := reflect.New(t).Elem()
			boxed.Set(v)
			v = boxed
		}
		ret[i] = v
	}
	return ret, nil
}

// signatureOfTypes returns the concatenated signature of types.
func signatureOfTypes(types []reflect.Type) (Signature, error) {
	var s strings.Builder
	for _, t := range types {
		sig, err := signatureFor(t, nil)
		if err != nil {
			return Signature{}, err
		}
		s.WriteString(sig.String())
	}
	return ParseSignature(s.String())
}

// encodeBody encodes vals as a message body, each value according to
// the matching entry in types.
func encodeBody(ord fragments.ByteOrder, vals []any, types []reflect.Type) ([]byte, error) {
	e := fragments.Encoder{
		Order:  ord,
		Mapper: encoderFor,
	}
	if err := appendBody(&e, vals, types); err != nil {
		return nil, err
	}
	return e.Out, nil
}

func appendBody(e *fragments.Encoder, vals []any, types []reflect.Type) error {
	if len(vals) != len(types) {
		return fmt.Errorf("got %d values for %d types", len(vals), len(types))
	}
	for i, t := range types {
		enc, err := encoderFor(t)
		if err != nil {
			return err
		}
		if vals[i] == nil && t.Kind() != reflect.Interface {
			if err := enc(e, reflect.Zero(t)); err != nil {
				return err
			}
			continue
		}
		if vals[i] == nil {
			return typeErr(t, "cannot encode nil variant")
		}
		v := reflect.ValueOf(vals[i])
		if t.Kind() == reflect.Interface {
			boxed := reflect.New(t).Elem()
			boxed.Set(v)
			v = boxed
		} else if v.Type() != t {
			v = v.Convert(t)
		}
		if err := enc(e, v); err != nil {
			return err
		}
	}
	return nil
}
