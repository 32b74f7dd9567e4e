package dbusrpc

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// A Signature describes the type of a DBus value, or of a sequence of
// DBus values such as a method's parameters.
type Signature struct {
	typ reflect.Type
	str string
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string {
	return s.str
}

// IsZero reports whether the signature is the zero value. A zero
// Signature describes a void value.
func (s Signature) IsZero() bool {
	return s.typ == nil
}

// Type returns the reflect.Type the Signature represents.
//
// If the Signature describes more than one value, Type returns an
// anonymous struct type with one field per value. If
// [Signature.IsZero] is true, Type returns nil.
func (s Signature) Type() reflect.Type {
	return s.typ
}

// Parts returns the Signatures of each complete type in s, in order.
func (s Signature) Parts() []Signature {
	var (
		ret  []Signature
		rest = s.str
	)
	for rest != "" {
		t, next, err := parseOne(rest, false)
		if err != nil {
			panic(fmt.Sprintf("invalid signature %q escaped validation: %v", s.str, err))
		}
		ret = append(ret, Signature{t, rest[:len(rest)-len(next)]})
		rest = next
	}
	return ret
}

// IsSingle reports whether s describes exactly one complete type.
func (s Signature) IsSingle() bool {
	return len(s.Parts()) == 1
}

var (
	typeToSignature cache[reflect.Type, Signature]
	strToSignature  cache[string, Signature]
)

func mkSignature(typ reflect.Type, str string) Signature {
	return Signature{typ, str}
}

// ParseSignature parses a DBus type signature string.
func ParseSignature(sig string) (Signature, error) {
	if ret, err := strToSignature.Get(sig); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return Signature{}, err
	}

	if len(sig) > 255 {
		err := fmt.Errorf("invalid type signature %q: longer than 255 bytes", sig)
		strToSignature.SetErr(sig, err)
		return Signature{}, err
	}

	var (
		rest  = sig
		parts []reflect.Type
		part  reflect.Type
		err   error
	)
	for rest != "" {
		part, rest, err = parseOne(rest, false)
		if err != nil {
			err := fmt.Errorf("invalid type signature %q: %w", sig, err)
			strToSignature.SetErr(sig, err)
			return Signature{}, err
		}
		parts = append(parts, part)
	}

	var ret Signature
	switch len(parts) {
	case 0:
		ret = Signature{}
	case 1:
		ret = mkSignature(parts[0], sig)
	default:
		ret = mkSignature(tupleStruct(parts), sig)
	}
	strToSignature.Set(sig, ret)

	return ret, nil
}

func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// tupleStruct returns an anonymous struct type with fields of the
// given types, named Field0 through FieldN.
func tupleStruct(fields []reflect.Type) reflect.Type {
	fs := make([]reflect.StructField, len(fields))
	for i, f := range fields {
		fs[i] = reflect.StructField{
			Name: fmt.Sprintf("Field%d", i),
			Type: f,
		}
	}
	return reflect.StructOf(fs)
}

// parseOne consumes the first complete type from the front of sig,
// and returns the corresponding reflect.Type as well as the remainder
// of the type string.
func parseOne(sig string, inArray bool) (t reflect.Type, rest string, err error) {
	if sig == "" {
		return nil, "", errors.New("missing type")
	}
	if ret, ok := strToType[sig[0]]; ok {
		return ret, sig[1:], nil
	}

	switch sig[0] {
	case 'a':
		isDict := len(sig) > 1 && sig[1] == '{'
		elem, rest, err := parseOne(sig[1:], true)
		if err != nil {
			return nil, "", err
		}
		if isDict {
			return elem, rest, nil // sub-parser already produced a map
		}
		return reflect.SliceOf(elem), rest, nil
	case '(':
		var (
			fields []reflect.Type
			field  reflect.Type
			rest   = sig[1:]
			err    error
		)
		for rest != "" && rest[0] != ')' {
			field, rest, err = parseOne(rest, false)
			if err != nil {
				return nil, "", err
			}
			fields = append(fields, field)
		}
		if rest == "" {
			return nil, "", errors.New("missing closing ) in struct definition")
		}
		if len(fields) == 0 {
			return nil, "", errors.New("empty struct")
		}
		return tupleStruct(fields), rest[1:], nil
	case '{':
		if !inArray {
			return nil, "", errors.New("dict entry type found outside array")
		}
		key, rest, err := parseOne(sig[1:], false)
		if err != nil {
			return nil, "", err
		}
		if !mapKeyKinds.Has(key.Kind()) {
			return nil, "", fmt.Errorf("invalid dict entry key type %s, must be a dbus basic type", key)
		}
		val, rest, err := parseOne(rest, false)
		if err != nil {
			return nil, "", err
		}
		if rest == "" || rest[0] != '}' {
			return nil, "", errors.New("missing closing } in dict entry definition")
		}
		return reflect.MapOf(key, val), rest[1:], nil
	case 'h':
		return nil, "", errors.New("file descriptors are not supported")
	default:
		return nil, "", fmt.Errorf("unknown type specifier %q", sig[0])
	}
}

// SignatureFor returns the Signature for the given type.
func SignatureFor[T any]() (Signature, error) {
	return signatureFor(reflect.TypeFor[T](), nil)
}

// SignatureOf returns the Signature of the given value.
func SignatureOf(v any) (Signature, error) {
	return signatureFor(reflect.TypeOf(v), nil)
}

func signatureFor(t reflect.Type, stack []reflect.Type) (sig Signature, err error) {
	if ret, err := typeToSignature.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return Signature{}, err
	}

	if slices.Contains(stack, t) {
		return Signature{}, typeErr(t, "recursive type")
	}
	stack = append(stack, t)

	// Note, defer captures the type value before we mess with it
	// below.
	defer func(t reflect.Type) {
		if err != nil {
			typeToSignature.SetErr(t, err)
		} else {
			typeToSignature.Set(t, sig)
		}
	}(t)

	if t == nil {
		return Signature{}, typeErr(t, "nil interface")
	}

	t = derefType(t)

	switch t {
	case signatureType:
		return mkSignature(t, "g"), nil
	case objectPathType:
		return mkSignature(t, "o"), nil
	case anyType:
		return mkSignature(t, "v"), nil
	}

	if ret := kindToType[t.Kind()]; ret != nil {
		return mkSignature(ret, string(kindToStr[t.Kind()])), nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Uint:
		return Signature{}, typeErr(t, "int and uint aren't portable, use fixed width integers")
	case reflect.Int8:
		return Signature{}, typeErr(t, "int8 has no corresponding DBus type, use uint8 instead")
	case reflect.Float32:
		return Signature{}, typeErr(t, "float32 has no corresponding DBus type, use float64 instead")
	case reflect.Slice, reflect.Array:
		es, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return mkSignature(reflect.SliceOf(es.typ), "a"+es.str), nil
	case reflect.Map:
		k := t.Key()
		if !mapKeyKinds.Has(k.Kind()) {
			return Signature{}, typeErr(t, "map keys must be dbus basic types, not %s", k)
		}
		ks, err := signatureFor(k, stack)
		if err != nil {
			return Signature{}, err
		}
		vs, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return mkSignature(reflect.MapOf(ks.typ, vs.typ), "a{"+ks.str+vs.str+"}"), nil
	case reflect.Struct:
		fs, err := getStructInfo(t)
		if err != nil {
			return Signature{}, typeErr(t, "getting struct info: %w", err)
		}
		if len(fs.StructFields) == 0 {
			return Signature{}, typeErr(t, "struct has no exported fields")
		}
		var (
			s     []string
			types []reflect.Type
		)
		for _, f := range fs.StructFields {
			// Descend through all fields, to look for cyclic
			// references.
			fieldSig, err := signatureFor(f.Type, stack)
			if err != nil {
				return Signature{}, err
			}
			s = append(s, fieldSig.str)
			types = append(types, fieldSig.typ)
		}
		// The signature's type is the canonical anonymous struct, so
		// that signatures parsed from strings and derived from Go
		// types agree.
		return mkSignature(tupleStruct(types), "("+strings.Join(s, "")+")"), nil
	}

	return Signature{}, typeErr(t, "no dbus mapping for type")
}
