package dbusrpc

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/danderson/dbusrpc/fragments"
)

// unmarshal decodes data into the value pointed to by v. If v is nil
// or not a pointer, unmarshal returns an error.
//
// Generally, unmarshal applies the inverse of the rules used by
// [marshal]. The layout of the wire message must be compatible with
// the target's DBus signature.
//
// Slices are reset to zero length and appended to. Arrays must match
// the incoming element count exactly. Maps are cleared, or allocated
// if nil. Nil pointers are allocated as needed.
//
// Targets of type any decode DBus variants. The variant's inner type
// is determined by the signature carried in the message. Variants
// containing structs decode into anonymous structs with fields named
// Field0, Field1, ..., FieldN in message order.
func unmarshal(data []byte, ord fragments.ByteOrder, v any) error {
	if v == nil {
		return errors.New("can't unmarshal into nil interface")
	}
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Pointer {
		return errors.New("can't unmarshal into a non-pointer")
	}
	if val.IsNil() {
		return errors.New("can't unmarshal into a nil pointer")
	}
	dec, err := decoderFor(val.Type().Elem())
	if err != nil {
		return err
	}
	st := fragments.Decoder{
		Order:  ord,
		Mapper: decoderFor,
		In:     bytes.NewReader(data),
	}
	return dec(&st, val.Elem())
}

var decoders cache[reflect.Type, fragments.DecoderFunc]

// decoderFor returns the decoder func for the given type, if the type
// is representable in the DBus wire format.
func decoderFor(t reflect.Type) (ret fragments.DecoderFunc, err error) {
	if ret, err := decoders.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return nil, err
	}
	// Note, defer captures the type value before we mess with it
	// below.
	defer func(t reflect.Type) {
		if err != nil {
			decoders.SetErr(t, err)
		} else {
			decoders.Set(t, ret)
		}
	}(t)

	if _, err := signatureFor(t, nil); err != nil {
		return nil, err
	}

	switch t {
	case signatureType:
		return newSignatureDecoder(), nil
	case objectPathType:
		return newStringDecoder(), nil
	case anyType:
		return newVariantDecoder(), nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		return newPtrDecoder(t)
	case reflect.Bool:
		return newBoolDecoder(), nil
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return newIntDecoder(t), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return newUintDecoder(t), nil
	case reflect.Float64:
		return newFloatDecoder(), nil
	case reflect.String:
		return newStringDecoder(), nil
	case reflect.Slice, reflect.Array:
		return newSliceDecoder(t)
	case reflect.Struct:
		return newStructDecoder(t)
	case reflect.Map:
		return newMapDecoder(t)
	}

	return nil, typeErr(t, "no dbus mapping for type")
}

func newSignatureDecoder() fragments.DecoderFunc {
	return func(d *fragments.Decoder, v reflect.Value) error {
		s, err := d.Signature()
		if err != nil {
			return err
		}
		sig, err := ParseSignature(s)
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(sig))
		return nil
	}
}

func newVariantDecoder() fragments.DecoderFunc {
	return func(d *fragments.Decoder, v reflect.Value) error {
		s, err := d.Signature()
		if err != nil {
			return fmt.Errorf("reading variant signature: %w", err)
		}
		sig, err := ParseSignature(s)
		if err != nil {
			return fmt.Errorf("reading variant signature: %w", err)
		}
		if !sig.IsSingle() {
			return fmt.Errorf("variant signature %q must be a single complete type", s)
		}
		dec, err := decoderFor(sig.Type())
		if err != nil {
			return err
		}
		inner := reflect.New(sig.Type()).Elem()
		if err := dec(d, inner); err != nil {
			return fmt.Errorf("reading variant value (signature %q): %w", s, err)
		}
		v.Set(inner)
		return nil
	}
}

func newPtrDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	elem := t.Elem()
	elemDec, err := decoderFor(elem)
	if err != nil {
		return nil, err
	}
	fn := func(d *fragments.Decoder, v reflect.Value) error {
		if v.IsNil() {
			elem := reflect.New(elem)
			if err := elemDec(d, elem.Elem()); err != nil {
				return err
			}
			v.Set(elem)
			return nil
		}
		return elemDec(d, v.Elem())
	}
	return fn, nil
}

func newBoolDecoder() fragments.DecoderFunc {
	return func(d *fragments.Decoder, v reflect.Value) error {
		u, err := d.Uint32()
		if err != nil {
			return err
		}
		if u > 1 {
			return fmt.Errorf("invalid boolean value %d", u)
		}
		v.SetBool(u != 0)
		return nil
	}
}

func newIntDecoder(t reflect.Type) fragments.DecoderFunc {
	switch t.Size() {
	case 2:
		return func(d *fragments.Decoder, v reflect.Value) error {
			u16, err := d.Uint16()
			if err != nil {
				return err
			}
			v.SetInt(int64(int16(u16)))
			return nil
		}
	case 4:
		return func(d *fragments.Decoder, v reflect.Value) error {
			u32, err := d.Uint32()
			if err != nil {
				return err
			}
			v.SetInt(int64(int32(u32)))
			return nil
		}
	case 8:
		return func(d *fragments.Decoder, v reflect.Value) error {
			u64, err := d.Uint64()
			if err != nil {
				return err
			}
			v.SetInt(int64(u64))
			return nil
		}
	default:
		panic("invalid newIntDecoder type")
	}
}

func newUintDecoder(t reflect.Type) fragments.DecoderFunc {
	switch t.Size() {
	case 1:
		return func(d *fragments.Decoder, v reflect.Value) error {
			u8, err := d.Uint8()
			if err != nil {
				return err
			}
			v.SetUint(uint64(u8))
			return nil
		}
	case 2:
		return func(d *fragments.Decoder, v reflect.Value) error {
			u16, err := d.Uint16()
			if err != nil {
				return err
			}
			v.SetUint(uint64(u16))
			return nil
		}
	case 4:
		return func(d *fragments.Decoder, v reflect.Value) error {
			u32, err := d.Uint32()
			if err != nil {
				return err
			}
			v.SetUint(uint64(u32))
			return nil
		}
	case 8:
		return func(d *fragments.Decoder, v reflect.Value) error {
			u64, err := d.Uint64()
			if err != nil {
				return err
			}
			v.SetUint(u64)
			return nil
		}
	default:
		panic("invalid newUintDecoder type")
	}
}

func newFloatDecoder() fragments.DecoderFunc {
	return func(d *fragments.Decoder, v reflect.Value) error {
		u64, err := d.Uint64()
		if err != nil {
			return err
		}
		v.SetFloat(math.Float64frombits(u64))
		return nil
	}
}

func newStringDecoder() fragments.DecoderFunc {
	return func(d *fragments.Decoder, v reflect.Value) error {
		s, err := d.String()
		if err != nil {
			return err
		}
		v.SetString(s)
		return nil
	}
}

func newSliceDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
		fn := func(d *fragments.Decoder, v reflect.Value) error {
			bs, err := d.Bytes()
			if err != nil {
				return err
			}
			v.SetBytes(bs)
			return nil
		}
		return fn, nil
	}

	elemDec, err := decoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	isStruct := alignAsStruct(t.Elem())

	if t.Kind() == reflect.Array {
		fn := func(d *fragments.Decoder, v reflect.Value) error {
			n, err := d.Array(isStruct, func(i int) error {
				if i >= v.Len() {
					return fmt.Errorf("too many elements for %s", t)
				}
				return elemDec(d, v.Index(i))
			})
			if err != nil {
				return err
			}
			if n != v.Len() {
				return fmt.Errorf("got %d elements for %s, want %d", n, t, v.Len())
			}
			return nil
		}
		return fn, nil
	}

	fn := func(d *fragments.Decoder, v reflect.Value) error {
		if v.IsNil() {
			v.Set(reflect.MakeSlice(t, 0, 0))
		} else {
			v.Set(v.Slice(0, 0))
		}
		_, err := d.Array(isStruct, func(i int) error {
			v.Grow(1)
			v.Set(v.Slice(0, i+1))
			return elemDec(d, v.Index(i))
		})
		return err
	}
	return fn, nil
}

func newStructDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	fs, err := getStructInfo(t)
	if err != nil {
		return nil, typeErr(t, "getting struct info: %w", err)
	}

	var frags []fragments.DecoderFunc
	for _, f := range fs.StructFields {
		fDec, err := newStructFieldDecoder(f)
		if err != nil {
			return nil, err
		}
		frags = append(frags, fDec)
	}

	fn := func(d *fragments.Decoder, v reflect.Value) error {
		return d.Struct(func() error {
			for _, frag := range frags {
				if err := frag(d, v); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return fn, nil
}

// Note, the returned fragment decoder expects to be given the entire
// struct, not just the one field being decoded.
func newStructFieldDecoder(f *structField) (fragments.DecoderFunc, error) {
	fDec, err := decoderFor(f.Type)
	if err != nil {
		return nil, err
	}
	fn := func(d *fragments.Decoder, v reflect.Value) error {
		fv := f.GetWithAlloc(v)
		return fDec(d, fv)
	}
	return fn, nil
}

func newMapDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	kt := t.Key()
	if !mapKeyKinds.Has(kt.Kind()) {
		return nil, typeErr(t, "invalid map key type %s", kt)
	}
	kDec, err := decoderFor(kt)
	if err != nil {
		return nil, err
	}
	vt := t.Elem()
	vDec, err := decoderFor(vt)
	if err != nil {
		return nil, err
	}

	fn := func(d *fragments.Decoder, v reflect.Value) error {
		if v.IsNil() {
			v.Set(reflect.MakeMap(t))
		} else {
			v.Clear()
		}

		key := reflect.New(kt)
		val := reflect.New(vt)

		_, err := d.Array(true, func(i int) error {
			key.Elem().SetZero()
			val.Elem().SetZero()
			err := d.Struct(func() error {
				if err := kDec(d, key.Elem()); err != nil {
					return err
				}
				return vDec(d, val.Elem())
			})
			if err != nil {
				return err
			}
			v.SetMapIndex(key.Elem(), val.Elem())
			return nil
		})
		return err
	}
	return fn, nil
}
