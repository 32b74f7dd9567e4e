package fragments_test

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/danderson/dbusrpc/fragments"
	"github.com/google/go-cmp/cmp"
)

type mustDecoder struct {
	t *testing.T
	*fragments.Decoder
}

func (d *mustDecoder) MustRead(n int, want []byte) {
	got, err := d.Read(n)
	if err != nil {
		d.t.Fatalf("Read(%d) got err: %v", n, err)
	}
	if !bytes.Equal(got, want) {
		d.t.Fatalf("Read(%d) wrong output:\n  got: % x\n want: % x", n, got, want)
	}
}

func (d *mustDecoder) MustBytes(want []byte) {
	got, err := d.Bytes()
	if err != nil {
		d.t.Fatalf("Bytes() got err: %v", err)
	}
	if !bytes.Equal(got, want) {
		d.t.Fatalf("Bytes() wrong output:\n  got: % x\n want: % x", got, want)
	}
}

func (d *mustDecoder) MustString(want string) {
	got, err := d.String()
	if err != nil {
		d.t.Fatalf("String() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("String() got %q, want %q", got, want)
	}
}

func (d *mustDecoder) MustSignature(want string) {
	got, err := d.Signature()
	if err != nil {
		d.t.Fatalf("Signature() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Signature() got %q, want %q", got, want)
	}
}

func (d *mustDecoder) MustUint8(want uint8) {
	got, err := d.Uint8()
	if err != nil {
		d.t.Fatalf("Uint8() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint8() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint16(want uint16) {
	got, err := d.Uint16()
	if err != nil {
		d.t.Fatalf("Uint16() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint16() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint32(want uint32) {
	got, err := d.Uint32()
	if err != nil {
		d.t.Fatalf("Uint32() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint32() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint64(want uint64) {
	got, err := d.Uint64()
	if err != nil {
		d.t.Fatalf("Uint64() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint64() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustStruct(fields func()) {
	err := d.Struct(func() error {
		fields()
		return nil
	})
	if err != nil {
		d.t.Fatalf("Struct() got err: %v", err)
	}
}

func (d *mustDecoder) MustArray(containsStructs bool, wantN int, elem func(int)) {
	n, err := d.Array(containsStructs, func(i int) error {
		elem(i)
		return nil
	})
	if err != nil {
		d.t.Fatalf("Array() got err: %v", err)
	}
	if n != wantN {
		d.t.Fatalf("Array() read %d elements, want %d", n, wantN)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		decode func(d *mustDecoder)
	}{
		{
			"raw bytes",
			[]byte{0x01, 0x02, 0x03},
			func(d *mustDecoder) {
				d.MustRead(3, []byte{1, 2, 3})
			},
		},

		{
			"byte array",
			[]byte{
				0x00, 0x00, 0x00, 0x03,
				0x01, 0x02, 0x03,
			},
			func(d *mustDecoder) {
				d.MustBytes([]byte{1, 2, 3})
			},
		},

		{
			"string",
			[]byte{
				0x00, 0x00, 0x00, 0x03,
				0x66, 0x6f, 0x6f,
				0x00,
			},
			func(d *mustDecoder) {
				d.MustString("foo")
			},
		},

		{
			"signature",
			[]byte{
				0x01,
				0x02, 0x61, 0x69, 0x00,
			},
			func(d *mustDecoder) {
				d.MustUint8(1)
				d.MustSignature("ai")
			},
		},

		{
			"uints",
			[]byte{
				0x2a,
				0x00, // pad
				0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
			},
			func(d *mustDecoder) {
				d.MustUint8(42)
				d.MustUint16(66)
				d.MustUint32(42)
				d.MustUint64(66)
			},
		},

		{
			"uints padding",
			[]byte{
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
				0x00,             // raw
				0x00, 0x00, 0x00, // pad
				0x00, 0x00, 0x00, 0x2a,
				0x00, // raw
				0x00, // pad
				0x00, 0x42,
				0x00, // raw
				0x2a,
			},
			func(d *mustDecoder) {
				d.MustUint64(66)
				d.MustRead(1, []byte{0})
				d.MustUint32(42)
				d.MustRead(1, []byte{0})
				d.MustUint16(66)
				d.MustRead(1, []byte{0})
				d.MustUint8(42)
			},
		},

		{
			"struct padding",
			[]byte{
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x42,
			},
			func(d *mustDecoder) {
				d.MustStruct(func() { d.MustUint64(66) })
				d.MustStruct(func() { d.MustUint32(42) })
				d.MustStruct(func() { d.MustUint16(66) })
			},
		},

		{
			"array",
			[]byte{
				0x00, 0x00, 0x00, 0x04, // length
				0x00, 0x01,
				0x00, 0x02,
			},
			func(d *mustDecoder) {
				d.MustArray(false, 2, func(i int) {
					d.MustUint16(uint16(i + 1))
				})
			},
		},

		{
			"empty array",
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
			},
			func(d *mustDecoder) {
				d.MustArray(false, 0, func(int) {
					t.Fatal("element callback called for empty array")
				})
			},
		},

		{
			"struct array",
			[]byte{
				0x00, 0x00, 0x00, 0x01, // length
				0x00, 0x00, 0x00, 0x00, // pad
				0x07,
			},
			func(d *mustDecoder) {
				d.MustArray(true, 1, func(int) {
					d.MustStruct(func() { d.MustUint8(7) })
				})
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &mustDecoder{t, &fragments.Decoder{
				Order: fragments.BigEndian,
				In:    bytes.NewReader(tc.in),
			}}
			tc.decode(d)
		})
	}
}

func TestDecoderByteOrderFlag(t *testing.T) {
	for _, tc := range []struct {
		in   byte
		want fragments.ByteOrder
	}{
		{'B', fragments.BigEndian},
		{'l', fragments.LittleEndian},
	} {
		d := fragments.Decoder{In: bytes.NewReader([]byte{tc.in})}
		if err := d.ByteOrderFlag(); err != nil {
			t.Fatalf("ByteOrderFlag(%q) got err: %v", tc.in, err)
		}
		if d.Order != tc.want {
			t.Errorf("ByteOrderFlag(%q) set wrong byte order", tc.in)
		}
	}

	d := fragments.Decoder{In: bytes.NewReader([]byte{'x'})}
	if err := d.ByteOrderFlag(); err == nil {
		t.Error("ByteOrderFlag('x') succeeded, want error")
	}
}

func TestDecoderErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		fn   func(*fragments.Decoder) error
	}{
		{"short uint32", []byte{0x00, 0x01}, func(d *fragments.Decoder) error {
			_, err := d.Uint32()
			return err
		}},
		{"unterminated string", []byte{0x00, 0x00, 0x00, 0x01, 'a', 'b'}, func(d *fragments.Decoder) error {
			_, err := d.String()
			return err
		}},
		{"truncated array", []byte{0x00, 0x00, 0x00, 0x08, 0x00, 0x01}, func(d *fragments.Decoder) error {
			_, err := d.Array(false, func(int) error {
				_, err := d.Uint16()
				return err
			})
			return err
		}},
		{"element error", []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x01}, func(d *fragments.Decoder) error {
			_, err := d.Array(false, func(int) error {
				return errors.New("boom")
			})
			return err
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &fragments.Decoder{
				Order: fragments.BigEndian,
				In:    bytes.NewReader(tc.in),
			}
			if err := tc.fn(d); err == nil {
				t.Fatal("decode succeeded, want error")
			}
		})
	}
}

func TestDecoderValue(t *testing.T) {
	d := fragments.Decoder{
		Order: fragments.BigEndian,
		In:    bytes.NewReader([]byte{0x00, 0x2a}),
		Mapper: func(t reflect.Type) (fragments.DecoderFunc, error) {
			if t.Kind() != reflect.Uint16 {
				return nil, errors.New("unsupported")
			}
			return func(d *fragments.Decoder, v reflect.Value) error {
				u, err := d.Uint16()
				if err != nil {
					return err
				}
				v.SetUint(uint64(u))
				return nil
			}, nil
		},
	}

	var got uint16
	if err := d.Value(&got); err != nil {
		t.Fatalf("Value() got err: %v", err)
	}
	if diff := cmp.Diff(got, uint16(42)); diff != "" {
		t.Errorf("Value() got diff (-got+want):\n%s", diff)
	}
	if err := d.Value(got); err == nil {
		t.Error("Value(non-pointer) succeeded, want error")
	}
	var s string
	if err := d.Value(&s); err == nil {
		t.Error("Value(*string) succeeded, want mapper error")
	}
}
