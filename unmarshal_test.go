package dbusrpc

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/danderson/dbusrpc/fragments"
	"github.com/google/go-cmp/cmp"
)

func TestUnmarshal(t *testing.T) {
	type testCase struct {
		in      []byte
		want    any
		wantErr bool
	}
	ok := func(raw []byte, want any) testCase {
		return testCase{raw, want, false}
	}
	fail := func(raw []byte, want any) testCase {
		return testCase{raw, want, true}
	}
	tests := []testCase{
		ok([]byte{0x00, 0x00, 0x00, 0x01}, ptr(true)),

		ok([]byte{0x42}, ptr(uint8(0x42))),

		ok([]byte{0x41, 0x42}, ptr(int16(0x4142))),

		ok([]byte{0x39, 0x40, 0x41, 0x42}, ptr(uint32(0x39404142))),

		ok([]byte{
			0x35, 0x36, 0x37, 0x38,
			0x39, 0x40, 0x41, 0x42},
			ptr(int64(0x3536373839404142))),

		ok([]byte{
			// Length
			0x00, 0x00, 0x00, 0x03,
			// "foo"
			0x66, 0x6f, 0x6f,
			// Terminator
			0x00,
		}, ptr("foo")),

		ok([]byte{
			0x00, 0x00, 0x00, 0x04,
			0x00, 0x01,
			0x00, 0x02},
			ptr([]uint16{1, 2})),

		ok([]byte{
			0x00, 0x00, 0x00, 0x10,
			0x00, 0x00, 0x00, 0x02,
			0x00, 0x01,
			0x00, 0x00, // padding
			0x00, 0x00, 0x00, 0x04,
			0x00, 0x02,
			0x00, 0x03},
			ptr([][]uint16{{1}, {2, 3}})),

		ok([]byte{
			0x00, 0x2a,
			0x00, 0x00, // padding
			0x00, 0x00, 0x00, 0x01},
			ptr(Simple{42, true})),

		ok([]byte{
			0x42,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // padding
			0x00, 0x2a,
			0x00, 0x00, // padding
			0x00, 0x00, 0x00, 0x01},
			ptr(Nested{66, Simple{42, true}})),

		ok([]byte{
			0x00, 0x2a,
			0x00, 0x00, // padding
			0x00, 0x00, 0x00, 0x01,
			0x42},
			ptr(Embedded{Simple{42, true}, 66})),

		ok([]byte{
			0x00, 0x2a,
			0x00, 0x00, // padding
			0x00, 0x00, 0x00, 0x01,
			0x42},
			ptr(Embedded_P{&Simple{42, true}, 66})),

		ok([]byte{
			0x00, 0x2a,
			0x00, 0x00, // padding
			0x00, 0x00, 0x00, 0x01,
			0x42},
			ptr(Embedded_PV{Embedded_P{&Simple{42, true}, 66}})),

		ok([]byte{
			0x00, 0x2a,
			0x00, 0x00, // padding
			0x00, 0x00, 0x00, 0x01,
			0x42,
			0x2a},
			ptr(Embedded_PVP{&Embedded_PV{Embedded_P{&Simple{42, true}, 66}}, 42})),
		ok([]byte{
			0x00, 0x2a,
			0x42},
			ptr(EmbeddedShadow{Simple{42, false}, 66})),

		ok([]byte{
			0x00, 0x00, 0x00, 0x0b, // dict len

			0x00, 0x00, 0x00, 0x00, // pad to struct
			0x00, 0x01, // key=1
			0x02, // val=2

			0x00, 0x00, 0x00, 0x00, 0x00, // pad to struct
			0x00, 0x03, // key=3
			0x04, // val=4
		}, ptr(map[uint16]uint8{1: 2, 3: 4})),

		ok([]byte{
			0x00, 0x00, 0x00, 0x0b, // dict len

			0x00, 0x00, 0x00, 0x00, // pad to struct
			0x00, 0x01, // key=1
			0x02, // val=2

			0x00, 0x00, 0x00, 0x00, 0x00, // pad to struct
			0x00, 0x03, // key=3
			0x04, // val=4
		}, ptr(map[uint16]*uint8{
			1: ptr[uint8](2),
			3: ptr[uint8](4),
		})),

		ok([]byte{
			// signature "(is)"
			0x04, '(', 'i', 's', ')', 0x00,
			// pad to struct
			0x00, 0x00,
			// .Field0
			0x00, 0x00, 0x00, 0x07,
			// .Field1
			0x00, 0x00, 0x00, 0x02, 'o', 'k', 0x00,
		}, ptr(any(struct {
			Field0 int32
			Field1 string
		}{7, "ok"}))),

		fail(nil, nil),
		fail([]byte{0x00, 0x00}, ptr(uint32(0))),
		fail([]byte{0x00, 0x00, 0x00, 0x05, 'a', 'b'}, ptr("")),
		fail([]byte{
			0x00, 0x00, 0x00, 0x02,
			0x00, 0x01},
			ptr([2]uint16{})),
		fail([]byte{0x00, 0x00, 0x00, 0x02}, ptr(false)),
		fail([]byte{0x01, 'h', 0x00}, ptr(any(nil))),
	}

	for _, tc := range tests {
		testUnmarshal(t, tc.in, tc.want, tc.wantErr)
		if !tc.wantErr {
			testRoundTrip(t, tc.want)
		}

		// For cases with a non-nil want pointer, run the test again
		// with another layer of pointer indirection.
		v := reflect.ValueOf(tc.want)
		if !v.IsValid() {
			continue
		}
		p := reflect.New(v.Type())
		p.Elem().Set(v)
		testUnmarshal(t, tc.in, p.Interface(), tc.wantErr)
		if !tc.wantErr {
			testRoundTrip(t, p.Interface())
		}
	}
}

func testUnmarshal(t *testing.T, in []byte, want any, wantErr bool) {
	t.Helper()
	var got any
	if want != nil {
		if reflect.TypeOf(want).Kind() != reflect.Pointer {
			panic("tc.want must be a pointer")
		}
		got = reflect.New(reflect.TypeOf(want).Elem()).Interface()
	}

	b := bytes.NewBuffer(in)
	dec := fragments.Decoder{
		Order:  fragments.BigEndian,
		Mapper: decoderFor,
		In:     b,
	}
	var err error
	if got == nil {
		err = unmarshal(in, fragments.BigEndian, got)
	} else {
		err = dec.Value(got)
	}
	if err != nil {
		if !wantErr {
			t.Errorf("Unmarshal(..., %T) got err: %v", want, err)
		} else if testing.Verbose() {
			t.Logf("Unmarshal(..., %T) = err: %v", want, err)
		}
	} else if wantErr {
		t.Errorf("Unmarshal(..., %T) decoded successfully, want error", want)
	} else if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Unmarshal(..., %T) decoded incorrectly (-got+want):\n%s", want, diff)
	} else if remain := b.Len(); remain != 0 {
		t.Errorf("Unmarshal(..., %T) left %d bytes unread: % x", want, remain, b.Bytes())
	} else if testing.Verbose() {
		t.Logf("Unmarshal(..., %T) = ptr(%#v)", want, reflect.ValueOf(got).Elem().Interface())
	}
}

func testRoundTrip(t *testing.T, val any) {
	t.Helper()
	bs, err := marshal(val, fragments.BigEndian)
	if err != nil {
		t.Errorf("re-Marshal(%T) got err: %v", val, err)
		return
	}
	got := reflect.New(reflect.TypeOf(val).Elem())
	if err := unmarshal(bs, fragments.BigEndian, got.Interface()); err != nil {
		t.Errorf("re-Unmarshal(%T) got err: %v", val, err)
	} else if diff := cmp.Diff(got.Interface(), val); diff != "" {
		t.Errorf("round trip of %T changed value (-got+want):\n%s", val, diff)
	}
}

func TestUnmarshalTargets(t *testing.T) {
	if err := unmarshal([]byte{0x01}, fragments.BigEndian, nil); err == nil {
		t.Error("unmarshal into nil succeeded, want error")
	}
	var b byte
	if err := unmarshal([]byte{0x01}, fragments.BigEndian, b); err == nil {
		t.Error("unmarshal into non-pointer succeeded, want error")
	}
	if err := unmarshal([]byte{0x01}, fragments.BigEndian, (*byte)(nil)); err == nil {
		t.Error("unmarshal into nil pointer succeeded, want error")
	}

	// Slices are reset before decoding, maps are cleared.
	s := []uint16{9, 9, 9}
	if err := unmarshal([]byte{0, 0, 0, 2, 0, 1}, fragments.BigEndian, &s); err != nil {
		t.Fatalf("unmarshal slice: %v", err)
	}
	if diff := cmp.Diff(s, []uint16{1}); diff != "" {
		t.Errorf("unmarshal slice wrong result (-got+want):\n%s", diff)
	}
	m := map[uint16]uint8{5: 5}
	raw := []byte{
		0x00, 0x00, 0x00, 0x03, // dict len
		0x00, 0x00, 0x00, 0x00, // pad to struct
		0x00, 0x01, // key=1
		0x02, // val=2
	}
	if err := unmarshal(raw, fragments.BigEndian, &m); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if diff := cmp.Diff(m, map[uint16]uint8{1: 2}); diff != "" {
		t.Errorf("unmarshal map wrong result (-got+want):\n%s", diff)
	}
}
