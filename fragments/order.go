package fragments

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

// ByteOrder is a [binary.ByteOrder] that also knows its DBus byte
// order flag.
type ByteOrder interface {
	byteOrder
	dbusFlag() byte
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type order struct {
	byteOrder
	flag byte
}

func (o order) dbusFlag() byte { return o.flag }

var (
	BigEndian    ByteOrder = order{binary.BigEndian, 'B'}
	LittleEndian ByteOrder = order{binary.LittleEndian, 'l'}
	NativeEndian ByteOrder = order{binary.NativeEndian, nativeFlag()}
)

func nativeFlag() byte {
	if cpu.IsBigEndian {
		return 'B'
	}
	return 'l'
}

// orderForFlag returns the byte order denoted by a DBus byte order
// flag.
func orderForFlag(flag byte) (ByteOrder, bool) {
	switch flag {
	case 'B':
		return BigEndian, true
	case 'l':
		return LittleEndian, true
	}
	return nil, false
}
