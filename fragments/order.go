package fragments

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/cpu"
)

// ByteOrder is a byte order that DBus can describe in a message
// header.
type ByteOrder interface {
	byteOrder
	// Flag returns the DBus byte order flag for the order, 'l' for
	// little endian or 'B' for big endian.
	Flag() byte
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type wrapStd struct {
	byteOrder
	flag byte
}

func (w wrapStd) Flag() byte { return w.flag }

var (
	BigEndian    ByteOrder = wrapStd{binary.BigEndian, 'B'}
	LittleEndian ByteOrder = wrapStd{binary.LittleEndian, 'l'}
	// NativeEndian is the byte order of the running machine.
	NativeEndian ByteOrder = nativeOrder()
)

// IsBigEndian reports whether the running machine is big endian.
func IsBigEndian() bool {
	return cpu.IsBigEndian
}

func nativeOrder() ByteOrder {
	if cpu.IsBigEndian {
		return BigEndian
	}
	return LittleEndian
}

// OrderForFlag returns the ByteOrder described by a DBus byte order
// flag.
func OrderForFlag(flag byte) (ByteOrder, error) {
	switch flag {
	case 'B':
		return BigEndian, nil
	case 'l':
		return LittleEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order flag %q", flag)
	}
}
