package fragments

import (
	"errors"
	"fmt"
	"math"
)

// MaxArrayLen is the largest array payload, in bytes, permitted by
// the DBus specification.
const MaxArrayLen = 64 << 20

// An Encoder writes DBus wire format data to a byte slice.
//
// Methods insert padding as needed to conform to DBus alignment
// rules, except for [Encoder.Write] which outputs bytes verbatim.
// Alignment is computed relative to the start of Out, so an Encoder
// must start at the beginning of a message or at an 8-byte aligned
// offset within one.
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte values.
	Order ByteOrder
	// Out is the encoded output.
	Out []byte
}

// Pad inserts padding bytes as needed to make the output a multiple
// of align bytes. If the output is already correctly aligned, no
// padding is inserted.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Write writes bs as-is to the output. It is the caller's
// responsibility to ensure correct padding and encoding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Bytes writes bs as a DBus byte array.
func (e *Encoder) Bytes(bs []byte) {
	e.Uint32(uint32(len(bs)))
	e.Out = append(e.Out, bs...)
}

// String writes s as a DBus string.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Signature writes s as a DBus signature string, which unlike other
// strings has a one byte length prefix.
func (e *Encoder) Signature(s string) error {
	if len(s) > 255 {
		return fmt.Errorf("signature %q is longer than 255 bytes", s)
	}
	e.Uint8(uint8(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
	return nil
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes a uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes a uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes a uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// Bool writes a DBus boolean, which is a uint32 restricted to 0 or 1.
func (e *Encoder) Bool(b bool) {
	var v uint32
	if b {
		v = 1
	}
	e.Uint32(v)
}

// Float64 writes an IEEE 754 double.
func (e *Encoder) Float64(f float64) {
	e.Uint64(math.Float64bits(f))
}

// Array writes an array to the output.
//
// Array elements must be added within the provided elements
// function. elemAlign is the alignment of the array's element type:
// DBus places the padding that aligns the first element outside of
// the array's length, so it must be known even for empty arrays.
func (e *Encoder) Array(elemAlign int, elements func() error) error {
	e.Pad(4)
	offset := len(e.Out)
	e.Uint32(0)
	e.Pad(elemAlign)

	start := len(e.Out)
	err := elements()
	end := len(e.Out)
	if err != nil {
		return err
	}
	if end-start > MaxArrayLen {
		return errors.New("array exceeds maximum DBus array size")
	}
	e.Order.PutUint32(e.Out[offset:], uint32(end-start))
	return nil
}

// Struct writes a struct to the output.
//
// Struct fields must be added within the provided fields function.
func (e *Encoder) Struct(fields func() error) error {
	e.Pad(8)
	return fields()
}

// ByteOrderFlag writes the DBus byte order flag byte ('l' or 'B')
// that matches [Encoder.Order].
func (e *Encoder) ByteOrderFlag() {
	e.Uint8(e.Order.Flag())
}
