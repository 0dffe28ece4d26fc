package fragments

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
)

// A Decoder reads DBus wire format data.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input stream to read.
	In io.Reader

	// offset is the number of bytes consumed off the front of In so
	// far. We have to keep track of this because alignment depends on
	// the global offset within the message, and cannot be derived
	// from local context partway through decoding.
	offset int
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int {
	return d.offset
}

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. If the decoder is already correctly
// aligned, no bytes are consumed. Padding bytes must be zero.
func (d *Decoder) Pad(align int) error {
	extra := d.offset % align
	if extra == 0 {
		return nil
	}
	bs, err := d.Read(align - extra)
	if err != nil {
		return err
	}
	for _, b := range bs {
		if b != 0 {
			return errors.New("non-zero padding byte")
		}
	}
	return nil
}

// Read reads n bytes, with no framing or padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	bs := make([]byte, n)
	if _, err := io.ReadFull(d.In, bs); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	d.offset += n
	return bs, nil
}

// Bytes reads a DBus byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if ln > MaxArrayLen {
		return nil, fmt.Errorf("byte array length %d exceeds maximum", ln)
	}
	return d.Read(int(ln))
}

// String reads a DBus string.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	if ln > MaxArrayLen {
		return "", fmt.Errorf("string length %d exceeds maximum", ln)
	}
	return d.terminated(int(ln))
}

// Signature reads a DBus signature string.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

func (d *Decoder) terminated(ln int) (string, error) {
	bs, err := d.Read(ln + 1)
	if err != nil {
		return "", err
	}
	if bs[ln] != 0 {
		return "", errors.New("string is missing its nul terminator")
	}
	if bytes.IndexByte(bs[:ln], 0) >= 0 {
		return "", errors.New("string contains an embedded nul byte")
	}
	return string(bs[:ln]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Bool reads a DBus boolean. Values other than 0 and 1 are
// rejected.
func (d *Decoder) Bool() (bool, error) {
	u, err := d.Uint32()
	if err != nil {
		return false, err
	}
	switch u {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean value %d", u)
	}
}

// Float64 reads an IEEE 754 double.
func (d *Decoder) Float64() (float64, error) {
	u, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// Array reads an array.
//
// readElement is called repeatedly while there is array data
// remaining to process, passing in the array index of the element to
// be decoded. readElement must completely consume all array bytes
// from the input, and must not read beyond the end of the array data.
//
// elemAlign is the alignment of the array's element type, so that
// the decoder consumes the padding before the first element even if
// the array is empty.
//
// Array returns the total number of array elements that were
// processed.
func (d *Decoder) Array(elemAlign int, readElement func(int) error) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if ln > MaxArrayLen {
		return 0, fmt.Errorf("array length %d exceeds maximum", ln)
	}
	if err := d.Pad(elemAlign); err != nil {
		return 0, err
	}
	if ln == 0 {
		return 0, nil
	}
	outerReader := d.In
	limit := &io.LimitedReader{
		R: outerReader,
		N: int64(ln),
	}
	d.In = limit
	defer func() {
		d.In = outerReader
	}()
	idx := 0
	for limit.N > 0 {
		if err := readElement(idx); err != nil {
			return idx, err
		}
		idx++
	}
	return idx, nil
}

// Struct reads a struct.
//
// Struct fields must be read within the provided fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	ord, err := OrderForFlag(v)
	if err != nil {
		return err
	}
	d.Order = ord
	return nil
}
