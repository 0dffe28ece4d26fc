package fragments_test

import (
	"bytes"
	"testing"

	"github.com/danderson/gvariant/fragments"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name string
		in   func(*fragments.Encoder)
		want []byte
	}{
		{
			"raw bytes",
			func(e *fragments.Encoder) {
				e.Write([]byte{1, 2, 3})
			},
			[]byte{0x01, 0x02, 0x03},
		},

		{
			"byte array",
			func(e *fragments.Encoder) {
				e.Bytes([]byte{1, 2, 3})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x01, 0x02, 0x03, // val
			},
		},

		{
			"string",
			func(e *fragments.Encoder) {
				e.String("foo")
			},
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x66, 0x6f, 0x6f, // val
				0x00, // terminator
			},
		},

		{
			"signature",
			func(e *fragments.Encoder) {
				e.Signature("(is)")
			},
			[]byte{
				0x04, // length
				0x28, 0x69, 0x73, 0x29,
				0x00, // terminator
			},
		},

		{
			"uints",
			func(e *fragments.Encoder) {
				e.Uint8(42)
				e.Uint16(66)
				e.Uint32(42)
				e.Uint64(66)
			},
			[]byte{
				0x2a,
				0x00, // pad
				0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
			},
		},

		{
			"uints padding",
			func(e *fragments.Encoder) {
				e.Uint64(66)
				e.Write([]byte{0})
				e.Uint32(42)
				e.Write([]byte{0})
				e.Uint16(66)
				e.Write([]byte{0})
				e.Uint8(42)
			},
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
		},

		{
			"bool and double",
			func(e *fragments.Encoder) {
				e.Bool(true)
				e.Float64(1)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x01,
				0x00, 0x00, 0x00, 0x00, // pad
				0x3f, 0xf0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			},
		},

		{
			"struct padding",
			func(e *fragments.Encoder) {
				e.Struct(func() error {
					e.Uint64(66)
					return nil
				})
				e.Struct(func() error {
					e.Uint32(42)
					return nil
				})
				e.Struct(func() error {
					e.Uint16(66)
					return nil
				})
				e.Struct(func() error {
					e.Uint8(42)
					return nil
				})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x42,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad
				0x2a,
			},
		},

		{
			"array",
			func(e *fragments.Encoder) {
				e.Array(2, func() error {
					e.Uint16(1)
					e.Uint16(2)
					return nil
				})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x04, // length
				0x00, 0x01,
				0x00, 0x02,
			},
		},

		{
			"empty array",
			func(e *fragments.Encoder) {
				e.Array(4, func() error { return nil })
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
			},
		},

		{
			"struct array",
			func(e *fragments.Encoder) {
				e.Array(8, func() error {
					e.Struct(func() error {
						e.Uint16(1)
						return nil
					})
					e.Struct(func() error {
						e.Uint16(2)
						return nil
					})
					return nil
				})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x0a, // length
				0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x02,
			},
		},

		{
			"empty uint64 array",
			func(e *fragments.Encoder) {
				e.Array(8, func() error { return nil })
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
				0x00, 0x00, 0x00, 0x00, // pad
			},
		},

		{
			"struct array followed by other stuff",
			func(e *fragments.Encoder) {
				e.Array(8, func() error {
					e.Struct(func() error {
						e.Uint16(1)
						return nil
					})
					e.Struct(func() error {
						e.Uint16(2)
						return nil
					})
					return nil
				})
				e.Uint16(3)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x0a, // length
				0x00, 0x00, 0x00, 0x00, // pad to struct
				0x00, 0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad to struct
				0x00, 0x02,
				0x00, 0x03,
			},
		},

		{
			"byte order flag",
			func(e *fragments.Encoder) {
				e.Order = fragments.BigEndian
				e.ByteOrderFlag()
				e.Order = fragments.LittleEndian
				e.ByteOrderFlag()
			},
			[]byte{'B', 'l'},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := fragments.Encoder{
				Order: fragments.BigEndian,
			}
			tc.in(&e)
			if got := e.Out; !bytes.Equal(got, tc.want) {
				t.Errorf("incorrect encode:\n  got: % x\n want: % x", got, tc.want)
			} else if testing.Verbose() {
				t.Logf("encoder got: % x", got)
			}
		})
	}
}

func TestEncoderLongSignature(t *testing.T) {
	e := fragments.Encoder{Order: fragments.LittleEndian}
	if err := e.Signature(string(bytes.Repeat([]byte("y"), 256))); err == nil {
		t.Fatal("Signature accepted a 256 byte signature")
	}
}

func TestNativeEndian(t *testing.T) {
	want := fragments.LittleEndian
	if fragments.IsBigEndian() {
		want = fragments.BigEndian
	}
	if fragments.NativeEndian != want {
		t.Errorf("NativeEndian has flag %q, want %q", fragments.NativeEndian.Flag(), want.Flag())
	}
}
