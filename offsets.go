package gvariant

import (
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/danderson/gvariant/fragments"
)

// UTF16Offset converts a byte offset into the UTF-8 string s into the
// equivalent offset in UTF-16 code units.
//
// byteOffset must fall on a rune boundary within [0, len(s)].
func UTF16Offset(s string, byteOffset int) (int, error) {
	const op = "UTF16Offset"
	if byteOffset < 0 || byteOffset > len(s) {
		return 0, Errorf(op, ErrEncoding, "byte offset %d outside string of length %d", byteOffset, len(s))
	}
	if !utf8.ValidString(s) {
		return 0, Errorf(op, ErrEncoding, "string is not valid UTF-8")
	}
	units := 0
	for i, r := range s {
		if i == byteOffset {
			return units, nil
		}
		if i > byteOffset {
			break
		}
		units += utf16.RuneLen(r)
	}
	if byteOffset == len(s) {
		return units, nil
	}
	return 0, Errorf(op, ErrEncoding, "byte offset %d is inside a multi-byte character", byteOffset)
}

// ByteOffset converts an offset in UTF-16 code units into the string
// s into the equivalent byte offset in its UTF-8 encoding.
//
// utf16Offset must not split a surrogate pair.
func ByteOffset(s string, utf16Offset int) (int, error) {
	const op = "ByteOffset"
	if utf16Offset < 0 {
		return 0, Errorf(op, ErrEncoding, "negative offset %d", utf16Offset)
	}
	if !utf8.ValidString(s) {
		return 0, Errorf(op, ErrEncoding, "string is not valid UTF-8")
	}
	units := 0
	for i, r := range s {
		if units == utf16Offset {
			return i, nil
		}
		if units > utf16Offset {
			return 0, Errorf(op, ErrEncoding, "offset %d splits a surrogate pair", utf16Offset)
		}
		units += utf16.RuneLen(r)
	}
	if units == utf16Offset {
		return len(s), nil
	}
	if units > utf16Offset {
		return 0, Errorf(op, ErrEncoding, "offset %d splits a surrogate pair", utf16Offset)
	}
	return 0, Errorf(op, ErrEncoding, "offset %d beyond string of %d UTF-16 units", utf16Offset, units)
}

func utf16Encoding(order fragments.ByteOrder) unicode.Endianness {
	if order.Flag() == fragments.BigEndian.Flag() {
		return unicode.BigEndian
	}
	return unicode.LittleEndian
}

// EncodeUTF16 transcodes s to UTF-16 in the given byte order, without
// a byte order mark.
func EncodeUTF16(s string, order fragments.ByteOrder) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, Errorf("EncodeUTF16", ErrEncoding, "string is not valid UTF-8")
	}
	enc := unicode.UTF16(utf16Encoding(order), unicode.IgnoreBOM).NewEncoder()
	ret, _, err := transform.Bytes(enc, []byte(s))
	if err != nil {
		return nil, WrapError("EncodeUTF16", ErrEncoding, err)
	}
	return ret, nil
}

// DecodeUTF16 transcodes UTF-16 data in the given byte order to a
// UTF-8 string. A leading byte order mark overrides order.
func DecodeUTF16(b []byte, order fragments.ByteOrder) (string, error) {
	if len(b)%2 != 0 {
		return "", Errorf("DecodeUTF16", ErrEncoding, "odd length %d", len(b))
	}
	dec := unicode.UTF16(utf16Encoding(order), unicode.UseBOM).NewDecoder()
	ret, _, err := transform.Bytes(dec, b)
	if err != nil {
		return "", WrapError("DecodeUTF16", ErrEncoding, err)
	}
	return string(ret), nil
}
