package gvariant

import (
	"bytes"
	"fmt"

	"github.com/danderson/gvariant/fragments"
)

// maxDecodeDepth is the maximum container nesting accepted when
// decoding, counting variants. It leaves room for the tuple that
// wraps a message body.
const maxDecodeDepth = MaxArrayDepth + MaxTupleDepth + 1

// MarshalWire returns the DBus wire encoding of v in the given byte
// order. The encoding assumes v starts at an 8-byte aligned offset.
func (v *Value) MarshalWire(order fragments.ByteOrder) ([]byte, error) {
	enc := fragments.Encoder{Order: order}
	if err := v.EncodeTo(&enc); err != nil {
		return nil, err
	}
	return enc.Out, nil
}

// EncodeTo appends the DBus wire encoding of v to enc.
func (v *Value) EncodeTo(enc *fragments.Encoder) error {
	if err := v.encode(enc); err != nil {
		return WrapError("MarshalWire", ErrEncoding, err)
	}
	return nil
}

func (v *Value) encode(enc *fragments.Encoder) error {
	p := v.cell.Load()
	switch v.typ.Code() {
	case CodeByte:
		enc.Uint8(p.(uint8))
	case CodeBoolean:
		enc.Bool(p.(bool))
	case CodeInt16:
		enc.Uint16(uint16(p.(int16)))
	case CodeUint16:
		enc.Uint16(p.(uint16))
	case CodeInt32:
		enc.Uint32(uint32(p.(int32)))
	case CodeUint32:
		enc.Uint32(p.(uint32))
	case CodeInt64:
		enc.Uint64(uint64(p.(int64)))
	case CodeUint64:
		enc.Uint64(p.(uint64))
	case CodeDouble:
		enc.Float64(p.(float64))
	case CodeString, CodeObjectPath:
		enc.String(p.(string))
	case CodeSignature:
		return enc.Signature(p.(string))
	case CodeVariant:
		child := p.(*Value)
		if err := enc.Signature(child.typ.String()); err != nil {
			return err
		}
		return child.encode(enc)
	case CodeArray:
		elem, _ := v.typ.Elem()
		children := p.([]*Value)
		if len(children) > 0 && encodesEmpty(elem) {
			// The wire length would be 0 whatever the element count.
			return fmt.Errorf("array of zero-size %q elements", elem)
		}
		return enc.Array(elem.alignment(), func() error {
			for _, c := range children {
				if err := c.encode(enc); err != nil {
					return err
				}
			}
			return nil
		})
	case CodeTuple, CodeDictEntry:
		return enc.Struct(func() error {
			for _, c := range p.([]*Value) {
				if err := c.encode(enc); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return fmt.Errorf("cannot encode value of type %q", v.typ)
	}
	return nil
}

// encodesEmpty reports whether every value of type t has an empty
// wire encoding.
func encodesEmpty(t Signature) bool {
	if t.Code() != CodeTuple {
		return false
	}
	for _, m := range t.t.members {
		if !encodesEmpty(Signature{m}) {
			return false
		}
	}
	return true
}

// UnmarshalWire decodes a value of type t from its DBus wire
// encoding. data must hold exactly one value, starting at an 8-byte
// aligned offset.
func UnmarshalWire(data []byte, order fragments.ByteOrder, t Signature) (*Value, error) {
	dec := fragments.Decoder{
		Order: order,
		In:    bytes.NewReader(data),
	}
	v, err := DecodeFrom(&dec, t)
	if err != nil {
		return nil, err
	}
	if extra := len(data) - dec.Offset(); extra > 0 {
		v.Release()
		return nil, Errorf("UnmarshalWire", ErrEncoding, "%d trailing bytes after %s value", extra, t)
	}
	return v, nil
}

// DecodeFrom reads one value of type t from dec.
func DecodeFrom(dec *fragments.Decoder, t Signature) (*Value, error) {
	if !t.IsDefinite() {
		return nil, Errorf("UnmarshalWire", ErrTypeMismatch, "cannot decode indefinite type %q", t)
	}
	v, err := decode(dec, t, 0)
	if err != nil {
		return nil, WrapError("UnmarshalWire", ErrEncoding, err)
	}
	return v, nil
}

func decode(dec *fragments.Decoder, t Signature, depth int) (*Value, error) {
	if depth > maxDecodeDepth {
		return nil, fmt.Errorf("values nested deeper than %d", maxDecodeDepth)
	}
	switch t.Code() {
	case CodeByte:
		u, err := dec.Uint8()
		return scalar(t, u, err)
	case CodeBoolean:
		b, err := dec.Bool()
		return scalar(t, b, err)
	case CodeInt16:
		u, err := dec.Uint16()
		return scalar(t, int16(u), err)
	case CodeUint16:
		u, err := dec.Uint16()
		return scalar(t, u, err)
	case CodeInt32:
		u, err := dec.Uint32()
		return scalar(t, int32(u), err)
	case CodeUint32:
		u, err := dec.Uint32()
		return scalar(t, u, err)
	case CodeInt64:
		u, err := dec.Uint64()
		return scalar(t, int64(u), err)
	case CodeUint64:
		u, err := dec.Uint64()
		return scalar(t, u, err)
	case CodeDouble:
		f, err := dec.Float64()
		return scalar(t, f, err)
	case CodeString:
		s, err := dec.String()
		if err != nil {
			return nil, err
		}
		if err := checkString(s); err != nil {
			return nil, err
		}
		return newValue(t, s), nil
	case CodeObjectPath:
		s, err := dec.String()
		if err != nil {
			return nil, err
		}
		if err := ObjectPath(s).Valid(); err != nil {
			return nil, err
		}
		return newValue(t, s), nil
	case CodeSignature:
		s, err := dec.Signature()
		if err != nil {
			return nil, err
		}
		if err := checkSignatureValue(s); err != nil {
			return nil, err
		}
		return newValue(t, s), nil
	case CodeVariant:
		s, err := dec.Signature()
		if err != nil {
			return nil, err
		}
		inner, err := ParseSignature(s)
		if err != nil {
			return nil, err
		}
		if !inner.IsDefinite() {
			return nil, fmt.Errorf("variant holds indefinite type %q", inner)
		}
		child, err := decode(dec, inner, depth+1)
		if err != nil {
			return nil, err
		}
		return newValue(t, child), nil
	case CodeArray:
		elem, _ := t.Elem()
		var children []*Value
		_, err := dec.Array(elem.alignment(), func(int) error {
			start := dec.Offset()
			c, err := decode(dec, elem, depth+1)
			if err != nil {
				return err
			}
			children = append(children, c)
			if dec.Offset() == start {
				return fmt.Errorf("array of zero-size %q elements", elem)
			}
			return nil
		})
		if err != nil {
			releaseAll(children)
			return nil, err
		}
		return newValue(t, children), nil
	case CodeTuple, CodeDictEntry:
		var children []*Value
		err := dec.Struct(func() error {
			for _, m := range t.Members() {
				c, err := decode(dec, m, depth+1)
				if err != nil {
					return err
				}
				children = append(children, c)
			}
			return nil
		})
		if err != nil {
			releaseAll(children)
			return nil, err
		}
		return newValue(t, children), nil
	default:
		return nil, fmt.Errorf("cannot decode value of type %q", t)
	}
}

func scalar[T any](t Signature, v T, err error) (*Value, error) {
	if err != nil {
		return nil, err
	}
	return newValue(t, v), nil
}

func releaseAll(vs []*Value) {
	for _, v := range vs {
		v.Release()
	}
}
