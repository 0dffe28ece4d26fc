package gvariant

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/danderson/gvariant/internal/native"
)

// A Value is an immutable, typed, reference-counted value.
//
// A Value's storage lives on the native side of the value boundary,
// and is freed when the last reference is released. Every
// constructor returns a Value with one reference, owned by the
// caller.
//
// Container values (tuples, arrays, dict entries and variants)
// exclusively own their children. Releasing the last reference to a
// container releases its references to its children.
//
// Values are safe for concurrent use, but Retain and Release must be
// balanced by their callers: releasing more references than were
// held panics.
type Value struct {
	typ  Signature
	cell *native.Cell
	refs atomic.Int32
}

func newValue(typ Signature, payload any) *Value {
	ret := &Value{
		typ:  typ,
		cell: native.Alloc(payload),
	}
	ret.refs.Store(1)
	return ret
}

// NewByte returns a byte value.
func NewByte(b uint8) *Value { return newValue(SigByte, b) }

// NewBoolean returns a boolean value.
func NewBoolean(b bool) *Value { return newValue(SigBoolean, b) }

// NewInt16 returns a signed 16-bit integer value.
func NewInt16(i int16) *Value { return newValue(SigInt16, i) }

// NewUint16 returns an unsigned 16-bit integer value.
func NewUint16(u uint16) *Value { return newValue(SigUint16, u) }

// NewInt32 returns a signed 32-bit integer value.
func NewInt32(i int32) *Value { return newValue(SigInt32, i) }

// NewUint32 returns an unsigned 32-bit integer value.
func NewUint32(u uint32) *Value { return newValue(SigUint32, u) }

// NewInt64 returns a signed 64-bit integer value.
func NewInt64(i int64) *Value { return newValue(SigInt64, i) }

// NewUint64 returns an unsigned 64-bit integer value.
func NewUint64(u uint64) *Value { return newValue(SigUint64, u) }

// NewDouble returns an IEEE 754 double precision value.
func NewDouble(f float64) *Value { return newValue(SigDouble, f) }

// NewString returns a string value.
//
// s must be valid UTF-8 and must not contain NUL bytes.
func NewString(s string) (*Value, error) {
	if err := checkString(s); err != nil {
		return nil, Errorf("NewString", ErrEncoding, "%v", err)
	}
	return newValue(SigString, s), nil
}

func checkString(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("string %q is not valid UTF-8", s)
	}
	if i := strings.IndexByte(s, 0); i >= 0 {
		return fmt.Errorf("string contains NUL at offset %d", i)
	}
	return nil
}

// NewObjectPath returns an object path value.
func NewObjectPath(p ObjectPath) (*Value, error) {
	if err := p.Valid(); err != nil {
		return nil, Errorf("NewObjectPath", ErrEncoding, "%v", err)
	}
	return newValue(SigObjectPath, string(p)), nil
}

// NewSignature returns a signature value.
//
// sig is a sequence of zero or more complete definite types, as
// found in the body signature of a bus message.
func NewSignature(sig string) (*Value, error) {
	if err := checkSignatureValue(sig); err != nil {
		return nil, WrapError("NewSignature", ErrEncoding, err)
	}
	return newValue(SigSignature, sig), nil
}

func checkSignatureValue(sig string) error {
	sigs, err := ParseSignatureList(sig)
	if err != nil {
		return err
	}
	for _, s := range sigs {
		if !s.IsDefinite() {
			return fmt.Errorf("signature %q contains an indefinite type", s)
		}
	}
	return nil
}

// NewVariant returns a variant value boxing child.
//
// On success, the variant takes ownership of the caller's reference
// to child.
func NewVariant(child *Value) (*Value, error) {
	if child == nil {
		return nil, Errorf("NewVariant", ErrTypeMismatch, "nil child")
	}
	return newValue(SigVariant, child), nil
}

// NewStrv returns an array of strings.
func NewStrv(ss []string) (*Value, error) {
	for i, s := range ss {
		if err := checkString(s); err != nil {
			return nil, Errorf("NewStrv", ErrEncoding, "element %d: %v", i, err)
		}
	}
	children := make([]*Value, len(ss))
	for i, s := range ss {
		children[i] = newValue(SigString, s)
	}
	return newValue(SigStrv, children), nil
}

// NewTuple returns a tuple of children, in order.
//
// On success, the tuple takes ownership of the caller's references to
// children. On failure, the caller retains ownership.
func NewTuple(children ...*Value) (*Value, error) {
	sigs := make([]Signature, len(children))
	for i, c := range children {
		if c == nil {
			return nil, Errorf("NewTuple", ErrTypeMismatch, "member %d is nil", i)
		}
		sigs[i] = c.typ
	}
	typ, err := TupleOf(sigs...)
	if err != nil {
		return nil, WrapError("NewTuple", ErrTypeMismatch, err)
	}
	return newValue(typ, append([]*Value(nil), children...)), nil
}

// NewArray returns an array of elem-typed children.
//
// On success, the array takes ownership of the caller's references to
// children. On failure, the caller retains ownership.
func NewArray(elem Signature, children ...*Value) (*Value, error) {
	if !elem.IsDefinite() {
		return nil, Errorf("NewArray", ErrTypeMismatch, "element type %q is not definite", elem)
	}
	typ, err := ArrayOf(elem)
	if err != nil {
		return nil, WrapError("NewArray", ErrTypeMismatch, err)
	}
	for i, c := range children {
		if c == nil {
			return nil, Errorf("NewArray", ErrTypeMismatch, "element %d is nil", i)
		}
		if !c.typ.Equal(elem) {
			return nil, Errorf("NewArray", ErrTypeMismatch, "element %d has type %q, want %q", i, c.typ, elem)
		}
	}
	return newValue(typ, append([]*Value(nil), children...)), nil
}

// NewDictEntry returns a dict entry mapping key to val. key must be
// of a basic type.
//
// On success, the entry takes ownership of the caller's references to
// key and val. On failure, the caller retains ownership.
func NewDictEntry(key, val *Value) (*Value, error) {
	if key == nil || val == nil {
		return nil, Errorf("NewDictEntry", ErrTypeMismatch, "nil key or value")
	}
	if !key.typ.IsBasic() {
		return nil, Errorf("NewDictEntry", ErrTypeMismatch, "key type %q is not a basic type", key.typ)
	}
	typ, err := ParseSignature("a{" + key.typ.String() + val.typ.String() + "}")
	if err != nil {
		return nil, WrapError("NewDictEntry", ErrTypeMismatch, err)
	}
	entry, _ := typ.Elem()
	return newValue(entry, []*Value{key, val}), nil
}

// Type returns v's type.
func (v *Value) Type() Signature { return v.typ }

// TypeString returns the text form of v's type.
func (v *Value) TypeString() string { return v.typ.String() }

// IsOfType reports whether v's type matches t. t may contain
// wildcards, see [Signature.Matches].
func (v *Value) IsOfType(t Signature) bool { return v.typ.Matches(t) }

// Retain adds a reference to v, and returns v.
//
// Retain panics if v has already been freed.
func (v *Value) Retain() *Value {
	for {
		n := v.refs.Load()
		if n <= 0 {
			panic(fmt.Sprintf("gvariant: Retain of released %s value", v.typ))
		}
		if v.refs.CompareAndSwap(n, n+1) {
			return v
		}
	}
}

// Release drops a reference to v. When the last reference is
// released, v's storage is freed and v releases its children.
//
// Release panics if it is called more times than v has references.
func (v *Value) Release() {
	if v == nil {
		return
	}
	n := v.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("gvariant: over-release of %s value", v.typ))
	}
	if n > 0 {
		return
	}
	switch p := v.cell.Free().(type) {
	case *Value:
		p.Release()
	case []*Value:
		for _, c := range p {
			c.Release()
		}
	}
}

// RefCount returns the current number of references to v.
func (v *Value) RefCount() int { return int(v.refs.Load()) }

func extract[T any](v *Value, op string, codes ...Code) (T, error) {
	for _, c := range codes {
		if v.typ.Code() == c {
			return v.cell.Load().(T), nil
		}
	}
	var zero T
	want := make([]string, len(codes))
	for i, c := range codes {
		want[i] = c.String()
	}
	return zero, mismatch(op, v.typ, strings.Join(want, " or "))
}

// AsByte returns the contents of a byte value.
func (v *Value) AsByte() (uint8, error) { return extract[uint8](v, "AsByte", CodeByte) }

// AsBoolean returns the contents of a boolean value.
func (v *Value) AsBoolean() (bool, error) { return extract[bool](v, "AsBoolean", CodeBoolean) }

// AsInt16 returns the contents of an int16 value.
func (v *Value) AsInt16() (int16, error) { return extract[int16](v, "AsInt16", CodeInt16) }

// AsUint16 returns the contents of a uint16 value.
func (v *Value) AsUint16() (uint16, error) { return extract[uint16](v, "AsUint16", CodeUint16) }

// AsInt32 returns the contents of an int32 value.
func (v *Value) AsInt32() (int32, error) { return extract[int32](v, "AsInt32", CodeInt32) }

// AsUint32 returns the contents of a uint32 value.
func (v *Value) AsUint32() (uint32, error) { return extract[uint32](v, "AsUint32", CodeUint32) }

// AsInt64 returns the contents of an int64 value.
func (v *Value) AsInt64() (int64, error) { return extract[int64](v, "AsInt64", CodeInt64) }

// AsUint64 returns the contents of a uint64 value.
func (v *Value) AsUint64() (uint64, error) { return extract[uint64](v, "AsUint64", CodeUint64) }

// AsDouble returns the contents of a double value.
func (v *Value) AsDouble() (float64, error) { return extract[float64](v, "AsDouble", CodeDouble) }

// AsString returns the contents of a string, object path or signature
// value. The length of the string is len of the result.
func (v *Value) AsString() (string, error) {
	return extract[string](v, "AsString", CodeString, CodeObjectPath, CodeSignature)
}

// AsObjectPath returns the contents of an object path value.
func (v *Value) AsObjectPath() (ObjectPath, error) {
	s, err := extract[string](v, "AsObjectPath", CodeObjectPath)
	return ObjectPath(s), err
}

// AsSignature returns the contents of a signature value.
func (v *Value) AsSignature() (string, error) {
	return extract[string](v, "AsSignature", CodeSignature)
}

// AsVariant returns the value boxed in a variant. The caller owns a
// new reference to the result.
func (v *Value) AsVariant() (*Value, error) {
	child, err := extract[*Value](v, "AsVariant", CodeVariant)
	if err != nil {
		return nil, err
	}
	return child.Retain(), nil
}

// AsStrv returns the contents of an array of strings.
func (v *Value) AsStrv() ([]string, error) {
	if !v.typ.Equal(SigStrv) {
		return nil, mismatch("AsStrv", v.typ, "array of strings")
	}
	children := v.cell.Load().([]*Value)
	ret := make([]string, len(children))
	for i, c := range children {
		ret[i] = c.cell.Load().(string)
	}
	return ret, nil
}

// children returns v's child values, without adding references. It
// returns nil for scalars.
func (v *Value) children() []*Value {
	switch p := v.cell.Load().(type) {
	case []*Value:
		return p
	case *Value:
		return []*Value{p}
	}
	return nil
}

// NumChildren returns the number of children of a container value. A
// variant has exactly one child.
func (v *Value) NumChildren() (int, error) {
	if !v.typ.IsContainer() {
		return 0, mismatch("NumChildren", v.typ, "container")
	}
	return len(v.children()), nil
}

// ChildAt returns the i-th child of a container value. The caller
// owns a new reference to the result.
func (v *Value) ChildAt(i int) (*Value, error) {
	if !v.typ.IsContainer() {
		return nil, mismatch("ChildAt", v.typ, "container")
	}
	cs := v.children()
	if i < 0 || i >= len(cs) {
		return nil, Errorf("ChildAt", ErrIndexOutOfRange, "child %d of %s value with %d children", i, v.typ, len(cs))
	}
	return cs[i].Retain(), nil
}

// Equal reports whether v and o have the same type and contents.
//
// Doubles compare by bit pattern, so NaN equals itself and 0 does
// not equal -0.
func (v *Value) Equal(o *Value) bool {
	if v == o {
		return true
	}
	if v == nil || o == nil || !v.typ.Equal(o.typ) {
		return false
	}
	a, b := v.cell.Load(), o.cell.Load()
	switch a := a.(type) {
	case float64:
		return math.Float64bits(a) == math.Float64bits(b.(float64))
	case *Value:
		return a.Equal(b.(*Value))
	case []*Value:
		bs := b.([]*Value)
		if len(a) != len(bs) {
			return false
		}
		for i := range a {
			if !a[i].Equal(bs[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
