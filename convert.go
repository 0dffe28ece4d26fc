package gvariant

import (
	"cmp"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

var (
	valueType      = reflect.TypeFor[*Value]()
	signatureType  = reflect.TypeFor[Signature]()
	objectPathType = reflect.TypeFor[ObjectPath]()

	typeToSignature cache[reflect.Type, Signature]
)

// SignatureFor returns the Signature of values converted from T by
// [From].
func SignatureFor[T any]() (Signature, error) {
	return signatureFor(reflect.TypeFor[T](), nil)
}

// SignatureOf returns the Signature of the value [From] would return
// for v.
func SignatureOf(v any) (Signature, error) {
	if vv, ok := v.(*Value); ok && vv != nil {
		return vv.typ, nil
	}
	return signatureFor(reflect.TypeOf(v), nil)
}

func typeErr(t reflect.Type, format string, args ...any) error {
	return Errorf("SignatureOf", ErrTypeMismatch, "%s: %s", t, fmt.Sprintf(format, args...))
}

func signatureFor(t reflect.Type, stack []reflect.Type) (sig Signature, err error) {
	if t == nil {
		return Signature{}, Errorf("SignatureOf", ErrTypeMismatch, "nil interface")
	}
	if ret, err := typeToSignature.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return Signature{}, err
	}

	if slices.Contains(stack, t) {
		return Signature{}, typeErr(t, "recursive type")
	}
	stack = append(stack, t)

	// Note, defer captures the type value before we mess with it
	// below.
	defer func(t reflect.Type) {
		if err != nil {
			typeToSignature.SetErr(t, err)
		} else {
			typeToSignature.Set(t, sig)
		}
	}(t)

	if t == valueType || t.Kind() == reflect.Interface {
		return SigVariant, nil
	}
	t = derefType(t)

	switch t {
	case signatureType:
		return SigSignature, nil
	case objectPathType:
		return SigObjectPath, nil
	}
	if code, ok := kindToCode[t.Kind()]; ok {
		return ParseSignature(string(code))
	}

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		es, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return ArrayOf(es)
	case reflect.Map:
		ks, err := signatureFor(t.Key(), stack)
		if err != nil {
			return Signature{}, err
		}
		if !ks.IsBasic() {
			return Signature{}, typeErr(t, "map key type %q is not a basic type", ks)
		}
		vs, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return ParseSignature("a{" + ks.String() + vs.String() + "}")
	case reflect.Struct:
		fs, err := tupleFields(t)
		if err != nil {
			return Signature{}, err
		}
		var s []string
		for _, f := range fs {
			fieldSig, err := signatureFor(f.Type, stack)
			if err != nil {
				return Signature{}, err
			}
			s = append(s, fieldSig.String())
		}
		return ParseSignature("(" + strings.Join(s, "") + ")")
	}

	return Signature{}, typeErr(t, "no mapping available")
}

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func derefAlloc(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	return v
}

// tupleFields returns the fields of struct type t that map to tuple
// members, in order. Fields of embedded structs are flattened into
// the parent. Unexported fields and fields tagged `gvariant:"-"` are
// skipped.
func tupleFields(t reflect.Type) ([]reflect.StructField, error) {
	var ret []reflect.StructField
	for i := range t.NumField() {
		f := t.Field(i)
		if f.Tag.Get("gvariant") == "-" {
			continue
		}
		if f.Anonymous {
			if f.Type.Kind() == reflect.Pointer && f.Type.Elem().Kind() == reflect.Struct {
				return nil, typeErr(t, "embedded struct pointer %s is not supported", f.Type)
			}
			if f.Type.Kind() == reflect.Struct {
				sub, err := tupleFields(f.Type)
				if err != nil {
					return nil, err
				}
				for _, sf := range sub {
					sf.Index = append([]int{i}, sf.Index...)
					ret = append(ret, sf)
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		ret = append(ret, f)
	}
	return ret, nil
}

// From returns a Value holding the contents of v.
//
// Go types map to value types as follows: uint8, bool, int16, uint16,
// int32, uint32, int64, uint64, float64 and string map to the
// corresponding basic types. [ObjectPath] maps to an object path and
// [Signature] to a signature. Slices and arrays map to arrays, maps
// to arrays of dict entries with entries sorted by key, and structs
// to tuples of their exported fields. Interface values and *Value
// nested inside other values map to variants. Pointers are followed.
//
// A *Value given directly to From is returned as is, with an extra
// reference for the caller.
//
// Types with no unambiguous wire representation, such as int, uint
// and float32, are rejected.
func From(v any) (*Value, error) {
	if vv, ok := v.(*Value); ok && vv != nil {
		return vv.Retain(), nil
	}
	if v == nil {
		return nil, Errorf("From", ErrTypeMismatch, "nil interface")
	}
	rv := reflect.ValueOf(v)
	sig, err := signatureFor(rv.Type(), nil)
	if err != nil {
		return nil, err
	}
	return fromReflect(rv, sig)
}

func fromReflect(rv reflect.Value, sig Signature) (*Value, error) {
	const op = "From"
	if rv.Type() == valueType {
		if rv.IsNil() {
			return nil, Errorf(op, ErrTypeMismatch, "nil *Value")
		}
		child := rv.Interface().(*Value).Retain()
		ret, err := NewVariant(child)
		if err != nil {
			child.Release()
		}
		return ret, err
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil, Errorf(op, ErrTypeMismatch, "nil interface value")
		}
		inner := rv.Elem()
		if inner.Type() == valueType {
			return fromReflect(inner, SigVariant)
		}
		is, err := signatureFor(inner.Type(), nil)
		if err != nil {
			return nil, err
		}
		child, err := fromReflect(inner, is)
		if err != nil {
			return nil, err
		}
		ret, err := NewVariant(child)
		if err != nil {
			child.Release()
		}
		return ret, err
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, Errorf(op, ErrTypeMismatch, "nil %s", rv.Type())
		}
		return fromReflect(rv.Elem(), sig)
	}

	switch rv.Type() {
	case signatureType:
		return NewSignature(rv.Interface().(Signature).String())
	case objectPathType:
		return NewObjectPath(rv.Interface().(ObjectPath))
	}

	switch sig.Code() {
	case CodeByte:
		return NewByte(uint8(rv.Uint())), nil
	case CodeBoolean:
		return NewBoolean(rv.Bool()), nil
	case CodeInt16:
		return NewInt16(int16(rv.Int())), nil
	case CodeUint16:
		return NewUint16(uint16(rv.Uint())), nil
	case CodeInt32:
		return NewInt32(int32(rv.Int())), nil
	case CodeUint32:
		return NewUint32(uint32(rv.Uint())), nil
	case CodeInt64:
		return NewInt64(rv.Int()), nil
	case CodeUint64:
		return NewUint64(rv.Uint()), nil
	case CodeDouble:
		return NewDouble(rv.Float()), nil
	case CodeString:
		return NewString(rv.String())
	case CodeArray:
		elem, _ := sig.Elem()
		if rv.Kind() == reflect.Map {
			return fromMap(rv, sig, elem)
		}
		children := make([]*Value, 0, rv.Len())
		for i := range rv.Len() {
			c, err := fromReflect(rv.Index(i), elem)
			if err != nil {
				releaseAll(children)
				return nil, err
			}
			children = append(children, c)
		}
		ret, err := NewArray(elem, children...)
		if err != nil {
			releaseAll(children)
		}
		return ret, err
	case CodeTuple:
		fs, err := tupleFields(rv.Type())
		if err != nil {
			return nil, err
		}
		members := sig.Members()
		children := make([]*Value, 0, len(fs))
		for i, f := range fs {
			c, err := fromReflect(rv.FieldByIndex(f.Index), members[i])
			if err != nil {
				releaseAll(children)
				return nil, err
			}
			children = append(children, c)
		}
		ret, err := NewTuple(children...)
		if err != nil {
			releaseAll(children)
		}
		return ret, err
	}
	return nil, Errorf(op, ErrTypeMismatch, "cannot convert %s to %q", rv.Type(), sig)
}

func fromMap(rv reflect.Value, sig, entry Signature) (*Value, error) {
	kt, _ := entry.Member(0)
	vt, _ := entry.Member(1)
	keys := rv.MapKeys()
	slices.SortFunc(keys, compareKeys)
	children := make([]*Value, 0, len(keys))
	for _, k := range keys {
		kv, err := fromReflect(k, kt)
		if err != nil {
			releaseAll(children)
			return nil, err
		}
		vv, err := fromReflect(rv.MapIndex(k), vt)
		if err != nil {
			kv.Release()
			releaseAll(children)
			return nil, err
		}
		e, err := NewDictEntry(kv, vv)
		if err != nil {
			kv.Release()
			vv.Release()
			releaseAll(children)
			return nil, err
		}
		children = append(children, e)
	}
	ret, err := NewArray(entry, children...)
	if err != nil {
		releaseAll(children)
	}
	return ret, err
}

// compareKeys orders map keys of a basic kind.
func compareKeys(a, b reflect.Value) int {
	a, b = reflect.Indirect(a), reflect.Indirect(b)
	switch a.Kind() {
	case reflect.Bool:
		return cmp.Compare(boolInt(a.Bool()), boolInt(b.Bool()))
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return cmp.Compare(a.Uint(), b.Uint())
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return cmp.Compare(a.Int(), b.Int())
	case reflect.Float64:
		return cmp.Compare(a.Float(), b.Float())
	default:
		return cmp.Compare(fmt.Sprint(a.Interface()), fmt.Sprint(b.Interface()))
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Store copies the contents of v into the Go value that ptr points
// to, following the type mapping of [From].
//
// Variants are unwrapped to fit non-interface targets. An empty
// interface target receives a natural Go representation: tuples and
// arrays become []any, arrays of dict entries become map[any]any,
// and variants are unwrapped. A *Value target receives a new
// reference to v.
func (v *Value) Store(ptr any) error {
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return Errorf("Store", ErrTypeMismatch, "target must be a non-nil pointer, got %T", ptr)
	}
	return v.store(rv.Elem())
}

func (v *Value) store(rv reflect.Value) error {
	const op = "Store"
	if rv.Type() == valueType {
		rv.Set(reflect.ValueOf(v.Retain()))
		return nil
	}
	if rv.Kind() == reflect.Interface {
		if rv.NumMethod() != 0 {
			return Errorf(op, ErrTypeMismatch, "cannot store into non-empty interface %s", rv.Type())
		}
		rv.Set(reflect.ValueOf(v.native()))
		return nil
	}
	rv = derefAlloc(rv)

	p := v.cell.Load()
	if v.typ.Code() == CodeVariant {
		return p.(*Value).store(rv)
	}

	switch rv.Type() {
	case signatureType:
		if v.typ.Code() != CodeSignature {
			return mismatch(op, v.typ, "signature")
		}
		sig, err := ParseSignature(p.(string))
		if err != nil {
			return WrapError(op, ErrTypeMismatch, err)
		}
		rv.Set(reflect.ValueOf(sig))
		return nil
	case objectPathType:
		if v.typ.Code() != CodeObjectPath {
			return mismatch(op, v.typ, "object path")
		}
		rv.SetString(p.(string))
		return nil
	}

	wrongKind := func() error {
		return Errorf(op, ErrTypeMismatch, "cannot store %q value in %s", v.typ, rv.Type())
	}

	switch v.typ.Code() {
	case CodeByte, CodeUint16, CodeUint32, CodeUint64:
		if kindToCode[rv.Kind()] != v.typ.Code() {
			return wrongKind()
		}
		rv.SetUint(reflect.ValueOf(p).Uint())
	case CodeInt16, CodeInt32, CodeInt64:
		if kindToCode[rv.Kind()] != v.typ.Code() {
			return wrongKind()
		}
		rv.SetInt(reflect.ValueOf(p).Int())
	case CodeBoolean:
		if rv.Kind() != reflect.Bool {
			return wrongKind()
		}
		rv.SetBool(p.(bool))
	case CodeDouble:
		if rv.Kind() != reflect.Float64 {
			return wrongKind()
		}
		rv.SetFloat(p.(float64))
	case CodeString, CodeObjectPath, CodeSignature:
		if rv.Kind() != reflect.String {
			return wrongKind()
		}
		rv.SetString(p.(string))
	case CodeArray:
		return v.storeArray(rv, p.([]*Value), wrongKind)
	case CodeTuple, CodeDictEntry:
		cs := p.([]*Value)
		if rv.Kind() != reflect.Struct {
			return wrongKind()
		}
		fs, err := tupleFields(rv.Type())
		if err != nil {
			return err
		}
		if len(fs) != len(cs) {
			return Errorf(op, ErrTypeMismatch, "%q value has %d members, %s has %d fields", v.typ, len(cs), rv.Type(), len(fs))
		}
		for i, f := range fs {
			if err := cs[i].store(rv.FieldByIndex(f.Index)); err != nil {
				return err
			}
		}
	default:
		return wrongKind()
	}
	return nil
}

func (v *Value) storeArray(rv reflect.Value, cs []*Value, wrongKind func() error) error {
	switch rv.Kind() {
	case reflect.Slice:
		out := reflect.MakeSlice(rv.Type(), len(cs), len(cs))
		for i, c := range cs {
			if err := c.store(out.Index(i)); err != nil {
				return err
			}
		}
		rv.Set(out)
	case reflect.Array:
		if rv.Len() != len(cs) {
			return Errorf("Store", ErrTypeMismatch, "array has %d elements, %s holds %d", len(cs), rv.Type(), rv.Len())
		}
		for i, c := range cs {
			if err := c.store(rv.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		elem, _ := v.typ.Elem()
		if elem.Code() != CodeDictEntry {
			return wrongKind()
		}
		out := reflect.MakeMapWithSize(rv.Type(), len(cs))
		for _, e := range cs {
			kv := e.cell.Load().([]*Value)
			k := reflect.New(rv.Type().Key()).Elem()
			if err := kv[0].store(k); err != nil {
				return err
			}
			val := reflect.New(rv.Type().Elem()).Elem()
			if err := kv[1].store(val); err != nil {
				return err
			}
			out.SetMapIndex(k, val)
		}
		rv.Set(out)
	default:
		return wrongKind()
	}
	return nil
}

// native returns the natural Go representation of v.
func (v *Value) native() any {
	p := v.cell.Load()
	switch v.typ.Code() {
	case CodeObjectPath:
		return ObjectPath(p.(string))
	case CodeVariant:
		return p.(*Value).native()
	case CodeArray:
		cs := p.([]*Value)
		if elem, _ := v.typ.Elem(); elem.Code() == CodeDictEntry {
			ret := make(map[any]any, len(cs))
			for _, e := range cs {
				kv := e.cell.Load().([]*Value)
				ret[kv[0].native()] = kv[1].native()
			}
			return ret
		}
		ret := make([]any, len(cs))
		for i, c := range cs {
			ret[i] = c.native()
		}
		return ret
	case CodeTuple, CodeDictEntry:
		cs := p.([]*Value)
		ret := make([]any, len(cs))
		for i, c := range cs {
			ret[i] = c.native()
		}
		return ret
	default:
		return p
	}
}
