package gvariant

import (
	"fmt"
	"strconv"
	"strings"
)

// String returns the text form of v, with type annotations where
// the type is not evident from the text. See [Value.Print].
func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	return v.Print(true)
}

// Print returns the GVariant text form of v.
//
// If annotate is true, values whose type cannot be inferred from
// their text carry a type annotation, for example "uint32 5" or
// "@as []". Without annotations, the text describes the value but
// may not be parseable back into the same type.
func (v *Value) Print(annotate bool) string {
	var b strings.Builder
	v.print(&b, annotate)
	return b.String()
}

func (v *Value) print(b *strings.Builder, annotate bool) {
	p := v.cell.Load()
	switch v.typ.Code() {
	case CodeByte:
		if annotate {
			b.WriteString("byte ")
		}
		fmt.Fprintf(b, "0x%02x", p.(uint8))
	case CodeBoolean:
		b.WriteString(strconv.FormatBool(p.(bool)))
	case CodeInt32:
		b.WriteString(strconv.FormatInt(int64(p.(int32)), 10))
	case CodeInt16, CodeUint16, CodeUint32, CodeInt64, CodeUint64:
		if annotate {
			b.WriteString(v.typ.Code().String())
			b.WriteByte(' ')
		}
		fmt.Fprint(b, p)
	case CodeDouble:
		b.WriteString(formatDouble(p.(float64)))
	case CodeString:
		b.WriteString(quote(p.(string)))
	case CodeObjectPath, CodeSignature:
		if annotate {
			b.WriteString(v.typ.Code().String())
			b.WriteByte(' ')
		}
		b.WriteString(quote(p.(string)))
	case CodeVariant:
		b.WriteByte('<')
		p.(*Value).print(b, annotate)
		b.WriteByte('>')
	case CodeArray:
		cs := p.([]*Value)
		elem, _ := v.typ.Elem()
		isDict := elem.Code() == CodeDictEntry
		if len(cs) == 0 {
			if annotate {
				b.WriteString("@" + v.typ.String() + " ")
			}
			if isDict {
				b.WriteString("{}")
			} else {
				b.WriteString("[]")
			}
			return
		}
		if isDict {
			b.WriteByte('{')
		} else {
			b.WriteByte('[')
		}
		for i, c := range cs {
			if i > 0 {
				b.WriteString(", ")
			}
			// Later elements share the first element's type.
			ann := annotate && i == 0
			if isDict {
				kv := c.cell.Load().([]*Value)
				kv[0].print(b, ann)
				b.WriteString(": ")
				kv[1].print(b, ann)
			} else {
				c.print(b, ann)
			}
		}
		if isDict {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	case CodeTuple:
		cs := p.([]*Value)
		b.WriteByte('(')
		for i, c := range cs {
			if i > 0 {
				b.WriteString(", ")
			}
			c.print(b, annotate)
		}
		if len(cs) == 1 {
			b.WriteByte(',')
		}
		b.WriteByte(')')
	case CodeDictEntry:
		cs := p.([]*Value)
		b.WriteByte('{')
		cs[0].print(b, annotate)
		b.WriteString(", ")
		cs[1].print(b, annotate)
		b.WriteByte('}')
	}
}

func formatDouble(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if strings.ContainsAny(s, ".eIN") {
		return s
	}
	return s + ".0"
}

// quote returns s in single quotes, escaping quotes, backslashes and
// non-printable characters.
func quote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch {
		case r == '\'' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// ParseBasic returns a value of basic type t parsed from text.
//
// Integers accept the prefixes understood by [strconv.ParseInt] with
// base 0, so "0x2a" and "42" are both valid bytes. Strings, object
// paths and signatures are taken verbatim, without quotes.
func ParseBasic(t Signature, text string) (*Value, error) {
	const op = "ParseBasic"
	fail := func(err error) (*Value, error) {
		return nil, Errorf(op, ErrEncoding, "parsing %q as %s: %v", text, t.Code(), err)
	}
	switch t.Code() {
	case CodeByte:
		u, err := strconv.ParseUint(text, 0, 8)
		if err != nil {
			return fail(err)
		}
		return NewByte(uint8(u)), nil
	case CodeBoolean:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return fail(err)
		}
		return NewBoolean(b), nil
	case CodeInt16:
		i, err := strconv.ParseInt(text, 0, 16)
		if err != nil {
			return fail(err)
		}
		return NewInt16(int16(i)), nil
	case CodeUint16:
		u, err := strconv.ParseUint(text, 0, 16)
		if err != nil {
			return fail(err)
		}
		return NewUint16(uint16(u)), nil
	case CodeInt32:
		i, err := strconv.ParseInt(text, 0, 32)
		if err != nil {
			return fail(err)
		}
		return NewInt32(int32(i)), nil
	case CodeUint32:
		u, err := strconv.ParseUint(text, 0, 32)
		if err != nil {
			return fail(err)
		}
		return NewUint32(uint32(u)), nil
	case CodeInt64:
		i, err := strconv.ParseInt(text, 0, 64)
		if err != nil {
			return fail(err)
		}
		return NewInt64(i), nil
	case CodeUint64:
		u, err := strconv.ParseUint(text, 0, 64)
		if err != nil {
			return fail(err)
		}
		return NewUint64(u), nil
	case CodeDouble:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return fail(err)
		}
		return NewDouble(f), nil
	case CodeString:
		return NewString(text)
	case CodeObjectPath:
		return NewObjectPath(ObjectPath(text))
	case CodeSignature:
		return NewSignature(text)
	default:
		return nil, Errorf(op, ErrTypeMismatch, "%q is not a definite basic type", t)
	}
}
