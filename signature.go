package gvariant

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxSignatureLen is the maximum length in bytes of a type
	// signature.
	MaxSignatureLen = 255
	// MaxArrayDepth is the maximum nesting depth of array types.
	MaxArrayDepth = 32
	// MaxTupleDepth is the maximum nesting depth of tuple and dict
	// entry types.
	MaxTupleDepth = 32
)

// A Signature describes the type of a Value.
//
// Signatures are immutable and safe to share. The zero Signature
// describes no type at all, and is only meaningful as the type of an
// absent value.
type Signature struct {
	t *sigType
}

type sigType struct {
	code Code
	str  string
	// elem is the element type of an array.
	elem *sigType
	// members are the member types of a tuple or dict entry.
	members []*sigType
	// definite is false if the type contains a wildcard.
	definite bool
}

var strToSignature cache[string, Signature]

// Common signatures.
var (
	SigByte       = MustParseSignature("y")
	SigBoolean    = MustParseSignature("b")
	SigInt16      = MustParseSignature("n")
	SigUint16     = MustParseSignature("q")
	SigInt32      = MustParseSignature("i")
	SigUint32     = MustParseSignature("u")
	SigInt64      = MustParseSignature("x")
	SigUint64     = MustParseSignature("t")
	SigDouble     = MustParseSignature("d")
	SigString     = MustParseSignature("s")
	SigObjectPath = MustParseSignature("o")
	SigSignature  = MustParseSignature("g")
	SigVariant    = MustParseSignature("v")
	SigStrv       = MustParseSignature("as")
	SigUnit       = MustParseSignature("()")
)

// ParseSignature parses a single complete type signature.
//
// Signatures containing the wildcards '*', '?' or 'r' parse
// successfully, but describe indefinite types that are only useful
// as patterns for [Signature.Matches] and [Value.IsOfType].
func ParseSignature(sig string) (Signature, error) {
	if ret, err := strToSignature.Get(sig); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return Signature{}, err
	}

	ret, err := parseSignature(sig)
	if err != nil {
		err = Errorf("ParseSignature", ErrParse, "invalid type signature %q: %v", sig, err)
		strToSignature.SetErr(sig, err)
		return Signature{}, err
	}
	strToSignature.Set(sig, ret)
	return ret, nil
}

func parseSignature(sig string) (Signature, error) {
	if err := checkLength(sig); err != nil {
		return Signature{}, err
	}
	if sig == "" {
		return Signature{}, errors.New("empty signature")
	}
	p := parser{sig: sig}
	t, err := p.parseOne(false)
	if err != nil {
		return Signature{}, err
	}
	if p.pos != len(sig) {
		return Signature{}, fmt.Errorf("trailing characters %q after complete type", sig[p.pos:])
	}
	return Signature{t}, nil
}

func checkLength(sig string) error {
	if len(sig) > MaxSignatureLen {
		return fmt.Errorf("signature is %d bytes, maximum is %d", len(sig), MaxSignatureLen)
	}
	return nil
}

// MustParseSignature is like [ParseSignature], but panics if sig is
// invalid.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// ParseSignatureList parses a sequence of zero or more complete
// types, such as the body signature of a bus message.
func ParseSignatureList(sig string) ([]Signature, error) {
	if err := checkLength(sig); err != nil {
		return nil, Errorf("ParseSignatureList", ErrParse, "%v", err)
	}
	var ret []Signature
	p := parser{sig: sig}
	for p.pos < len(sig) {
		t, err := p.parseOne(false)
		if err != nil {
			return nil, Errorf("ParseSignatureList", ErrParse, "invalid type signature %q: %v", sig, err)
		}
		ret = append(ret, Signature{t})
	}
	return ret, nil
}

// TupleOf returns the signature of a tuple with the given members.
//
// The members are limited as for a message body: their signatures
// together may be up to [MaxSignatureLen] bytes, and each member may
// nest [MaxTupleDepth] tuples deep, not counting the outer tuple. A
// tuple that only fits these relaxed limits can hold a message body
// or be built into a Value, but cannot itself be nested in another
// type.
func TupleOf(members ...Signature) (Signature, error) {
	var b strings.Builder
	b.WriteByte('(')
	for _, m := range members {
		if m.IsZero() {
			return Signature{}, Errorf("TupleOf", ErrTypeMismatch, "zero Signature as tuple member")
		}
		b.WriteString(m.String())
	}
	b.WriteByte(')')
	str := b.String()

	ret, err := ParseSignature(str)
	if err == nil {
		return ret, nil
	}
	if len(str)-2 > MaxSignatureLen {
		return Signature{}, Errorf("TupleOf", ErrParse, "member signatures are %d bytes, maximum is %d", len(str)-2, MaxSignatureLen)
	}
	t := &sigType{code: CodeTuple, str: str, definite: true}
	for _, m := range members {
		// Members must be valid on their own, so that no type goes
		// beyond the limits by more than the one outer tuple.
		if _, err := ParseSignature(m.String()); err != nil {
			return Signature{}, err
		}
		t.members = append(t.members, m.t)
		t.definite = t.definite && m.t.definite
	}
	return Signature{t}, nil
}

// ArrayOf returns the signature of an array of elem.
func ArrayOf(elem Signature) (Signature, error) {
	if elem.IsZero() {
		return Signature{}, Errorf("ArrayOf", ErrTypeMismatch, "zero Signature as array element")
	}
	return ParseSignature("a" + elem.String())
}

type parser struct {
	sig        string
	pos        int
	arrayDepth int
	tupleDepth int
}

// parseOne consumes one complete type from the parser's input.
func (p *parser) parseOne(inArray bool) (*sigType, error) {
	if p.pos >= len(p.sig) {
		return nil, errors.New("unexpected end of signature")
	}
	start := p.pos
	c := Code(p.sig[p.pos])
	p.pos++

	switch {
	case c == CodeVariant || (basicCodes.Has(c) && c != CodeAnyBasic):
		return &sigType{code: c, str: string(c), definite: true}, nil
	case wildcardCodes.Has(c):
		return &sigType{code: c, str: string(c)}, nil
	}

	switch c {
	case CodeArray:
		p.arrayDepth++
		if p.arrayDepth > MaxArrayDepth {
			return nil, fmt.Errorf("arrays nested deeper than %d", MaxArrayDepth)
		}
		elem, err := p.parseOne(true)
		p.arrayDepth--
		if err != nil {
			return nil, err
		}
		return &sigType{
			code:     c,
			str:      p.sig[start:p.pos],
			elem:     elem,
			definite: elem.definite,
		}, nil
	case CodeTuple:
		if err := p.enterTuple(); err != nil {
			return nil, err
		}
		ret := &sigType{code: c, definite: true}
		for p.pos < len(p.sig) && p.sig[p.pos] != ')' {
			m, err := p.parseOne(false)
			if err != nil {
				return nil, err
			}
			ret.members = append(ret.members, m)
			ret.definite = ret.definite && m.definite
		}
		if p.pos >= len(p.sig) {
			return nil, errors.New("missing closing ) in tuple")
		}
		p.pos++
		p.tupleDepth--
		ret.str = p.sig[start:p.pos]
		return ret, nil
	case CodeDictEntry:
		if !inArray {
			return nil, errors.New("dict entry type found outside array")
		}
		if err := p.enterTuple(); err != nil {
			return nil, err
		}
		key, err := p.parseOne(false)
		if err != nil {
			return nil, err
		}
		if !basicCodes.Has(key.code) {
			return nil, fmt.Errorf("invalid dict entry key type %q, must be a basic type", key.str)
		}
		val, err := p.parseOne(false)
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.sig) || p.sig[p.pos] != '}' {
			return nil, errors.New("missing closing } in dict entry")
		}
		p.pos++
		p.tupleDepth--
		return &sigType{
			code:     c,
			str:      p.sig[start:p.pos],
			members:  []*sigType{key, val},
			definite: key.definite && val.definite,
		}, nil
	case ')', '}':
		return nil, fmt.Errorf("unbalanced %q at offset %d", c, start)
	default:
		return nil, fmt.Errorf("unknown type code %q at offset %d", c, start)
	}
}

func (p *parser) enterTuple() error {
	p.tupleDepth++
	if p.tupleDepth > MaxTupleDepth {
		return fmt.Errorf("tuples nested deeper than %d", MaxTupleDepth)
	}
	return nil
}

// String returns the canonical text form of the signature.
func (s Signature) String() string {
	if s.t == nil {
		return ""
	}
	return s.t.str
}

// IsZero reports whether s is the zero Signature.
func (s Signature) IsZero() bool { return s.t == nil }

// Code returns the leading type code of s.
func (s Signature) Code() Code {
	if s.t == nil {
		return 0
	}
	return s.t.code
}

// Equal reports whether s and o describe the same type.
func (s Signature) Equal(o Signature) bool {
	return s.String() == o.String()
}

// IsDefinite reports whether s is free of wildcards, and can
// therefore be the type of a Value.
func (s Signature) IsDefinite() bool {
	return s.t != nil && s.t.definite
}

// IsBasic reports whether s is a basic type, which can be used as
// the key of a dict entry.
func (s Signature) IsBasic() bool {
	return s.t != nil && basicCodes.Has(s.t.code)
}

// IsContainer reports whether values of type s hold other values.
func (s Signature) IsContainer() bool {
	switch s.Code() {
	case CodeVariant, CodeArray, CodeTuple, CodeDictEntry, CodeAnyTuple:
		return true
	}
	return false
}

// Elem returns the element type of an array signature.
func (s Signature) Elem() (Signature, error) {
	if s.Code() != CodeArray {
		return Signature{}, Errorf("Elem", ErrTypeMismatch, "%q is not an array type", s)
	}
	return Signature{s.t.elem}, nil
}

// Arity returns the number of members of a tuple or dict entry
// signature.
func (s Signature) Arity() (int, error) {
	switch s.Code() {
	case CodeTuple, CodeDictEntry:
		return len(s.t.members), nil
	}
	return 0, Errorf("Arity", ErrTypeMismatch, "%q is not a tuple or dict entry type", s)
}

// Member returns the type of the i-th member of a tuple or dict entry
// signature.
func (s Signature) Member(i int) (Signature, error) {
	n, err := s.Arity()
	if err != nil {
		return Signature{}, Errorf("Member", ErrTypeMismatch, "%q is not a tuple or dict entry type", s)
	}
	if i < 0 || i >= n {
		return Signature{}, Errorf("Member", ErrIndexOutOfRange, "member %d of %q, which has %d members", i, s, n)
	}
	return Signature{s.t.members[i]}, nil
}

// Members returns the member types of a tuple or dict entry
// signature, or nil for other types.
func (s Signature) Members() []Signature {
	switch s.Code() {
	case CodeTuple, CodeDictEntry:
	default:
		return nil
	}
	ret := make([]Signature, len(s.t.members))
	for i, m := range s.t.members {
		ret[i] = Signature{m}
	}
	return ret
}

// Matches reports whether s is a subtype of pattern.
//
// Every type matches itself. In pattern, '*' matches any type, '?'
// matches any basic type, and 'r' matches any tuple type. A zero
// Signature matches nothing.
func (s Signature) Matches(pattern Signature) bool {
	if s.t == nil || pattern.t == nil {
		return false
	}
	return matches(s.t, pattern.t)
}

func matches(t, pat *sigType) bool {
	switch pat.code {
	case CodeAny:
		return true
	case CodeAnyBasic:
		return basicCodes.Has(t.code)
	case CodeAnyTuple:
		return t.code == CodeTuple || t.code == CodeAnyTuple
	}
	if t.code != pat.code {
		return false
	}
	switch t.code {
	case CodeArray:
		return matches(t.elem, pat.elem)
	case CodeTuple, CodeDictEntry:
		if len(t.members) != len(pat.members) {
			return false
		}
		for i := range t.members {
			if !matches(t.members[i], pat.members[i]) {
				return false
			}
		}
	}
	return true
}

// alignment returns the wire alignment of values of type s.
func (s Signature) alignment() int {
	return alignments[s.Code()]
}
