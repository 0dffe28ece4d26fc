package gvariant

import (
	"reflect"

	"github.com/creachadair/mds/mapset"
)

// A Code is the single character that leads a type signature.
type Code byte

const (
	CodeByte       Code = 'y'
	CodeBoolean    Code = 'b'
	CodeInt16      Code = 'n'
	CodeUint16     Code = 'q'
	CodeInt32      Code = 'i'
	CodeUint32     Code = 'u'
	CodeInt64      Code = 'x'
	CodeUint64     Code = 't'
	CodeDouble     Code = 'd'
	CodeString     Code = 's'
	CodeObjectPath Code = 'o'
	CodeSignature  Code = 'g'
	CodeVariant    Code = 'v'
	CodeArray      Code = 'a'
	CodeTuple      Code = '('
	CodeDictEntry  Code = '{'

	// CodeAny matches any type.
	CodeAny Code = '*'
	// CodeAnyBasic matches any basic type.
	CodeAnyBasic Code = '?'
	// CodeAnyTuple matches any tuple type.
	CodeAnyTuple Code = 'r'
)

func (c Code) String() string {
	switch c {
	case CodeByte:
		return "byte"
	case CodeBoolean:
		return "boolean"
	case CodeInt16:
		return "int16"
	case CodeUint16:
		return "uint16"
	case CodeInt32:
		return "int32"
	case CodeUint32:
		return "uint32"
	case CodeInt64:
		return "int64"
	case CodeUint64:
		return "uint64"
	case CodeDouble:
		return "double"
	case CodeString:
		return "string"
	case CodeObjectPath:
		return "objectpath"
	case CodeSignature:
		return "signature"
	case CodeVariant:
		return "variant"
	case CodeArray:
		return "array"
	case CodeTuple:
		return "tuple"
	case CodeDictEntry:
		return "dict entry"
	case CodeAny:
		return "any"
	case CodeAnyBasic:
		return "any basic"
	case CodeAnyTuple:
		return "any tuple"
	default:
		return string(rune(c))
	}
}

var (
	// basicCodes is the set of codes for basic types, which are the
	// types permitted as dict entry keys.
	basicCodes = mapset.New(
		CodeByte,
		CodeBoolean,
		CodeInt16,
		CodeUint16,
		CodeInt32,
		CodeUint32,
		CodeInt64,
		CodeUint64,
		CodeDouble,
		CodeString,
		CodeObjectPath,
		CodeSignature,
		CodeAnyBasic,
	)

	// wildcardCodes is the set of codes that make a type indefinite.
	wildcardCodes = mapset.New(CodeAny, CodeAnyBasic, CodeAnyTuple)

	// alignments is the DBus wire alignment of each definite type
	// code.
	alignments = map[Code]int{
		CodeByte:       1,
		CodeBoolean:    4,
		CodeInt16:      2,
		CodeUint16:     2,
		CodeInt32:      4,
		CodeUint32:     4,
		CodeInt64:      8,
		CodeUint64:     8,
		CodeDouble:     8,
		CodeString:     4,
		CodeObjectPath: 4,
		CodeSignature:  1,
		CodeVariant:    1,
		CodeArray:      4,
		CodeTuple:      8,
		CodeDictEntry:  8,
	}

	// kindToCode maps the reflect.Kinds of Go types that have a
	// direct wire representation to their type code.
	kindToCode = map[reflect.Kind]Code{
		reflect.Bool:    CodeBoolean,
		reflect.Uint8:   CodeByte,
		reflect.Int16:   CodeInt16,
		reflect.Uint16:  CodeUint16,
		reflect.Int32:   CodeInt32,
		reflect.Uint32:  CodeUint32,
		reflect.Int64:   CodeInt64,
		reflect.Uint64:  CodeUint64,
		reflect.Float64: CodeDouble,
		reflect.String:  CodeString,
	}
)
