// Package gvariant implements typed, reference-counted values in the
// GVariant/DBus type system, and their DBus wire encoding.
//
// # Types
//
// A [Signature] is a parsed type string. Basic types are byte (y),
// boolean (b), int16 (n), uint16 (q), int32 (i), uint32 (u), int64
// (x), uint64 (t), double (d), string (s), object path (o) and
// signature (g). Container types are variant (v), array (aT), tuple
// ((T...)) and dict entry ({KV}), which may only appear as the
// element type of an array and whose key K must be a basic type.
//
// Signatures may also contain the wildcards '*' (any type), '?' (any
// basic type) and 'r' (any tuple). Such signatures are indefinite:
// they can be used as patterns with [Signature.Matches] and
// [Value.IsOfType], but no Value has an indefinite type.
//
// # Values
//
// A [Value] is an immutable typed value, created with one of the New
// functions, a [Builder], [From], or by decoding wire data with
// [UnmarshalWire]. Values are reference counted: every constructor
// returns a reference owned by the caller, [Value.Retain] adds one
// and [Value.Release] drops one. A Value's storage is freed when its
// last reference is released. Containers own their children, so
// releasing a container releases everything it holds.
//
// Functions that accept a child *Value, such as [NewTuple],
// [NewVariant] and [Builder.Append], take ownership of the caller's
// reference when they succeed. When they fail, the caller keeps
// ownership and remains responsible for releasing the child.
// Functions that return an existing child, such as [Value.ChildAt]
// and [Value.AsVariant], return a new reference.
//
// # Errors
//
// All errors returned by this package are [*Error] values wrapping
// one of the Err* kinds, and can be tested with errors.Is. Misuse of
// reference counts, such as releasing a Value more times than it
// was retained, is a programming error and panics.
//
// # Wire encoding
//
// [Value.MarshalWire] and [UnmarshalWire] convert Values to and from
// the DBus wire format in either byte order. Package
// [github.com/danderson/gvariant/bus] uses them to carry Values over
// a DBus connection.
package gvariant
