// Package fragments provides low-level encoding and decoding helpers
// for the DBus wire format.
//
// The provided encoder and decoder do not know about types or
// signatures. They write and read aligned primitives, strings and
// container framing, and it is the caller's responsibility to
// produce a byte stream that matches the signature it advertises.
//
// Callers normally do not use this package directly. The gvariant
// package drives an Encoder or Decoder from a value's type signature,
// and the bus package uses them to frame messages.
package fragments
