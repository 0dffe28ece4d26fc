package bus

import (
	"fmt"
	"io"
	"strings"

	"github.com/danderson/gvariant"
	"github.com/danderson/gvariant/fragments"
)

// maxMessageLen is the largest message body the bus protocol allows.
const maxMessageLen = 128 << 20

// msg is one received DBus message.
type msg struct {
	header
	body []byte
}

// Body decodes the message body as a tuple of the body's types. A
// message with no body decodes as the empty tuple.
func (m *msg) Body() (*gvariant.Value, error) {
	sig, err := bodyType(m.Signature)
	if err != nil {
		return nil, err
	}
	return gvariant.UnmarshalWire(m.body, m.Order, sig)
}

// bodyType returns the tuple type that holds a message body with
// the given signature.
func bodyType(sig string) (gvariant.Signature, error) {
	members, err := gvariant.ParseSignatureList(sig)
	if err != nil {
		return gvariant.Signature{}, err
	}
	return gvariant.TupleOf(members...)
}

// bodySignature returns the message body signature for a tuple of
// parameters.
func bodySignature(params *gvariant.Value) (string, error) {
	if params == nil {
		return "", nil
	}
	if params.Type().Code() != gvariant.CodeTuple {
		return "", gvariant.Errorf("Call", gvariant.ErrTypeMismatch, "message body must be a tuple, got %q", params.Type())
	}
	s := params.TypeString()
	return strings.TrimSuffix(strings.TrimPrefix(s, "("), ")"), nil
}

// readMsg reads one complete DBus message from c.t. Must not be
// called concurrently (Conn.readLoop ensures this).
func (c *Conn) readMsg() (*msg, error) {
	dec := fragments.Decoder{
		Order: fragments.NativeEndian,
		In:    c.t,
	}
	var ret msg
	if err := ret.header.decode(&dec); err != nil {
		return nil, err
	}
	if ret.Length > maxMessageLen {
		return nil, fmt.Errorf("message body length %d exceeds maximum %d", ret.Length, maxMessageLen)
	}
	ret.body = make([]byte, ret.Length)
	if _, err := io.ReadFull(c.t, ret.body); err != nil {
		return nil, err
	}
	files, err := c.t.GetFiles(int(ret.NumFDs))
	if err != nil {
		return nil, err
	}
	// Values cannot carry file descriptors, so nobody can use them.
	for _, f := range files {
		f.Close()
	}
	return &ret, nil
}

// writeMsg sends a message with the given header and body. body may
// be nil for an empty message body.
func (c *Conn) writeMsg(hdr *header, body *gvariant.Value) error {
	sig, err := bodySignature(body)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	hdr.Order = c.order
	hdr.Version = protocolVersion
	hdr.Signature = sig

	// The body is encoded on its own first, to learn its length. A
	// tuple's wire form is its members in sequence, since the body
	// starts 8-byte aligned.
	benc := fragments.Encoder{Order: c.order, Out: c.encBody[:0]}
	if body != nil {
		if err := body.EncodeTo(&benc); err != nil {
			return err
		}
	}
	c.encBody = benc.Out
	if len(benc.Out) > maxMessageLen {
		return gvariant.Errorf("Call", gvariant.ErrEncoding, "message body length %d exceeds maximum %d", len(benc.Out), maxMessageLen)
	}
	hdr.Length = uint32(len(benc.Out))

	henc := fragments.Encoder{Order: c.order, Out: c.encMsg[:0]}
	if err := hdr.encode(&henc); err != nil {
		return err
	}
	henc.Write(benc.Out)
	c.encMsg = henc.Out

	if _, err := c.t.Write(henc.Out); err != nil {
		return err
	}
	return nil
}
