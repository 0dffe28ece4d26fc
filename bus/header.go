package bus

import (
	"errors"
	"fmt"

	"github.com/danderson/gvariant"
	"github.com/danderson/gvariant/fragments"
)

// msgType is the type of a DBus message.
type msgType byte

const (
	msgTypeCall msgType = iota + 1
	msgTypeReturn
	msgTypeError
	msgTypeSignal
)

func (t msgType) String() string {
	switch t {
	case msgTypeCall:
		return "call"
	case msgTypeReturn:
		return "return"
	case msgTypeError:
		return "error"
	case msgTypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("msgType(%d)", byte(t))
	}
}

// Message flags.
const (
	flagNoReply          = 0x1
	flagNoAutoStart      = 0x2
	flagAllowInteraction = 0x4
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

// protocolVersion is the only message protocol version in use.
const protocolVersion = 1

// headerField is one entry of the header's field array, which has
// type a(yv).
type headerField struct {
	Code  uint8
	Value any
}

var sigHeaderFields = gvariant.MustParseSignature("a(yv)")

// header is a DBus message header.
type header struct {
	// Order is the message's byte order.
	Order fragments.ByteOrder
	// Type is the message's type.
	Type msgType
	// Flags is the message's flag byte.
	Flags byte
	// Version is the DBus protocol version.
	Version uint8
	// Length is the length of the message body, not including the
	// header or padding between header and body.
	Length uint32
	// Serial is the serial for this message. It must be non-zero.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal.
	Path gvariant.ObjectPath
	// Interface is the interface to target for a call, or the
	// source interface for a signal.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal.
	Member string
	// ErrName is the name of the error that occurred.
	ErrName string
	// ReplySerial is the message serial to which this message is
	// replying.
	ReplySerial uint32
	// Destination is the target for a message.
	Destination string
	// Sender is the unique name of the message sender, filled in by
	// the message bus.
	Sender string
	// Signature is the type signature of the body, as a list of
	// complete types with no enclosing parentheses.
	Signature string
	// NumFDs is the number of file descriptors attached to this
	// message.
	NumFDs uint32
}

// fields returns the header's optional fields as a value of type
// a(yv).
func (h *header) fields() (*gvariant.Value, error) {
	var fs []headerField
	add := func(code uint8, v any, present bool) {
		if present {
			fs = append(fs, headerField{code, v})
		}
	}
	add(fieldPath, h.Path, h.Path != "")
	add(fieldInterface, h.Interface, h.Interface != "")
	add(fieldMember, h.Member, h.Member != "")
	add(fieldErrName, h.ErrName, h.ErrName != "")
	add(fieldReplySerial, h.ReplySerial, h.ReplySerial != 0)
	add(fieldDestination, h.Destination, h.Destination != "")
	add(fieldSender, h.Sender, h.Sender != "")
	if h.Signature != "" {
		sig, err := gvariant.NewSignature(h.Signature)
		if err != nil {
			return nil, err
		}
		defer sig.Release()
		add(fieldSignature, sig, true)
	}
	add(fieldNumFDs, h.NumFDs, h.NumFDs != 0)

	return gvariant.From(fs)
}

// encode appends the header to enc, including the padding that
// precedes the message body. enc.Order must match h.Order.
func (h *header) encode(enc *fragments.Encoder) error {
	fields, err := h.fields()
	if err != nil {
		return err
	}
	defer fields.Release()

	enc.ByteOrderFlag()
	enc.Uint8(uint8(h.Type))
	enc.Uint8(h.Flags)
	enc.Uint8(h.Version)
	enc.Uint32(h.Length)
	enc.Uint32(h.Serial)
	if err := fields.EncodeTo(enc); err != nil {
		return err
	}
	enc.Pad(8)
	return nil
}

// decode reads a header from dec, including the padding that
// precedes the message body. dec.Order is updated to the message's
// byte order.
func (h *header) decode(dec *fragments.Decoder) error {
	if err := dec.ByteOrderFlag(); err != nil {
		return err
	}
	h.Order = dec.Order
	var fixed [3]uint8
	for i := range fixed {
		u, err := dec.Uint8()
		if err != nil {
			return err
		}
		fixed[i] = u
	}
	h.Type, h.Flags, h.Version = msgType(fixed[0]), fixed[1], fixed[2]
	var err error
	if h.Length, err = dec.Uint32(); err != nil {
		return err
	}
	if h.Serial, err = dec.Uint32(); err != nil {
		return err
	}

	fields, err := gvariant.DecodeFrom(dec, sigHeaderFields)
	if err != nil {
		return err
	}
	defer fields.Release()
	var fs []headerField
	if err := fields.Store(&fs); err != nil {
		return err
	}
	for _, f := range fs {
		if err := h.setField(f); err != nil {
			return err
		}
	}
	return dec.Pad(8)
}

func (h *header) setField(f headerField) error {
	var ok bool
	switch f.Code {
	case fieldPath:
		h.Path, ok = f.Value.(gvariant.ObjectPath)
	case fieldInterface:
		h.Interface, ok = f.Value.(string)
	case fieldMember:
		h.Member, ok = f.Value.(string)
	case fieldErrName:
		h.ErrName, ok = f.Value.(string)
	case fieldReplySerial:
		h.ReplySerial, ok = f.Value.(uint32)
	case fieldDestination:
		h.Destination, ok = f.Value.(string)
	case fieldSender:
		h.Sender, ok = f.Value.(string)
	case fieldSignature:
		h.Signature, ok = f.Value.(string)
	case fieldNumFDs:
		h.NumFDs, ok = f.Value.(uint32)
	default:
		// Unknown fields must be ignored.
		return nil
	}
	if !ok {
		return fmt.Errorf("header field %d has wrong type %T", f.Code, f.Value)
	}
	return nil
}

// Valid checks that the message header is valid for its message type.
//
// Destination is not required on method calls, so that connections
// without a message bus in the middle can work.
func (h *header) Valid() error {
	if h.Serial == 0 {
		return errors.New("invalid message with zero Serial")
	}
	if h.Version != protocolVersion {
		return fmt.Errorf("unsupported protocol version %d", h.Version)
	}
	switch h.Type {
	case 0:
		return errors.New("invalid message with Type 0")
	case msgTypeCall:
		if h.Path == "" {
			return errors.New("missing required header field Path")
		}
		if h.Member == "" {
			return errors.New("missing required header field Member")
		}
	case msgTypeReturn:
		if h.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case msgTypeError:
		if h.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
		if h.ErrName == "" {
			return errors.New("missing required header field ErrName")
		}
	case msgTypeSignal:
		if h.Path == "" {
			return errors.New("missing required header field Path")
		}
		if h.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if h.Member == "" {
			return errors.New("missing required header field Member")
		}
	default:
		// Unknown message types must be ignored, not rejected.
	}
	if h.Path != "" {
		if err := h.Path.Valid(); err != nil {
			return err
		}
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (h *header) WantReply() bool {
	return h.Type == msgTypeCall && h.Flags&flagNoReply == 0
}

// CanInteract reports whether the message's sender is prepared to
// wait for an interactive authorization prompt.
func (h *header) CanInteract() bool {
	return h.Type == msgTypeCall && h.Flags&flagAllowInteraction != 0
}
