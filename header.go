package dbusrpc

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/danderson/dbusrpc/fragments"
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

// Header field codes, as assigned by the DBus specification.
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

// maxBodyLength is the largest message body DBus permits.
const maxBodyLength = 1 << 27

// header is a DBus message header
type header struct {
	// Order is the message's byte order.
	Order fragments.ByteOrder
	// Type is the message's type.
	Type msgType
	// Flags is the message's flag byte.
	Flags byte
	// Version is the DBus protocol version
	Version uint8
	// Length is the length of the message body, not including the
	// header or padding between header and body.
	Length uint32
	// Serial is the serial for this message. It must be non-zero.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal. Required for msgTypeCall and msgTypeSignal.
	Path ObjectPath
	// Interface is the interface to target for a call, or the
	// source interface for a signal. Required for msgTypeSignal,
	// optional for msgTypeCall.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal. Required for msgTypeCall and msgTypeSignal.
	Member string
	// ErrName is the name of the error that occurred. Required
	// for msgTypeError.
	ErrName string
	// ReplySerial is the message serial to which this message is
	// replying. Required for msgTypeReturn and msgTypeError.
	ReplySerial uint32
	// Destination is the target for a message. Optional for signals,
	// required for everything else when talking to a bus.
	Destination string
	// Sender is the client ID of the message sender. The message
	// bus populates this value itself, any sent value is ignored
	// and removed.
	Sender string
	// Signature is the type signature of the message body. Required
	// if a message body is present.
	Signature Signature
	// NumFDs is the number of file descriptors attached to this
	// message. dbusrpc never sends any, and rejects messages that
	// carry them.
	NumFDs uint32
}

// encode writes the header to e, including the trailing padding that
// separates header from body.
func (h *header) encode(e *fragments.Encoder) error {
	e.ByteOrderFlag()
	e.Uint8(uint8(h.Type))
	e.Uint8(h.Flags)
	e.Uint8(h.Version)
	e.Uint32(h.Length)
	e.Uint32(h.Serial)

	str := func(code uint8, sig, val string) error {
		if val == "" {
			return nil
		}
		return e.Struct(func() error {
			e.Uint8(code)
			e.Signature(sig)
			e.String(val)
			return nil
		})
	}
	err := e.Array(true, func() error {
		return errors.Join(
			str(fieldPath, "o", string(h.Path)),
			str(fieldInterface, "s", h.Interface),
			str(fieldMember, "s", h.Member),
			str(fieldErrName, "s", h.ErrName),
			h.encodeUint32(e, fieldReplySerial, h.ReplySerial),
			str(fieldDestination, "s", h.Destination),
			str(fieldSender, "s", h.Sender),
			h.encodeSignature(e),
		)
	})
	if err != nil {
		return err
	}
	e.Pad(8)
	return nil
}

func (h *header) encodeUint32(e *fragments.Encoder, code uint8, val uint32) error {
	if val == 0 {
		return nil
	}
	return e.Struct(func() error {
		e.Uint8(code)
		e.Signature("u")
		e.Uint32(val)
		return nil
	})
}

func (h *header) encodeSignature(e *fragments.Encoder) error {
	if h.Signature.IsZero() {
		return nil
	}
	return e.Struct(func() error {
		e.Uint8(fieldSignature)
		e.Signature("g")
		e.Signature(h.Signature.String())
		return nil
	})
}

// decode reads a header from d, including the trailing padding. It
// sets d.Order to the message's byte order.
func (h *header) decode(d *fragments.Decoder) error {
	if err := d.ByteOrderFlag(); err != nil {
		return err
	}
	h.Order = d.Order
	var fixed [3]byte
	for i := range fixed {
		b, err := d.Uint8()
		if err != nil {
			return err
		}
		fixed[i] = b
	}
	h.Type, h.Flags, h.Version = msgType(fixed[0]), fixed[1], fixed[2]
	if h.Version != 1 {
		return fmt.Errorf("unsupported protocol version %d", h.Version)
	}
	var err error
	if h.Length, err = d.Uint32(); err != nil {
		return err
	}
	if h.Length > maxBodyLength {
		return fmt.Errorf("message body length %d exceeds maximum %d", h.Length, maxBodyLength)
	}
	if h.Serial, err = d.Uint32(); err != nil {
		return err
	}

	_, err = d.Array(true, func(int) error {
		return d.Struct(func() error {
			return h.decodeField(d)
		})
	})
	if err != nil {
		return fmt.Errorf("reading header fields: %w", err)
	}
	return d.Pad(8)
}

func (h *header) decodeField(d *fragments.Decoder) error {
	code, err := d.Uint8()
	if err != nil {
		return err
	}
	sig, err := d.Signature()
	if err != nil {
		return err
	}
	want := ""
	switch code {
	case fieldPath:
		want = "o"
	case fieldInterface, fieldMember, fieldErrName, fieldDestination, fieldSender:
		want = "s"
	case fieldReplySerial, fieldNumFDs:
		want = "u"
	case fieldSignature:
		want = "g"
	}
	if want != "" && sig != want {
		return fmt.Errorf("header field %d has type %q, want %q", code, sig, want)
	}

	switch code {
	case fieldPath:
		s, err := d.String()
		h.Path = ObjectPath(s)
		return err
	case fieldInterface:
		h.Interface, err = d.String()
		return err
	case fieldMember:
		h.Member, err = d.String()
		return err
	case fieldErrName:
		h.ErrName, err = d.String()
		return err
	case fieldDestination:
		h.Destination, err = d.String()
		return err
	case fieldSender:
		h.Sender, err = d.String()
		return err
	case fieldReplySerial:
		h.ReplySerial, err = d.Uint32()
		return err
	case fieldNumFDs:
		h.NumFDs, err = d.Uint32()
		return err
	case fieldSignature:
		s, err := d.Signature()
		if err != nil {
			return err
		}
		h.Signature, err = ParseSignature(s)
		return err
	default:
		// Unknown header fields must be skipped, which requires
		// decoding them.
		vsig, err := ParseSignature(sig)
		if err != nil {
			return err
		}
		if !vsig.IsSingle() {
			return fmt.Errorf("header field %d has invalid type %q", code, sig)
		}
		dec, err := decoderFor(vsig.Type())
		if err != nil {
			return err
		}
		return dec(d, reflect.New(vsig.Type()).Elem())
	}
}

// Valid checks that the message header is valid for its message type.
func (h *header) Valid() error {
	if h.Serial == 0 {
		return errors.New("invalid message with zero Serial")
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
		// Unknown message types are suspect, but the protocol
		// requires us to gracefully allow them.
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (h *header) WantReply() bool {
	return h.Type == msgTypeCall && Flags(h.Flags)&FlagNoReplyExpected == 0
}
