package dbusrpc

import (
	"fmt"
	"reflect"
	"strings"
)

// Flags is a set of options attached to an outgoing method call.
type Flags byte

const (
	// FlagNoReplyExpected tells the peer not to send a reply.
	FlagNoReplyExpected Flags = 0x1
	// FlagNoAutoStart asks the bus not to activate the destination
	// if it is not running.
	FlagNoAutoStart Flags = 0x2
	// FlagAllowInteraction permits the destination to prompt the
	// user, for example for authorization.
	FlagAllowInteraction Flags = 0x4
	// FlagAsync marks a call made in [ModeAsync]. It is local
	// bookkeeping and is never sent on the wire.
	FlagAsync Flags = 0x80

	wireFlags = FlagNoReplyExpected | FlagNoAutoStart | FlagAllowInteraction
)

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, fl := range []struct {
		f    Flags
		name string
	}{
		{FlagNoReplyExpected, "NoReplyExpected"},
		{FlagNoAutoStart, "NoAutoStart"},
		{FlagAllowInteraction, "AllowInteraction"},
		{FlagAsync, "Async"},
	} {
		if f&fl.f != 0 {
			parts = append(parts, fl.name)
			f &^= fl.f
		}
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", byte(f)))
	}
	return strings.Join(parts, "|")
}

// A Call is an outgoing method call, ready for submission to a
// [Conn].
type Call struct {
	Destination string
	Path        ObjectPath
	// Interface may be empty, in which case the peer picks the
	// interface by member name.
	Interface string
	Member    string
	Flags     Flags
	// Signature is the signature of Args.
	Signature Signature
	// Args are the call's arguments, already converted to their
	// declared parameter types.
	Args []any
	// Serial is assigned by the Conn when the call is submitted.
	Serial uint32

	method string
	types  []reflect.Type
}

// WantReply reports whether the call expects a reply.
func (c *Call) WantReply() bool {
	return c.Flags&FlagNoReplyExpected == 0
}

func (c *Call) header() header {
	return header{
		Type:        msgTypeCall,
		Flags:       byte(c.Flags & wireFlags),
		Version:     1,
		Serial:      c.Serial,
		Destination: c.Destination,
		Path:        c.Path,
		Interface:   c.Interface,
		Member:      c.Member,
		Signature:   c.Signature,
	}
}

// buildCall assembles the Call for an invocation of m with args.
func buildCall(obj RemoteObject, m *Method, args []any, mode Mode, extra Flags, ms Marshaller) (*Call, error) {
	vals, err := ms.ConvertArgs(args, m.In)
	if err != nil {
		return nil, &ConstructionError{Method: m.Name, Err: err}
	}
	flags := m.flags | extra
	if mode == ModeAsync {
		flags |= FlagAsync
	}
	return &Call{
		Destination: obj.BusName,
		Path:        obj.Path,
		Interface:   m.Interface,
		Member:      m.Member,
		Flags:       flags,
		Signature:   m.sig,
		Args:        vals,
		method:      m.Name,
		types:       m.In,
	}, nil
}
