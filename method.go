package dbusrpc

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
)

// A Method describes one remote method of a [Proxy].
//
// Methods are created by [Proxy.Define] and [Bind], which do all type
// analysis up front. Invoking a Method only converts arguments and
// submits the call.
type Method struct {
	// Name is the method's local name.
	Name string
	// Member is the bus member name that calls are addressed to.
	Member string
	// Interface is the bus interface that calls are addressed to. It
	// may be empty.
	Interface string
	// In are the method's parameter types.
	In []reflect.Type
	// Out is the method's return type, or nil if it returns nothing.
	// A struct type that embeds [Tuple] receives multiple return
	// values.
	Out reflect.Type
	// NoReply reports whether calls tell the peer not to reply.
	NoReply bool
	// Intrinsic is the local operation the method is answered by, or
	// NotIntrinsic for remote methods.
	Intrinsic Intrinsic

	sig   Signature
	flags Flags
}

// Signature returns the signature of the method's parameters.
func (m *Method) Signature() Signature { return m.sig }

func (m *Method) String() string {
	out := "()"
	if m.Out != nil {
		out = m.Out.String()
	}
	if m.Interface == "" {
		return fmt.Sprintf("%s(%s) %s", m.Member, m.sig, out)
	}
	return fmt.Sprintf("%s.%s(%s) %s", m.Interface, m.Member, m.sig, out)
}

// MethodOptions are the per-method capabilities of a [Method].
type MethodOptions struct {
	// Member overrides the bus member name, which is otherwise the
	// method's name.
	Member string
	// NoReply marks a method whose calls don't expect a reply. Sync
	// calls to such methods return as soon as the call is sent.
	NoReply bool
}

// methodKey identifies a method within a Proxy.
type methodKey struct {
	iface string
	name  string
	sig   string
}

func (m *Method) key() methodKey {
	return methodKey{m.Interface, m.Name, m.sig.String()}
}

// newMethod analyzes a method of obj, whose calls go to iface.
func newMethod(obj RemoteObject, iface, name string, in []reflect.Type, out reflect.Type, opts MethodOptions, ms Marshaller) (*Method, error) {
	ret := &Method{
		Name:      name,
		Member:    name,
		Interface: iface,
		In:        slices.Clone(in),
		Out:       out,
		NoReply:   opts.NoReply,
		Intrinsic: classifyIntrinsic(name, in, out),
	}
	if opts.Member != "" {
		ret.Member = opts.Member
		ret.Intrinsic = NotIntrinsic
	}

	constructErr := func(err error) error {
		return &ConstructionError{Method: name, Err: err}
	}
	if err := validMemberName(ret.Member); err != nil {
		return nil, constructErr(err)
	}
	for i, t := range in {
		if t == nil {
			return nil, constructErr(fmt.Errorf("parameter %d has nil type", i))
		}
	}
	sig, err := ms.Signature(in)
	if err != nil {
		return nil, constructErr(err)
	}
	ret.sig = sig

	if out != nil {
		if err := validReturnType(out); err != nil {
			return nil, constructErr(err)
		}
		if opts.NoReply {
			return nil, constructErr(errors.New("method with no reply cannot have a return value"))
		}
	}

	if opts.NoReply {
		ret.flags |= FlagNoReplyExpected
	}
	if !obj.AutoStart {
		ret.flags |= FlagNoAutoStart
	}
	return ret, nil
}

func validReturnType(t reflect.Type) error {
	switch {
	case t == anyType:
		return nil
	case isTuple(t):
		_, err := getTupleInfo(t)
		return err
	default:
		_, err := signatureFor(t, nil)
		return err
	}
}
