package dbusrpc

import (
	"context"
	"fmt"
	"reflect"
)

// Interface is a set of methods offered by an [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Remote returns the RemoteObject for the interface, with bus
// activation allowed.
func (f Interface) Remote() RemoteObject {
	ret := f.o.Remote()
	ret.Interface = f.name
	return ret
}

// Proxy returns a Proxy whose calls are addressed to the interface.
func (f Interface) Proxy() (*Proxy, error) {
	return NewProxy(f.Conn(), f.Remote())
}

// Call calls method on the interface with the given arguments, and
// returns the values of the reply.
//
// This is a low-level calling API. The method's signature is derived
// from the types of args, and reply values are decoded according to
// their wire types. Struct values in the reply decode as anonymous
// structs with fields Field0, Field1, ..., FieldN.
func (f Interface) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	p, m, err := f.method(method, args, nil, MethodOptions{})
	if err != nil {
		return nil, err
	}
	reply, err := p.roundTrip(ctx, m, args)
	if err != nil {
		return nil, err
	}
	return reply.Values()
}

// OneWay calls method on the interface with the given arguments, and
// tells the peer not to send a reply.
//
// OneWay returns after the method call is successfully sent. Since
// the response is suppressed at the bus level, there is no way to
// know whether the call was delivered to anyone, or acted upon.
func (f Interface) OneWay(ctx context.Context, method string, args ...any) error {
	p, m, err := f.method(method, args, nil, MethodOptions{NoReply: true})
	if err != nil {
		return err
	}
	_, err = p.roundTrip(ctx, m, args)
	return err
}

// CallValue calls method on iface with the given arguments, and returns
// its single return value as a T.
//
// If T is a struct embedding [Tuple], CallValue returns all the reply's
// values in T's fields.
func CallValue[T any](ctx context.Context, iface Interface, method string, args ...any) (T, error) {
	var zero T
	p, m, err := iface.method(method, args, reflect.TypeFor[T](), MethodOptions{})
	if err != nil {
		return zero, err
	}
	v, err := p.callSync(ctx, m, args)
	return assertValue[T](method, v, err)
}

// method returns a proxy for f and a method for calling name with
// args.
func (f Interface) method(name string, args []any, out reflect.Type, opts MethodOptions) (*Proxy, *Method, error) {
	p, err := f.Proxy()
	if err != nil {
		return nil, nil, err
	}
	in := make([]reflect.Type, len(args))
	for i, arg := range args {
		if arg == nil {
			return nil, nil, &ConstructionError{Method: name, Err: fmt.Errorf("argument %d is nil, cannot infer its type", i)}
		}
		in[i] = reflect.TypeOf(arg)
	}
	m, err := p.lookup(name, in, out, opts)
	if err != nil {
		return nil, nil, err
	}
	return p, m, nil
}
