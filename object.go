package dbusrpc

import "fmt"

// Object is an object exported by a [Peer].
type Object struct {
	p    Peer
	path ObjectPath
}

func (o Object) Conn() *Conn      { return o.p.Conn() }
func (o Object) Peer() Peer       { return o.p }
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	if o.path == "" {
		return fmt.Sprintf("%s:<no path>", o.Peer())
	}
	return fmt.Sprintf("%s:%s", o.Peer(), o.path)
}

// Interface returns an Interface for the given interface name on the
// object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Remote returns the RemoteObject for o, with bus activation allowed.
func (o Object) Remote() RemoteObject {
	return RemoteObject{
		BusName:   o.p.name,
		Path:      o.path,
		AutoStart: true,
	}
}

// Proxy returns a Proxy for o, whose calls carry no interface name
// unless its methods are defined with one.
func (o Object) Proxy() (*Proxy, error) {
	return NewProxy(o.Conn(), o.Remote())
}

// Bind binds the struct pointed to by ptr to the object, as described
// by [Bind].
func (o Object) Bind(ptr any) error {
	return Bind(o.Conn(), o.Remote(), ptr)
}
