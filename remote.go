package dbusrpc

import (
	"fmt"
	"hash/fnv"
	"reflect"
)

// RemoteObject identifies an object exported by a bus peer.
//
// RemoteObject is a plain value that is never modified once a [Proxy]
// has been created from it. An object's identity is its BusName, Path,
// Type and Interface. AutoStart is a call option and does not take
// part in [RemoteObject.Equal] or [RemoteObject.Hash].
type RemoteObject struct {
	// BusName is the unique or well-known bus name of the peer that
	// exports the object.
	BusName string
	// Path is the object's path.
	Path ObjectPath
	// Type is the Go type that declares the object's methods, if
	// any. It determines the default interface name of calls.
	Type reflect.Type
	// Interface is the interface name to use when Type provides
	// none.
	Interface string
	// AutoStart allows the bus to activate the peer if it is not
	// running when a call is made.
	AutoStart bool
}

// String returns the object's textual form, "busname:path:interface".
func (o RemoteObject) String() string {
	iface := o.Interface
	if o.Type != nil {
		iface = o.Type.String()
	}
	if iface == "" {
		iface = "<no interface>"
	}
	return fmt.Sprintf("%s:%s:%s", o.BusName, o.Path, iface)
}

// Equal reports whether o and other identify the same remote object.
func (o RemoteObject) Equal(other RemoteObject) bool {
	return o.BusName == other.BusName &&
		o.Path == other.Path &&
		o.Type == other.Type &&
		o.Interface == other.Interface
}

// Hash returns a hash of o. Equal objects have equal hashes.
func (o RemoteObject) Hash() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s\x00%s", o.BusName, o.Path, o.Interface)
	if o.Type != nil {
		fmt.Fprintf(h, "\x00%s\x00%s", o.Type.PkgPath(), o.Type.String())
	}
	return h.Sum64()
}
