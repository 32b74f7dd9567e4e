package dbusrpc

import (
	"context"
)

// Peer is a participant on the bus, identified by its bus name.
type Peer struct {
	c    *Conn
	name string
}

// peerProxy is the org.freedesktop.DBus.Peer interface, which every
// peer implements on every object.
type peerProxy struct {
	*Proxy
	_ struct{} `dbus:"interface=org.freedesktop.DBus.Peer"`

	Ping         func(context.Context) error
	GetMachineID func(context.Context) (string, error) `dbus:"member=GetMachineId"`
}

func (p Peer) peer() (*peerProxy, error) {
	var ret peerProxy
	if err := p.Object("/").Bind(&ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// Ping checks that the peer is reachable.
func (p Peer) Ping(ctx context.Context) error {
	pp, err := p.peer()
	if err != nil {
		return err
	}
	return pp.Ping(ctx)
}

// MachineID returns the ID of the machine the peer is running on.
func (p Peer) MachineID(ctx context.Context) (string, error) {
	pp, err := p.peer()
	if err != nil {
		return "", err
	}
	return pp.GetMachineID(ctx)
}

// Owner returns the unique bus name of the peer's current owner.
func (p Peer) Owner(ctx context.Context) (string, error) {
	return p.c.GetNameOwner(ctx, p.name)
}

func (p Peer) Conn() *Conn  { return p.c }
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Object returns an Object for the given path on the peer.
func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}
