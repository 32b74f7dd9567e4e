package dbusrpc

import (
	"context"
	"errors"
	"fmt"
)

const (
	busName            = "org.freedesktop.DBus"
	busPath ObjectPath = "/org/freedesktop/DBus"
)

// Bus is a proxy for the message bus's own interface.
type Bus struct {
	*Proxy
	_ struct{} `dbus:"interface=org.freedesktop.DBus"`

	Hello                      func(context.Context) (string, error)
	GetID                      func(context.Context) (string, error) `dbus:"member=GetId"`
	ListNames                  func(context.Context) ([]string, error)
	ListActivatableNames       func(context.Context) ([]string, error)
	ListQueuedOwners           func(context.Context, string) ([]string, error)
	NameHasOwner               func(context.Context, string) (bool, error)
	GetNameOwner               func(context.Context, string) (string, error)
	GetConnectionUnixUser      func(context.Context, string) (uint32, error)
	GetConnectionUnixProcessID func(context.Context, string) (uint32, error)
	RequestName                func(context.Context, string, uint32) (uint32, error)
	ReleaseName                func(context.Context, string) (uint32, error)
}

// NameRequestFlags are options for [Conn.RequestName].
type NameRequestFlags byte

const (
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	NameRequestReplace
	NameRequestNoQueue
)

// RequestName asks the bus to assign the given name to this
// connection. It reports whether the connection is now the name's
// primary owner.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	resp, err := c.bus.RequestName(ctx, name, uint32(flags))
	if err != nil {
		return false, err
	}
	switch resp {
	case 1:
		// Became primary owner.
		return true, nil
	case 2:
		// Placed in queue, but not primary.
		return false, nil
	case 3:
		// Couldn't become primary owner, and request flags asked to
		// not queue.
		return false, errors.New("requested name not available")
	case 4:
		// Already the primary owner.
		return true, nil
	default:
		return false, fmt.Errorf("unknown response code %d to RequestName", resp)
	}
}

// ReleaseName releases a name previously acquired with
// [Conn.RequestName].
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	_, err := c.bus.ReleaseName(ctx, name)
	return err
}

func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	return c.bus.ListNames(ctx)
}

func (c *Conn) ListActivatableNames(ctx context.Context) ([]string, error) {
	return c.bus.ListActivatableNames(ctx)
}

func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	return c.bus.NameHasOwner(ctx, name)
}

func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	return c.bus.GetNameOwner(ctx, name)
}

func (c *Conn) GetPeerUID(ctx context.Context, name string) (uint32, error) {
	return c.bus.GetConnectionUnixUser(ctx, name)
}

func (c *Conn) GetPeerPID(ctx context.Context, name string) (uint32, error) {
	return c.bus.GetConnectionUnixProcessID(ctx, name)
}

// GetBusID returns the bus's globally unique ID.
func (c *Conn) GetBusID(ctx context.Context) (string, error) {
	return c.bus.GetID(ctx)
}
