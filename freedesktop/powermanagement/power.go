// Package powermanagement is a client for the Freedesktop power
// management service.
package powermanagement

import (
	"context"

	"github.com/danderson/dbusrpc"
)

const (
	busName    = "org.freedesktop.PowerManagement"
	objectPath = dbusrpc.ObjectPath("/org/freedesktop/PowerManagement")
)

// Sleep is the org.freedesktop.PowerManagement API.
type Sleep struct {
	*dbusrpc.Proxy
	_ struct{} `dbus:"interface=org.freedesktop.PowerManagement"`

	// CanHibernate reports whether the system can save its state to
	// disk and power off.
	CanHibernate func(context.Context) (bool, error)
	// CanHybridSuspend reports whether the system can save its state
	// to disk and then suspend to RAM.
	CanHybridSuspend func(context.Context) (bool, error)
	CanSuspend       func(context.Context) (bool, error)
	// CanSuspendThenHibernate reports whether the system can suspend
	// to RAM, and hibernate if the battery runs low.
	CanSuspendThenHibernate func(context.Context) (bool, error)
	// ShouldSavePower reports the system's current power usage
	// policy. It does not necessarily mean the system is on battery.
	ShouldSavePower func(context.Context) (bool, error) `dbus:"member=GetPowerSaveStatus"`

	Hibernate func(context.Context) error
	Suspend   func(context.Context) error
}

// Inhibitor is the org.freedesktop.PowerManagement.Inhibit API.
type Inhibitor struct {
	*dbusrpc.Proxy
	_ struct{} `dbus:"interface=org.freedesktop.PowerManagement.Inhibit"`

	// HasInhibit reports whether some application is currently
	// preventing all forms of sleep.
	HasInhibit func(context.Context) (bool, error)
	// Inhibit's parameters are an application name and a reason, both
	// human readable. It returns a cookie for UnInhibit.
	Inhibit   func(context.Context, string, string) (uint32, error)
	UnInhibit func(context.Context, uint32) error
}

// PowerManagement groups the APIs of the power management service.
type PowerManagement struct {
	*Sleep
	*Inhibitor
}

// New returns a client for the power management service reachable
// over conn.
func New(conn *dbusrpc.Conn) (PowerManagement, error) {
	return Bind(conn, dbusrpc.RemoteObject{
		BusName:   busName,
		Path:      objectPath,
		AutoStart: true,
	})
}

// Bind returns a client for the power management APIs on obj.
func Bind(conn *dbusrpc.Conn, obj dbusrpc.RemoteObject) (PowerManagement, error) {
	var (
		s Sleep
		i Inhibitor
	)
	if err := dbusrpc.Bind(conn, obj, &s); err != nil {
		return PowerManagement{}, err
	}
	if err := dbusrpc.Bind(conn, obj, &i); err != nil {
		return PowerManagement{}, err
	}
	return PowerManagement{&s, &i}, nil
}

// InhibitSleep prevents the system from sleeping until the returned
// function is called.
//
// application and reason should tell a human what is keeping the
// system awake. For example, "System" and "Installing updates".
func (i *Inhibitor) InhibitSleep(ctx context.Context, application, reason string) (release func(context.Context) error, err error) {
	cookie, err := i.Inhibit(ctx, application, reason)
	if err != nil {
		return nil, err
	}
	release = func(ctx context.Context) error {
		return i.UnInhibit(ctx, cookie)
	}
	return release, nil
}
