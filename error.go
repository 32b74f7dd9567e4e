package dbusrpc

import (
	"fmt"
	"net"
	"reflect"
	"time"
)

// TypeError is the error returned when a type cannot be represented
// in the DBus wire format.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable by
	// DBus.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := ""
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

// ConstructionError is the error returned when a method call cannot
// be assembled, before anything is sent on the bus.
//
// Typical causes are argument values that don't match the method's
// declared parameter types, parameter types with no DBus
// representation, and invalid interface or member names.
type ConstructionError struct {
	// Method is the name of the method being called.
	Method string
	// Err is the underlying failure.
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("failed to construct dbus call to %s: %v", e.Method, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// NotConnectedError is the error returned when a call is made on a
// closed connection, or when the connection closes while a call is
// waiting for its reply.
type NotConnectedError struct {
	// Method is the name of the method being called.
	Method string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("calling %s: not connected", e.Method)
}

// Unwrap returns [net.ErrClosed], so that callers can test for
// closed connections without knowing about dbusrpc.
func (e *NotConnectedError) Unwrap() error { return net.ErrClosed }

// RemoteError is the error returned when the remote peer answers a
// method call with an error message.
type RemoteError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e *RemoteError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// NoReplyError is the error returned by synchronous calls that did
// not receive a reply within the connection's reply window.
type NoReplyError struct {
	// Method is the name of the method being called.
	Method string
	// Timeout is the reply window that elapsed.
	Timeout time.Duration
}

func (e *NoReplyError) Error() string {
	return fmt.Sprintf("calling %s: no reply within %v", e.Method, e.Timeout)
}

// TypeMismatchError is the error returned when a reply cannot be
// converted to the called method's declared return type.
type TypeMismatchError struct {
	// Method is the name of the method being called.
	Method string
	// Want is the method's declared return type, or nil for methods
	// with no return value.
	Want reflect.Type
	// Got is the signature of the reply.
	Got Signature
	// Err is the underlying failure.
	Err error
}

func (e *TypeMismatchError) Error() string {
	want := "no value"
	if e.Want != nil {
		want = e.Want.String()
	}
	return fmt.Sprintf("calling %s: wrong return type (got %q, expected %s): %v", e.Method, e.Got, want, e.Err)
}

func (e *TypeMismatchError) Unwrap() error { return e.Err }
