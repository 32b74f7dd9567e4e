// Package dbusrpc calls methods on remote DBus objects.
//
// A [Conn] is a connection to a message bus. A [Proxy] stands for one
// object exported by a bus peer, and turns local method calls into
// DBus method calls on that object. Replies are matched to calls by
// serial number and converted back into Go values.
//
// The easiest way to use a remote object is to describe its methods
// as function fields of a struct, and [Bind] the struct:
//
//	type Echoer struct {
//		*dbusrpc.Proxy
//		_ struct{} `dbus:"interface=org.example.Echo"`
//
//		Echo   func(context.Context, string) (string, error)
//		Status func(context.Context) (Status, error)
//	}
//
//	type Status struct {
//		dbusrpc.Tuple
//		Code    int32
//		Message string
//	}
//
//	var e Echoer
//	err := conn.Peer("org.example").Object("/org/example/Echo").Bind(&e)
//	resp, err := e.Echo(ctx, "hello")
//
// Methods can also be defined at runtime with [Proxy.Define], and
// called in one of three modes:
//
//   - [Proxy.Invoke] calls synchronously, waiting for the reply.
//   - [Proxy.CallAsync] returns an [*AsyncReply] immediately.
//   - [Proxy.CallWithCallback] delivers the result to a [Callback].
//
// A handful of methods are answered by the proxy itself instead of
// the remote object, see [Intrinsic].
//
// # Type mapping
//
// Go values map to DBus types as follows:
//
//   - uint8, bool, int16, uint16, int32, uint32, int64, uint64,
//     float64 and string map to the corresponding DBus basic types.
//   - [ObjectPath] and [Signature] map to object paths and type
//     signatures.
//   - Slices and arrays map to DBus arrays, maps with basic key types
//     to DBus dictionaries.
//   - Structs map to DBus structs of their exported fields, in
//     declaration order. Fields of embedded structs count as fields
//     of the outer struct. Fields tagged `dbus:"-"` are ignored.
//   - Pointers map to the type they point to.
//   - any maps to DBus variants.
//
// int, uint, int8, float32 and file descriptors have no mapping.
//
// # Errors
//
// Calls fail with one of [*ConstructionError], [*NotConnectedError],
// [*RemoteError], [*NoReplyError] or [*TypeMismatchError], which
// callers can distinguish with [errors.As].
package dbusrpc
