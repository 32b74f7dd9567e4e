// Package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus messages.
//
// The provided encoder and decoder are very low level, and do not
// encode any DBus semantics. It is the caller's responsibility to
// produce valid DBus messages using these tools.
//
// The dbusrpc package uses this package for both message headers and
// method call bodies. Callers of dbusrpc should not need it directly.
package fragments
