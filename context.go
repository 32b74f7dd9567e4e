package dbusrpc

import (
	"context"
	"time"
)

// CallOptions adjusts how individual method calls are made.
//
// CallOptions travel in a context, so that they apply equally to
// direct [Proxy.Invoke] calls and to methods installed by [Bind].
type CallOptions struct {
	// Timeout overrides the connection's reply window for calls made
	// with this context. Zero means use the connection default.
	Timeout time.Duration
	// NoAutoStart asks the bus not to launch the destination service
	// if it is not already running.
	NoAutoStart bool
	// AllowInteraction tells the destination that it may prompt the
	// user, for example to authorize the call.
	AllowInteraction bool
}

type callOptionsContextKey struct{}

// WithCallOptions returns a context that applies opts to any method
// calls made with it.
func WithCallOptions(ctx context.Context, opts CallOptions) context.Context {
	return context.WithValue(ctx, callOptionsContextKey{}, opts)
}

// WithTimeout returns a context whose calls wait at most d for a
// reply.
//
// Unlike [context.WithTimeout], expiry of d is reported as a
// [*NoReplyError] and the returned context itself never expires.
func WithTimeout(ctx context.Context, d time.Duration) context.Context {
	opts := ContextCallOptions(ctx)
	opts.Timeout = d
	return WithCallOptions(ctx, opts)
}

// WithNoAutoStart returns a context whose calls don't trigger bus
// activation of their destination.
func WithNoAutoStart(ctx context.Context) context.Context {
	opts := ContextCallOptions(ctx)
	opts.NoAutoStart = true
	return WithCallOptions(ctx, opts)
}

// WithAllowInteraction returns a context whose calls permit the
// destination to interact with the user.
func WithAllowInteraction(ctx context.Context) context.Context {
	opts := ContextCallOptions(ctx)
	opts.AllowInteraction = true
	return WithCallOptions(ctx, opts)
}

// ContextCallOptions returns the CallOptions carried by ctx, or the
// zero CallOptions if there are none.
func ContextCallOptions(ctx context.Context) CallOptions {
	if ctx == nil {
		return CallOptions{}
	}
	v := ctx.Value(callOptionsContextKey{})
	if v == nil {
		return CallOptions{}
	}
	if ret, ok := v.(CallOptions); ok {
		return ret
	}
	return CallOptions{}
}

// contextCallFlags returns the header flags requested by ctx.
func contextCallFlags(ctx context.Context) Flags {
	opts := ContextCallOptions(ctx)
	var ret Flags
	if opts.NoAutoStart {
		ret |= FlagNoAutoStart
	}
	if opts.AllowInteraction {
		ret |= FlagAllowInteraction
	}
	return ret
}
