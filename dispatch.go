package dbusrpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Mode is the way a method call is completed.
type Mode int

const (
	// ModeSync calls block the caller until the reply arrives.
	ModeSync Mode = iota
	// ModeAsync calls return an [*AsyncReply] immediately.
	ModeAsync
	// ModeCallback calls deliver their result to a [Callback].
	ModeCallback
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	case ModeCallback:
		return "callback"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// pendingCall is a submitted call awaiting its reply.
type pendingCall struct {
	call    *Call
	mode    Mode
	start   time.Time
	timeout time.Duration
	timer   *time.Timer
	// then, if non-nil, runs once the call completes.
	then func(*ReplyMessage, error)

	once  sync.Once
	done  chan struct{}
	reply *ReplyMessage
	err   error
}

// complete records the call's outcome and wakes its waiters. Only
// the first completion has any effect. complete reports whether it
// was the first.
func (p *pendingCall) complete(reply *ReplyMessage, err error) bool {
	first := false
	p.once.Do(func() {
		first = true
		if p.timer != nil {
			p.timer.Stop()
		}
		if err == nil && reply != nil && reply.IsError() {
			err = reply.Err()
		}
		p.reply, p.err = reply, err
		close(p.done)
		if p.then != nil {
			p.then(reply, err)
		}
	})
	return first
}

// A Callback receives the result of a call made with
// [Proxy.CallWithCallback]: either the reply converted to the
// method's return type, or an error.
//
// Callbacks run on the connection's reply processing goroutine, and
// must not block.
type Callback func(value any, err error)

// OnReply adapts a typed function to a Callback. A reply that is not
// of type T is reported to fn as a [*TypeMismatchError].
func OnReply[T any](fn func(T, error)) Callback {
	return func(v any, err error) {
		ret, err := assertValue[T]("", v, err)
		fn(ret, err)
	}
}

var closedChan = func() chan struct{} {
	ret := make(chan struct{})
	close(ret)
	return ret
}()

// An AsyncReply is the future result of a call made with
// [Proxy.CallAsync].
type AsyncReply struct {
	p      *Proxy
	method *Method
	call   *Call
	// pending is nil for calls that expect no reply.
	pending *pendingCall

	once sync.Once
	val  any
	err  error
}

// Serial returns the serial number of the call.
func (r *AsyncReply) Serial() uint32 { return r.call.Serial }

// Done returns a channel that is closed when the call completes.
func (r *AsyncReply) Done() <-chan struct{} {
	if r.pending == nil {
		return closedChan
	}
	return r.pending.done
}

// HasReply reports whether the call has completed, either with a
// reply or with an error.
func (r *AsyncReply) HasReply() bool {
	select {
	case <-r.Done():
		return true
	default:
		return false
	}
}

// Reply waits for the call to complete and returns the raw reply
// message.
//
// If ctx is done before the call completes, Reply returns ctx.Err()
// and the call remains outstanding.
func (r *AsyncReply) Reply(ctx context.Context) (*ReplyMessage, error) {
	if r.pending == nil {
		return nil, nil
	}
	if err := r.await(ctx); err != nil {
		return nil, err
	}
	return r.pending.reply, r.pending.err
}

// await waits for the call to complete or ctx to be done. A completed
// call wins over a done ctx.
func (r *AsyncReply) await(ctx context.Context) error {
	select {
	case <-r.Done():
		return nil
	default:
	}
	select {
	case <-r.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Value waits for the call to complete and returns the reply
// converted to the method's return type.
//
// If ctx is done before the call completes, Value returns ctx.Err()
// and the call remains outstanding. Once the call completes, Value
// always returns the same result.
func (r *AsyncReply) Value(ctx context.Context) (any, error) {
	if err := r.await(ctx); err != nil {
		return nil, err
	}
	r.once.Do(func() {
		if r.pending == nil {
			return
		}
		if r.pending.err != nil {
			r.err = r.pending.err
			return
		}
		r.val, r.err = r.p.convert(r.method, r.pending.reply)
	})
	return r.val, r.err
}

// Cancel abandons the call. If the call has not completed yet, it
// completes with [context.Canceled] and any later reply is
// discarded.
func (r *AsyncReply) Cancel() {
	if r.pending == nil {
		return
	}
	r.p.conn.abandon(r.pending, context.Canceled)
}

// Await waits for r to complete and returns its value as a T.
func Await[T any](ctx context.Context, r *AsyncReply) (T, error) {
	v, err := r.Value(ctx)
	return assertValue[T](r.method.Name, v, err)
}

func assertValue[T any](method string, v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	ret, ok := v.(T)
	if !ok {
		sig, _ := SignatureOf(v)
		return zero, &TypeMismatchError{
			Method: method,
			Want:   reflect.TypeFor[T](),
			Got:    sig,
			Err:    fmt.Errorf("reply value has type %T", v),
		}
	}
	return ret, nil
}

// callSync makes a call to m and waits for the result.
func (p *Proxy) callSync(ctx context.Context, m *Method, args []any) (any, error) {
	reply, err := p.roundTrip(ctx, m, args)
	if err != nil || reply == nil {
		return nil, err
	}
	return p.convert(m, reply)
}

// roundTrip makes a call to m and waits for the raw reply. It returns
// a nil reply for methods that don't expect one.
func (p *Proxy) roundTrip(ctx context.Context, m *Method, args []any) (*ReplyMessage, error) {
	call, err := p.build(ctx, m, args, ModeSync)
	if err != nil {
		return nil, err
	}
	pend, err := p.conn.submit(ctx, call, ModeSync, nil)
	if err != nil {
		return nil, err
	}
	if pend == nil {
		return nil, nil
	}
	return p.conn.wait(ctx, pend)
}

// callAsync makes a call to m and returns without waiting.
func (p *Proxy) callAsync(ctx context.Context, m *Method, args []any) (*AsyncReply, error) {
	call, err := p.build(ctx, m, args, ModeAsync)
	if err != nil {
		return nil, err
	}
	pend, err := p.conn.submit(ctx, call, ModeAsync, nil)
	if err != nil {
		return nil, err
	}
	return &AsyncReply{
		p:       p,
		method:  m,
		call:    call,
		pending: pend,
	}, nil
}

// callWithCallback makes a call to m, and arranges for cb to receive
// the result.
func (p *Proxy) callWithCallback(ctx context.Context, m *Method, args []any, cb Callback) error {
	if cb == nil {
		return &ConstructionError{Method: m.Name, Err: errors.New("nil callback")}
	}
	if m.NoReply {
		return &ConstructionError{Method: m.Name, Err: errors.New("method with no reply cannot deliver to a callback")}
	}
	call, err := p.build(ctx, m, args, ModeCallback)
	if err != nil {
		return err
	}
	then := func(reply *ReplyMessage, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(p.convert(m, reply))
	}
	_, err = p.conn.submit(ctx, call, ModeCallback, then)
	if err != nil {
		return err
	}
	p.conn.log.WithField("serial", call.Serial).Trace("queued callback")
	return nil
}

// build assembles the call for m in the given mode.
func (p *Proxy) build(ctx context.Context, m *Method, args []any, mode Mode) (*Call, error) {
	if p.conn == nil {
		return nil, &NotConnectedError{Method: m.Name}
	}
	return buildCall(p.obj, m, args, mode, contextCallFlags(ctx), p.marshaller())
}

// convert converts a successful reply to m's return type.
func (p *Proxy) convert(m *Method, reply *ReplyMessage) (any, error) {
	ret, err := convertReply(m, reply, p.marshaller())
	p.conn.log.WithFields(logrus.Fields{
		"serial": reply.Serial,
		"method": m.Name,
		"sig":    reply.Signature.String(),
	}).Trace("converted reply")
	return ret, err
}
