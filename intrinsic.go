package dbusrpc

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"
)

// Intrinsic identifies a method that a [Proxy] answers locally
// instead of forwarding to the remote object.
type Intrinsic int

const (
	// NotIntrinsic is a remote method.
	NotIntrinsic Intrinsic = iota
	// IntrinsicEquals is Equals(any) bool. It reports whether the
	// argument is a proxy for the same RemoteObject.
	IntrinsicEquals
	// IntrinsicHashCode is HashCode() uint64.
	IntrinsicHashCode
	// IntrinsicToString is String() string.
	IntrinsicToString
	// IntrinsicClone is Clone() any. Proxies cannot be cloned, so it
	// always returns nil.
	IntrinsicClone
	// IntrinsicIsRemote is IsRemote() bool, which is always true.
	IntrinsicIsRemote
	// IntrinsicObjectPath is ObjectPath() ObjectPath.
	IntrinsicObjectPath
	// IntrinsicWait is Wait(), Wait(millis int64) or Wait(millis
	// int64, nanos int32). It blocks until the proxy is notified, or
	// the duration elapses. A zero duration waits forever.
	IntrinsicWait
	// IntrinsicNotify is Notify(), which wakes one waiter.
	IntrinsicNotify
	// IntrinsicNotifyAll is NotifyAll(), which wakes all waiters.
	IntrinsicNotifyAll
)

func (i Intrinsic) String() string {
	switch i {
	case NotIntrinsic:
		return "remote"
	case IntrinsicEquals:
		return "Equals"
	case IntrinsicHashCode:
		return "HashCode"
	case IntrinsicToString:
		return "String"
	case IntrinsicClone:
		return "Clone"
	case IntrinsicIsRemote:
		return "IsRemote"
	case IntrinsicObjectPath:
		return "ObjectPath"
	case IntrinsicWait:
		return "Wait"
	case IntrinsicNotify:
		return "Notify"
	case IntrinsicNotifyAll:
		return "NotifyAll"
	default:
		return fmt.Sprintf("Intrinsic(%d)", int(i))
	}
}

var (
	boolType   = reflect.TypeFor[bool]()
	stringType = reflect.TypeFor[string]()
	uint64Type = reflect.TypeFor[uint64]()
	int64Type  = reflect.TypeFor[int64]()
	int32Type  = reflect.TypeFor[int32]()
)

// classifyIntrinsic returns the Intrinsic for a method with the given
// name and shape. A method whose name matches an intrinsic but whose
// shape doesn't is a remote method.
func classifyIntrinsic(name string, in []reflect.Type, out reflect.Type) Intrinsic {
	shape := func(wantOut reflect.Type, wantIn ...reflect.Type) bool {
		return out == wantOut && slices.Equal(in, wantIn)
	}
	switch name {
	case "Equals":
		if shape(boolType, anyType) {
			return IntrinsicEquals
		}
	case "HashCode":
		if shape(uint64Type) {
			return IntrinsicHashCode
		}
	case "String":
		if shape(stringType) {
			return IntrinsicToString
		}
	case "Clone":
		if shape(anyType) {
			return IntrinsicClone
		}
	case "IsRemote":
		if shape(boolType) {
			return IntrinsicIsRemote
		}
	case "ObjectPath":
		if shape(objectPathType) {
			return IntrinsicObjectPath
		}
	case "Wait":
		if shape(nil) || shape(nil, int64Type) || shape(nil, int64Type, int32Type) {
			return IntrinsicWait
		}
	case "Notify":
		if shape(nil) {
			return IntrinsicNotify
		}
	case "NotifyAll":
		if shape(nil) {
			return IntrinsicNotifyAll
		}
	}
	return NotIntrinsic
}

// invokeIntrinsic answers an intrinsic method call on p.
func (p *Proxy) invokeIntrinsic(ctx context.Context, m *Method, args []any) (any, error) {
	if len(args) != len(m.In) {
		return nil, &ConstructionError{
			Method: m.Name,
			Err:    fmt.Errorf("got %d arguments, want %d", len(args), len(m.In)),
		}
	}
	switch m.Intrinsic {
	case IntrinsicEquals:
		return p.Equal(args[0]), nil
	case IntrinsicHashCode:
		return p.Hash(), nil
	case IntrinsicToString:
		return p.String(), nil
	case IntrinsicClone:
		return nil, nil
	case IntrinsicIsRemote:
		return p.IsRemote(), nil
	case IntrinsicObjectPath:
		return p.ObjectPath(), nil
	case IntrinsicWait:
		d, err := waitDuration(args)
		if err != nil {
			return nil, &ConstructionError{Method: m.Name, Err: err}
		}
		return nil, p.Wait(ctx, d)
	case IntrinsicNotify:
		p.Notify()
		return nil, nil
	case IntrinsicNotifyAll:
		p.NotifyAll()
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown intrinsic %s", m.Intrinsic)
	}
}

func waitDuration(args []any) (time.Duration, error) {
	var ms int64
	var ns int32
	if len(args) > 0 {
		v, ok := args[0].(int64)
		if !ok {
			return 0, fmt.Errorf("timeout has type %T, want int64", args[0])
		}
		ms = v
	}
	if len(args) > 1 {
		v, ok := args[1].(int32)
		if !ok {
			return 0, fmt.Errorf("nanos has type %T, want int32", args[1])
		}
		ns = v
	}
	if ms < 0 {
		return 0, fmt.Errorf("negative timeout %d", ms)
	}
	if ns < 0 || ns > 999999 {
		return 0, fmt.Errorf("nanosecond timeout %d out of range", ns)
	}
	return time.Duration(ms)*time.Millisecond + time.Duration(ns), nil
}

// monitor is a wait/notify point. Waiters are woken in arrival order.
type monitor struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// wait blocks until notified, d elapses, or ctx is done. d == 0 means
// no time limit.
func (m *monitor) wait(ctx context.Context, d time.Duration) error {
	ch := make(chan struct{})
	m.mu.Lock()
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	var expired <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-ch:
		return nil
	case <-expired:
		m.remove(ch)
		return nil
	case <-ctx.Done():
		m.remove(ch)
		return ctx.Err()
	}
}

func (m *monitor) remove(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := slices.Index(m.waiters, ch); i >= 0 {
		m.waiters = slices.Delete(m.waiters, i, i+1)
	}
}

func (m *monitor) notify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiters) == 0 {
		return
	}
	close(m.waiters[0])
	m.waiters = m.waiters[1:]
}

func (m *monitor) notifyAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.waiters {
		close(ch)
	}
	m.waiters = nil
}

// numWaiters returns the number of goroutines blocked in wait.
func (m *monitor) numWaiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
