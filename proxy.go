package dbusrpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// A Proxy is a local stand-in for a remote object.
//
// Methods of the remote object are described by [Method] values,
// obtained from [Proxy.Define] or installed as function fields by
// [Bind]. [Proxy.Invoke] answers the intrinsic methods described by
// [Intrinsic] locally, and forwards everything else to the remote
// object as a synchronous call.
type Proxy struct {
	conn  *Conn
	obj   RemoteObject
	iface string
	mon   monitor

	mu      sync.Mutex
	methods map[methodKey]*Method
	byName  map[string]*Method
}

// NewProxy returns a Proxy for obj, whose calls are made on c.
//
// c may be nil, in which case the proxy answers intrinsic methods but
// every remote call fails with [*NotConnectedError].
func NewProxy(c *Conn, obj RemoteObject) (*Proxy, error) {
	if err := obj.Path.Valid(); err != nil {
		return nil, &ConstructionError{Method: obj.String(), Err: err}
	}
	iface, err := resolveInterface(obj)
	if err != nil {
		return nil, &ConstructionError{Method: obj.String(), Err: err}
	}
	return &Proxy{
		conn:    c,
		obj:     obj,
		iface:   iface,
		methods: map[methodKey]*Method{},
		byName:  map[string]*Method{},
	}, nil
}

type interfaceNamer interface {
	DBusInterfaceName() string
}

var (
	interfaceNamerType = reflect.TypeFor[interfaceNamer]()
	contextType        = reflect.TypeFor[context.Context]()
	proxyType          = reflect.TypeFor[*Proxy]()
)

// resolveInterface returns the bus interface name for calls to obj.
//
// An interface name declared by obj.Type takes precedence, followed
// by a name derived from obj.Type's package path and name, and
// finally obj.Interface.
func resolveInterface(obj RemoteObject) (string, error) {
	name := obj.Interface
	if t := obj.Type; t != nil {
		if declared, ok := declaredInterface(t); ok {
			name = declared
		} else if derived := typeInterfaceName(t); derived != "" {
			name = derived
		}
	}
	if name == "" {
		return "", nil
	}
	if err := validInterfaceName(name); err != nil {
		return "", err
	}
	return name, nil
}

// declaredInterface returns the interface name that t declares for
// itself, either with a DBusInterfaceName method or with a blank
// field tagged `dbus:"interface=name"`.
func declaredInterface(t reflect.Type) (string, bool) {
	t = derefType(t)
	if reflect.PointerTo(t).Implements(interfaceNamerType) {
		return reflect.New(t).Interface().(interfaceNamer).DBusInterfaceName(), true
	}
	if t.Kind() != reflect.Struct {
		return "", false
	}
	for i := range t.NumField() {
		f := t.Field(i)
		if f.Name != "_" {
			continue
		}
		if iface := parseTag(f.Tag.Get("dbus")).iface; iface != "" {
			return iface, true
		}
	}
	return "", false
}

// typeInterfaceName derives an interface name from t's fully
// qualified name. Characters that can't appear in interface names,
// including package path separators, become dots.
func typeInterfaceName(t reflect.Type) string {
	t = derefType(t)
	if t.Name() == "" {
		return ""
	}
	full := t.Name()
	if pkg := t.PkgPath(); pkg != "" {
		full = pkg + "." + full
	}
	mapped := strings.Map(func(r rune) rune {
		if isNameChar(r) {
			return r
		}
		return '.'
	}, full)
	var elems []string
	for _, elem := range strings.Split(mapped, ".") {
		if elem != "" {
			elems = append(elems, elem)
		}
	}
	return strings.Join(elems, ".")
}

type fieldTag struct {
	skip    bool
	member  string
	iface   string
	noReply bool
}

// parseTag parses a `dbus:"..."` struct tag.
func parseTag(tag string) fieldTag {
	var ret fieldTag
	if tag == "-" {
		ret.skip = true
		return ret
	}
	for _, opt := range strings.Split(tag, ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(opt), "=")
		switch k {
		case "member":
			ret.member = v
		case "interface":
			ret.iface = v
		case "noreply":
			ret.noReply = true
		}
	}
	return ret
}

// Conn returns the connection that the proxy's calls are made on.
func (p *Proxy) Conn() *Conn { return p.conn }

// Remote returns the object that the proxy stands for.
func (p *Proxy) Remote() RemoteObject { return p.obj }

// InterfaceName returns the bus interface that the proxy's calls are
// addressed to, or "" if calls carry no interface.
func (p *Proxy) InterfaceName() string { return p.iface }

// Define describes the remote method name, which takes parameters of
// the given types and returns a value of type out. out is nil for
// methods that return nothing.
//
// Define does all the type analysis needed to call the method, and
// fails with [*ConstructionError] if the method cannot be called
// over DBus. Defining a method with the same name and parameter
// types as an existing method replaces it.
func (p *Proxy) Define(name string, in []reflect.Type, out reflect.Type, opts MethodOptions) (*Method, error) {
	m, err := newMethod(p.obj, p.iface, name, in, out, opts, p.marshaller())
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.methods[m.key()] = m
	p.byName[name] = m
	return m, nil
}

// Method returns the most recently defined method with the given
// name, or nil if there is none.
func (p *Proxy) Method(name string) *Method {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byName[name]
}

// lookup returns the method with the given name and parameter types,
// defining it with return type out if necessary.
func (p *Proxy) lookup(name string, in []reflect.Type, out reflect.Type, opts MethodOptions) (*Method, error) {
	sig, err := p.marshaller().Signature(in)
	if err != nil {
		return nil, &ConstructionError{Method: name, Err: err}
	}
	p.mu.Lock()
	m := p.methods[methodKey{p.iface, name, sig.String()}]
	p.mu.Unlock()
	if m != nil && m.Out == out && m.NoReply == opts.NoReply && (opts.Member == "" || opts.Member == m.Member) {
		return m, nil
	}
	return p.Define(name, in, out, opts)
}

// Invoke calls m with args.
//
// Intrinsic methods are answered locally. All other methods are
// called synchronously on the remote object: Invoke waits for the
// reply, and returns it converted to m's return type.
func (p *Proxy) Invoke(ctx context.Context, m *Method, args ...any) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.Intrinsic != NotIntrinsic {
		return p.invokeIntrinsic(ctx, m, args)
	}
	return p.callSync(ctx, m, args)
}

// CallAsync calls m with args on the remote object, and returns
// without waiting for the reply. Intrinsic methods are not answered
// locally by CallAsync.
func (p *Proxy) CallAsync(ctx context.Context, m *Method, args ...any) (*AsyncReply, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.callAsync(ctx, m, args)
}

// CallWithCallback calls m with args on the remote object, and
// arranges for cb to receive the result. Errors that prevent the call
// from being sent are returned directly, and cb is not called.
// Otherwise, cb is called exactly once.
func (p *Proxy) CallWithCallback(ctx context.Context, m *Method, cb Callback, args ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.callWithCallback(ctx, m, args, cb)
}

// proxied is implemented by *Proxy, and by any type that embeds one.
type proxied interface {
	remoteProxy() *Proxy
}

func (p *Proxy) remoteProxy() *Proxy { return p }

// Equal reports whether other is a proxy, or a struct bound by
// [Bind], for the same remote object as p.
func (p *Proxy) Equal(other any) bool {
	o, ok := other.(proxied)
	if !ok {
		return false
	}
	op := o.remoteProxy()
	if op == nil {
		return false
	}
	return op.obj.Equal(p.obj)
}

// Hash returns the hash of the proxy's remote object.
func (p *Proxy) Hash() uint64 { return p.obj.Hash() }

func (p *Proxy) String() string { return p.obj.String() }

// IsRemote reports true. It exists so that bound structs answer the
// IsRemote intrinsic.
func (p *Proxy) IsRemote() bool { return true }

// ObjectPath returns the path of the proxy's remote object.
func (p *Proxy) ObjectPath() ObjectPath { return p.obj.Path }

// Wait blocks until another goroutine calls [Proxy.Notify] or
// [Proxy.NotifyAll], d elapses, or ctx is done. A zero d waits with
// no time limit.
func (p *Proxy) Wait(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("negative wait duration %v", d)
	}
	return p.mon.wait(ctx, d)
}

// Notify wakes the longest waiting goroutine blocked in [Proxy.Wait].
func (p *Proxy) Notify() { p.mon.notify() }

// NotifyAll wakes all goroutines blocked in [Proxy.Wait].
func (p *Proxy) NotifyAll() { p.mon.notifyAll() }

func (p *Proxy) marshaller() Marshaller {
	if p.conn == nil {
		return DefaultMarshaller
	}
	return p.conn.marshaller
}

// Bind connects the function fields of the struct pointed to by ptr
// to methods of obj, called on c.
//
// The struct must embed a *Proxy, which Bind sets. Each exported
// function field becomes a method named after the field, and must
// have one of the shapes
//
//	func(context.Context, Args...) error
//	func(context.Context, Args...) (Ret, error)
//
// Fields may be tagged with `dbus:"member=Name"` to call a bus member
// whose name differs from the field's, `dbus:"noreply"` for methods
// that don't send a reply, or `dbus:"-"` to be left alone.
//
// If obj.Type is nil, it is set to the struct's type, which then
// determines the interface of calls as described in
// [RemoteObject.Type]. The struct can name its interface explicitly
// with a DBusInterfaceName method, or with a blank field:
//
//	type Service struct {
//		*dbusrpc.Proxy
//		_ struct{} `dbus:"interface=org.example.Service"`
//
//		Echo func(context.Context, string) (string, error)
//	}
func Bind(c *Conn, obj RemoteObject, ptr any) error {
	rv := reflect.ValueOf(ptr)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("cannot bind %T, must be a non-nil pointer to a struct", ptr)
	}
	sv := rv.Elem()
	st := sv.Type()

	proxyField := -1
	for i := range st.NumField() {
		if f := st.Field(i); f.Anonymous && f.Type == proxyType {
			proxyField = i
			break
		}
	}
	if proxyField < 0 {
		return fmt.Errorf("cannot bind %s, it does not embed *dbusrpc.Proxy", st)
	}

	if obj.Type == nil {
		obj.Type = st
	}
	p, err := NewProxy(c, obj)
	if err != nil {
		return err
	}

	var errs []error
	for i := range st.NumField() {
		f := st.Field(i)
		if !f.IsExported() || f.Type.Kind() != reflect.Func {
			continue
		}
		tag := parseTag(f.Tag.Get("dbus"))
		if tag.skip {
			continue
		}
		in, out, err := funcShape(f.Type)
		if err != nil {
			errs = append(errs, &ConstructionError{Method: f.Name, Err: err})
			continue
		}
		m, err := p.Define(f.Name, in, out, MethodOptions{
			Member:  tag.member,
			NoReply: tag.noReply,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sv.Field(i).Set(p.trampoline(f.Type, m))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	sv.Field(proxyField).Set(reflect.ValueOf(p))
	return nil
}

// funcShape returns the parameter and return types of a bindable
// function type.
func funcShape(t reflect.Type) (in []reflect.Type, out reflect.Type, err error) {
	const want = "want func(context.Context, ...) error or func(context.Context, ...) (T, error)"
	if t.IsVariadic() {
		return nil, nil, fmt.Errorf("variadic function type %s, %s", t, want)
	}
	if t.NumIn() < 1 || t.In(0) != contextType {
		return nil, nil, fmt.Errorf("function type %s does not take a context.Context first, %s", t, want)
	}
	switch t.NumOut() {
	case 1:
	case 2:
		out = t.Out(0)
	default:
		return nil, nil, fmt.Errorf("function type %s has %d results, %s", t, t.NumOut(), want)
	}
	if t.Out(t.NumOut()-1) != errorType {
		return nil, nil, fmt.Errorf("function type %s does not return an error last, %s", t, want)
	}
	for i := 1; i < t.NumIn(); i++ {
		in = append(in, t.In(i))
	}
	return in, out, nil
}

// trampoline returns a function of type ft that invokes m.
func (p *Proxy) trampoline(ft reflect.Type, m *Method) reflect.Value {
	return reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		ctx, _ := in[0].Interface().(context.Context)
		args := make([]any, len(in)-1)
		for i, v := range in[1:] {
			args[i] = v.Interface()
		}
		ret, err := p.Invoke(ctx, m, args...)

		var retV reflect.Value
		if ft.NumOut() == 2 {
			retV = reflect.New(ft.Out(0)).Elem()
			if err == nil && ret != nil {
				if rt := reflect.TypeOf(ret); rt.AssignableTo(retV.Type()) {
					retV.Set(reflect.ValueOf(ret))
				} else {
					err = &TypeMismatchError{
						Method: m.Name,
						Want:   retV.Type(),
						Err:    fmt.Errorf("result has type %s", rt),
					}
				}
			}
		}
		errV := reflect.New(errorType).Elem()
		if err != nil {
			errV.Set(reflect.ValueOf(err))
		}
		if ft.NumOut() == 1 {
			return []reflect.Value{errV}
		}
		return []reflect.Value{retV, errV}
	})
}
