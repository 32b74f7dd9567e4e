package dbusrpc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danderson/dbusrpc/fragments"
	"github.com/danderson/dbusrpc/transport"
	"github.com/sirupsen/logrus"
)

const (
	fakeLocalName = ":1.42"
	fakePeerName  = ":1.7"
)

// fakeBus is an in-memory peer for a Conn. It completes the auth
// handshake, answers Hello, and hands every other method call to a
// handler registered for its member name.
type fakeBus struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader

	serial  atomic.Uint32
	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]func(*msg)

	// held receives calls stashed by hold, for replying later.
	held chan *msg
	// replies receives the return and error messages sent by the
	// Conn.
	replies chan *msg
	// calls receives the header of every method call the bus
	// receives, after Hello.
	calls chan header

	// wrap, if set, wraps the Conn's transport.
	wrap func(transport.Transport) transport.Transport
}

func newFakeBus(t *testing.T) *fakeBus {
	ret := &fakeBus{
		t:        t,
		handlers: map[string]func(*msg){},
		held:     make(chan *msg, 100),
		replies:  make(chan *msg, 100),
		calls:    make(chan header, 100),
	}
	ret.handle("Hello", func(m *msg) { ret.reply(m, fakeLocalName) })
	return ret
}

// handle sets the handler for calls to member.
func (b *fakeBus) handle(member string, fn func(*msg)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[member] = fn
}

// echo answers calls to member with their own arguments.
func (b *fakeBus) echo(member string) {
	b.handle(member, func(m *msg) { b.reply(m, b.args(m)...) })
}

// hold stashes calls to member without answering them.
func (b *fakeBus) hold(member string) {
	b.handle(member, func(m *msg) { b.held <- m })
}

// connect starts a Conn talking to the fake bus.
func (b *fakeBus) connect(opts ConnOptions) *Conn {
	b.t.Helper()
	client, server := net.Pipe()
	b.conn = server
	b.r = bufio.NewReader(server)
	go b.serve()

	if opts.Logger == nil {
		log := logrus.New()
		log.SetOutput(io.Discard)
		opts.Logger = logrus.NewEntry(log)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := transport.Authenticate(ctx, client)
	if err != nil {
		b.t.Fatalf("authenticating to fake bus: %v", err)
	}
	if b.wrap != nil {
		tr = b.wrap(tr)
	}
	conn, err := NewConn(ctx, tr, opts)
	if err != nil {
		b.t.Fatalf("connecting to fake bus: %v", err)
	}
	b.t.Cleanup(func() {
		conn.Close()
		server.Close()
	})
	return conn
}

func (b *fakeBus) serve() {
	for {
		line, err := b.r.ReadString('\n')
		if err != nil {
			return
		}
		if strings.TrimSpace(line) == "BEGIN" {
			break
		}
	}
	b.writeMu.Lock()
	_, err := io.WriteString(b.conn, "OK 0123456789abcdef0123456789abcdef\r\n")
	b.writeMu.Unlock()
	if err != nil {
		return
	}

	for {
		m, err := b.readMsg()
		if err != nil {
			return
		}
		switch m.Type {
		case msgTypeCall:
			b.dispatch(m)
		case msgTypeReturn, msgTypeError:
			select {
			case b.replies <- m:
			default:
			}
		}
	}
}

func (b *fakeBus) readMsg() (*msg, error) {
	dec := fragments.Decoder{
		Order:  fragments.NativeEndian,
		Mapper: decoderFor,
		In:     b.r,
	}
	var ret msg
	if err := ret.header.decode(&dec); err != nil {
		return nil, err
	}
	ret.body = make([]byte, ret.Length)
	if _, err := io.ReadFull(b.r, ret.body); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (b *fakeBus) dispatch(m *msg) {
	if m.Member != "Hello" && m.Member != "Sync" {
		select {
		case b.calls <- m.header:
		default:
		}
	}
	b.mu.Lock()
	fn := b.handlers[m.Member]
	b.mu.Unlock()
	if fn == nil {
		b.replyError(m, "org.freedesktop.DBus.Error.UnknownMethod", fmt.Sprintf("unknown method %s", m.Member))
		return
	}
	fn(m)
}

// args decodes the arguments of call m.
func (b *fakeBus) args(m *msg) []any {
	vals, err := (&ReplyMessage{Signature: m.Signature, order: m.Order, body: m.body}).Values()
	if err != nil {
		panic(fmt.Sprintf("decoding call arguments: %v", err))
	}
	return vals
}

// reply sends a successful reply to call m, carrying vals.
func (b *fakeBus) reply(m *msg, vals ...any) {
	hdr := header{
		Type:        msgTypeReturn,
		Flags:       byte(FlagNoReplyExpected),
		ReplySerial: m.Serial,
	}
	b.send(hdr, vals...)
}

// replyError sends an error reply to call m.
func (b *fakeBus) replyError(m *msg, name, detail string) {
	hdr := header{
		Type:        msgTypeError,
		Flags:       byte(FlagNoReplyExpected),
		ReplySerial: m.Serial,
		ErrName:     name,
	}
	if detail == "" {
		b.send(hdr)
		return
	}
	b.send(hdr, detail)
}

// send sends a message with the given header and body values. The
// header's byte order, version, serial, sender, length and signature
// are filled in.
func (b *fakeBus) send(hdr header, vals ...any) {
	types := make([]reflect.Type, len(vals))
	for i, v := range vals {
		types[i] = reflect.TypeOf(v)
	}
	sig, err := signatureOfTypes(types)
	if err != nil {
		panic(fmt.Sprintf("computing reply signature: %v", err))
	}
	body, err := encodeBody(fragments.NativeEndian, vals, types)
	if err != nil {
		panic(fmt.Sprintf("encoding reply body: %v", err))
	}
	hdr.Order = fragments.NativeEndian
	hdr.Version = 1
	if hdr.Serial == 0 {
		hdr.Serial = b.serial.Add(1)
	}
	if hdr.Sender == "" {
		hdr.Sender = fakePeerName
	}
	hdr.Length = uint32(len(body))
	hdr.Signature = sig

	enc := fragments.Encoder{
		Order:  fragments.NativeEndian,
		Mapper: encoderFor,
	}
	if err := hdr.encode(&enc); err != nil {
		panic(fmt.Sprintf("encoding header: %v", err))
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	// Write errors mean the Conn hung up, which tests observe on
	// their side.
	b.conn.Write(append(enc.Out, body...))
}

// nextHeld returns the next call stashed by hold.
func (b *fakeBus) nextHeld(t *testing.T) *msg {
	t.Helper()
	select {
	case m := <-b.held:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for held call")
		return nil
	}
}

// nextCall returns the header of the next call the bus received.
func (b *fakeBus) nextCall(t *testing.T) header {
	t.Helper()
	select {
	case h := <-b.calls:
		return h
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for call")
		return header{}
	}
}

// sync makes a round trip through the Conn's reply processing, so
// that every message the bus sent before it has been dispatched.
func (b *fakeBus) sync(t *testing.T, c *Conn) {
	t.Helper()
	b.handle("Sync", func(m *msg) { b.reply(m) })
	p, err := NewProxy(c, RemoteObject{BusName: fakePeerName, Path: "/"})
	if err != nil {
		t.Fatal(err)
	}
	m, err := p.Define("Sync", nil, nil, MethodOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Invoke(context.Background(), m); err != nil {
		t.Fatalf("sync call failed: %v", err)
	}
}

// echoer is the remote object most tests talk to.
type echoer struct {
	*Proxy
	_ struct{} `dbus:"interface=org.example.Echo"`

	Echo   func(context.Context, string) (string, error)
	Status func(context.Context) (Pair, error)
	Slow   func(context.Context, string) (string, error)
	Fail   func(context.Context) error
	Poke   func(context.Context, uint32) error `dbus:"noreply"`
	Count  func(context.Context) (uint32, error) `dbus:"member=GetCount"`
	Local  func() string                         `dbus:"-"`
}

func bindEchoer(t *testing.T, c *Conn) *echoer {
	t.Helper()
	var ret echoer
	if err := c.Peer(fakePeerName).Object("/org/example/Echo").Bind(&ret); err != nil {
		t.Fatalf("binding echoer: %v", err)
	}
	return &ret
}
