package dbusrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/danderson/dbusrpc/fragments"
	"github.com/danderson/dbusrpc/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultReplyTimeout is the reply window of connections that don't
// set ConnOptions.ReplyTimeout.
const DefaultReplyTimeout = 25 * time.Second

// ConnOptions configures a [Conn]. The zero value is a usable
// configuration.
type ConnOptions struct {
	// ReplyTimeout is how long a call waits for its reply before
	// failing with [*NoReplyError]. Zero means
	// [DefaultReplyTimeout].
	ReplyTimeout time.Duration
	// Logger receives the connection's diagnostic logs. If nil, logs
	// go to the logrus standard logger.
	Logger *logrus.Entry
	// CallRate limits outgoing calls to this many per second. Zero
	// means no limit.
	CallRate float64
	// CallBurst is the number of calls that may exceed CallRate in a
	// burst. It is ignored if CallRate is zero, and defaults to 1.
	CallBurst int
	// Marshaller converts between Go values and message bodies. If
	// nil, [DefaultMarshaller] is used.
	Marshaller Marshaller
	// Metrics, if non-nil, records call statistics.
	Metrics *Metrics
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context, opts ConnOptions) (*Conn, error) {
	return Dial(ctx, "/run/dbus/system_bus_socket", opts)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context, opts ConnOptions) (*Conn, error) {
	path := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if path == "" {
		return nil, errors.New("session bus not available")
	}
	for _, uri := range strings.Split(path, ";") {
		addr, ok := strings.CutPrefix(uri, "unix:path=")
		if !ok {
			continue
		}
		return Dial(ctx, addr, opts)
	}
	return nil, fmt.Errorf("could not find usable session bus address in DBUS_SESSION_BUS_ADDRESS value %q", path)
}

// Dial connects to the bus listening on the unix socket at path.
func Dial(ctx context.Context, path string, opts ConnOptions) (*Conn, error) {
	t, err := transport.DialUnix(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewConn(ctx, t, opts)
}

// NewConn starts a DBus connection over t, which must be freshly
// authenticated, and registers with the bus.
//
// The returned Conn owns t, and closes it when the Conn is closed.
func NewConn(ctx context.Context, t transport.Transport, opts ConnOptions) (*Conn, error) {
	ret := &Conn{
		t:          t,
		log:        opts.Logger,
		timeout:    opts.ReplyTimeout,
		marshaller: opts.Marshaller,
		metrics:    opts.Metrics,
		enc: fragments.Encoder{
			Order:  fragments.NativeEndian,
			Mapper: encoderFor,
		},
		calls:    map[uint32]*pendingCall{},
		readDone: make(chan struct{}),
	}
	if ret.log == nil {
		ret.log = logrus.NewEntry(logrus.StandardLogger())
	}
	ret.log = ret.log.WithField("component", "dbusrpc")
	if ret.timeout <= 0 {
		ret.timeout = DefaultReplyTimeout
	}
	if ret.marshaller == nil {
		ret.marshaller = DefaultMarshaller
	}
	if opts.CallRate > 0 {
		burst := opts.CallBurst
		if burst <= 0 {
			burst = 1
		}
		ret.limiter = rate.NewLimiter(rate.Limit(opts.CallRate), burst)
	}

	go ret.readLoop()

	bus := &Bus{}
	if err := ret.Peer(busName).Object(busPath).Bind(bus); err != nil {
		ret.Close()
		return nil, err
	}
	ret.bus = bus

	id, err := bus.Hello(ctx)
	if err != nil {
		ret.Close()
		return nil, fmt.Errorf("getting DBus client ID: %w", err)
	}
	ret.clientID = id
	ret.log.WithField("local_name", id).Debug("connected to bus")

	return ret, nil
}

// Conn is a DBus connection.
//
// A Conn multiplexes the calls of any number of proxies over a single
// transport. Replies are matched to calls by serial number, so they
// may arrive in any order.
type Conn struct {
	t          transport.Transport
	log        *logrus.Entry
	timeout    time.Duration
	limiter    *rate.Limiter
	marshaller Marshaller
	metrics    *Metrics
	clientID   string
	bus        *Bus

	writeMu sync.Mutex
	enc     fragments.Encoder
	encBuf  []byte

	mu         sync.Mutex
	closed     bool
	calls      map[uint32]*pendingCall
	lastSerial uint32

	readDone chan struct{}
}

// LocalName returns the connection's unique bus name.
func (c *Conn) LocalName() string {
	return c.clientID
}

// Bus returns a proxy for the message bus itself.
func (c *Conn) Bus() *Bus {
	return c.bus
}

// Peer returns a Peer for the given bus name.
//
// The returned value is a purely local handle. It does not indicate
// that the requested peer exists, or that it is currently reachable.
func (c *Conn) Peer(name string) Peer {
	return Peer{
		c:    c,
		name: name,
	}
}

// Closed reports whether the connection has been closed, either by
// [Conn.Close] or because the transport failed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the DBus connection. Calls still waiting for a reply
// fail with [*NotConnectedError].
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pend := c.calls
	c.calls = map[uint32]*pendingCall{}
	c.mu.Unlock()

	err := c.t.Close()
	for _, serial := range slices.Sorted(maps.Keys(pend)) {
		p := pend[serial]
		c.finish(p, nil, &NotConnectedError{Method: p.call.method})
	}
	return err
}

// submit assigns call a serial number and sends it.
//
// If the call expects a reply, submit registers it before sending and
// returns its pendingCall. then, if non-nil, runs when the call
// completes, whether by reply, error, expiry of the reply window, or
// closure of the connection.
//
// Once submit has registered a call, its outcome is delivered exactly
// once. If the call is completed by someone else while it is being
// sent, for example by Close, submit returns the pendingCall and a nil
// error, and the outcome is delivered through the pendingCall.
func (c *Conn) submit(ctx context.Context, call *Call, mode Mode, then func(*ReplyMessage, error)) (*pendingCall, error) {
	fail := func(err error) (*pendingCall, error) {
		c.metrics.callFailed(mode, err)
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fail(err)
		}
	}

	body, err := encodeBody(fragments.NativeEndian, call.Args, call.types)
	if err != nil {
		return fail(&ConstructionError{Method: call.method, Err: err})
	}
	if len(body) > maxBodyLength {
		return fail(&ConstructionError{Method: call.method, Err: fmt.Errorf("message body length %d exceeds maximum %d", len(body), maxBodyLength)})
	}

	timeout := c.timeout
	if d := ContextCallOptions(ctx).Timeout; d > 0 {
		timeout = d
	}

	pend, err := func() (*pendingCall, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return nil, &NotConnectedError{Method: call.method}
		}
		call.Serial = c.nextSerialLocked()
		if !call.WantReply() {
			return nil, nil
		}
		p := &pendingCall{
			call:    call,
			mode:    mode,
			start:   time.Now(),
			timeout: timeout,
			then:    then,
			done:    make(chan struct{}),
		}
		c.calls[call.Serial] = p
		c.metrics.callStarted(mode, true)
		p.timer = time.AfterFunc(timeout, func() { c.expire(p) })
		return p, nil
	}()
	if err != nil {
		return fail(err)
	}

	hdr := call.header()
	hdr.Order = fragments.NativeEndian
	hdr.Length = uint32(len(body))
	c.log.WithFields(logrus.Fields{
		"serial": call.Serial,
		"dest":   call.Destination,
		"member": call.Member,
		"flags":  call.Flags.String(),
		"mode":   mode.String(),
	}).Trace("queued call")

	if err := c.writeMsg(&hdr, body); err != nil {
		completed := pend != nil && !c.forget(pend)
		if errors.Is(err, net.ErrClosed) || c.Closed() {
			err = &NotConnectedError{Method: call.method}
		} else {
			// A partial write leaves the stream in an unknown state.
			c.log.WithError(err).Error("write failed, closing connection")
			c.Close()
			err = fmt.Errorf("sending call to %s: %w", call.method, err)
		}
		if completed {
			return pend, nil
		}
		if pend == nil {
			c.metrics.callFailed(mode, err)
		}
		return nil, err
	}
	if pend == nil {
		c.metrics.callStarted(mode, false)
	}
	return pend, nil
}

func (c *Conn) nextSerialLocked() uint32 {
	c.lastSerial++
	if c.lastSerial == 0 {
		c.lastSerial = 1
	}
	return c.lastSerial
}

// wait waits for p to complete, or for ctx to be done. If ctx is done
// first, the call is abandoned.
func (c *Conn) wait(ctx context.Context, p *pendingCall) (*ReplyMessage, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		c.abandon(p, ctx.Err())
		<-p.done
		return p.reply, p.err
	}
}

// take removes p from the pending table, and reports whether it was
// still there. Whoever takes a pendingCall is responsible for
// completing it.
func (c *Conn) take(p *pendingCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[p.call.Serial] != p {
		return false
	}
	delete(c.calls, p.call.Serial)
	return true
}

// expire fails p with a NoReplyError, if it is still pending.
func (c *Conn) expire(p *pendingCall) {
	if !c.take(p) {
		return
	}
	c.log.WithFields(logrus.Fields{
		"serial": p.call.Serial,
		"member": p.call.Member,
	}).Debug("no reply within reply window")
	c.finish(p, nil, &NoReplyError{Method: p.call.method, Timeout: p.timeout})
}

// abandon fails p with err, if it is still pending.
func (c *Conn) abandon(p *pendingCall, err error) {
	if !c.take(p) {
		return
	}
	c.finish(p, nil, err)
}

// forget removes p from the pending table without completing it. It
// reports false if p was no longer pending, in which case someone
// else has completed it.
func (c *Conn) forget(p *pendingCall) bool {
	if !c.take(p) {
		return false
	}
	p.timer.Stop()
	c.metrics.callForgotten(p.mode)
	return true
}

// finish completes p, which the caller must have taken from the
// pending table.
func (c *Conn) finish(p *pendingCall, reply *ReplyMessage, err error) {
	if !p.complete(reply, err) {
		return
	}
	c.metrics.callFinished(p.mode, p.err, time.Since(p.start))
}

// numPending returns the number of calls awaiting a reply.
func (c *Conn) numPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *Conn) writeMsg(hdr *header, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.enc.Out = c.encBuf[:0]
	if err := hdr.encode(&c.enc); err != nil {
		return err
	}
	c.encBuf = append(c.enc.Out, body...)
	_, err := c.t.Write(c.encBuf)
	return err
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		msg, err := c.readMsg()
		if err != nil {
			if !c.Closed() && !errors.Is(err, net.ErrClosed) {
				// Errors that bubble out here represent a failure to
				// conform to the DBus protocol, and are fatal to the
				// Conn.
				c.log.WithError(err).Error("read error, closing connection")
			}
			c.Close()
			return
		}
		c.dispatchMsg(msg)
	}
}

// readMsg reads one complete DBus message from c.t. Must not be
// called concurrently.
func (c *Conn) readMsg() (*msg, error) {
	dec := fragments.Decoder{
		Order:  fragments.NativeEndian,
		Mapper: decoderFor,
		In:     c.t,
	}
	var ret msg
	if err := ret.header.decode(&dec); err != nil {
		return nil, err
	}
	ret.body = make([]byte, ret.Length)
	if _, err := io.ReadFull(c.t, ret.body); err != nil {
		return nil, err
	}
	if ret.NumFDs > 0 {
		return nil, fmt.Errorf("received message with %d file descriptors, which were not negotiated", ret.NumFDs)
	}
	return &ret, nil
}

func (c *Conn) dispatchMsg(msg *msg) {
	if err := msg.Valid(); err != nil {
		c.log.WithError(err).WithField("serial", msg.Serial).Error("dropping invalid message")
		return
	}

	switch msg.Type {
	case msgTypeCall:
		if msg.WantReply() {
			go c.rejectCall(msg)
		}
	case msgTypeReturn, msgTypeError:
		c.dispatchReply(msg)
	case msgTypeSignal:
		c.log.WithFields(logrus.Fields{
			"interface": msg.Interface,
			"member":    msg.Member,
		}).Trace("ignoring signal")
	}
}

func (c *Conn) dispatchReply(msg *msg) {
	p := func() *pendingCall {
		c.mu.Lock()
		defer c.mu.Unlock()
		ret := c.calls[msg.ReplySerial]
		delete(c.calls, msg.ReplySerial)
		return ret
	}()
	if p == nil {
		// Reply to a call that expired, was canceled, or never
		// existed.
		c.log.WithFields(logrus.Fields{
			"reply_serial": msg.ReplySerial,
			"sender":       msg.Sender,
		}).Debug("dropping reply to unknown call")
		return
	}
	c.finish(p, newReplyMessage(msg), nil)
}

// rejectCall answers an incoming method call with an error. Conn
// doesn't export any objects.
func (c *Conn) rejectCall(msg *msg) {
	serial := func() uint32 {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return 0
		}
		return c.nextSerialLocked()
	}()
	if serial == 0 {
		return
	}

	detail := fmt.Sprintf("no method %s.%s on object %s", msg.Interface, msg.Member, msg.Path)
	body, err := encodeBody(fragments.NativeEndian, []any{detail}, []reflect.Type{stringType})
	if err != nil {
		c.log.WithError(err).Error("encoding error reply")
		return
	}
	hdr := header{
		Order:       fragments.NativeEndian,
		Type:        msgTypeError,
		Version:     1,
		Length:      uint32(len(body)),
		Serial:      serial,
		Destination: msg.Sender,
		ReplySerial: msg.Serial,
		ErrName:     "org.freedesktop.DBus.Error.UnknownMethod",
		Signature:   mustParseSignature("s"),
	}
	if err := c.writeMsg(&hdr, body); err != nil {
		c.log.WithError(err).Debug("sending error reply")
	}
}
