package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/gvariant"
	"github.com/danderson/gvariant/fragments"
	"github.com/danderson/gvariant/transport"
	"github.com/rs/zerolog"
)

// An Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used for connection events. The default
// discards all logs.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// PeerToPeer configures a Conn that talks directly to another
// process, with no message bus in between. Such connections have no
// unique name, and cannot use the bus daemon helpers.
func PeerToPeer() Option {
	return func(c *Conn) { c.p2p = true }
}

// WithByteOrder sets the byte order of outgoing messages. The
// default is the machine's native byte order.
func WithByteOrder(order fragments.ByteOrder) Option {
	return func(c *Conn) { c.order = order }
}

// Dial connects to the bus at addr, a DBus address list such as
// "unix:path=/run/user/1000/bus". Addresses are tried in order until
// one succeeds.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	addrs, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	return dialAddrs(ctx, addrs, opts)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context, opts ...Option) (*Conn, error) {
	addrs, err := SessionBusAddress()
	if err != nil {
		return nil, err
	}
	return dialAddrs(ctx, addrs, opts)
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context, opts ...Option) (*Conn, error) {
	addrs, err := SystemBusAddress()
	if err != nil {
		return nil, err
	}
	return dialAddrs(ctx, addrs, opts)
}

func dialAddrs(ctx context.Context, addrs []Address, opts []Option) (*Conn, error) {
	var errs []error
	for _, a := range addrs {
		t, err := transport.DialUnix(ctx, a.socket())
		if err != nil {
			errs = append(errs, fmt.Errorf("dialing %s: %w", a, err))
			continue
		}
		return NewConn(ctx, t, opts...)
	}
	return nil, errors.Join(errs...)
}

// NewConn starts a DBus connection over t, which must already be
// authenticated. Unless the PeerToPeer option is given, NewConn
// registers with the message bus before returning.
//
// The Conn takes ownership of t, and closes it when the Conn is
// closed.
func NewConn(ctx context.Context, t transport.Transport, opts ...Option) (*Conn, error) {
	ret := &Conn{
		t:        t,
		log:      zerolog.Nop(),
		order:    fragments.NativeEndian,
		calls:    map[uint32]*PendingCall{},
		objects:  map[gvariant.ObjectPath]*exportedObject{},
		watchers: mapset.New[*Watcher](),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.ctx, ret.cancel = context.WithCancel(context.Background())
	ret.bus = ret.
		Peer(busName).
		Object(busPath).
		Interface(ifaceBus)

	go ret.readLoop()

	if !ret.p2p {
		id, err := ret.Hello(ctx)
		if err != nil {
			ret.Close()
			return nil, fmt.Errorf("getting bus client ID: %w", err)
		}
		ret.clientID = id
	}
	return ret, nil
}

// Conn is a DBus connection.
type Conn struct {
	t        transport.Transport
	log      zerolog.Logger
	order    fragments.ByteOrder
	p2p      bool
	clientID string

	// ctx is the parent of contexts given to method handlers. It is
	// canceled when the Conn shuts down.
	ctx    context.Context
	cancel context.CancelFunc

	bus Interface

	writeMu sync.Mutex
	encBody []byte
	encMsg  []byte

	mu         sync.Mutex
	closed     bool
	closeErr   error
	calls      map[uint32]*PendingCall
	lastSerial uint32
	objects    map[gvariant.ObjectPath]*exportedObject
	watchers   mapset.Set[*Watcher]
}

// Close closes the DBus connection. Calls in flight fail, and
// exported objects are unexported.
func (c *Conn) Close() error {
	return c.shutdown(net.ErrClosed)
}

// Done returns a channel that is closed when the connection shuts
// down, either because of Close or a fatal connection error.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns the reason the connection shut down, or nil if it is
// still open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Conn) shutdown(cause error) error {
	var (
		pend map[uint32]*PendingCall
		objs map[gvariant.ObjectPath]*exportedObject
		ws   mapset.Set[*Watcher]
	)
	{
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.closed = true
		c.closeErr = cause
		pend, c.calls = c.calls, nil
		objs, c.objects = c.objects, nil
		ws, c.watchers = c.watchers, nil
		c.mu.Unlock()
	}
	c.cancel()
	for _, p := range pend {
		p.finish(nil, gvariant.WrapError("Call", gvariant.ErrNativeFailure, cause))
	}
	for _, o := range objs {
		o.release()
	}
	for w := range ws {
		w.stop()
	}
	return c.t.Close()
}

// LocalName returns the connection's unique bus name. It is empty
// for peer to peer connections.
func (c *Conn) LocalName() string {
	return c.clientID
}

// RemoteCredentials returns the kernel's view of the process at the
// far end of the connection. For bus connections, that is the
// message bus itself.
func (c *Conn) RemoteCredentials() (transport.Credentials, error) {
	return transport.PeerCredentials(c.t)
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

// nextSerial returns a fresh message serial, or 0 if the connection
// is closed.
func (c *Conn) nextSerial() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	c.lastSerial++
	if c.lastSerial == 0 {
		c.lastSerial++
	}
	return c.lastSerial
}

func (c *Conn) readLoop() {
	for {
		err := c.dispatchMsg()
		if err == nil {
			continue
		}
		if c.isClosed() {
			return
		}
		// Errors that bubble out here are either the peer going away,
		// or a failure to conform to the DBus protocol. Either way
		// the byte stream can't be trusted any more.
		if isDisconnect(err) {
			c.log.Debug().Err(err).Msg("connection closed by peer")
		} else {
			c.log.Error().Err(err).Msg("protocol error, closing connection")
		}
		c.shutdown(errors.Join(net.ErrClosed, err))
		return
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) dispatchMsg() error {
	msg, err := c.readMsg()
	if err != nil {
		return err
	}
	if err := msg.Valid(); err != nil {
		return fmt.Errorf("received invalid header: %w", err)
	}

	switch msg.Type {
	case msgTypeCall:
		go c.dispatchCall(msg)
	case msgTypeReturn, msgTypeError:
		c.dispatchReply(msg)
	case msgTypeSignal:
		c.dispatchSignal(msg)
	default:
		c.log.Debug().Stringer("type", msg.Type).Msg("ignoring message of unknown type")
	}
	return nil
}

func (c *Conn) dispatchReply(msg *msg) {
	pending := func() *PendingCall {
		c.mu.Lock()
		defer c.mu.Unlock()
		ret := c.calls[msg.ReplySerial]
		delete(c.calls, msg.ReplySerial)
		return ret
	}()

	if pending == nil {
		// Response to a canceled or timed out call.
		c.log.Debug().Uint32("reply_serial", msg.ReplySerial).Msg("dropping reply to unknown call")
		return
	}

	if msg.Type == msgTypeError {
		pending.finish(nil, callFailure("Call", msg.callError()))
		return
	}
	body, err := msg.Body()
	if err != nil {
		pending.finish(nil, err)
		return
	}
	pending.finish(body, nil)
}

// callError returns the CallError carried by an error message.
func (m *msg) callError() *CallError {
	ret := &CallError{Name: m.ErrName}
	body, err := m.Body()
	if err != nil {
		ret.Detail = fmt.Sprintf("got error while decoding error detail: %v", err)
		return ret
	}
	defer body.Release()
	if n, _ := body.NumChildren(); n == 0 {
		return ret
	}
	first, err := body.ChildAt(0)
	if err != nil {
		return ret
	}
	defer first.Release()
	if s, err := first.AsString(); err == nil {
		ret.Detail = s
	}
	return ret
}
