package bus

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/danderson/gvariant"
)

// DefaultTimeout is the time a method call waits for its reply, if
// the caller does not specify otherwise.
const DefaultTimeout = 25 * time.Second

// A CallOption adjusts how a method call is made.
type CallOption func(*callSettings)

type callSettings struct {
	flags   byte
	timeout value.Maybe[time.Duration]
}

// WithTimeout sets how long to wait for the reply. A non-positive
// duration selects DefaultTimeout.
func WithTimeout(d time.Duration) CallOption {
	return func(s *callSettings) {
		if d > 0 {
			s.timeout = value.Just(d)
		}
	}
}

// NoReply tells the remote peer not to send a reply. The call
// completes as soon as the request is sent, and its result is always
// nil.
func NoReply() CallOption {
	return func(s *callSettings) { s.flags |= flagNoReply }
}

// NoAutoStart tells the message bus not to launch the destination
// service if it is not already running.
func NoAutoStart() CallOption {
	return func(s *callSettings) { s.flags |= flagNoAutoStart }
}

// AllowInteraction tells the remote peer that the caller is prepared
// to wait for an interactive authorization prompt.
func AllowInteraction() CallOption {
	return func(s *callSettings) { s.flags |= flagAllowInteraction }
}

// Call calls a remote method and waits for its reply.
//
// params must be a tuple holding the method's arguments, or nil for
// methods that take none. The caller keeps ownership of params. On
// success, the caller owns the returned reply, a tuple of the
// method's return values.
//
// timeout bounds the wait for the reply. A non-positive timeout
// selects DefaultTimeout. If the timeout or the context deadline
// passes first, Call returns an error wrapping
// [gvariant.ErrTimeout]. Remote errors, transport failures and a
// closed connection are reported as [gvariant.ErrNativeFailure], with
// remote errors also wrapping a *CallError.
func (c *Conn) Call(ctx context.Context, busName string, path gvariant.ObjectPath, iface, method string, params *gvariant.Value, timeout time.Duration, opts ...CallOption) (*gvariant.Value, error) {
	opts = append(opts, WithTimeout(timeout))
	return c.call(ctx, busName, path, iface, method, params, opts)
}

func (c *Conn) call(ctx context.Context, busName string, path gvariant.ObjectPath, iface, method string, params *gvariant.Value, opts []CallOption) (*gvariant.Value, error) {
	p, err := c.Go(ctx, busName, path, iface, method, params, opts...)
	if err != nil {
		return nil, err
	}
	select {
	case <-p.Done():
		return p.Result()
	case <-ctx.Done():
		p.Cancel()
		return nil, callFailure("Call", ctx.Err())
	}
}

// Go starts a method call and returns without waiting for the reply.
// The reply is retrieved from the returned PendingCall.
//
// The timeout for the call starts when Go is called. Canceling ctx
// after Go returns does not affect the call, use PendingCall.Cancel
// instead.
func (c *Conn) Go(ctx context.Context, busName string, path gvariant.ObjectPath, iface, method string, params *gvariant.Value, opts ...CallOption) (*PendingCall, error) {
	var s callSettings
	for _, o := range opts {
		o(&s)
	}
	if err := ctx.Err(); err != nil {
		return nil, callFailure("Call", err)
	}
	if err := path.Valid(); err != nil {
		return nil, gvariant.WrapError("Call", gvariant.ErrTypeMismatch, err)
	}

	serial := c.nextSerial()
	if serial == 0 {
		return nil, callFailure("Call", net.ErrClosed)
	}
	hdr := header{
		Type:        msgTypeCall,
		Flags:       s.flags,
		Serial:      serial,
		Destination: busName,
		Path:        path,
		Interface:   iface,
		Member:      method,
	}

	ret := &PendingCall{
		c:      c,
		serial: serial,
		done:   make(chan struct{}),
	}
	if !hdr.WantReply() {
		if err := c.writeMsg(&hdr, params); err != nil {
			return nil, callFailure("Call", err)
		}
		ret.finish(nil, nil)
		return ret, nil
	}

	if !c.addCall(ret) {
		return nil, callFailure("Call", net.ErrClosed)
	}
	timeout, ok := s.timeout.GetOK()
	if !ok {
		timeout = DefaultTimeout
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	ret.mu.Lock()
	ret.timer = time.AfterFunc(timeout, func() {
		c.removeCall(ret)
		ret.finish(nil, gvariant.Errorf("Call", gvariant.ErrTimeout, "no reply to %s.%s after %v", iface, method, timeout))
	})
	ret.mu.Unlock()

	if err := c.writeMsg(&hdr, params); err != nil {
		c.removeCall(ret)
		ret.finish(nil, err)
		return nil, callFailure("Call", err)
	}
	return ret, nil
}

func (c *Conn) addCall(p *PendingCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.calls[p.serial] = p
	return true
}

func (c *Conn) removeCall(p *PendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[p.serial] == p {
		delete(c.calls, p.serial)
	}
}

// PendingCall is a method call in flight.
type PendingCall struct {
	c      *Conn
	serial uint32
	done   chan struct{}

	mu       sync.Mutex
	timer    *time.Timer
	finished bool
	taken    bool
	resp     *gvariant.Value
	err      error
}

// finish records the outcome of the call. Only the first outcome is
// kept, later ones are discarded.
func (p *PendingCall) finish(resp *gvariant.Value, err error) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		resp.Release()
		return
	}
	p.finished = true
	p.resp, p.err = resp, err
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	close(p.done)
}

// Done returns a channel that is closed when the call completes.
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Result waits for the call to complete and returns its outcome.
//
// On success, ownership of the reply passes to the caller. The
// outcome can be retrieved only once: subsequent calls report
// [gvariant.ErrUseAfterFinish].
func (p *PendingCall) Result() (*gvariant.Value, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.taken {
		return nil, gvariant.Errorf("Result", gvariant.ErrUseAfterFinish, "result already retrieved")
	}
	p.taken = true
	resp := p.resp
	p.resp = nil
	return resp, p.err
}

// Cancel abandons the call. A reply that arrives later is discarded,
// and a completed result not yet retrieved with Result is released.
func (p *PendingCall) Cancel() {
	p.c.removeCall(p)
	p.finish(nil, gvariant.WrapError("Call", gvariant.ErrNativeFailure, context.Canceled))
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.taken && p.resp != nil {
		p.resp.Release()
		p.resp = nil
		p.err = gvariant.WrapError("Call", gvariant.ErrNativeFailure, context.Canceled)
	}
}
