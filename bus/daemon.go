package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/danderson/gvariant"
)

// NameRequestFlags modify the behavior of a RequestName call.
type NameRequestFlags uint32

const (
	// NameRequestAllowReplacement lets another connection take over
	// the name with NameRequestReplace.
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	// NameRequestReplace takes over the name from its current owner,
	// if the owner allows replacement.
	NameRequestReplace
	// NameRequestNoQueue fails the request instead of waiting in
	// line for the name.
	NameRequestNoQueue
)

var errPeerToPeer = errors.New("bus daemon methods are unavailable on peer to peer connections")

// busCall calls a method of the message bus itself.
func (c *Conn) busCall(ctx context.Context, method string, body any, resp any) error {
	if c.p2p {
		return gvariant.WrapError(method, gvariant.ErrNativeFailure, errPeerToPeer)
	}
	return c.bus.CallStore(ctx, method, body, resp)
}

// Hello registers the connection with the message bus and returns
// its unique name. NewConn calls Hello automatically.
func (c *Conn) Hello(ctx context.Context) (string, error) {
	var resp struct{ Name string }
	if err := c.busCall(ctx, "Hello", nil, &resp); err != nil {
		return "", err
	}
	return resp.Name, nil
}

// RequestName asks the message bus to assign the given well-known
// name to this connection. It reports whether the connection is now
// the name's primary owner; if not, the connection is queued for
// ownership.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	var resp struct{ Code uint32 }
	req := struct {
		Name  string
		Flags uint32
	}{name, uint32(flags)}
	if err := c.busCall(ctx, "RequestName", req, &resp); err != nil {
		return false, err
	}
	switch resp.Code {
	case 1:
		// Became primary owner.
		return true, nil
	case 2:
		// Placed in queue, but not primary.
		return false, nil
	case 3:
		// Couldn't become primary owner, and request flags asked to
		// not queue.
		return false, gvariant.Errorf("RequestName", gvariant.ErrNativeFailure, "name %s not available", name)
	case 4:
		// Already the primary owner.
		return true, nil
	default:
		return false, gvariant.Errorf("RequestName", gvariant.ErrNativeFailure, "unknown response code %d", resp.Code)
	}
}

// ReleaseName gives up ownership of name, or leaves the queue for it.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	var resp struct{ Code uint32 }
	if err := c.busCall(ctx, "ReleaseName", struct{ Name string }{name}, &resp); err != nil {
		return err
	}
	switch resp.Code {
	case 1, 3:
		// Released, or was only queued and left the queue.
		return nil
	case 2:
		return gvariant.Errorf("ReleaseName", gvariant.ErrNativeFailure, "name %s does not exist", name)
	default:
		return gvariant.Errorf("ReleaseName", gvariant.ErrNativeFailure, "unknown response code %d", resp.Code)
	}
}

// ListNames returns the names currently owned on the bus.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	var resp struct{ Names []string }
	if err := c.busCall(ctx, "ListNames", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// ListActivatableNames returns the names of services the bus can
// start on demand.
func (c *Conn) ListActivatableNames(ctx context.Context) ([]string, error) {
	var resp struct{ Names []string }
	if err := c.busCall(ctx, "ListActivatableNames", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// NameHasOwner reports whether name currently has an owner.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	var resp struct{ Owned bool }
	if err := c.busCall(ctx, "NameHasOwner", struct{ Name string }{name}, &resp); err != nil {
		return false, err
	}
	return resp.Owned, nil
}

// GetNameOwner returns the unique name of the owner of name.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	var resp struct{ Owner string }
	if err := c.busCall(ctx, "GetNameOwner", struct{ Name string }{name}, &resp); err != nil {
		return "", err
	}
	return resp.Owner, nil
}

// BusID returns the unique ID of the message bus.
func (c *Conn) BusID(ctx context.Context) (string, error) {
	var resp struct{ ID string }
	if err := c.busCall(ctx, "GetId", nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// PeerPID returns the process ID of the owner of name.
func (c *Conn) PeerPID(ctx context.Context, name string) (uint32, error) {
	var resp struct{ PID uint32 }
	if err := c.busCall(ctx, "GetConnectionUnixProcessID", struct{ Name string }{name}, &resp); err != nil {
		return 0, fmt.Errorf("getting PID of %s: %w", name, err)
	}
	return resp.PID, nil
}
