package bus

import (
	"context"

	"github.com/danderson/gvariant"
)

// Peer is a named participant on a message bus.
type Peer struct {
	c    *Conn
	name string
}

// Conn returns the connection the peer is reached through.
func (p Peer) Conn() *Conn { return p.c }

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	if p.name == "" {
		return "<direct peer>"
	}
	return p.name
}

// Object returns a handle to the object at path, offered by the
// peer.
func (p Peer) Object(path gvariant.ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}

// Ping checks that the peer is reachable and responding.
func (p Peer) Ping(ctx context.Context, opts ...CallOption) error {
	return p.Object("/").Interface(ifacePeer).Discard(ctx, "Ping", nil, opts...)
}

// MachineID returns the ID of the machine the peer is running on.
func (p Peer) MachineID(ctx context.Context, opts ...CallOption) (string, error) {
	var resp struct{ ID string }
	if err := p.Object("/").Interface(ifacePeer).CallStore(ctx, "GetMachineId", nil, &resp, opts...); err != nil {
		return "", err
	}
	return resp.ID, nil
}
