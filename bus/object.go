package bus

import (
	"context"
	"fmt"

	"github.com/danderson/gvariant"
)

// Object is an object exposed by a Peer.
type Object struct {
	p    Peer
	path gvariant.ObjectPath
}

// Conn returns the connection the object is reached through.
func (o Object) Conn() *Conn { return o.p.Conn() }

// Peer returns the peer offering the object.
func (o Object) Peer() Peer { return o.p }

// Path returns the object's path.
func (o Object) Path() gvariant.ObjectPath { return o.path }

func (o Object) String() string {
	return fmt.Sprintf("%s:%s", o.p, o.path)
}

// Child returns the object at the relative path name below o.
func (o Object) Child(name string) Object {
	return o.p.Object(o.path.Child(name))
}

// Interface returns a handle to the named interface of the object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Introspect returns the object's introspection XML document.
func (o Object) Introspect(ctx context.Context, opts ...CallOption) (string, error) {
	var resp struct{ XML string }
	if err := o.Interface(ifaceIntrospectable).CallStore(ctx, "Introspect", nil, &resp, opts...); err != nil {
		return "", err
	}
	return resp.XML, nil
}

// Describe returns the parsed description of the object's interfaces
// and children.
func (o Object) Describe(ctx context.Context, opts ...CallOption) (*ObjectDescription, error) {
	doc, err := o.Introspect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	ret, err := ParseIntrospection(doc)
	if err != nil {
		return nil, gvariant.WrapError("Introspect", gvariant.ErrNativeFailure, err)
	}
	return ret, nil
}
