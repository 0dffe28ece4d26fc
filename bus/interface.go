package bus

import (
	"context"
	"fmt"

	"github.com/danderson/gvariant"
)

// Interface is a set of methods and properties offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Call calls method on the interface and returns its reply.
//
// This is a low-level calling API with the same contract as
// [Conn.Call]: params is a tuple or nil, and the caller owns the
// returned tuple.
func (f Interface) Call(ctx context.Context, method string, params *gvariant.Value, opts ...CallOption) (*gvariant.Value, error) {
	return f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, params, opts)
}

// CallStore calls method with arguments converted from body, and
// stores the reply in resp.
//
// body must convert to a tuple with [gvariant.From], for example a
// struct, or be nil for methods that take no arguments. resp must be
// a pointer suitable for [gvariant.Value.Store], or nil to discard
// the reply.
func (f Interface) CallStore(ctx context.Context, method string, body any, resp any, opts ...CallOption) error {
	var params *gvariant.Value
	if body != nil {
		var err error
		if params, err = gvariant.From(body); err != nil {
			return err
		}
		defer params.Release()
	}
	reply, err := f.Call(ctx, method, params, opts...)
	if err != nil {
		return err
	}
	defer reply.Release()
	if resp == nil || reply == nil {
		return nil
	}
	return reply.Store(resp)
}

// Discard calls method and discards its reply.
func (f Interface) Discard(ctx context.Context, method string, params *gvariant.Value, opts ...CallOption) error {
	reply, err := f.Call(ctx, method, params, opts...)
	reply.Release()
	return err
}

// GetProperty returns the value of the named property. The caller
// owns the returned value.
func (f Interface) GetProperty(ctx context.Context, name string, opts ...CallOption) (*gvariant.Value, error) {
	var resp struct{ Value *gvariant.Value }
	req := propertyRequest{f.name, name}
	if err := f.properties().CallStore(ctx, "Get", req, &resp, opts...); err != nil {
		return nil, err
	}
	defer resp.Value.Release()
	return resp.Value.AsVariant()
}

// SetProperty sets the named property to v. The caller keeps
// ownership of v.
func (f Interface) SetProperty(ctx context.Context, name string, v *gvariant.Value, opts ...CallOption) error {
	req := struct {
		Interface string
		Name      string
		Value     *gvariant.Value
	}{f.name, name, v}
	return f.properties().CallStore(ctx, "Set", req, nil, opts...)
}

// GetAllProperties returns all the properties exported by the
// interface. The caller owns the returned values.
func (f Interface) GetAllProperties(ctx context.Context, opts ...CallOption) (map[string]*gvariant.Value, error) {
	var resp struct {
		Props map[string]*gvariant.Value
	}
	if err := f.properties().CallStore(ctx, "GetAll", struct{ Interface string }{f.name}, &resp, opts...); err != nil {
		return nil, err
	}
	ret := make(map[string]*gvariant.Value, len(resp.Props))
	var err error
	for k, v := range resp.Props {
		if err == nil {
			ret[k], err = v.AsVariant()
		}
		v.Release()
	}
	if err != nil {
		for _, v := range ret {
			v.Release()
		}
		return nil, err
	}
	return ret, nil
}

func (f Interface) properties() Interface {
	return f.Object().Interface(ifaceProps)
}
