package bus

import (
	"context"
	"errors"
	"maps"
	"net"
	"slices"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/gvariant"
)

// MethodCall is an incoming method call to an exported object.
type MethodCall struct {
	// Sender is the unique bus name of the caller. It is empty on
	// peer to peer connections.
	Sender string
	// Path is the object the method was called on.
	Path gvariant.ObjectPath
	// Interface is the interface the method belongs to.
	Interface string
	// Member is the method name.
	Member string
	// Params is a tuple of the call's arguments. It is released after
	// the handler returns; handlers that keep it must Retain it.
	Params *gvariant.Value
}

// MethodFunc handles a method call.
//
// On success, it returns a tuple of return values matching the
// method's described outputs, which the connection takes ownership
// of. A nil reply is allowed for methods with no outputs.
//
// Errors of type *CallError are sent to the caller with their own
// error name. Other errors are sent as
// org.freedesktop.DBus.Error.Failed.
type MethodFunc func(ctx context.Context, call *MethodCall) (*gvariant.Value, error)

// DispatchTable maps method names to their handlers.
type DispatchTable map[string]MethodFunc

// reservedInterfaces are implemented by every Conn, on all objects.
var reservedInterfaces = mapset.New(ifacePeer, ifaceIntrospectable, ifaceProps)

// exportedObject is the set of interfaces exported at one path.
type exportedObject struct {
	ifaces map[string]*Registration
}

// release drops all registrations of the object.
func (o *exportedObject) release() {
	for _, r := range o.ifaces {
		r.release()
	}
}

// Export makes iface available at path, with calls to its methods
// handled by the functions in methods.
//
// Every method in iface must have a handler in methods, and vice
// versa. Incoming calls whose arguments do not match the method's
// described inputs are rejected with
// org.freedesktop.DBus.Error.InvalidArgs before reaching the
// handler. Calls to methods not described by iface are rejected with
// org.freedesktop.DBus.Error.UnknownMethod.
//
// Properties described by iface are served from values set with
// Registration.SetProperty.
func (c *Conn) Export(path gvariant.ObjectPath, iface *InterfaceDescription, methods DispatchTable) (*Registration, error) {
	const op = "Export"
	if err := path.Valid(); err != nil {
		return nil, gvariant.WrapError(op, gvariant.ErrTypeMismatch, err)
	}
	if iface == nil || iface.Name == "" {
		return nil, gvariant.Errorf(op, gvariant.ErrTypeMismatch, "missing interface description")
	}
	if reservedInterfaces.Has(iface.Name) {
		return nil, gvariant.Errorf(op, gvariant.ErrTypeMismatch, "interface %s is provided by the connection", iface.Name)
	}
	for _, m := range iface.Methods {
		for _, t := range []func() (gvariant.Signature, error){m.InType, m.OutType} {
			sig, err := t()
			if err != nil {
				return nil, gvariant.WrapError(op, gvariant.ErrTypeMismatch, err)
			}
			if !sig.IsDefinite() {
				return nil, gvariant.Errorf(op, gvariant.ErrTypeMismatch, "method %s has indefinite argument type %q", m.Name, sig)
			}
		}
		if methods[m.Name] == nil {
			return nil, gvariant.Errorf(op, gvariant.ErrTypeMismatch, "no handler for method %s", m.Name)
		}
	}
	for name := range methods {
		if iface.Method(name) == nil {
			return nil, gvariant.Errorf(op, gvariant.ErrTypeMismatch, "handler for undescribed method %s", name)
		}
	}
	for _, p := range iface.Properties {
		if !p.Type.IsDefinite() {
			return nil, gvariant.Errorf(op, gvariant.ErrTypeMismatch, "property %s has indefinite type %q", p.Name, p.Type)
		}
	}

	ret := &Registration{
		c:       c,
		path:    path,
		desc:    iface,
		methods: maps.Clone(methods),
		props:   map[string]*gvariant.Value{},
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, gvariant.WrapError(op, gvariant.ErrNativeFailure, net.ErrClosed)
	}
	obj := c.objects[path]
	if obj == nil {
		obj = &exportedObject{ifaces: map[string]*Registration{}}
		c.objects[path] = obj
	}
	if obj.ifaces[iface.Name] != nil {
		return nil, gvariant.Errorf(op, gvariant.ErrNativeFailure, "interface %s already exported at %s", iface.Name, path)
	}
	obj.ifaces[iface.Name] = ret
	return ret, nil
}

// Registration is an interface exported by Conn.Export.
type Registration struct {
	c       *Conn
	path    gvariant.ObjectPath
	desc    *InterfaceDescription
	methods DispatchTable

	mu     sync.Mutex
	closed bool
	props  map[string]*gvariant.Value
}

// Path returns the object path of the registration.
func (r *Registration) Path() gvariant.ObjectPath { return r.path }

// Description returns the description of the exported interface.
func (r *Registration) Description() *InterfaceDescription { return r.desc }

// Close unexports the interface. Calls that arrive afterwards are
// rejected. Close is idempotent.
func (r *Registration) Close() error {
	func() {
		r.c.mu.Lock()
		defer r.c.mu.Unlock()
		obj := r.c.objects[r.path]
		if obj == nil || obj.ifaces[r.desc.Name] != r {
			return
		}
		delete(obj.ifaces, r.desc.Name)
		if len(obj.ifaces) == 0 {
			delete(r.c.objects, r.path)
		}
	}()
	r.release()
	return nil
}

func (r *Registration) release() {
	r.mu.Lock()
	props := r.props
	r.props = nil
	r.closed = true
	r.mu.Unlock()
	for _, v := range props {
		v.Release()
	}
}

// SetProperty sets the value of a property described by the exported
// interface. On success, the registration takes ownership of v.
//
// If the property emits change signals, SetProperty broadcasts an
// org.freedesktop.DBus.Properties.PropertiesChanged signal.
func (r *Registration) SetProperty(name string, v *gvariant.Value) error {
	const op = "SetProperty"
	pd := r.desc.Property(name)
	if pd == nil {
		return gvariant.Errorf(op, gvariant.ErrTypeMismatch, "interface %s has no property %s", r.desc.Name, name)
	}
	if v == nil || !v.IsOfType(pd.Type) {
		return gvariant.Errorf(op, gvariant.ErrTypeMismatch, "property %s has type %q, got %v", name, pd.Type, v)
	}
	if pd.EmitsSignal {
		v.Retain()
		defer v.Release()
	}
	if err := r.store(name, v); err != nil {
		return err
	}
	if pd.EmitsSignal {
		if err := r.c.emitPropertyChange(r.path, r.desc.Name, pd, v); err != nil {
			r.c.log.Warn().Err(err).Str("property", name).Msg("failed to emit PropertiesChanged")
		}
	}
	return nil
}

func (r *Registration) store(name string, v *gvariant.Value) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return gvariant.Errorf("SetProperty", gvariant.ErrNativeFailure, "interface %s at %s is no longer exported", r.desc.Name, r.path)
	}
	old := r.props[name]
	r.props[name] = v
	r.mu.Unlock()
	old.Release()
	return nil
}

// Property returns a new reference to the current value of the named
// property, or false if the property has no value.
func (r *Registration) Property(name string) (*gvariant.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.props[name]
	if !ok {
		return nil, false
	}
	return v.Retain(), true
}

// readableProperties returns new references to the values of all
// readable properties.
func (r *Registration) readableProperties() map[string]*gvariant.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := map[string]*gvariant.Value{}
	for name, v := range r.props {
		if pd := r.desc.Property(name); pd != nil && pd.Readable {
			ret[name] = v.Retain()
		}
	}
	return ret
}

func (r *Registration) dispatch(ctx context.Context, call *MethodCall) (*gvariant.Value, error) {
	md := r.desc.Method(call.Member)
	if md == nil {
		return nil, callErrorf(ErrNameUnknownMethod, "interface %s has no method %s", r.desc.Name, call.Member)
	}
	in, _ := md.InType()
	if !call.Params.IsOfType(in) {
		return nil, callErrorf(ErrNameInvalidArgs, "%s.%s takes %s, got %s", r.desc.Name, md.Name, in, call.Params.Type())
	}
	reply, err := r.methods[md.Name](ctx, call)
	if err != nil {
		reply.Release()
		return nil, err
	}
	if reply == nil {
		if reply, err = gvariant.NewTuple(); err != nil {
			return nil, err
		}
	}
	out, _ := md.OutType()
	if !reply.IsOfType(out) {
		got := reply.Type()
		reply.Release()
		r.c.log.Error().
			Str("method", r.desc.Name+"."+md.Name).
			Stringer("got", got).
			Stringer("want", out).
			Msg("handler returned wrong reply type")
		return nil, callErrorf(ErrNameFailed, "%s.%s returned %s, want %s", r.desc.Name, md.Name, got, out)
	}
	return reply, nil
}

// registration returns the registration of iface at path.
func (c *Conn) registration(path gvariant.ObjectPath, iface string) (*Registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj := c.objects[path]
	if obj == nil {
		return nil, callErrorf(ErrNameUnknownObject, "no object at %s", path)
	}
	r := obj.ifaces[iface]
	if r == nil {
		return nil, callErrorf(ErrNameUnknownInterface, "object %s has no interface %s", path, iface)
	}
	return r, nil
}

// methodOwner returns the registration at path that has a method
// named member, for calls that do not name an interface.
func (c *Conn) methodOwner(path gvariant.ObjectPath, member string) (*Registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj := c.objects[path]
	if obj == nil {
		return nil, callErrorf(ErrNameUnknownObject, "no object at %s", path)
	}
	for _, name := range slices.Sorted(maps.Keys(obj.ifaces)) {
		if r := obj.ifaces[name]; r.desc.Method(member) != nil {
			return r, nil
		}
	}
	return nil, callErrorf(ErrNameUnknownMethod, "object %s has no method %s", path, member)
}

func (c *Conn) dispatchCall(m *msg) {
	reply, err := c.handleCall(m)
	if err != nil {
		ce := asCallError(err)
		ev := c.log.Debug()
		if ce.Name == ErrNameFailed {
			ev = c.log.Warn()
		}
		ev.Err(err).
			Str("sender", m.Sender).
			Stringer("path", m.Path).
			Str("method", m.Interface+"."+m.Member).
			Msg("method call failed")
		c.sendError(m, ce)
		return
	}
	defer reply.Release()
	c.sendReply(m, reply)
}

func (c *Conn) handleCall(m *msg) (*gvariant.Value, error) {
	params, err := m.Body()
	if err != nil {
		return nil, callErrorf(ErrNameInvalidArgs, "decoding arguments: %v", err)
	}
	defer params.Release()

	call := &MethodCall{
		Sender:    m.Sender,
		Path:      m.Path,
		Interface: m.Interface,
		Member:    m.Member,
		Params:    params,
	}
	switch m.Interface {
	case ifacePeer:
		return c.handlePeer(call)
	case ifaceIntrospectable:
		return c.handleIntrospectable(call)
	case ifaceProps:
		return c.handleProperties(call)
	}

	var r *Registration
	if m.Interface == "" {
		r, err = c.methodOwner(m.Path, m.Member)
	} else {
		r, err = c.registration(m.Path, m.Interface)
	}
	if err != nil {
		return nil, err
	}
	ctx := withContextCall(c.ctx, c, call)
	return r.dispatch(ctx, call)
}

func asCallError(err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return &CallError{
		Name:   ErrNameFailed,
		Detail: err.Error(),
	}
}

func (c *Conn) sendReply(req *msg, body *gvariant.Value) {
	if !req.WantReply() {
		return
	}
	serial := c.nextSerial()
	if serial == 0 {
		return
	}
	hdr := header{
		Type:        msgTypeReturn,
		Serial:      serial,
		Destination: req.Sender,
		ReplySerial: req.Serial,
	}
	if err := c.writeMsg(&hdr, body); err != nil {
		c.log.Warn().Err(err).Uint32("reply_serial", req.Serial).Msg("failed to send reply")
	}
}

func (c *Conn) sendError(req *msg, e *CallError) {
	if !req.WantReply() {
		return
	}
	serial := c.nextSerial()
	if serial == 0 {
		return
	}
	hdr := header{
		Type:        msgTypeError,
		Serial:      serial,
		Destination: req.Sender,
		ReplySerial: req.Serial,
		ErrName:     e.Name,
	}
	body, err := gvariant.From(struct{ Detail string }{e.Detail})
	if err != nil {
		// Details that can't be sent as a string are dropped.
		body = nil
	}
	defer body.Release()
	if err := c.writeMsg(&hdr, body); err != nil {
		c.log.Warn().Err(err).Uint32("reply_serial", req.Serial).Msg("failed to send error reply")
	}
}

// EmitSignal broadcasts a signal from the object at path. body must
// be a tuple, or nil for signals with no arguments. The caller keeps
// ownership of body.
func (c *Conn) EmitSignal(path gvariant.ObjectPath, iface, member string, body *gvariant.Value) error {
	if err := path.Valid(); err != nil {
		return gvariant.WrapError("EmitSignal", gvariant.ErrTypeMismatch, err)
	}
	serial := c.nextSerial()
	if serial == 0 {
		return gvariant.WrapError("EmitSignal", gvariant.ErrNativeFailure, net.ErrClosed)
	}
	hdr := header{
		Type:      msgTypeSignal,
		Serial:    serial,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
	if err := c.writeMsg(&hdr, body); err != nil {
		return callFailure("EmitSignal", err)
	}
	return nil
}
