package bus

import (
	"errors"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/gvariant"
)

const (
	busName = "org.freedesktop.DBus"
	busPath = gvariant.ObjectPath("/org/freedesktop/DBus")

	ifaceBus            = "org.freedesktop.DBus"
	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceProps          = "org.freedesktop.DBus.Properties"
)

func args(specs ...string) []ArgumentDescription {
	var ret []ArgumentDescription
	for i := 0; i < len(specs); i += 2 {
		ret = append(ret, ArgumentDescription{
			Name: specs[i],
			Type: gvariant.MustParseSignature(specs[i+1]),
		})
	}
	return ret
}

// Descriptions of the interfaces every Conn implements.
var (
	peerDescription = &InterfaceDescription{
		Name: ifacePeer,
		Methods: []*MethodDescription{
			{Name: "Ping"},
			{Name: "GetMachineId", Out: args("machine_uuid", "s")},
		},
	}
	introspectableDescription = &InterfaceDescription{
		Name: ifaceIntrospectable,
		Methods: []*MethodDescription{
			{Name: "Introspect", Out: args("xml_data", "s")},
		},
	}
	propertiesDescription = &InterfaceDescription{
		Name: ifaceProps,
		Methods: []*MethodDescription{
			{Name: "Get", In: args("interface_name", "s", "property_name", "s"), Out: args("value", "v")},
			{Name: "GetAll", In: args("interface_name", "s"), Out: args("props", "a{sv}")},
			{Name: "Set", In: args("interface_name", "s", "property_name", "s", "value", "v")},
		},
		Signals: []*SignalDescription{
			{Name: "PropertiesChanged", Args: args("interface_name", "s", "changed_properties", "a{sv}", "invalidated_properties", "as")},
		},
	}
)

// machineID returns the local machine's ID, as used by the Peer
// interface.
var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

func (c *Conn) handlePeer(call *MethodCall) (*gvariant.Value, error) {
	switch call.Member {
	case "Ping":
		return gvariant.NewTuple()
	case "GetMachineId":
		id, err := machineID()
		if err != nil {
			return nil, callErrorf(ErrNameFailed, "reading machine ID: %v", err)
		}
		return gvariant.From(struct{ ID string }{id})
	default:
		return nil, callErrorf(ErrNameUnknownMethod, "interface %s has no method %s", ifacePeer, call.Member)
	}
}

func (c *Conn) handleIntrospectable(call *MethodCall) (*gvariant.Value, error) {
	if call.Member != "Introspect" {
		return nil, callErrorf(ErrNameUnknownMethod, "interface %s has no method %s", ifaceIntrospectable, call.Member)
	}
	doc, err := c.describe(call.Path).XML()
	if err != nil {
		return nil, err
	}
	return gvariant.From(struct{ XML string }{doc})
}

// describe returns the introspection data for path.
//
// Any path can be introspected, so that callers can discover exported
// objects by walking down from "/".
func (c *Conn) describe(path gvariant.ObjectPath) *ObjectDescription {
	ret := &ObjectDescription{
		Interfaces: map[string]*InterfaceDescription{
			ifacePeer:           peerDescription,
			ifaceIntrospectable: introspectableDescription,
		},
	}
	children := mapset.New[string]()

	c.mu.Lock()
	defer c.mu.Unlock()
	if obj := c.objects[path]; obj != nil {
		ret.Interfaces[ifaceProps] = propertiesDescription
		for name, r := range obj.ifaces {
			ret.Interfaces[name] = r.desc
		}
	}
	prefix := string(path) + "/"
	if path == "/" {
		prefix = "/"
	}
	for p := range c.objects {
		if !p.IsChildOf(path) {
			continue
		}
		rest := strings.TrimPrefix(string(p), prefix)
		child, _, _ := strings.Cut(rest, "/")
		children.Add(child)
	}
	ret.Children = slices.Collect(maps.Keys(children))
	return ret
}

type propertyRequest struct {
	Interface string
	Name      string
}

func (c *Conn) handleProperties(call *MethodCall) (*gvariant.Value, error) {
	md := propertiesDescription.Method(call.Member)
	if md == nil {
		return nil, callErrorf(ErrNameUnknownMethod, "interface %s has no method %s", ifaceProps, call.Member)
	}
	if in, _ := md.InType(); !call.Params.IsOfType(in) {
		return nil, callErrorf(ErrNameInvalidArgs, "%s.%s takes %s, got %s", ifaceProps, md.Name, in, call.Params.Type())
	}

	switch call.Member {
	case "Get":
		var req propertyRequest
		if err := call.Params.Store(&req); err != nil {
			return nil, callErrorf(ErrNameInvalidArgs, "%v", err)
		}
		r, pd, err := c.property(call.Path, req)
		if err != nil {
			return nil, err
		}
		if !pd.Readable {
			return nil, callErrorf(ErrNameFailed, "property %s is write-only", req.Name)
		}
		v, ok := r.Property(req.Name)
		if !ok {
			return nil, callErrorf(ErrNameFailed, "property %s has no value", req.Name)
		}
		defer v.Release()
		return gvariant.From(struct{ Value *gvariant.Value }{v})

	case "GetAll":
		var req struct{ Interface string }
		if err := call.Params.Store(&req); err != nil {
			return nil, callErrorf(ErrNameInvalidArgs, "%v", err)
		}
		r, err := c.registration(call.Path, req.Interface)
		if err != nil {
			return nil, err
		}
		props := r.readableProperties()
		defer func() {
			for _, v := range props {
				v.Release()
			}
		}()
		return gvariant.From(struct{ Props map[string]*gvariant.Value }{props})

	case "Set":
		var req struct {
			Interface string
			Name      string
			Value     *gvariant.Value
		}
		if err := call.Params.Store(&req); err != nil {
			return nil, callErrorf(ErrNameInvalidArgs, "%v", err)
		}
		defer req.Value.Release()
		r, pd, err := c.property(call.Path, propertyRequest{req.Interface, req.Name})
		if err != nil {
			return nil, err
		}
		if !pd.Writable {
			return nil, callErrorf(ErrNamePropertyReadOnly, "property %s is read-only", req.Name)
		}
		v, err := req.Value.AsVariant()
		if err != nil {
			return nil, callErrorf(ErrNameInvalidArgs, "%v", err)
		}
		if err := r.SetProperty(req.Name, v); err != nil {
			v.Release()
			return nil, callErrorf(ErrNameInvalidArgs, "%v", err)
		}
		return gvariant.NewTuple()
	}
	panic("unreachable")
}

func (c *Conn) property(path gvariant.ObjectPath, req propertyRequest) (*Registration, *PropertyDescription, error) {
	r, err := c.registration(path, req.Interface)
	if err != nil {
		return nil, nil, err
	}
	pd := r.desc.Property(req.Name)
	if pd == nil {
		return nil, nil, callErrorf(ErrNameUnknownProperty, "interface %s has no property %s", req.Interface, req.Name)
	}
	return r, pd, nil
}

// emitPropertyChange broadcasts a PropertiesChanged signal for one
// property.
func (c *Conn) emitPropertyChange(path gvariant.ObjectPath, iface string, pd *PropertyDescription, v *gvariant.Value) error {
	body := struct {
		Interface   string
		Changed     map[string]*gvariant.Value
		Invalidated []string
	}{
		Interface:   iface,
		Changed:     map[string]*gvariant.Value{},
		Invalidated: []string{},
	}
	if pd.SignalIncludesValue {
		body.Changed[pd.Name] = v
	} else {
		body.Invalidated = append(body.Invalidated, pd.Name)
	}
	bv, err := gvariant.From(body)
	if err != nil {
		return err
	}
	defer bv.Release()
	return c.EmitSignal(path, ifaceProps, "PropertiesChanged", bv)
}
