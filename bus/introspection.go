package bus

import (
	"cmp"
	"encoding/xml"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/danderson/gvariant"
)

const introspectDocType = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

// ObjectDescription describes a DBus object's exported interfaces and
// child objects.
//
// Interface and child descriptions are provided by the DBus peer
// hosting the object, and may not accurately reflect the actual
// exposed API or object structure.
type ObjectDescription struct {
	// Interfaces maps an interface name to a description of its API.
	Interfaces map[string]*InterfaceDescription
	// Children is the relative paths to child objects under this
	// object. The relative paths may contain multiple path
	// components.
	Children []string
}

// ParseIntrospection parses the XML returned by an Introspect call.
func ParseIntrospection(doc string) (*ObjectDescription, error) {
	var ret ObjectDescription
	if err := xml.Unmarshal([]byte(doc), &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

type rawNode struct {
	XMLName    xml.Name                `xml:"node"`
	Interfaces []*InterfaceDescription `xml:"interface"`
	Children   []rawChild              `xml:"node"`
}

type rawChild struct {
	Name string `xml:"name,attr"`
}

type rawAnnotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type rawArg struct {
	Name      string `xml:"name,attr,omitempty"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr,omitempty"`
}

func (o *ObjectDescription) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw rawNode
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	o.Interfaces = make(map[string]*InterfaceDescription, len(raw.Interfaces))
	for _, iface := range raw.Interfaces {
		o.Interfaces[iface.Name] = iface
	}
	o.Children = make([]string, 0, len(raw.Children))
	for _, v := range raw.Children {
		o.Children = append(o.Children, v.Name)
	}
	return nil
}

func (o *ObjectDescription) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	raw := rawNode{}
	for _, n := range slices.Sorted(maps.Keys(o.Interfaces)) {
		raw.Interfaces = append(raw.Interfaces, o.Interfaces[n])
	}
	for _, c := range slices.Sorted(slices.Values(o.Children)) {
		raw.Children = append(raw.Children, rawChild{c})
	}
	return e.EncodeElement(raw, xml.StartElement{Name: xml.Name{Local: "node"}})
}

// XML returns the introspection document for the object, in the form
// returned by the Introspect method.
func (o *ObjectDescription) XML() (string, error) {
	bs, err := xml.MarshalIndent(o, "", " ")
	if err != nil {
		return "", err
	}
	return introspectDocType + string(bs) + "\n", nil
}

// InterfaceDescription describes a DBus interface.
type InterfaceDescription struct {
	Name       string                 `xml:"name,attr"`
	Methods    []*MethodDescription   `xml:"method"`
	Signals    []*SignalDescription   `xml:"signal"`
	Properties []*PropertyDescription `xml:"property"`
}

// Method returns the description of the named method, or nil if the
// interface has no such method.
func (d *InterfaceDescription) Method(name string) *MethodDescription {
	for _, m := range d.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Property returns the description of the named property, or nil if
// the interface has no such property.
func (d *InterfaceDescription) Property(name string) *PropertyDescription {
	for _, p := range d.Properties {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func (d InterfaceDescription) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "interface %s {\n", d.Name)

	methods := slices.SortedFunc(slices.Values(d.Methods), func(a, b *MethodDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	for _, m := range methods {
		fmt.Fprintf(&ret, "  %s\n", m)
	}

	signals := slices.SortedFunc(slices.Values(d.Signals), func(a, b *SignalDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	for _, s := range signals {
		fmt.Fprintf(&ret, "  %s\n", s)
	}

	props := slices.SortedFunc(slices.Values(d.Properties), func(a, b *PropertyDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	for _, s := range props {
		fmt.Fprintf(&ret, "  %s\n", s)
	}
	ret.WriteString("}")
	return ret.String()
}

// MethodDescription describes a DBus method.
type MethodDescription struct {
	Name string
	In   []ArgumentDescription
	Out  []ArgumentDescription
	// Deprecated, if true, indicates that the method should be
	// avoided in new code.
	Deprecated bool
	// If true, NoReply indicates that callers are expected to use
	// the NoReply call option when invoking the method.
	NoReply bool
}

// InType returns the tuple type of the method's input arguments.
func (m *MethodDescription) InType() (gvariant.Signature, error) {
	return argTuple(m.In)
}

// OutType returns the tuple type of the method's return values.
func (m *MethodDescription) OutType() (gvariant.Signature, error) {
	return argTuple(m.Out)
}

func argTuple(args []ArgumentDescription) (gvariant.Signature, error) {
	ts := make([]gvariant.Signature, 0, len(args))
	for _, a := range args {
		ts = append(ts, a.Type)
	}
	return gvariant.TupleOf(ts...)
}

func (m MethodDescription) String() string {
	var ret strings.Builder
	ret.WriteString("func ")
	ret.WriteString(m.Name)
	ret.WriteByte('(')
	writeArgs(&ret, m.In)
	ret.WriteByte(')')

	if len(m.Out) > 0 {
		ret.WriteString(" (")
		writeArgs(&ret, m.Out)
		ret.WriteByte(')')
	}
	switch {
	case m.Deprecated && m.NoReply:
		ret.WriteString(" [deprecated,noreply]")
	case m.Deprecated:
		ret.WriteString(" [deprecated]")
	case m.NoReply:
		ret.WriteString(" [noreply]")
	}
	return ret.String()
}

func writeArgs(b *strings.Builder, args []ArgumentDescription) {
	for i, arg := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(arg.String())
	}
}

type rawMethod struct {
	Name string          `xml:"name,attr"`
	Args []rawArg        `xml:"arg"`
	Meta []rawAnnotation `xml:"annotation"`
}

func (m *MethodDescription) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw rawMethod
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	m.Name = raw.Name
	m.In, m.Out = nil, nil
	m.Deprecated, m.NoReply = false, false
	for _, arg := range raw.Args {
		sig, err := gvariant.ParseSignature(arg.Type)
		if err != nil {
			return fmt.Errorf("invalid signature %q for arg %s: %w", arg.Type, arg.Name, err)
		}
		ad := ArgumentDescription{
			Name: arg.Name,
			Type: sig,
		}
		if arg.Direction == "out" {
			m.Out = append(m.Out, ad)
		} else {
			m.In = append(m.In, ad)
		}
	}
	for _, attr := range raw.Meta {
		switch attr.Name {
		case annotationDeprecated:
			m.Deprecated = attr.Value == "true"
		case annotationNoReply:
			m.NoReply = attr.Value == "true"
		}
	}
	return nil
}

func (m *MethodDescription) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	raw := rawMethod{Name: m.Name}
	for _, a := range m.In {
		raw.Args = append(raw.Args, rawArg{a.Name, a.Type.String(), "in"})
	}
	for _, a := range m.Out {
		raw.Args = append(raw.Args, rawArg{a.Name, a.Type.String(), "out"})
	}
	if m.Deprecated {
		raw.Meta = append(raw.Meta, rawAnnotation{annotationDeprecated, "true"})
	}
	if m.NoReply {
		raw.Meta = append(raw.Meta, rawAnnotation{annotationNoReply, "true"})
	}
	return e.EncodeElement(raw, start)
}

// Well-known annotations.
const (
	annotationDeprecated   = "org.freedesktop.DBus.Deprecated"
	annotationNoReply      = "org.freedesktop.DBus.Method.NoReply"
	annotationEmitsChanged = "org.freedesktop.DBus.Property.EmitsChangedSignal"
)

// Property access modes.
const (
	accessRead      = "read"
	accessWrite     = "write"
	accessReadWrite = "readwrite"
)

// SignalDescription describes a DBus signal.
type SignalDescription struct {
	Name string
	Args []ArgumentDescription
	// Deprecated, if true, indicates that the signal should be
	// avoided in new code.
	Deprecated bool
}

func (s SignalDescription) String() string {
	var ret strings.Builder
	ret.WriteString("signal ")
	ret.WriteString(s.Name)
	ret.WriteByte('(')
	writeArgs(&ret, s.Args)
	ret.WriteByte(')')
	if s.Deprecated {
		ret.WriteString(" [deprecated]")
	}
	return ret.String()
}

type rawSignal struct {
	Name string          `xml:"name,attr"`
	Args []rawArg        `xml:"arg"`
	Meta []rawAnnotation `xml:"annotation"`
}

func (s *SignalDescription) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw rawSignal
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	s.Name = raw.Name
	s.Args = nil
	s.Deprecated = false
	for _, arg := range raw.Args {
		sig, err := gvariant.ParseSignature(arg.Type)
		if err != nil {
			return fmt.Errorf("invalid signature %q for signal arg %s: %w", arg.Type, arg.Name, err)
		}
		s.Args = append(s.Args, ArgumentDescription{
			Name: arg.Name,
			Type: sig,
		})
	}
	for _, attr := range raw.Meta {
		if attr.Name == annotationDeprecated && attr.Value == "true" {
			s.Deprecated = true
		}
	}
	return nil
}

func (s *SignalDescription) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	raw := rawSignal{Name: s.Name}
	for _, a := range s.Args {
		raw.Args = append(raw.Args, rawArg{Name: a.Name, Type: a.Type.String()})
	}
	if s.Deprecated {
		raw.Meta = append(raw.Meta, rawAnnotation{annotationDeprecated, "true"})
	}
	return e.EncodeElement(raw, start)
}

// PropertyDescription describes a DBus property.
type PropertyDescription struct {
	Name string
	Type gvariant.Signature

	// If true, Constant indicates that the property's value never
	// changes, and thus can safely be cached locally.
	Constant bool
	// Readable is whether the property value can be read using
	// Interface.GetProperty.
	Readable bool
	// Writable is whether the property value can be set using
	// Interface.SetProperty.
	Writable bool

	// EmitsSignal is whether the property emits a PropertiesChanged
	// signal when updated.
	EmitsSignal bool
	// SignalIncludesValue is whether the PropertiesChanged signal
	// emitted when this property changes includes the new value.
	SignalIncludesValue bool

	// Deprecated, if true, indicates that the property should be
	// avoided in new code.
	Deprecated bool
}

func (p PropertyDescription) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "property %s %s [", p.Name, p.Type)

	switch {
	case p.Readable && !p.Writable && p.Constant:
		ret.WriteString("const")
	case p.Readable && p.Writable:
		ret.WriteString("readwrite")
	case p.Readable:
		ret.WriteString("readonly")
	case p.Writable:
		ret.WriteString("writeonly")
	}
	if p.Deprecated {
		ret.WriteString(",deprecated")
	}

	if p.EmitsSignal && p.SignalIncludesValue {
		ret.WriteString(",signals")
	} else if p.EmitsSignal {
		ret.WriteString(",invalidates")
	}
	ret.WriteByte(']')
	return ret.String()
}

type rawProperty struct {
	Name   string          `xml:"name,attr"`
	Type   string          `xml:"type,attr"`
	Access string          `xml:"access,attr"`
	Meta   []rawAnnotation `xml:"annotation"`
}

func (p *PropertyDescription) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw rawProperty
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	p.Name = raw.Name
	sig, err := gvariant.ParseSignature(raw.Type)
	if err != nil {
		return fmt.Errorf("invalid signature %q for property %s: %w", raw.Type, raw.Name, err)
	}
	p.Type = sig
	p.Constant, p.EmitsSignal, p.SignalIncludesValue = false, true, true
	switch raw.Access {
	case accessRead:
		p.Readable, p.Writable = true, false
	case accessWrite:
		p.Readable, p.Writable = false, true
	case accessReadWrite:
		p.Readable, p.Writable = true, true
	default:
		return fmt.Errorf("unknown property access value %q", raw.Access)
	}
	for _, attr := range raw.Meta {
		switch attr.Name {
		case annotationDeprecated:
			p.Deprecated = attr.Value == "true"
		case annotationEmitsChanged:
			switch attr.Value {
			case "false":
				p.EmitsSignal = false
				p.SignalIncludesValue = false
			case "invalidates":
				p.SignalIncludesValue = false
			case "const":
				p.Constant = true
				p.EmitsSignal = false
				p.SignalIncludesValue = false
			}
		}
	}
	return nil
}

func (p *PropertyDescription) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	raw := rawProperty{Name: p.Name, Type: p.Type.String()}
	switch {
	case p.Readable && p.Writable:
		raw.Access = accessReadWrite
	case p.Writable:
		raw.Access = accessWrite
	default:
		raw.Access = accessRead
	}
	if p.Deprecated {
		raw.Meta = append(raw.Meta, rawAnnotation{annotationDeprecated, "true"})
	}
	switch {
	case p.Constant:
		raw.Meta = append(raw.Meta, rawAnnotation{annotationEmitsChanged, "const"})
	case !p.EmitsSignal:
		raw.Meta = append(raw.Meta, rawAnnotation{annotationEmitsChanged, "false"})
	case !p.SignalIncludesValue:
		raw.Meta = append(raw.Meta, rawAnnotation{annotationEmitsChanged, "invalidates"})
	}
	return e.EncodeElement(raw, start)
}

// ArgumentDescription describes a DBus method's input or output, or a
// signal's argument.
type ArgumentDescription struct {
	Name string // optional
	Type gvariant.Signature
}

func (a ArgumentDescription) String() string {
	if a.Name != "" {
		// Older DBus interfaces used arg-name style naming. Argument
		// names aren't load-bearing, so use underscores for
		// readability.
		n := strings.ReplaceAll(a.Name, "-", "_")
		return fmt.Sprintf("%s %s", n, a.Type)
	}
	return a.Type.String()
}
