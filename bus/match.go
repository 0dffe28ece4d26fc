package bus

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
	"github.com/danderson/gvariant"
)

// Match is a filter that matches signals.
type Match struct {
	sender       value.Maybe[string]
	object       value.Maybe[gvariant.ObjectPath]
	objectPrefix value.Maybe[gvariant.ObjectPath]
	iface        value.Maybe[string]
	member       value.Maybe[string]
	argStr       map[int]string
	argPath      map[int]gvariant.ObjectPath
	arg0NS       value.Maybe[string]
}

// MatchAllSignals returns a Match for all signals.
func MatchAllSignals() *Match {
	return &Match{}
}

// MatchSignal returns a Match for the named signal of iface.
func MatchSignal(iface, member string) *Match {
	return &Match{
		iface:  value.Just(iface),
		member: value.Just(member),
	}
}

// MatchPropertyChanges returns a Match for PropertiesChanged signals
// about properties of iface.
func MatchPropertyChanges(iface string) *Match {
	return MatchSignal(ifaceProps, "PropertiesChanged").ArgStr(0, iface)
}

// Peer restricts the match to a single source Peer.
func (m *Match) Peer(p Peer) *Match {
	m.sender = value.Just(p.Name())
	return m
}

// Object restricts the match to a single source path.
func (m *Match) Object(o gvariant.ObjectPath) *Match {
	m.objectPrefix = value.Absent[gvariant.ObjectPath]()
	m.object = value.Just(o)
	return m
}

// ObjectPrefix restricts the match to sending objects rooted at the
// given path prefix.
//
// For example, ObjectPrefix("/mascots/gopher") matches signals
// emitted by /mascots/gopher, /mascots/gopher/plushie,
// /mascots/gopher/art/renee-french, but not /mascots/glenda.
func (m *Match) ObjectPrefix(o gvariant.ObjectPath) *Match {
	m.object = value.Absent[gvariant.ObjectPath]()
	if o == "/" {
		// Some bus implementations reject path_namespace='/', and it
		// matches everything anyway.
		m.objectPrefix = value.Absent[gvariant.ObjectPath]()
	} else {
		m.objectPrefix = value.Just(o)
	}
	return m
}

// Interface restricts the match to signals of the named interface.
func (m *Match) Interface(name string) *Match {
	m.iface = value.Just(name)
	return m
}

// ArgStr restricts the match to signals whose i-th body member is a
// string equal to val.
func (m *Match) ArgStr(i int, val string) *Match {
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the match to signals whose i-th body member
// is a string or object path equal to val or below it.
func (m *Match) ArgPathPrefix(i int, val gvariant.ObjectPath) *Match {
	if m.argPath == nil {
		m.argPath = map[int]gvariant.ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the match to signals whose first body
// member is a peer or interface name with the given dot-separated
// prefix.
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0NS = value.Just(val)
	return m
}

// String returns the match rule in the form used by the bus's
// AddMatch method.
func (m *Match) String() string {
	ms := []string{"type='signal'"}
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", o.String())
	}
	if p, ok := m.objectPrefix.GetOK(); ok {
		kv("path_namespace", p.String())
	}
	if i, ok := m.iface.GetOK(); ok {
		kv("interface", i)
	}
	if mb, ok := m.member.GetOK(); ok {
		kv("member", mb)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), m.argPath[i].String())
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}
	return strings.Join(ms, ",")
}

// matches reports whether the signal with the given header and body
// matches the filter, using the same logic that the bus applies to
// the filter's String form.
//
// A connection receives a single stream of signals, the union of all
// its Watchers' filters, so each Watcher must filter again.
func (m *Match) matches(hdr *header, body *gvariant.Value) bool {
	if s, ok := m.sender.GetOK(); ok && hdr.Sender != s {
		return false
	}
	if o, ok := m.object.GetOK(); ok && hdr.Path != o {
		return false
	}
	if p, ok := m.objectPrefix.GetOK(); ok && hdr.Path != p && !hdr.Path.IsChildOf(p) {
		return false
	}
	if i, ok := m.iface.GetOK(); ok && hdr.Interface != i {
		return false
	}
	if mb, ok := m.member.GetOK(); ok && hdr.Member != mb {
		return false
	}
	for i, want := range m.argStr {
		if got, ok := bodyString(body, i, false); !ok || got != want {
			return false
		}
	}
	for i, want := range m.argPath {
		got, ok := bodyString(body, i, true)
		if !ok {
			return false
		}
		if p := gvariant.ObjectPath(got); p != want && !p.IsChildOf(want) {
			return false
		}
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		got, ok := bodyString(body, 0, false)
		if !ok || (got != n && !strings.HasPrefix(got, n+".")) {
			return false
		}
	}
	return true
}

// bodyString returns the i-th member of body if it is a string, or
// if pathOK is set, an object path.
func bodyString(body *gvariant.Value, i int, pathOK bool) (string, bool) {
	if body == nil {
		return "", false
	}
	c, err := body.ChildAt(i)
	if err != nil {
		return "", false
	}
	defer c.Release()
	switch c.Type().Code() {
	case gvariant.CodeString:
	case gvariant.CodeObjectPath:
		if !pathOK {
			return "", false
		}
	default:
		return "", false
	}
	s, err := c.AsString()
	return s, err == nil
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", `'\''`)
	return "'" + s + "'"
}
