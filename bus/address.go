package bus

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Well-known bus locations.
const (
	envSessionBus = "DBUS_SESSION_BUS_ADDRESS"
	envSystemBus  = "DBUS_SYSTEM_BUS_ADDRESS"

	defaultSystemBusSocket = "/run/dbus/system_bus_socket"
)

// An Address is one connectable bus endpoint.
type Address struct {
	// Path is the filesystem path of a unix socket. If Abstract is
	// true, Path is a name in the abstract socket namespace instead.
	Path     string
	Abstract bool
}

// socket returns the address in the form accepted by
// transport.DialUnix.
func (a Address) socket() string {
	if a.Abstract {
		return "@" + a.Path
	}
	return a.Path
}

func (a Address) String() string {
	if a.Abstract {
		return "unix:abstract=" + escapeAddress(a.Path)
	}
	return "unix:path=" + escapeAddress(a.Path)
}

// escapeAddress percent-encodes s for use as an address parameter
// value. Slashes are left alone.
func escapeAddress(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), "%2F", "/")
}

// ParseAddress parses a DBus server address list, such as the value
// of DBUS_SESSION_BUS_ADDRESS, and returns the usable addresses in
// order of preference.
//
// Only unix socket addresses are supported. Other transports in the
// list are skipped.
func ParseAddress(s string) ([]Address, error) {
	var (
		ret  []Address
		errs []error
	)
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		a, err := parseOneAddress(entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ret = append(ret, a)
	}
	if len(ret) == 0 {
		if len(errs) == 0 {
			return nil, fmt.Errorf("no addresses in %q", s)
		}
		return nil, errors.Join(errs...)
	}
	return ret, nil
}

func parseOneAddress(entry string) (Address, error) {
	transport, params, ok := strings.Cut(entry, ":")
	if !ok {
		return Address{}, fmt.Errorf("malformed address %q", entry)
	}
	if transport != "unix" {
		return Address{}, fmt.Errorf("unsupported transport %q in address %q", transport, entry)
	}
	for _, kv := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Address{}, fmt.Errorf("malformed address parameter %q", kv)
		}
		v, err := url.PathUnescape(v)
		if err != nil {
			return Address{}, fmt.Errorf("malformed address parameter %q: %w", kv, err)
		}
		switch k {
		case "path":
			return Address{Path: v}, nil
		case "abstract":
			return Address{Path: v, Abstract: true}, nil
		}
	}
	return Address{}, fmt.Errorf("address %q has no path or abstract parameter", entry)
}

// SessionBusAddress returns the addresses of the current user's
// session bus.
func SessionBusAddress() ([]Address, error) {
	if s := os.Getenv(envSessionBus); s != "" {
		return ParseAddress(s)
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		p := filepath.Join(dir, "bus")
		if _, err := os.Stat(p); err == nil {
			return []Address{{Path: p}}, nil
		}
	}
	return nil, errors.New("session bus not available")
}

// SystemBusAddress returns the addresses of the system bus.
func SystemBusAddress() ([]Address, error) {
	if s := os.Getenv(envSystemBus); s != "" {
		return ParseAddress(s)
	}
	return []Address{{Path: defaultSystemBusSocket}}, nil
}
