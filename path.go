package gvariant

import (
	"errors"
	"fmt"
	"strings"
)

// An ObjectPath names an object exported on a message bus.
//
// A valid path is "/", or a sequence of "/"-prefixed elements made
// of the characters [A-Za-z0-9_], with no trailing slash.
type ObjectPath string

// Valid returns an error describing why p is not a valid object path,
// or nil if it is.
func (p ObjectPath) Valid() error {
	s := string(p)
	if s == "" {
		return errors.New("empty object path")
	}
	if s[0] != '/' {
		return fmt.Errorf("object path %q does not start with /", s)
	}
	if s == "/" {
		return nil
	}
	if strings.HasSuffix(s, "/") {
		return fmt.Errorf("object path %q has a trailing /", s)
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return fmt.Errorf("object path %q has an empty element", s)
		}
		for _, r := range elem {
			if !isPathChar(r) {
				return fmt.Errorf("object path %q contains invalid character %q", s, r)
			}
		}
	}
	return nil
}

// Child returns the path of the child object name under p.
func (p ObjectPath) Child(name string) ObjectPath {
	if p == "/" {
		return ObjectPath("/" + name)
	}
	return ObjectPath(string(p) + "/" + name)
}

// IsChildOf reports whether p is a descendant of parent.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if parent == "/" {
		return p != "/" && strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

func (p ObjectPath) String() string { return string(p) }

func isPathChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
