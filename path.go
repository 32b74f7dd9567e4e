package dbusrpc

import (
	"errors"
	"fmt"
	"strings"
)

// ObjectPath is the path of an object exported by a bus peer.
type ObjectPath string

// Valid reports whether p is a well-formed object path.
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
			if !isNameChar(r) {
				return fmt.Errorf("object path %q contains invalid character %q", s, r)
			}
		}
	}
	return nil
}

func (p ObjectPath) String() string { return string(p) }

// isNameChar reports whether r may appear in an object path element,
// interface name element or member name.
func isNameChar(r rune) bool {
	return r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}

// validInterfaceName checks that name is a well-formed DBus interface
// name.
func validInterfaceName(name string) error {
	if len(name) > 255 {
		return fmt.Errorf("interface name %q is longer than 255 bytes", name)
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return fmt.Errorf("interface name %q must have at least two elements", name)
	}
	for _, elem := range elems {
		if elem == "" {
			return fmt.Errorf("interface name %q has an empty element", name)
		}
		if '0' <= elem[0] && elem[0] <= '9' {
			return fmt.Errorf("interface name %q has an element starting with a digit", name)
		}
		for _, r := range elem {
			if !isNameChar(r) {
				return fmt.Errorf("interface name %q contains invalid character %q", name, r)
			}
		}
	}
	return nil
}

// validMemberName checks that name is a well-formed DBus member name.
func validMemberName(name string) error {
	if name == "" {
		return errors.New("empty member name")
	}
	if len(name) > 255 {
		return fmt.Errorf("member name %q is longer than 255 bytes", name)
	}
	if '0' <= name[0] && name[0] <= '9' {
		return fmt.Errorf("member name %q starts with a digit", name)
	}
	for _, r := range name {
		if !isNameChar(r) {
			return fmt.Errorf("member name %q contains invalid character %q", name, r)
		}
	}
	return nil
}
