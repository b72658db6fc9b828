package types

import (
	"fmt"
	"net"
	"strings"
)

// TRL is a parsed device name: tango://host:port/domain/family/member,
// optionally followed by #dbase=no when host:port is the device server
// itself rather than a database.
type TRL struct {
	Host   string
	Port   string
	Device string
	DBase  bool
}

const trlScheme = "tango://"

// ParseTRL parses a full or bare device name. Bare names take host and port
// from defaultHost ("host:port", may be empty).
func ParseTRL(name, defaultHost string) (TRL, error) {
	t := TRL{DBase: true}
	rest := name

	if i := strings.Index(rest, "#"); i >= 0 {
		modifier := strings.ToLower(rest[i+1:])
		rest = rest[:i]
		if modifier == "dbase=no" {
			t.DBase = false
		} else if modifier != "dbase=yes" {
			return TRL{}, Throw(ReasonInvalidArgs, fmt.Sprintf("bad device name modifier in %q", name), "ParseTRL")
		}
	}

	if strings.HasPrefix(strings.ToLower(rest), trlScheme) {
		rest = rest[len(trlScheme):]
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return TRL{}, Throw(ReasonInvalidArgs, fmt.Sprintf("missing device in %q", name), "ParseTRL")
		}
		host, port, err := net.SplitHostPort(rest[:slash])
		if err != nil {
			return TRL{}, Throw(ReasonInvalidArgs, fmt.Sprintf("bad host in %q: %v", name, err), "ParseTRL")
		}
		t.Host, t.Port = host, port
		rest = rest[slash+1:]
	} else if defaultHost != "" {
		host, port, err := net.SplitHostPort(defaultHost)
		if err != nil {
			return TRL{}, Throw(ReasonInvalidArgs, fmt.Sprintf("bad TANGO_HOST %q: %v", defaultHost, err), "ParseTRL")
		}
		t.Host, t.Port = host, port
	}

	if strings.Count(rest, "/") < 2 {
		return TRL{}, Throw(ReasonInvalidArgs, fmt.Sprintf("%q is not a domain/family/member name", name), "ParseTRL")
	}
	t.Device = strings.ToLower(rest)
	return t, nil
}

// Addr returns host:port.
func (t TRL) Addr() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// Prefix returns "tango://host:port/", the FQDN prefix of every name served
// through the same database.
func (t TRL) Prefix() string {
	if t.Host == "" {
		return ""
	}
	return trlScheme + t.Addr() + "/"
}

// String returns the fully qualified name.
func (t TRL) String() string {
	s := t.Prefix() + t.Device
	if !t.DBase {
		s += "#dbase=no"
	}
	return s
}

// CanonicalHost strips the domain part of a host name, keeping IP
// addresses untouched.
func CanonicalHost(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	if i := strings.Index(host, "."); i > 0 {
		return host[:i]
	}
	return host
}
