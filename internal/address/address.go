// Package address implements the endpoint type used to classify and order
// peer addresses: a single comparable, sortable value type that also
// carries the total order the half-mesh connect rule depends on.
package address

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrEmptyAddress   = errors.New("address: empty address")
	ErrInvalidAddress = errors.New("address: could not parse host[:port]")
	ErrInvalidPort    = errors.New("address: invalid port")
)

// Class classifies an address as loopback, private, or public.
type Class int

const (
	ClassLoopback Class = iota
	ClassPrivate
	ClassPublic
)

func (c Class) String() string {
	switch c {
	case ClassLoopback:
		return "loopback"
	case ClassPrivate:
		return "private"
	default:
		return "public"
	}
}

// Address is an IPv4 or IPv6 endpoint with a port, total ordered by a
// byte-wise comparison of the canonical (family, bytes, port) tuple —
// never by comparing formatted strings.
type Address struct {
	ip   net.IP
	port int
}

// Parse accepts "a.b.c.d", "a.b.c.d:p", "[v6]", "[v6]:p", defaulting the
// port to defaultPort when absent. An empty s falls back to defaultHost
// (e.g. "127.0.0.1") when defaultHost is non-empty; an empty host with a
// port (":p") is not defaulted and fails to parse.
func Parse(s string, defaultPort int, defaultHost string) (Address, error) {
	if s == "" {
		if defaultHost == "" {
			return Address{}, ErrEmptyAddress
		}
		s = defaultHost
	}

	host, portStr, err := splitHostPort(s)
	if err != nil {
		return Address{}, err
	}

	port := defaultPort
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p < 0 || p > 65535 {
			return Address{}, ErrInvalidPort
		}
		port = p
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address{ip: ip, port: port}, nil
}

// splitHostPort handles both "[v6]:port", "[v6]", "a.b.c.d:port" and bare
// "a.b.c.d"/"v6" forms without requiring a port to be present, unlike
// net.SplitHostPort which errors when there is no colon.
func splitHostPort(s string) (host, port string, err error) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		host = s[1:end]
		rest := s[end+1:]
		if strings.HasPrefix(rest, ":") {
			port = rest[1:]
		} else if rest != "" {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		return host, port, nil
	}

	if idx := strings.LastIndex(s, ":"); idx >= 0 && strings.Count(s, ":") == 1 {
		return s[:idx], s[idx+1:], nil
	}
	return s, "", nil
}

// Port returns the endpoint's port.
func (a Address) Port() int { return a.port }

// IP returns the endpoint's IP.
func (a Address) IP() net.IP { return a.ip }

// IsZero reports whether this Address was never successfully parsed.
func (a Address) IsZero() bool { return a.ip == nil }

// String renders the canonical form: dotted IPv4 or bracketed IPv6,
// always with an explicit port.
func (a Address) String() string {
	if a.ip == nil {
		return ""
	}
	if v4 := a.ip.To4(); v4 != nil {
		return fmt.Sprintf("%s:%d", v4.String(), a.port)
	}
	return fmt.Sprintf("[%s]:%d", a.ip.String(), a.port)
}

// Equal is endpoint equality: same IP bytes and same port.
func (a Address) Equal(b Address) bool {
	return a.ip.Equal(b.ip) && a.port == b.port
}

// Less implements the total order required by the half-mesh connect rule:
// family first (IPv4 before IPv6), then lexicographic on the raw address
// bytes, then port.
func (a Address) Less(b Address) bool {
	af, bf := family(a.ip), family(b.ip)
	if af != bf {
		return af < bf
	}
	ab, bb := canonicalBytes(a.ip), canonicalBytes(b.ip)
	if c := bytes.Compare(ab, bb); c != 0 {
		return c < 0
	}
	return a.port < b.port
}

func family(ip net.IP) int {
	if ip.To4() != nil {
		return 4
	}
	return 6
}

func canonicalBytes(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// Class classifies this address as loopback, private, or public.
func (a Address) Class() Class {
	if a.ip.IsLoopback() {
		return ClassLoopback
	}
	if isPrivate(a.ip) {
		return ClassPrivate
	}
	return ClassPublic
}

func isPrivate(ip net.IP) bool {
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, cidr := range privateCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

var privateCIDRs = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// SortAddresses orders a slice in place using Less.
func SortAddresses(addrs []Address) {
	for i := 1; i < len(addrs); i++ {
		for j := i; j > 0 && addrs[j].Less(addrs[j-1]); j-- {
			addrs[j], addrs[j-1] = addrs[j-1], addrs[j]
		}
	}
}
