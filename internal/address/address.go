// Package address parses and validates udp, udp4 and udp6 transport URLs.
//
// A URL has the form scheme://host:port where host is either a literal IP
// address (IPv6 literals in brackets) or "*" for the wildcard address.
// The port is always required; port 0 asks the OS for an ephemeral port and
// is only meaningful when binding.
package address

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ErrAddrInvalid is returned for malformed URLs, wildcard dial targets and
// bind addresses that are not assigned to this host.
var ErrAddrInvalid = errors.New("invalid address")

// Scheme identifies the URL scheme and, for udp4/udp6, pins the address family.
type Scheme string

const (
	SchemeUDP  Scheme = "udp"
	SchemeUDP4 Scheme = "udp4"
	SchemeUDP6 Scheme = "udp6"
)

// Valid reports whether s is one of the recognized schemes.
func (s Scheme) Valid() bool {
	switch s {
	case SchemeUDP, SchemeUDP4, SchemeUDP6:
		return true
	default:
		return false
	}
}

// Purpose says what an address will be used for.
type Purpose int

const (
	// Bind is a local address a listener (or a dialer's local side) binds to.
	Bind Purpose = iota
	// Dial is a remote address a dialer connects to.
	Dial
)

// String returns a human-readable name for the purpose.
func (p Purpose) String() string {
	switch p {
	case Bind:
		return "bind"
	case Dial:
		return "dial"
	default:
		return "unknown"
	}
}

// Address is a parsed transport address.
//
// When Wildcard is set the URL host was "*" and Host holds the unspecified
// address of the family selected by the scheme.
type Address struct {
	Scheme   Scheme
	Host     netip.Addr
	Wildcard bool
	Port     uint16
}

// Family returns 4 or 6.
func (a Address) Family() int {
	if a.Host.IsValid() && a.Host.Is4() {
		return 4
	}
	if a.Host.IsValid() {
		return 6
	}
	if a.Scheme == SchemeUDP6 {
		return 6
	}
	return 4
}

// Network returns the Go network name for the address family.
func (a Address) Network() string {
	if a.Family() == 6 {
		return "udp6"
	}
	return "udp4"
}

// AddrPort returns the address as a netip.AddrPort.
func (a Address) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.Host, a.Port)
}

// UDPAddr returns the address as a *net.UDPAddr.
func (a Address) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(a.AddrPort())
}

// WithPort returns a copy of a with the port replaced.
func (a Address) WithPort(port uint16) Address {
	a.Port = port
	return a
}

// URL rebuilds the scheme://host:port form of the address.
func (a Address) URL() string {
	var host string
	switch {
	case a.Wildcard:
		host = "*"
	case a.Host.Is6():
		host = "[" + a.Host.String() + "]"
	default:
		host = a.Host.String()
	}
	return string(a.Scheme) + "://" + host + ":" + strconv.Itoa(int(a.Port))
}

// String returns the URL form of the address.
func (a Address) String() string {
	return a.URL()
}

// FromAddrPort builds an Address for a socket address reported by the OS.
func FromAddrPort(scheme Scheme, ap netip.AddrPort) Address {
	return Address{
		Scheme: scheme,
		Host:   ap.Addr().Unmap(),
		Port:   ap.Port(),
	}
}

// Parse checks the URL syntax and returns the parsed address. It does not
// apply the purpose rules; use Resolve for that.
func Parse(raw string) (Address, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return Address{}, fmt.Errorf("%w: %q: missing scheme separator", ErrAddrInvalid, raw)
	}

	a := Address{Scheme: Scheme(scheme)}
	if !a.Scheme.Valid() {
		return Address{}, fmt.Errorf("%w: %q: unsupported scheme %q", ErrAddrInvalid, raw, scheme)
	}

	host, port, err := splitHostPort(rest)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrAddrInvalid, raw, err)
	}

	p, err := parsePort(port)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrAddrInvalid, raw, err)
	}
	a.Port = p

	if host == "*" {
		a.Wildcard = true
		if a.Scheme == SchemeUDP6 {
			a.Host = netip.IPv6Unspecified()
		} else {
			a.Host = netip.IPv4Unspecified()
		}
		return a, nil
	}

	ip, err := parseHost(host, a.Scheme)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrAddrInvalid, raw, err)
	}
	a.Host = ip

	return a, nil
}

// splitHostPort separates host and port. Unlike net.SplitHostPort it
// insists on a non-empty port and on brackets around IPv6 literals.
func splitHostPort(s string) (host, port string, err error) {
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", "", errors.New("missing ']' in host")
		}
		host = s[1:end]
		if strings.IndexByte(host, ':') < 0 {
			return "", "", fmt.Errorf("brackets are only valid around IPv6 literals, got %q", host)
		}
		rest := s[end+1:]
		if !strings.HasPrefix(rest, ":") {
			return "", "", errors.New("missing port")
		}
		return host, rest[1:], nil
	}

	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", "", errors.New("missing port")
	}
	host, port = s[:i], s[i+1:]
	if strings.IndexByte(host, ':') >= 0 {
		return "", "", errors.New("IPv6 literal must be enclosed in brackets")
	}
	if host == "" {
		return "", "", errors.New("missing host")
	}
	return host, port, nil
}

func parsePort(s string) (uint16, error) {
	if s == "" {
		return 0, errors.New("missing port")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid port %q", s)
		}
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("port %q out of range", s)
	}
	return uint16(n), nil
}

func parseHost(host string, scheme Scheme) (netip.Addr, error) {
	if strings.IndexByte(host, ':') < 0 {
		if err := checkIPv4Components(host); err != nil {
			return netip.Addr{}, err
		}
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid host %q", host)
	}
	if ip.Zone() != "" {
		return netip.Addr{}, fmt.Errorf("zoned address %q not supported", host)
	}
	ip = ip.Unmap()

	switch scheme {
	case SchemeUDP4:
		if !ip.Is4() {
			return netip.Addr{}, fmt.Errorf("%s requires an IPv4 address, got %q", scheme, host)
		}
	case SchemeUDP6:
		if !ip.Is6() {
			return netip.Addr{}, fmt.Errorf("%s requires an IPv6 address, got %q", scheme, host)
		}
	}

	return ip, nil
}

// checkIPv4Components requires exactly four dot-separated decimal components
// in the range 0-255.
func checkIPv4Components(host string) error {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return fmt.Errorf("host %q must have exactly 4 components", host)
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return fmt.Errorf("invalid component %q in host %q", p, host)
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return fmt.Errorf("non-numeric component %q in host %q", p, host)
			}
		}
		if n, _ := strconv.Atoi(p); n > 255 {
			return fmt.Errorf("component %q in host %q out of range", p, host)
		}
	}
	return nil
}
