package address

import (
	"fmt"
	"net"
	"net/netip"
)

// Resolver applies the Bind/Dial rules on top of Parse.
type Resolver struct {
	// InterfaceAddrs lists the addresses assigned to local interfaces.
	// Defaults to net.InterfaceAddrs.
	InterfaceAddrs func() ([]net.Addr, error)
}

// DefaultResolver uses the host's interface table.
var DefaultResolver = &Resolver{}

// Resolve parses raw and checks it against purpose using DefaultResolver.
func Resolve(raw string, purpose Purpose) (Address, error) {
	return DefaultResolver.Resolve(raw, purpose)
}

// Resolve parses raw and checks it against purpose.
func (r *Resolver) Resolve(raw string, purpose Purpose) (Address, error) {
	a, err := Parse(raw)
	if err != nil {
		return Address{}, err
	}
	if err := r.Check(a, purpose); err != nil {
		return Address{}, err
	}
	return a, nil
}

// Check validates an already parsed address for the given purpose.
func (r *Resolver) Check(a Address, purpose Purpose) error {
	switch purpose {
	case Dial:
		if a.Wildcard || a.Host.IsUnspecified() {
			return fmt.Errorf("%w: %s: wildcard address cannot be dialed", ErrAddrInvalid, a)
		}
		if a.Port == 0 {
			return fmt.Errorf("%w: %s: dial target needs a non-zero port", ErrAddrInvalid, a)
		}
		return nil

	case Bind:
		if a.Wildcard || a.Host.IsUnspecified() {
			return nil
		}
		local, err := r.isLocal(a.Host)
		if err != nil {
			return fmt.Errorf("list interface addresses: %w", err)
		}
		if !local {
			return fmt.Errorf("%w: %s: not a local address", ErrAddrInvalid, a)
		}
		return nil

	default:
		return fmt.Errorf("unknown purpose %d", purpose)
	}
}

func (r *Resolver) isLocal(ip netip.Addr) (bool, error) {
	if ip.IsLoopback() {
		return true, nil
	}

	list := r.InterfaceAddrs
	if list == nil {
		list = net.InterfaceAddrs
	}
	addrs, err := list()
	if err != nil {
		return false, err
	}

	for _, addr := range addrs {
		var raw net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			raw = v.IP
		case *net.IPAddr:
			raw = v.IP
		default:
			continue
		}
		if candidate, ok := netip.AddrFromSlice(raw); ok && candidate.Unmap() == ip {
			return true, nil
		}
	}
	return false, nil
}
