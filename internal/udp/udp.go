package udp

import (
	"errors"

	"github.com/postalsys/dgram/internal/address"
	"github.com/postalsys/dgram/internal/aio"
)

// Protocol ceilings for a single UDP payload.
const (
	MaxDatagramSize4 = 65507 // 65535 - 20 byte IP header - 8 byte UDP header
	MaxDatagramSize6 = 65527 // 65535 - 8 byte UDP header
)

// DefaultRecvQueueLen bounds the datagrams held for a pipe while no
// receive is pending.
const DefaultRecvQueueLen = 16

var (
	// ErrAddrInvalid is returned for malformed or unusable addresses.
	ErrAddrInvalid = address.ErrAddrInvalid

	// ErrMessageSize is returned by Send when the payload exceeds the
	// datagram ceiling.
	ErrMessageSize = errors.New("message too large for a datagram")

	// ErrBusy is returned when an operation conflicts with the endpoint state,
	// such as starting twice or re-binding a started endpoint.
	ErrBusy = errors.New("endpoint busy")

	// ErrNotStarted is returned by queries that need a bound socket.
	ErrNotStarted = errors.New("endpoint not started")

	// ErrNoPeer completes sends on a listener that has not heard from anyone.
	ErrNoPeer = errors.New("no peer address known")

	// ErrInvalidOption is returned for out-of-range option values.
	ErrInvalidOption = errors.New("invalid option value")

	// ErrClosed completes operations on a closed pipe.
	ErrClosed = aio.ErrClosed
)

// Role says whether an endpoint listens or dials.
type Role int

const (
	RoleListener Role = iota
	RoleDialer
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RoleDialer:
		return "dialer"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of an endpoint.
type State int

const (
	// StateCreated means the endpoint is configured but not started.
	StateCreated State = iota
	// StateStarting means Start is binding the socket.
	StateStarting
	// StateActive means the socket is bound and the pipe is running.
	StateActive
	// StateClosed means the endpoint has been shut down.
	StateClosed
	// StateFailed means Start failed or the pipe broke; the endpoint must
	// be discarded.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MaxDatagramSize returns the payload ceiling for an address family.
func MaxDatagramSize(family int) int {
	if family == 6 {
		return MaxDatagramSize6
	}
	return MaxDatagramSize4
}
