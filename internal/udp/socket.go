package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/postalsys/dgram/internal/address"
)

// Receive batching.
const (
	DefaultReadBatch = 8
	scratchSize      = 1 << 16
)

// batchConn is satisfied by both ipv4.PacketConn and ipv6.PacketConn; their
// Message types are aliases of the same struct.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// Datagram is one arrival in the scratch area. Payload is only valid until
// the next ReceiveBatch call.
type Datagram struct {
	Payload []byte
	From    netip.AddrPort
}

// Socket is a bound UDP socket of one address family.
type Socket struct {
	conn      *net.UDPConn
	batch     batchConn
	scheme    address.Scheme
	family    int
	connected bool
	remote    netip.AddrPort

	readMu sync.Mutex
	msgs   []ipv4.Message
	out    []Datagram

	closeOnce sync.Once
	closeErr  error
}

// Bind opens a socket bound to local. Port 0 asks the OS for an ephemeral
// port. bufSize, when positive, sets SO_RCVBUF and SO_SNDBUF before bind.
func Bind(ctx context.Context, local address.Address, bufSize int) (*Socket, error) {
	lc := net.ListenConfig{Control: socketControl(bufSize)}
	pc, err := lc.ListenPacket(ctx, local.Network(), local.AddrPort().String())
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", local, mapSocketError(err))
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("bind %s: unexpected connection type %T", local, pc)
	}
	return newSocket(conn, local.Scheme, local.Family(), netip.AddrPort{}), nil
}

// Connect opens a socket connected to remote. A nil local binds the
// wildcard address of remote's family on an ephemeral port.
func Connect(ctx context.Context, local *address.Address, remote address.Address, bufSize int) (*Socket, error) {
	d := net.Dialer{Control: socketControl(bufSize)}
	if local != nil {
		if local.Family() != remote.Family() {
			return nil, fmt.Errorf("%w: local %s and remote %s differ in family", ErrAddrInvalid, local, remote)
		}
		d.LocalAddr = local.UDPAddr()
	}

	c, err := d.DialContext(ctx, remote.Network(), remote.AddrPort().String())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", remote, mapSocketError(err))
	}
	conn, ok := c.(*net.UDPConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("connect %s: unexpected connection type %T", remote, c)
	}
	return newSocket(conn, remote.Scheme, remote.Family(), remote.AddrPort()), nil
}

func newSocket(conn *net.UDPConn, scheme address.Scheme, family int, remote netip.AddrPort) *Socket {
	s := &Socket{
		conn:      conn,
		scheme:    scheme,
		family:    family,
		connected: remote.IsValid(),
		remote:    remote,
		msgs:      make([]ipv4.Message, DefaultReadBatch),
		out:       make([]Datagram, 0, DefaultReadBatch),
	}
	if family == 6 {
		s.batch = ipv6.NewPacketConn(conn)
	} else {
		s.batch = ipv4.NewPacketConn(conn)
	}
	for i := range s.msgs {
		s.msgs[i].Buffers = [][]byte{make([]byte, scratchSize)}
	}
	return s
}

// Family returns 4 or 6.
func (s *Socket) Family() int {
	return s.family
}

// Connected reports whether the socket has a fixed remote.
func (s *Socket) Connected() bool {
	return s.connected
}

// RemoteAddr returns the connected remote, or the zero value.
func (s *Socket) RemoteAddr() netip.AddrPort {
	return s.remote
}

// LocalAddr returns the bound address, with the OS-assigned port filled in.
func (s *Socket) LocalAddr() address.Address {
	ua, ok := s.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return address.Address{Scheme: s.scheme}
	}
	return address.FromAddrPort(s.scheme, ua.AddrPort())
}

// ReceiveBatch blocks until at least one datagram arrives and returns up to
// DefaultReadBatch of them. The returned slice and payloads are reused by
// the next call, which must not run concurrently.
func (s *Socket) ReceiveBatch() ([]Datagram, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	n, err := s.batch.ReadBatch(s.msgs, 0)
	if err != nil {
		return nil, mapSocketError(err)
	}

	s.out = s.out[:0]
	for i := 0; i < n; i++ {
		m := &s.msgs[i]
		from := s.remote
		if ua, ok := m.Addr.(*net.UDPAddr); ok && ua != nil {
			from = ua.AddrPort()
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		s.out = append(s.out, Datagram{Payload: m.Buffers[0][:m.N], From: from})
	}
	return s.out, nil
}

// ReceiveFrom reads a single datagram into buf. A datagram longer than buf
// is truncated by the OS; callers size buf for the family's ceiling.
func (s *Socket) ReceiveFrom(buf []byte) (int, netip.AddrPort, error) {
	n, from, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return n, netip.AddrPort{}, mapSocketError(err)
	}
	return n, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), nil
}

// SendTo writes b as one datagram. On a connected socket dest is ignored.
func (s *Socket) SendTo(b []byte, dest netip.AddrPort) (int, error) {
	if len(b) > MaxDatagramSize(s.family) {
		return 0, fmt.Errorf("%w: %d bytes", ErrMessageSize, len(b))
	}

	var (
		n   int
		err error
	)
	if s.connected {
		n, err = s.conn.Write(b)
	} else {
		dest = netip.AddrPortFrom(dest.Addr().Unmap(), dest.Port())
		n, err = s.conn.WriteToUDPAddrPort(b, dest)
	}
	if err != nil {
		return n, mapSocketError(err)
	}
	return n, nil
}

// SetWriteDeadline sets the deadline for the blocked or next write. A past
// deadline unblocks a write in progress.
func (s *Socket) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// Close closes the socket. Pending reads return net.ErrClosed.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// isClosedErr reports whether err came from reading a closed socket.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
