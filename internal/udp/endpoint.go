package udp

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/dgram/internal/address"
	"github.com/postalsys/dgram/internal/aio"
	"github.com/postalsys/dgram/internal/logging"
	"github.com/postalsys/dgram/internal/metrics"
)

var endpointSeq atomic.Uint64

// endpoint is the state shared by listeners and dialers.
type endpoint struct {
	role     Role
	id       string
	addr     address.Address
	opts     *Options
	resolver *address.Resolver
	reg      prometheus.Registerer
	sched    *aio.Scheduler
	metrics  *metrics.Metrics
	stats    *metrics.EndpointStats
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	sock  *Socket
	pipe  *Pipe
}

type endpointDeps struct {
	name     string
	socket   *Options
	reg      prometheus.Registerer
	logger   *slog.Logger
	sched    *aio.Scheduler
	resolver *address.Resolver
	metrics  *metrics.Metrics
}

func newEndpoint(role Role, rawURL string, deps endpointDeps) (*endpoint, error) {
	// Syntax is checked up front; the bind/dial rules run again in Start.
	addr, err := address.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	id := deps.name
	if id == "" {
		id = fmt.Sprintf("%s-%d", role, endpointSeq.Add(1))
	}
	logger := deps.logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	resolver := deps.resolver
	if resolver == nil {
		resolver = address.DefaultResolver
	}
	sched := deps.sched
	if sched == nil {
		sched = aio.Default()
	}
	m := deps.metrics
	if m == nil && deps.reg == nil {
		m = metrics.Default()
	}

	return &endpoint{
		role:     role,
		id:       id,
		addr:     addr,
		opts:     NewOptions(deps.socket),
		resolver: resolver,
		reg:      deps.reg,
		sched:    sched,
		metrics:  m,
		stats:    metrics.NewEndpointStats(id, role.String()),
		logger: logger.With(
			slog.String(logging.KeyComponent, "udp"),
			slog.String(logging.KeyEndpoint, id),
			slog.String(logging.KeyRole, role.String()),
		),
		state: StateCreated,
	}, nil
}

// begin moves Created to Starting.
func (e *endpoint) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateCreated:
		e.state = StateStarting
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: endpoint is %s", ErrBusy, e.state)
	}
}

// fail moves Starting to Failed and returns err.
func (e *endpoint) fail(err error) error {
	e.mu.Lock()
	if e.state == StateStarting {
		e.state = StateFailed
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordStartFailure(e.role.String())
	}
	e.logger.Warn("start failed",
		slog.String(logging.KeyURL, e.addr.URL()),
		slog.String(logging.KeyError, err.Error()))
	return err
}

// activate registers the statistics and starts the pipe on sock.
func (e *endpoint) activate(sock *Socket) error {
	if err := e.stats.Register(e.reg); err != nil {
		sock.Close()
		return e.fail(err)
	}

	pipe := newPipe(e.role, sock, e.opts, e.stats, e.logger)
	pipe.onFault = e.fault

	e.mu.Lock()
	if e.state != StateStarting {
		// Closed while starting.
		e.mu.Unlock()
		e.stats.Unregister()
		sock.Close()
		return ErrClosed
	}
	e.sock = sock
	e.pipe = pipe
	e.state = StateActive
	pipe.start()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordEndpointOpen(e.role.String())
	}
	e.logger.Info("endpoint started",
		slog.String(logging.KeyURL, e.addr.URL()),
		slog.String(logging.KeyLocalAddr, sock.LocalAddr().AddrPort().String()))
	return nil
}

// fault moves Active to Failed after the pipe broke, completing pending
// operations with ErrClosed and unregistering the statistics.
func (e *endpoint) fault(err error) {
	e.mu.Lock()
	if e.state != StateActive {
		e.mu.Unlock()
		return
	}
	e.state = StateFailed
	pipe := e.pipe
	e.mu.Unlock()

	e.logger.Error("endpoint failed", slog.String(logging.KeyError, err.Error()))
	pipe.close()
	e.stats.Unregister()
	if e.metrics != nil {
		e.metrics.RecordEndpointClose(e.role.String())
	}
}

// ID returns the endpoint's statistics label.
func (e *endpoint) ID() string {
	return e.id
}

// Role returns whether this is a listener or a dialer.
func (e *endpoint) Role() Role {
	return e.role
}

// State returns the lifecycle state.
func (e *endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Options returns the endpoint's option scope.
func (e *endpoint) Options() *Options {
	return e.opts
}

// Scheduler returns the scheduler used by NewOp.
func (e *endpoint) Scheduler() *aio.Scheduler {
	return e.sched
}

// NewOp creates an operation whose callback runs on the endpoint's scheduler.
func (e *endpoint) NewOp(cb aio.Callback) *aio.Op {
	return aio.New(cb, e.sched)
}

// Pipe returns the endpoint's pipe, or nil unless the endpoint is active.
func (e *endpoint) Pipe() *Pipe {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateActive {
		return nil
	}
	return e.pipe
}

// Stats returns the endpoint's counters. They remain readable after Close.
func (e *endpoint) Stats() *metrics.EndpointStats {
	return e.stats
}

// LocalAddr returns the bound socket address, including an OS-assigned
// port.
func (e *endpoint) LocalAddr() (address.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateActive {
		return address.Address{}, ErrNotStarted
	}
	return e.sock.LocalAddr(), nil
}

// BoundPort returns the local port the socket is bound to.
func (e *endpoint) BoundPort() (int, error) {
	a, err := e.LocalAddr()
	if err != nil {
		return 0, err
	}
	return int(a.Port), nil
}

// SetRecvMaxSize sets RECVMAXSZ. Changes apply to the next datagram.
func (e *endpoint) SetRecvMaxSize(n int) error {
	return e.opts.SetRecvMaxSize(n)
}

// RecvMaxSize returns the effective RECVMAXSZ.
func (e *endpoint) RecvMaxSize() int {
	return e.opts.RecvMaxSize()
}

// SetCopyMax sets UDP_COPY_MAX. Changes apply to the next datagram.
func (e *endpoint) SetCopyMax(n int) error {
	return e.opts.SetCopyMax(n)
}

// CopyMax returns the effective UDP_COPY_MAX.
func (e *endpoint) CopyMax() int {
	return e.opts.CopyMax()
}

// SetRecvTimeout sets RECVTIMEO for later receives.
func (e *endpoint) SetRecvTimeout(d time.Duration) error {
	return e.opts.SetRecvTimeout(d)
}

// RecvTimeout returns the effective RECVTIMEO.
func (e *endpoint) RecvTimeout() time.Duration {
	return e.opts.RecvTimeout()
}

// SetSendTimeout sets SENDTIMEO for later sends.
func (e *endpoint) SetSendTimeout(d time.Duration) error {
	return e.opts.SetSendTimeout(d)
}

// SendTimeout returns the effective SENDTIMEO.
func (e *endpoint) SendTimeout() time.Duration {
	return e.opts.SendTimeout()
}

// SetSocketBuffer sets the socket buffer size. It only has an effect
// before Start.
func (e *endpoint) SetSocketBuffer(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateCreated {
		return fmt.Errorf("%w: %s must be set before start", ErrBusy, OptSocketBuffer)
	}
	return e.opts.SetSocketBuffer(n)
}

// Close completes pending operations with ErrClosed, closes the socket and
// unregisters the statistics. It is safe to call more than once.
func (e *endpoint) Close() error {
	e.mu.Lock()
	prev := e.state
	if prev == StateClosed || prev == StateFailed {
		e.mu.Unlock()
		return nil
	}
	e.state = StateClosed
	pipe := e.pipe
	e.mu.Unlock()

	if prev != StateActive {
		return nil
	}

	pipe.close()
	e.stats.Unregister()

	if e.metrics != nil {
		e.metrics.RecordEndpointClose(e.role.String())
	}
	snap := e.stats.Snapshot()
	e.logger.Info("endpoint closed",
		slog.Uint64("sent", snap.Sent),
		slog.Uint64("received", snap.Received),
		slog.Uint64("dropped_oversize", snap.DroppedOversize),
		slog.Uint64("dropped_overflow", snap.DroppedOverflow))
	return nil
}
