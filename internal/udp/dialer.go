package udp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/dgram/internal/address"
	"github.com/postalsys/dgram/internal/aio"
	"github.com/postalsys/dgram/internal/metrics"
)

// DialOptions contains options for creating a dialer.
type DialOptions struct {
	// Name is the endpoint label in statistics. Empty picks a unique name.
	Name string

	// LocalAddr optionally pins the local side, as a URL such as
	// udp://127.0.0.1:0. Empty binds the wildcard address on an ephemeral
	// port.
	LocalAddr string

	// Socket is the parent option scope. Nil uses the defaults.
	Socket *Options

	// Registerer receives the endpoint statistics while the dialer is
	// active. Nil uses prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// Logger is the base logger. Nil discards output.
	Logger *slog.Logger

	// Scheduler runs callbacks of ops created with NewOp. Nil uses
	// aio.Default().
	Scheduler *aio.Scheduler

	// Resolver checks the target and local addresses. Nil uses
	// address.DefaultResolver.
	Resolver *address.Resolver

	// Metrics records process-wide endpoint counts. Nil uses
	// metrics.Default() when Registerer is nil too.
	Metrics *metrics.Metrics
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{}
}

// Dialer connects to a fixed remote address.
type Dialer struct {
	*endpoint

	localURL string
}

// NewDialer creates a dialer for rawURL. The URL syntax is checked
// immediately; the dial rules are checked by Start.
func NewDialer(rawURL string, opts DialOptions) (*Dialer, error) {
	ep, err := newEndpoint(RoleDialer, rawURL, endpointDeps{
		name:     opts.Name,
		socket:   opts.Socket,
		reg:      opts.Registerer,
		logger:   opts.Logger,
		sched:    opts.Scheduler,
		resolver: opts.Resolver,
		metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	d := &Dialer{endpoint: ep}
	if opts.LocalAddr != "" {
		if err := d.SetLocalAddr(opts.LocalAddr); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// SetLocalAddr pins the local side of the connection. Re-binding a started
// dialer is rejected with ErrBusy.
func (d *Dialer) SetLocalAddr(rawURL string) error {
	if _, err := address.Parse(rawURL); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateCreated {
		return fmt.Errorf("%w: %s must be set before start", ErrBusy, OptLocalAddr)
	}
	d.localURL = rawURL
	return nil
}

// Start binds the local side, connects to the target and starts the pipe.
func (d *Dialer) Start() error {
	if err := d.begin(); err != nil {
		return err
	}

	if err := d.resolver.Check(d.addr, address.Dial); err != nil {
		return d.fail(err)
	}

	d.mu.Lock()
	localURL := d.localURL
	d.mu.Unlock()

	var local *address.Address
	if localURL != "" {
		a, err := d.resolver.Resolve(localURL, address.Bind)
		if err != nil {
			return d.fail(err)
		}
		local = &a
	}

	sock, err := Connect(context.Background(), local, d.addr, d.opts.SocketBuffer())
	if err != nil {
		return d.fail(err)
	}
	return d.activate(sock)
}

// URL returns the target URL.
func (d *Dialer) URL() string {
	return d.addr.URL()
}
