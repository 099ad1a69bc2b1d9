package udp

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/dgram/internal/address"
	"github.com/postalsys/dgram/internal/aio"
	"github.com/postalsys/dgram/internal/metrics"
)

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// Name is the endpoint label in statistics. Empty picks a unique name.
	Name string

	// Socket is the parent option scope. Nil uses the defaults.
	Socket *Options

	// Registerer receives the endpoint statistics while the listener is
	// active. Nil uses prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// Logger is the base logger. Nil discards output.
	Logger *slog.Logger

	// Scheduler runs callbacks of ops created with NewOp. Nil uses
	// aio.Default().
	Scheduler *aio.Scheduler

	// Resolver checks the bind address. Nil uses address.DefaultResolver.
	Resolver *address.Resolver

	// Metrics records process-wide endpoint counts. Nil uses
	// metrics.Default() when Registerer is nil too.
	Metrics *metrics.Metrics
}

// DefaultListenOptions returns ListenOptions with sensible defaults.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{}
}

// Listener binds a local address and exchanges datagrams with whichever peer
// wrote to it last.
type Listener struct {
	*endpoint
}

// NewListener creates a listener for rawURL. The URL syntax is checked
// immediately; locality is checked by Start.
func NewListener(rawURL string, opts ListenOptions) (*Listener, error) {
	ep, err := newEndpoint(RoleListener, rawURL, endpointDeps{
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
	return &Listener{endpoint: ep}, nil
}

// Start binds the socket and starts the pipe. Port 0 binds an ephemeral
// port, reported afterwards by BoundPort and URL.
func (l *Listener) Start() error {
	if err := l.begin(); err != nil {
		return err
	}

	if err := l.resolver.Check(l.addr, address.Bind); err != nil {
		return l.fail(err)
	}

	sock, err := Bind(context.Background(), l.addr, l.opts.SocketBuffer())
	if err != nil {
		return l.fail(err)
	}
	return l.activate(sock)
}

// URL returns the listen URL. Once started, an ephemeral port 0 is
// replaced with the port actually bound.
func (l *Listener) URL() string {
	a := l.addr
	if local, err := l.LocalAddr(); err == nil {
		a = a.WithPort(local.Port)
	}
	return a.URL()
}
