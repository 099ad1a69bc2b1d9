package main

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/dgram/internal/aio"
	"github.com/postalsys/dgram/internal/config"
	"github.com/postalsys/dgram/internal/health"
	"github.com/postalsys/dgram/internal/logging"
	"github.com/postalsys/dgram/internal/metrics"
	"github.com/postalsys/dgram/internal/sysinfo"
	"github.com/postalsys/dgram/internal/udp"
)

// endpoint is the part of a listener or dialer the CLI manages.
type endpoint interface {
	ID() string
	Role() udp.Role
	State() udp.State
	URL() string
	Options() *udp.Options
	Stats() *metrics.EndpointStats
	Start() error
	Close() error
}

// endpointSet owns the endpoints of one CLI invocation and reports them to
// the health server.
type endpointSet struct {
	logger  *slog.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	socket  *udp.Options

	mu        sync.Mutex
	endpoints []endpoint
	loops     []*aio.Op
	running   atomic.Bool
}

func newEndpointSet(logger *slog.Logger, socket *udp.Options) *endpointSet {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := metrics.NewMetricsWithRegistry(reg)
	m.SetBuildInfo(sysinfo.Version)

	aio.Default().SetLogger(logger)

	return &endpointSet{
		logger:  logger,
		reg:     reg,
		metrics: m,
		socket:  socket,
	}
}

func (s *endpointSet) addListener(ec config.EndpointConfig) (*udp.Listener, error) {
	l, err := udp.NewListener(ec.URL, udp.ListenOptions{
		Name:       ec.Name,
		Socket:     s.socket,
		Registerer: s.reg,
		Logger:     s.logger,
		Metrics:    s.metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := ec.Apply(l.Options()); err != nil {
		return nil, fmt.Errorf("%s: %w", ec.URL, err)
	}
	s.add(l)
	return l, nil
}

func (s *endpointSet) addDialer(ec config.EndpointConfig) (*udp.Dialer, error) {
	d, err := udp.NewDialer(ec.URL, udp.DialOptions{
		Name:       ec.Name,
		LocalAddr:  ec.LocalAddr,
		Socket:     s.socket,
		Registerer: s.reg,
		Logger:     s.logger,
		Metrics:    s.metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := ec.Apply(d.Options()); err != nil {
		return nil, fmt.Errorf("%s: %w", ec.URL, err)
	}
	s.add(d)
	return d, nil
}

func (s *endpointSet) add(ep endpoint) {
	s.mu.Lock()
	s.endpoints = append(s.endpoints, ep)
	s.mu.Unlock()
}

// start starts every endpoint not yet started, in order, and stops at the
// first failure.
func (s *endpointSet) start() error {
	s.mu.Lock()
	eps := append([]endpoint(nil), s.endpoints...)
	s.mu.Unlock()

	for _, ep := range eps {
		if ep.State() != udp.StateCreated {
			continue
		}
		if err := ep.Start(); err != nil {
			return fmt.Errorf("start %s %s: %w", ep.Role(), ep.ID(), err)
		}
	}
	s.running.Store(true)
	return nil
}

// serve keeps a receive armed on l, logging each datagram and optionally
// echoing it to the sender.
func (s *endpointSet) serve(l *udp.Listener, echo bool) error {
	p := l.Pipe()
	if p == nil {
		return udp.ErrNotStarted
	}
	logger := s.logger.With(slog.String(logging.KeyEndpoint, l.ID()))

	op := l.NewOp(func(op *aio.Op) {
		switch err := op.Result(); {
		case err == nil:
			m := op.TakeMsg()
			logger.Info("datagram received",
				slog.Int(logging.KeySize, m.Len()),
				slog.String(logging.KeyRemoteAddr, op.Addr().String()))
			if !echo {
				m.Free()
				break
			}
			reply := l.NewOp(func(r *aio.Op) {
				if err := r.Result(); err != nil {
					logger.Debug("echo failed", slog.String(logging.KeyError, err.Error()))
				}
				r.Msg().Free()
			})
			reply.SetMsg(m)
			if err := p.Send(reply); err != nil {
				logger.Debug("echo rejected", slog.String(logging.KeyError, err.Error()))
				m.Free()
			}
		case errors.Is(err, aio.ErrTimedOut):
		default:
			return
		}
		p.Recv(op)
	})

	if err := p.Recv(op); err != nil {
		return err
	}

	s.mu.Lock()
	s.loops = append(s.loops, op)
	s.mu.Unlock()
	return nil
}

// close stops receive loops and closes every endpoint.
func (s *endpointSet) close() {
	s.running.Store(false)

	s.mu.Lock()
	loops := s.loops
	eps := s.endpoints
	s.loops = nil
	s.endpoints = nil
	s.mu.Unlock()

	for _, op := range loops {
		op.Stop()
	}
	for _, ep := range eps {
		ep.Close()
	}
}

// IsRunning implements health.StatsProvider.
func (s *endpointSet) IsRunning() bool {
	return s.running.Load()
}

// Stats implements health.StatsProvider.
func (s *endpointSet) Stats() health.Stats {
	s.mu.Lock()
	eps := append([]endpoint(nil), s.endpoints...)
	s.mu.Unlock()

	stats := health.Stats{Endpoints: make([]health.EndpointStatus, 0, len(eps))}
	for _, ep := range eps {
		snap := ep.Stats().Snapshot()
		stats.Endpoints = append(stats.Endpoints, health.EndpointStatus{
			Name:            ep.ID(),
			Role:            ep.Role().String(),
			URL:             ep.URL(),
			State:           ep.State().String(),
			Sent:            snap.Sent,
			Received:        snap.Received,
			DroppedOversize: snap.DroppedOversize,
			DroppedOverflow: snap.DroppedOverflow,
		})
	}
	return stats
}

// startHealth serves /metrics and the health probes on addr.
func (s *endpointSet) startHealth(mc config.MetricsConfig) (*health.Server, error) {
	cfg := health.DefaultServerConfig()
	cfg.Address = mc.Address
	if mc.ReadTimeout > 0 {
		cfg.ReadTimeout = mc.ReadTimeout
	}
	if mc.WriteTimeout > 0 {
		cfg.WriteTimeout = mc.WriteTimeout
	}
	cfg.Gatherer = s.reg

	srv := health.NewServer(cfg, s)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("metrics server: %w", err)
	}
	s.logger.Info("metrics server listening", slog.String(logging.KeyLocalAddr, srv.Address().String()))
	return srv, nil
}
