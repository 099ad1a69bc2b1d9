package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time copy of an endpoint's counters.
type Snapshot struct {
	Sent            uint64
	Received        uint64
	DroppedOversize uint64
	DroppedOverflow uint64
	SentBytes       uint64
	ReceivedBytes   uint64
	SendErrors      uint64
	RecvErrors      uint64
}

// EndpointStats holds the monotonic counters of one endpoint. Counting is
// lock-free; the collectors read the counters at scrape time.
type EndpointStats struct {
	id   string
	role string

	sent            atomic.Uint64
	received        atomic.Uint64
	droppedOversize atomic.Uint64
	droppedOverflow atomic.Uint64
	sentBytes       atomic.Uint64
	receivedBytes   atomic.Uint64
	sendErrors      atomic.Uint64
	recvErrors      atomic.Uint64

	mu         sync.Mutex
	reg        prometheus.Registerer
	collectors []prometheus.Collector
}

// NewEndpointStats creates the counters for one endpoint. id must be unique
// within the registry the stats are registered into.
func NewEndpointStats(id, role string) *EndpointStats {
	return &EndpointStats{id: id, role: role}
}

// ID returns the endpoint label value.
func (s *EndpointStats) ID() string {
	return s.id
}

// Register exports the counters into reg, or prometheus.DefaultRegisterer
// when reg is nil. Registering twice is an error.
func (s *EndpointStats) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reg != nil {
		return fmt.Errorf("endpoint stats %q already registered", s.id)
	}

	labels := prometheus.Labels{"endpoint": s.id, "role": s.role}
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(v.Load()) })
	}

	collectors := []prometheus.Collector{
		counter("sent_total", "Datagrams sent", &s.sent),
		counter("received_total", "Datagrams delivered to receive operations or the receive queue", &s.received),
		counter("dropped_oversize_total", "Datagrams dropped for exceeding RECVMAXSZ", &s.droppedOversize),
		counter("dropped_overflow_total", "Datagrams dropped because the receive queue was full", &s.droppedOverflow),
		counter("sent_bytes_total", "Payload bytes sent", &s.sentBytes),
		counter("received_bytes_total", "Payload bytes received", &s.receivedBytes),
		counter("send_errors_total", "Send operations completed with a socket error", &s.sendErrors),
		counter("recv_errors_total", "Socket read errors", &s.recvErrors),
	}

	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			for _, done := range collectors[:i] {
				reg.Unregister(done)
			}
			return fmt.Errorf("register endpoint stats %q: %w", s.id, err)
		}
	}

	s.reg = reg
	s.collectors = collectors
	return nil
}

// Unregister removes the counters from the registry. It is safe to call
// more than once; the counters keep their values.
func (s *EndpointStats) Unregister() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reg == nil {
		return
	}
	for _, c := range s.collectors {
		s.reg.Unregister(c)
	}
	s.reg = nil
	s.collectors = nil
}

// Registered reports whether the counters are currently exported.
func (s *EndpointStats) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg != nil
}

// RecordSent records one datagram written.
func (s *EndpointStats) RecordSent(bytes int) {
	s.sent.Add(1)
	s.sentBytes.Add(uint64(bytes))
}

// RecordReceived records one datagram accepted by the buffer policy.
func (s *EndpointStats) RecordReceived(bytes int) {
	s.received.Add(1)
	s.receivedBytes.Add(uint64(bytes))
}

// RecordDroppedOversize records a datagram above RECVMAXSZ.
func (s *EndpointStats) RecordDroppedOversize() {
	s.droppedOversize.Add(1)
}

// RecordDroppedOverflow records a datagram lost to a full receive queue.
func (s *EndpointStats) RecordDroppedOverflow() {
	s.droppedOverflow.Add(1)
}

// RecordSendError records a failed write.
func (s *EndpointStats) RecordSendError() {
	s.sendErrors.Add(1)
}

// RecordRecvError records a failed read.
func (s *EndpointStats) RecordRecvError() {
	s.recvErrors.Add(1)
}

// Snapshot returns a copy of the counters.
func (s *EndpointStats) Snapshot() Snapshot {
	return Snapshot{
		Sent:            s.sent.Load(),
		Received:        s.received.Load(),
		DroppedOversize: s.droppedOversize.Load(),
		DroppedOverflow: s.droppedOverflow.Load(),
		SentBytes:       s.sentBytes.Load(),
		ReceivedBytes:   s.receivedBytes.Load(),
		SendErrors:      s.sendErrors.Load(),
		RecvErrors:      s.recvErrors.Load(),
	}
}
