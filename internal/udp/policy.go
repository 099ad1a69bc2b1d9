package udp

import (
	"sync"

	"github.com/postalsys/dgram/internal/message"
)

// Decision is the buffer policy outcome for one inbound datagram.
type Decision int

const (
	// DecisionDrop discards a datagram above RECVMAXSZ.
	DecisionDrop Decision = iota
	// DecisionPooled copies the datagram into a pooled fixed-size buffer.
	DecisionPooled
	// DecisionAlloc copies the datagram into an exact-size allocation.
	DecisionAlloc
)

// String returns a human-readable name for the decision.
func (d Decision) String() string {
	switch d {
	case DecisionDrop:
		return "drop"
	case DecisionPooled:
		return "pooled"
	case DecisionAlloc:
		return "alloc"
	default:
		return "unknown"
	}
}

// Decide applies the receive thresholds to a datagram of length n.
// recvMax of 0 means unlimited.
func Decide(n, recvMax, copyMax int) Decision {
	switch {
	case recvMax > 0 && n > recvMax:
		return DecisionDrop
	case n <= copyMax:
		return DecisionPooled
	default:
		return DecisionAlloc
	}
}

// Pool sizing.
const (
	DefaultPoolBuffers = 32
	minPooledCap       = 64
)

// BufferPool is a small bounded free list of equally sized buffers.
// The buffer size follows UDP_COPY_MAX; when it changes, buffers of the old
// size are discarded as they come back.
type BufferPool struct {
	mu    sync.Mutex
	free  [][]byte
	size  int
	limit int

	allocs uint64
	reuses uint64
}

// NewBufferPool creates a pool that retains at most limit buffers.
func NewBufferPool(limit int) *BufferPool {
	if limit <= 0 {
		limit = DefaultPoolBuffers
	}
	return &BufferPool{limit: limit}
}

// Get returns a zero-length buffer with capacity of at least size.
func (p *BufferPool) Get(size int) []byte {
	if size < minPooledCap {
		size = minPooledCap
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if size != p.size {
		p.size = size
		p.free = p.free[:0]
	}
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.reuses++
		return b[:0]
	}
	p.allocs++
	return make([]byte, 0, size)
}

// Put returns a buffer. Buffers of a stale size, or beyond the retention
// limit, are left to the garbage collector.
func (p *BufferPool) Put(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cap(b) != p.size || len(p.free) >= p.limit {
		return
	}
	p.free = append(p.free, b[:0])
}

// Idle returns the number of buffers waiting for reuse.
func (p *BufferPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Counts returns how many buffers were freshly allocated and reused.
func (p *BufferPool) Counts() (allocs, reuses uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs, p.reuses
}

// BufferPolicy turns a datagram sitting in the receive scratch buffer into
// a delivered message.
type BufferPolicy struct {
	pool *BufferPool
}

// NewBufferPolicy creates a policy backed by a pool of poolBuffers buffers.
func NewBufferPolicy(poolBuffers int) *BufferPolicy {
	return &BufferPolicy{pool: NewBufferPool(poolBuffers)}
}

// Pool returns the policy's buffer pool.
func (bp *BufferPolicy) Pool() *BufferPool {
	return bp.pool
}

// Accept copies b out of the scratch buffer according to the thresholds.
// It returns nil for a dropped datagram.
func (bp *BufferPolicy) Accept(b []byte, recvMax, copyMax int) (*message.Message, Decision) {
	d := Decide(len(b), recvMax, copyMax)
	switch d {
	case DecisionPooled:
		buf := bp.pool.Get(copyMax)
		buf = append(buf, b...)
		return message.NewPooled(buf, bp.pool.Put), d
	case DecisionAlloc:
		buf := make([]byte, len(b))
		copy(buf, b)
		return message.New(buf), d
	default:
		return nil, d
	}
}
