package udp

import (
	"fmt"
	"sync"
	"time"
)

// Option names, as they appear in logs and configuration files.
const (
	OptRecvMaxSize  = "RECVMAXSZ"
	OptCopyMax      = "UDP_COPY_MAX"
	OptRecvTimeout  = "RECVTIMEO"
	OptSendTimeout  = "SENDTIMEO"
	OptSocketBuffer = "SOCKBUF"
	OptLocalAddr    = "LOCADDR"
	OptURL          = "URL"
	OptBoundPort    = "BOUND_PORT"
)

// DefaultCopyMax is the largest datagram copied into a pooled buffer.
const DefaultCopyMax = 1024

// Config holds the tunables of one scope.
type Config struct {
	// RecvMaxSize drops inbound datagrams larger than this many bytes.
	// 0 means no limit below the protocol ceiling.
	RecvMaxSize int

	// CopyMax is the copy-vs-allocate threshold. Datagrams up to this size
	// are delivered in pooled buffers, larger ones in exact allocations.
	// It never causes a datagram to be dropped.
	CopyMax int

	// RecvTimeout is the default deadline for receive operations.
	// 0 means none.
	RecvTimeout time.Duration

	// SendTimeout is the default deadline for send operations.
	// 0 means none.
	SendTimeout time.Duration

	// SocketBuffer sets SO_RCVBUF/SO_SNDBUF at bind time. 0 keeps the OS
	// default. It cannot be changed once an endpoint is started.
	SocketBuffer int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvMaxSize: 0,
		CopyMax:     DefaultCopyMax,
	}
}

// Validate checks the values are in range.
func (c Config) Validate() error {
	if c.RecvMaxSize < 0 || c.RecvMaxSize > MaxDatagramSize6 {
		return fmt.Errorf("%w: %s %d out of range", ErrInvalidOption, OptRecvMaxSize, c.RecvMaxSize)
	}
	if c.CopyMax < 0 || c.CopyMax > MaxDatagramSize6 {
		return fmt.Errorf("%w: %s %d out of range", ErrInvalidOption, OptCopyMax, c.CopyMax)
	}
	if c.RecvTimeout < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidOption, OptRecvTimeout)
	}
	if c.SendTimeout < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidOption, OptSendTimeout)
	}
	if c.SocketBuffer < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidOption, OptSocketBuffer)
	}
	return nil
}

type field uint8

const (
	fieldRecvMaxSize field = 1 << iota
	fieldCopyMax
	fieldRecvTimeout
	fieldSendTimeout
	fieldSocketBuffer
)

// Options is one configuration scope. A socket scope has no parent; a
// listener or dialer scope inherits every value it has not set itself.
//
// Options is safe for concurrent use; live pipes read it on every datagram,
// so size changes take effect on the next buffer decision.
type Options struct {
	parent *Options

	mu   sync.RWMutex
	vals Config
	set  field
}

// NewOptions creates a scope. With a nil parent the scope starts from
// DefaultConfig.
func NewOptions(parent *Options) *Options {
	return &Options{parent: parent, vals: DefaultConfig()}
}

// NewOptionsFromConfig creates a root scope with every field of cfg set.
func NewOptionsFromConfig(cfg Config) (*Options, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Options{
		vals: cfg,
		set:  fieldRecvMaxSize | fieldCopyMax | fieldRecvTimeout | fieldSendTimeout | fieldSocketBuffer,
	}, nil
}

// Parent returns the enclosing scope, or nil.
func (o *Options) Parent() *Options {
	return o.parent
}

// Resolved returns the effective values of this scope.
func (o *Options) Resolved() Config {
	return Config{
		RecvMaxSize:  o.RecvMaxSize(),
		CopyMax:      o.CopyMax(),
		RecvTimeout:  o.RecvTimeout(),
		SendTimeout:  o.SendTimeout(),
		SocketBuffer: o.SocketBuffer(),
	}
}

// IsSet reports whether name was set in this scope rather than inherited.
func (o *Options) IsSet(name string) bool {
	var f field
	switch name {
	case OptRecvMaxSize:
		f = fieldRecvMaxSize
	case OptCopyMax:
		f = fieldCopyMax
	case OptRecvTimeout:
		f = fieldRecvTimeout
	case OptSendTimeout:
		f = fieldSendTimeout
	case OptSocketBuffer:
		f = fieldSocketBuffer
	default:
		return false
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.set&f != 0
}

// SetRecvMaxSize sets RECVMAXSZ for this scope.
func (o *Options) SetRecvMaxSize(n int) error {
	if n < 0 || n > MaxDatagramSize6 {
		return fmt.Errorf("%w: %s %d out of range", ErrInvalidOption, OptRecvMaxSize, n)
	}
	o.mu.Lock()
	o.vals.RecvMaxSize = n
	o.set |= fieldRecvMaxSize
	o.mu.Unlock()
	return nil
}

// RecvMaxSize returns the effective RECVMAXSZ.
func (o *Options) RecvMaxSize() int {
	o.mu.RLock()
	if o.set&fieldRecvMaxSize != 0 || o.parent == nil {
		defer o.mu.RUnlock()
		return o.vals.RecvMaxSize
	}
	o.mu.RUnlock()
	return o.parent.RecvMaxSize()
}

// SetCopyMax sets UDP_COPY_MAX for this scope.
func (o *Options) SetCopyMax(n int) error {
	if n < 0 || n > MaxDatagramSize6 {
		return fmt.Errorf("%w: %s %d out of range", ErrInvalidOption, OptCopyMax, n)
	}
	o.mu.Lock()
	o.vals.CopyMax = n
	o.set |= fieldCopyMax
	o.mu.Unlock()
	return nil
}

// CopyMax returns the effective UDP_COPY_MAX.
func (o *Options) CopyMax() int {
	o.mu.RLock()
	if o.set&fieldCopyMax != 0 || o.parent == nil {
		defer o.mu.RUnlock()
		return o.vals.CopyMax
	}
	o.mu.RUnlock()
	return o.parent.CopyMax()
}

// SetRecvTimeout sets RECVTIMEO for this scope.
func (o *Options) SetRecvTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidOption, OptRecvTimeout)
	}
	o.mu.Lock()
	o.vals.RecvTimeout = d
	o.set |= fieldRecvTimeout
	o.mu.Unlock()
	return nil
}

// RecvTimeout returns the effective RECVTIMEO.
func (o *Options) RecvTimeout() time.Duration {
	o.mu.RLock()
	if o.set&fieldRecvTimeout != 0 || o.parent == nil {
		defer o.mu.RUnlock()
		return o.vals.RecvTimeout
	}
	o.mu.RUnlock()
	return o.parent.RecvTimeout()
}

// SetSendTimeout sets SENDTIMEO for this scope.
func (o *Options) SetSendTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidOption, OptSendTimeout)
	}
	o.mu.Lock()
	o.vals.SendTimeout = d
	o.set |= fieldSendTimeout
	o.mu.Unlock()
	return nil
}

// SendTimeout returns the effective SENDTIMEO.
func (o *Options) SendTimeout() time.Duration {
	o.mu.RLock()
	if o.set&fieldSendTimeout != 0 || o.parent == nil {
		defer o.mu.RUnlock()
		return o.vals.SendTimeout
	}
	o.mu.RUnlock()
	return o.parent.SendTimeout()
}

// SetSocketBuffer sets the socket buffer size for this scope.
func (o *Options) SetSocketBuffer(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidOption, OptSocketBuffer)
	}
	o.mu.Lock()
	o.vals.SocketBuffer = n
	o.set |= fieldSocketBuffer
	o.mu.Unlock()
	return nil
}

// SocketBuffer returns the effective socket buffer size.
func (o *Options) SocketBuffer() int {
	o.mu.RLock()
	if o.set&fieldSocketBuffer != 0 || o.parent == nil {
		defer o.mu.RUnlock()
		return o.vals.SocketBuffer
	}
	o.mu.RUnlock()
	return o.parent.SocketBuffer()
}
