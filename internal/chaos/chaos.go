// Package chaos provides fault injection for datagram pipes.
package chaos

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/postalsys/dgram/internal/aio"
)

// ErrInjected is the result of a send failed by FaultError.
var ErrInjected = errors.New("chaos: injected send error")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDrop reports a send as complete without transmitting it.
	FaultDrop FaultType = iota
	// FaultDelay holds a send back before transmitting it.
	FaultDelay
	// FaultError completes a send with ErrInjected.
	FaultError
	// FaultNone means no fault was selected.
	FaultNone FaultType = -1
)

// String returns the fault name.
func (t FaultType) String() string {
	switch t {
	case FaultDrop:
		return "drop"
	case FaultDelay:
		return "delay"
	case FaultError:
		return "error"
	case FaultNone:
		return "none"
	default:
		return "unknown"
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector picks faults at random according to its configs.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.RWMutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewFaultInjectorWithSeed(time.Now().UnixNano(), configs...)
}

// NewFaultInjectorWithSeed creates a fault injector with a fixed seed, for
// reproducible runs.
func NewFaultInjectorWithSeed(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

// Next picks the fault for one datagram. Configs are tried in order and the
// first hit wins. The delay is zero unless the fault is FaultDelay.
func (f *FaultInjector) Next() (FaultType, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return FaultNone, 0
	}

	for _, config := range f.configs {
		if f.rng.Float64() >= config.Probability {
			continue
		}
		f.faultHits[config.Type]++
		if config.Type == FaultDelay {
			return FaultDelay, f.randomDelay(config.MinDelay, config.MaxDelay)
		}
		return config.Type, 0
	}

	return FaultNone, 0
}

// GetStats returns the fault injection statistics.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make(map[FaultType]int64)
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// randomDelay must be called with f.mu held.
func (f *FaultInjector) randomDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(f.rng.Int63n(int64(hi-lo)))
}

// Pipe is the part of a transport pipe that faults are injected into.
type Pipe interface {
	Send(op *aio.Op) error
	Recv(op *aio.Op) error
}

// FaultyPipe injects faults into the sends of an underlying pipe. Receives
// pass through untouched.
type FaultyPipe struct {
	inner    Pipe
	injector *FaultInjector
}

// WrapPipe returns p with the injector's faults applied to its sends.
func WrapPipe(p Pipe, injector *FaultInjector) *FaultyPipe {
	return &FaultyPipe{inner: p, injector: injector}
}

// Send transmits the op's datagram unless a fault intervenes. A dropped
// datagram still completes successfully with its full length. A delayed
// send blocks the caller for the delay.
func (p *FaultyPipe) Send(op *aio.Op) error {
	fault, delay := p.injector.Next()

	switch fault {
	case FaultDrop:
		if err := op.Begin(); err != nil {
			return err
		}
		op.FinishCount(nil, op.Msg().Len())
		return nil

	case FaultError:
		if err := op.Begin(); err != nil {
			return err
		}
		op.Finish(ErrInjected)
		return nil

	case FaultDelay:
		time.Sleep(delay)
	}

	return p.inner.Send(op)
}

// Recv submits a receive on the underlying pipe.
func (p *FaultyPipe) Recv(op *aio.Op) error {
	return p.inner.Recv(op)
}

// Loss returns an injector that drops the given fraction of datagrams.
func Loss(probability float64) *FaultInjector {
	return NewFaultInjector(FaultConfig{Type: FaultDrop, Probability: probability})
}
