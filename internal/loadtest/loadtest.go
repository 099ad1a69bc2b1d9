// Package loadtest provides datagram load testing utilities.
package loadtest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/dgram/internal/aio"
	"github.com/postalsys/dgram/internal/message"
)

// PassRateEnv overrides the minimum burst pass rate, as a percentage.
const PassRateEnv = "DGRAM_UDP_PASS_RATE"

// DefaultMinPassRate is the minimum delivered fraction when PassRateEnv is
// unset.
const DefaultMinPassRate = 0.50

// Pipe is the part of a transport pipe the generators drive.
type Pipe interface {
	Send(op *aio.Op) error
	Recv(op *aio.Op) error
}

// BurstConfig configures a burst run.
type BurstConfig struct {
	// Burst is the number of concurrent sends per round.
	Burst int

	// Rounds is the number of bursts.
	Rounds int

	// Size is the payload size of every datagram.
	Size int

	// Rate caps datagrams per second. Zero means unlimited.
	Rate float64

	// Settle is how long to wait for stragglers after the last send.
	Settle time.Duration
}

// DefaultBurstConfig returns the standard burst shape.
func DefaultBurstConfig() BurstConfig {
	return BurstConfig{
		Burst:  20,
		Rounds: 40,
		Size:   95,
		Settle: 500 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c BurstConfig) Validate() error {
	if c.Burst <= 0 {
		return fmt.Errorf("burst must be positive, got %d", c.Burst)
	}
	if c.Rounds <= 0 {
		return fmt.Errorf("rounds must be positive, got %d", c.Rounds)
	}
	if c.Size <= 0 {
		return fmt.Errorf("size must be positive, got %d", c.Size)
	}
	if c.Rate < 0 {
		return fmt.Errorf("rate must not be negative, got %v", c.Rate)
	}
	return nil
}

// BurstMetrics contains the results of a burst run.
type BurstMetrics struct {
	Sent       int64
	SendErrors int64
	Received   int64
	Mismatched int64
	Duration   time.Duration
	PassRate   float64
}

// Passed reports whether the delivered fraction meets threshold.
func (m *BurstMetrics) Passed(threshold float64) bool {
	return m.PassRate >= threshold
}

// BurstLoadGenerator sends bursts of concurrent datagrams from one pipe
// while a continuously re-armed receive drains the other.
type BurstLoadGenerator struct {
	cfg BurstConfig

	received   atomic.Int64
	mismatched atomic.Int64
}

// NewBurstLoadGenerator creates a new burst load generator.
func NewBurstLoadGenerator(cfg BurstConfig) *BurstLoadGenerator {
	return &BurstLoadGenerator{cfg: cfg}
}

// Run executes the burst test. tx sends, rx receives.
func (g *BurstLoadGenerator) Run(ctx context.Context, tx, rx Pipe) (*BurstMetrics, error) {
	if err := g.cfg.Validate(); err != nil {
		return nil, err
	}

	g.received.Store(0)
	g.mismatched.Store(0)

	total := int64(g.cfg.Burst * g.cfg.Rounds)
	allIn := make(chan struct{})
	var allOnce sync.Once

	recvOp := aio.New(func(op *aio.Op) {
		switch err := op.Result(); {
		case err == nil:
			m := op.TakeMsg()
			if m.Len() == g.cfg.Size {
				if g.received.Add(1) >= total {
					allOnce.Do(func() { close(allIn) })
				}
			} else {
				g.mismatched.Add(1)
			}
			m.Free()
		case errors.Is(err, aio.ErrTimedOut):
		default:
			return
		}
		rx.Recv(op)
	}, nil)

	if err := rx.Recv(recvOp); err != nil {
		return nil, fmt.Errorf("arm receive: %w", err)
	}
	defer recvOp.Stop()

	limit := rate.Inf
	if g.cfg.Rate > 0 {
		limit = rate.Limit(g.cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, g.cfg.Burst)

	metrics := &BurstMetrics{}
	payload := make([]byte, g.cfg.Size)
	rand.Read(payload)

	start := time.Now()
	var runErr error

rounds:
	for r := 0; r < g.cfg.Rounds; r++ {
		var wg sync.WaitGroup
		for i := 0; i < g.cfg.Burst; i++ {
			if err := limiter.Wait(ctx); err != nil {
				runErr = err
				if ctx.Err() != nil {
					runErr = ctx.Err()
				}
				wg.Wait()
				break rounds
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := sendOne(tx, payload); err != nil {
					atomic.AddInt64(&metrics.SendErrors, 1)
					return
				}
				atomic.AddInt64(&metrics.Sent, 1)
			}()
		}
		wg.Wait()
	}

	if metrics.Sent > 0 && g.received.Load() < metrics.Sent {
		settle := time.NewTimer(g.cfg.Settle)
		select {
		case <-allIn:
		case <-settle.C:
		case <-ctx.Done():
		}
		settle.Stop()
	}

	metrics.Duration = time.Since(start)
	metrics.Received = g.received.Load()
	metrics.Mismatched = g.mismatched.Load()

	attempted := metrics.Sent + metrics.SendErrors
	if attempted > 0 {
		metrics.PassRate = float64(metrics.Received) / float64(attempted)
	}

	if runErr == nil {
		runErr = ctx.Err()
	}
	return metrics, runErr
}

func sendOne(tx Pipe, payload []byte) error {
	op := aio.New(nil, nil)
	op.SetMsg(message.New(payload))
	if err := tx.Send(op); err != nil {
		return err
	}
	op.Wait()
	return op.Result()
}

// MinPassRate returns the pass rate required by PassRateEnv, or def when
// the variable is unset. The variable holds a percentage such as "75".
func MinPassRate(def float64) (float64, error) {
	v, ok := os.LookupEnv(PassRateEnv)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	pct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", PassRateEnv, err)
	}
	if pct < 0 || pct > 100 {
		return 0, fmt.Errorf("%s: %v out of range 0-100", PassRateEnv, pct)
	}
	return pct / 100, nil
}

// ThroughputTester tests sustained send throughput.
type ThroughputTester struct {
	duration time.Duration
	size     int
}

// NewThroughputTester creates a new throughput tester.
func NewThroughputTester(duration time.Duration, size int) *ThroughputTester {
	return &ThroughputTester{
		duration: duration,
		size:     size,
	}
}

// ThroughputMetrics contains throughput test results.
type ThroughputMetrics struct {
	Datagrams          int64
	TotalBytes         int64
	Errors             int64
	Duration           time.Duration
	DatagramsPerSecond float64
	ThroughputMBps     float64
}

// Run sends datagrams back to back on tx until the duration elapses.
func (t *ThroughputTester) Run(ctx context.Context, tx Pipe) (*ThroughputMetrics, error) {
	if t.size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %d", t.size)
	}

	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	data := make([]byte, t.size)
	rand.Read(data)

	metrics := &ThroughputMetrics{}
	startTime := time.Now()

	for ctx.Err() == nil {
		if err := sendOne(tx, data); err != nil {
			metrics.Errors++
			if errors.Is(err, aio.ErrClosed) {
				break
			}
			continue
		}
		metrics.Datagrams++
		metrics.TotalBytes += int64(t.size)
	}

	metrics.Duration = time.Since(startTime)
	if metrics.Duration > 0 {
		seconds := metrics.Duration.Seconds()
		metrics.DatagramsPerSecond = float64(metrics.Datagrams) / seconds
		metrics.ThroughputMBps = float64(metrics.TotalBytes) / (1024 * 1024) / seconds
	}

	return metrics, nil
}
