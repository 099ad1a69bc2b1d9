// Package aio implements asynchronous operations that complete exactly once
// through a callback.
//
// An Op is owned by the caller that submits it. A provider (such as a UDP
// pipe) takes a reference while the op is outstanding:
//
//	if err := op.Begin(); err != nil {
//		return err // stopped op, no callback
//	}
//	p.mu.Lock()
//	if err := op.Schedule(p.cancel, p.timeout); err != nil {
//		p.mu.Unlock()
//		op.Finish(err)
//		return nil
//	}
//	p.queue = append(p.queue, op)
//	p.mu.Unlock()
//
// The provider later calls Finish or FinishMsg once. Timeouts and
// cancellation are routed through the provider's CancelFunc, which must
// remove the op from its own bookkeeping and then call Finish.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Wait and Stop must not be called
// from the op's own callback.
package aio

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/postalsys/dgram/internal/message"
	"github.com/postalsys/dgram/internal/recovery"
)

var (
	// ErrTimedOut completes an op whose deadline passed.
	ErrTimedOut = errors.New("operation timed out")
	// ErrCanceled completes an op that was explicitly cancelled.
	ErrCanceled = errors.New("operation canceled")
	// ErrClosed completes an op whose provider was closed, and is returned
	// by Begin for stopped ops.
	ErrClosed = errors.New("object closed")
	// ErrBusy is returned by Begin when the op is already outstanding.
	ErrBusy = errors.New("operation already in progress")
)

// Infinite disables the deadline for a single op, overriding the provider
// default.
const Infinite time.Duration = -1

// Callback is invoked once per completed submission.
type Callback func(op *Op)

// CancelFunc is installed by providers and called on timeout or
// cancellation with the reason.
type CancelFunc func(op *Op, err error)

// Op is one outstanding send or receive request.
type Op struct {
	cb    Callback
	sched *Scheduler

	// cancelMu serializes cancel hook invocations against Begin so a late
	// timer can never cancel the next submission.
	cancelMu sync.Mutex

	mu      sync.Mutex
	cond    *sync.Cond
	timeout time.Duration
	msg     *message.Message
	addr    netip.AddrPort
	count   int
	result  error
	active  bool
	running bool
	stopped bool
	cancel  CancelFunc
	timer   *time.Timer
	gen     uint64
}

// New creates an op. A nil scheduler selects Default().
func New(cb Callback, sched *Scheduler) *Op {
	if sched == nil {
		sched = Default()
	}
	op := &Op{cb: cb, sched: sched}
	op.cond = sync.NewCond(&op.mu)
	return op
}

// SetTimeout sets the deadline applied to the next submission. Zero means
// the provider's default, Infinite means none.
func (op *Op) SetTimeout(d time.Duration) {
	op.mu.Lock()
	op.timeout = d
	op.mu.Unlock()
}

// Timeout returns the configured per-op timeout.
func (op *Op) Timeout() time.Duration {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.timeout
}

// SetMsg attaches a message, the payload for sends.
func (op *Op) SetMsg(m *message.Message) {
	op.mu.Lock()
	op.msg = m
	op.mu.Unlock()
}

// Msg returns the attached message, for receives the delivered datagram.
func (op *Op) Msg() *message.Message {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.msg
}

// TakeMsg returns the attached message and detaches it from the op.
func (op *Op) TakeMsg() *message.Message {
	op.mu.Lock()
	defer op.mu.Unlock()
	m := op.msg
	op.msg = nil
	return m
}

// Addr returns the peer address of the last completion, if any.
func (op *Op) Addr() netip.AddrPort {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.addr
}

// Count returns the number of bytes transferred by the last completion.
func (op *Op) Count() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.count
}

// Result returns the outcome of the last completion.
func (op *Op) Result() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

// Busy reports whether the op is outstanding or its callback has not yet
// returned.
func (op *Op) Busy() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.active || op.running
}

// Begin marks the op outstanding. It fails with ErrClosed, without invoking
// the callback, when the op was stopped or its scheduler closed.
func (op *Op) Begin() error {
	op.cancelMu.Lock()
	defer op.cancelMu.Unlock()

	op.mu.Lock()
	defer op.mu.Unlock()

	if op.stopped || op.sched.Closed() {
		op.result = ErrClosed
		return ErrClosed
	}
	if op.active {
		return ErrBusy
	}

	op.active = true
	op.gen++
	op.result = nil
	op.count = 0
	op.addr = netip.AddrPort{}
	op.cancel = nil
	return nil
}

// Schedule installs the provider's cancel hook and arms the deadline. The
// op's own timeout wins over def; a non-positive result means no deadline.
// ErrClosed means the op was stopped after Begin; the provider must then
// Finish it with that error.
func (op *Op) Schedule(cancel CancelFunc, def time.Duration) error {
	op.mu.Lock()
	defer op.mu.Unlock()

	if !op.active {
		return ErrClosed
	}
	if op.stopped {
		return ErrClosed
	}

	op.cancel = cancel

	timeout := op.timeout
	if timeout == 0 {
		timeout = def
	}
	if timeout > 0 {
		gen := op.gen
		op.timer = time.AfterFunc(timeout, func() { op.expire(gen) })
	}
	return nil
}

// Finish completes the op with err. It reports false if the op was not
// outstanding, which means another path already completed it.
func (op *Op) Finish(err error) bool {
	return op.complete(err, nil, false, netip.AddrPort{}, 0)
}

// FinishCount completes a send with the number of bytes written.
func (op *Op) FinishCount(err error, n int) bool {
	return op.complete(err, nil, false, netip.AddrPort{}, n)
}

// FinishMsg completes a receive, handing m to the op. When it reports false
// the caller still owns m.
func (op *Op) FinishMsg(m *message.Message, from netip.AddrPort) bool {
	return op.complete(nil, m, true, from, m.Len())
}

func (op *Op) complete(err error, m *message.Message, setMsg bool, from netip.AddrPort, n int) bool {
	op.mu.Lock()
	if !op.active {
		op.mu.Unlock()
		return false
	}

	op.active = false
	op.cancel = nil
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
	op.result = err
	op.count = n
	op.addr = from
	if setMsg {
		op.msg = m
	}
	op.running = true
	op.mu.Unlock()

	op.sched.dispatch(op)
	return true
}

// Cancel aborts an outstanding op with ErrCanceled.
func (op *Op) Cancel() {
	op.Abort(ErrCanceled)
}

// Abort asks the provider to complete an outstanding op with err. It has no
// effect once the op has completed.
func (op *Op) Abort(err error) {
	op.cancelMu.Lock()
	defer op.cancelMu.Unlock()

	op.mu.Lock()
	fn := op.cancel
	active := op.active
	op.mu.Unlock()

	if active && fn != nil {
		fn(op, err)
	}
}

// Wait blocks until the op is neither outstanding nor running its callback.
// If the callback resubmits the op, Wait keeps waiting for that submission.
func (op *Op) Wait() {
	op.mu.Lock()
	for op.active || op.running {
		op.cond.Wait()
	}
	op.mu.Unlock()
}

// Stop cancels the op, refuses later submissions and waits for the callback.
func (op *Op) Stop() {
	op.mu.Lock()
	op.stopped = true
	op.mu.Unlock()

	op.Abort(ErrCanceled)
	op.Wait()
}

func (op *Op) expire(gen uint64) {
	op.cancelMu.Lock()
	defer op.cancelMu.Unlock()

	op.mu.Lock()
	if !op.active || op.gen != gen || op.cancel == nil {
		op.mu.Unlock()
		return
	}
	fn := op.cancel
	op.mu.Unlock()

	fn(op, ErrTimedOut)
}

func (op *Op) run() {
	if op.cb != nil {
		// A panicking callback must still release Wait.
		recovery.Call(op.sched.Logger(), "aio callback", func() { op.cb(op) })
	}

	op.mu.Lock()
	op.running = false
	op.cond.Broadcast()
	op.mu.Unlock()
}
