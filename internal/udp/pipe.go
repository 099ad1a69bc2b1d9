package udp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/postalsys/dgram/internal/aio"
	"github.com/postalsys/dgram/internal/logging"
	"github.com/postalsys/dgram/internal/message"
	"github.com/postalsys/dgram/internal/metrics"
	"github.com/postalsys/dgram/internal/recovery"
)

type inbound struct {
	msg  *message.Message
	from netip.AddrPort
}

// Pipe is the message channel of an active endpoint. A dialer's pipe has a
// fixed remote; a listener's remote follows the source of the most recently
// delivered datagram.
type Pipe struct {
	role     Role
	sock     *Socket
	opts     *Options
	stats    *metrics.EndpointStats
	logger   *slog.Logger
	policy   *BufferPolicy
	queueLen int

	// onFault is called from a new goroutine when a loop goroutine
	// panicked. Nil closes the pipe.
	onFault func(err error)

	mu        sync.Mutex
	remote    netip.AddrPort
	recvQ     []*aio.Op
	msgQ      []inbound
	sendQ     []*aio.Op
	sending   *aio.Op
	sendAbort error
	closed    bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func newPipe(role Role, sock *Socket, opts *Options, stats *metrics.EndpointStats, logger *slog.Logger) *Pipe {
	return &Pipe{
		role:     role,
		sock:     sock,
		opts:     opts,
		stats:    stats,
		logger:   logger,
		policy:   NewBufferPolicy(DefaultPoolBuffers),
		queueLen: DefaultRecvQueueLen,
		remote:   sock.RemoteAddr(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (p *Pipe) start() {
	p.wg.Add(2)
	go p.recvLoop()
	go p.sendLoop()
}

// Role returns the role of the owning endpoint.
func (p *Pipe) Role() Role {
	return p.role
}

// LocalAddr returns the bound socket address.
func (p *Pipe) LocalAddr() netip.AddrPort {
	return p.sock.LocalAddr().AddrPort()
}

// Remote returns the current peer. For a listener it is invalid until the
// first datagram has been delivered.
func (p *Pipe) Remote() netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// Recv submits a receive. The op completes with the next datagram in
// arrival order, or with ErrTimedOut, ErrCanceled or ErrClosed. A non-nil
// return means the op was not accepted and no callback will run.
func (p *Pipe) Recv(op *aio.Op) error {
	if err := op.Begin(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		op.Finish(ErrClosed)
		return nil
	}

	if len(p.recvQ) == 0 && len(p.msgQ) > 0 {
		in := p.msgQ[0]
		p.msgQ[0] = inbound{}
		p.msgQ = p.msgQ[1:]
		if op.FinishMsg(in.msg, in.from) {
			p.delivered(in.from)
			return nil
		}
		in.msg.Free()
		return nil
	}

	if err := op.Schedule(p.cancelRecv, p.opts.RecvTimeout()); err != nil {
		op.Finish(err)
		return nil
	}
	p.recvQ = append(p.recvQ, op)
	return nil
}

// Send submits the op's message as one datagram. Payloads above the
// family's ceiling fail synchronously with ErrMessageSize. The message stays
// owned by the caller.
func (p *Pipe) Send(op *aio.Op) error {
	if n := op.Msg().Len(); n > MaxDatagramSize(p.sock.Family()) {
		return fmt.Errorf("%w: %d bytes", ErrMessageSize, n)
	}
	if err := op.Begin(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		op.Finish(ErrClosed)
		return nil
	}
	if err := op.Schedule(p.cancelSend, p.opts.SendTimeout()); err != nil {
		p.mu.Unlock()
		op.Finish(err)
		return nil
	}
	p.sendQ = append(p.sendQ, op)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Queued returns the number of datagrams held for future receives.
func (p *Pipe) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgQ)
}

// PendingRecvs returns the number of receives waiting for a datagram.
func (p *Pipe) PendingRecvs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.recvQ)
}

func (p *Pipe) cancelRecv(op *aio.Op, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, o := range p.recvQ {
		if o == op {
			p.recvQ = append(p.recvQ[:i], p.recvQ[i+1:]...)
			op.Finish(err)
			return
		}
	}
}

func (p *Pipe) cancelSend(op *aio.Op, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, o := range p.sendQ {
		if o == op {
			p.sendQ = append(p.sendQ[:i], p.sendQ[i+1:]...)
			op.Finish(err)
			return
		}
	}

	// The write is in progress; the sender completes the op once the
	// deadline unblocks it.
	if p.sending == op && p.sendAbort == nil {
		p.sendAbort = err
		p.sock.SetWriteDeadline(time.Now())
	}
}

// panicked handles a panic recovered in one of the pipe's goroutines.
// close waits for those goroutines, so the pipe is failed from a new one.
func (p *Pipe) panicked(r any) {
	err := fmt.Errorf("pipe goroutine panicked: %v", r)
	if p.onFault == nil {
		go p.close()
		return
	}
	go p.onFault(err)
}

// delivered records the source of a datagram handed to a receive.
// Called with p.mu held.
func (p *Pipe) delivered(from netip.AddrPort) {
	if p.role == RoleListener && from.IsValid() {
		p.remote = from
	}
}

func (p *Pipe) deliver(msg *message.Message, from netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		msg.Free()
		return
	}

	n := msg.Len()
	for len(p.recvQ) > 0 {
		op := p.recvQ[0]
		p.recvQ[0] = nil
		p.recvQ = p.recvQ[1:]
		if op.FinishMsg(msg, from) {
			p.stats.RecordReceived(n)
			p.delivered(from)
			return
		}
	}

	if len(p.msgQ) >= p.queueLen {
		msg.Free()
		p.stats.RecordDroppedOverflow()
		p.logger.Debug("receive queue full, datagram dropped",
			slog.String(logging.KeyRemoteAddr, from.String()),
			slog.Int(logging.KeyLimit, p.queueLen))
		return
	}
	p.stats.RecordReceived(n)
	p.msgQ = append(p.msgQ, inbound{msg: msg, from: from})
}

func (p *Pipe) recvLoop() {
	defer p.wg.Done()
	defer recovery.RecoverWithCallback(p.logger, "udp recv loop", p.panicked)

	var backoff retryBackoff
	for {
		batch, err := p.sock.ReceiveBatch()
		if err != nil {
			if isClosedErr(err) || p.isClosed() {
				return
			}
			p.stats.RecordRecvError()
			delay := backoff.next()
			p.logger.Debug("receive failed",
				slog.String(logging.KeyError, err.Error()),
				slog.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-p.done:
				return
			}
			continue
		}
		backoff.reset()

		recvMax, copyMax := p.opts.RecvMaxSize(), p.opts.CopyMax()
		for _, d := range batch {
			msg, decision := p.policy.Accept(d.Payload, recvMax, copyMax)
			if decision == DecisionDrop {
				p.stats.RecordDroppedOversize()
				p.logger.Debug("oversize datagram dropped",
					slog.String(logging.KeyRemoteAddr, d.From.String()),
					slog.Int(logging.KeySize, len(d.Payload)),
					slog.Int(logging.KeyLimit, recvMax))
				continue
			}
			p.deliver(msg, d.From)
		}
	}
}

func (p *Pipe) sendLoop() {
	defer p.wg.Done()
	defer recovery.RecoverWithCallback(p.logger, "udp send loop", p.panicked)

	for {
		select {
		case <-p.wake:
		case <-p.done:
			return
		}

		for {
			p.mu.Lock()
			if p.closed || len(p.sendQ) == 0 {
				p.mu.Unlock()
				break
			}
			op := p.sendQ[0]
			p.sendQ[0] = nil
			p.sendQ = p.sendQ[1:]
			p.sending = op
			p.sendAbort = nil
			dest := p.remote
			p.mu.Unlock()

			p.transmit(op, dest)
		}
	}
}

func (p *Pipe) transmit(op *aio.Op, dest netip.AddrPort) {
	var (
		n   int
		err error
	)
	if p.role == RoleListener && !dest.IsValid() {
		err = ErrNoPeer
	} else {
		n, err = p.sock.SendTo(op.Msg().Bytes(), dest)
	}

	p.mu.Lock()
	abort := p.sendAbort
	p.sending = nil
	p.sendAbort = nil
	if abort != nil {
		p.sock.SetWriteDeadline(time.Time{})
	}
	p.mu.Unlock()

	if err != nil && abort != nil {
		err = abort
	}

	if err != nil {
		if !errors.Is(err, ErrNoPeer) && !errors.Is(err, aio.ErrTimedOut) && !errors.Is(err, aio.ErrCanceled) && !errors.Is(err, ErrClosed) {
			p.stats.RecordSendError()
			p.logger.Debug("send failed",
				slog.String(logging.KeyRemoteAddr, dest.String()),
				slog.String(logging.KeyError, err.Error()))
		}
		op.FinishCount(err, 0)
		return
	}

	p.stats.RecordSent(n)
	op.FinishCount(nil, n)
}

func (p *Pipe) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// close completes every pending operation with ErrClosed, closes the
// socket and waits for the pipe's goroutines.
func (p *Pipe) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	recvQ, sendQ, msgQ := p.recvQ, p.sendQ, p.msgQ
	p.recvQ, p.sendQ, p.msgQ = nil, nil, nil
	if p.sending != nil && p.sendAbort == nil {
		p.sendAbort = ErrClosed
		p.sock.SetWriteDeadline(time.Now())
	}
	p.mu.Unlock()

	close(p.done)

	for _, op := range recvQ {
		op.Finish(ErrClosed)
	}
	for _, op := range sendQ {
		op.Finish(ErrClosed)
	}
	for _, in := range msgQ {
		in.msg.Free()
	}

	p.sock.Close()
	p.wg.Wait()
}

// Receive error backoff.
const (
	recvRetryInitial = time.Millisecond
	recvRetryMax     = 500 * time.Millisecond
)

// retryBackoff doubles the delay between consecutive failed reads, up to
// recvRetryMax.
type retryBackoff struct {
	delay time.Duration
}

func (b *retryBackoff) next() time.Duration {
	switch {
	case b.delay == 0:
		b.delay = recvRetryInitial
	case b.delay < recvRetryMax:
		b.delay *= 2
		if b.delay > recvRetryMax {
			b.delay = recvRetryMax
		}
	}
	return b.delay
}

func (b *retryBackoff) reset() {
	b.delay = 0
}
