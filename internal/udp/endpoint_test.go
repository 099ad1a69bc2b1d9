package udp

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/dgram/internal/address"
	"github.com/postalsys/dgram/internal/aio"
	"github.com/postalsys/dgram/internal/logging"
	"github.com/postalsys/dgram/internal/message"
	"github.com/postalsys/dgram/internal/metrics"
)

func newTestListener(t *testing.T, rawURL string, sock *Options, reg prometheus.Registerer) *Listener {
	t.Helper()
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	l, err := NewListener(rawURL, ListenOptions{
		Socket:     sock,
		Registerer: reg,
		Logger:     logging.NopLogger(),
	})
	if err != nil {
		t.Fatalf("NewListener(%q) error = %v", rawURL, err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func newTestDialer(t *testing.T, rawURL string, sock *Options, reg prometheus.Registerer) *Dialer {
	t.Helper()
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	d, err := NewDialer(rawURL, DialOptions{
		Socket:     sock,
		Registerer: reg,
		Logger:     logging.NopLogger(),
	})
	if err != nil {
		t.Fatalf("NewDialer(%q) error = %v", rawURL, err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// startPair starts a loopback listener on an ephemeral port and a dialer
// connected to it.
func startPair(t *testing.T, sock *Options) (*Listener, *Dialer) {
	t.Helper()
	l := newTestListener(t, "udp://127.0.0.1:0", sock, nil)
	if err := l.Start(); err != nil {
		t.Fatalf("listener Start() error = %v", err)
	}
	d := newTestDialer(t, l.URL(), sock, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("dialer Start() error = %v", err)
	}
	return l, d
}

func sendSync(t *testing.T, p *Pipe, b []byte) error {
	t.Helper()
	op := aio.New(nil, nil)
	op.SetMsg(message.New(b))
	if err := p.Send(op); err != nil {
		return err
	}
	op.Wait()
	return op.Result()
}

func recvSync(t *testing.T, p *Pipe) (*aio.Op, error) {
	t.Helper()
	op := aio.New(nil, nil)
	if err := p.Recv(op); err != nil {
		return nil, err
	}
	op.Wait()
	return op, op.Result()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRole_String(t *testing.T) {
	if RoleListener.String() != "listener" || RoleDialer.String() != "dialer" {
		t.Errorf("Role strings = %q, %q", RoleListener, RoleDialer)
	}
	if Role(9).String() != "unknown" {
		t.Errorf("Role(9).String() = %q", Role(9))
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "CREATED"},
		{StateStarting, "STARTING"},
		{StateActive, "ACTIVE"},
		{StateClosed, "CLOSED"},
		{StateFailed, "FAILED"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestDialer_WildcardFails(t *testing.T) {
	d := newTestDialer(t, "udp://*:5555", nil, nil)
	if err := d.Start(); !errors.Is(err, ErrAddrInvalid) {
		t.Fatalf("Start() error = %v, want ErrAddrInvalid", err)
	}
	if d.State() != StateFailed {
		t.Errorf("State() = %v, want FAILED", d.State())
	}
}

func TestDialer_PortZeroFails(t *testing.T) {
	d := newTestDialer(t, "udp://127.0.0.1:0", nil, nil)
	if err := d.Start(); !errors.Is(err, ErrAddrInvalid) {
		t.Errorf("Start() error = %v, want ErrAddrInvalid", err)
	}
}

func TestListener_WildcardBind(t *testing.T) {
	l := newTestListener(t, "udp4://*:0", nil, nil)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	port, err := l.BoundPort()
	if err != nil || port == 0 {
		t.Fatalf("BoundPort() = %d, %v", port, err)
	}
	if want := fmt.Sprintf("udp4://*:%d", port); l.URL() != want {
		t.Errorf("URL() = %q, want %q", l.URL(), want)
	}

	d := newTestDialer(t, fmt.Sprintf("udp://127.0.0.1:%d", port), nil, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("dial Start() error = %v", err)
	}
	if err := sendSync(t, d.Pipe(), []byte("hi")); err != nil {
		t.Fatalf("send error = %v", err)
	}
	if _, err := recvSync(t, l.Pipe()); err != nil {
		t.Fatalf("recv error = %v", err)
	}
}

func TestListener_LocalAddressConnect(t *testing.T) {
	// Reserve a port, release it, then listen on it explicitly.
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	port := pc.LocalAddr().(*net.UDPAddr).Port
	pc.Close()

	url := fmt.Sprintf("udp://127.0.0.1:%d", port)
	l := newTestListener(t, url, nil, nil)
	if err := l.Start(); err != nil {
		t.Fatalf("listen Start() error = %v", err)
	}
	if l.URL() != url {
		t.Errorf("URL() = %q, want %q", l.URL(), url)
	}

	d := newTestDialer(t, url, nil, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("dial Start() error = %v", err)
	}
	if d.URL() != url {
		t.Errorf("dialer URL() = %q, want %q", d.URL(), url)
	}
}

func TestListener_PortZeroBind(t *testing.T) {
	l := newTestListener(t, "udp://127.0.0.1:0", nil, nil)

	if _, err := l.LocalAddr(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("LocalAddr() before Start error = %v, want ErrNotStarted", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	url := l.URL()
	if url[:6] != "udp://" {
		t.Errorf("URL() = %q, want udp:// prefix", url)
	}

	local, err := l.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr() error = %v", err)
	}
	if local.Family() != 4 {
		t.Errorf("LocalAddr().Family() = %d, want 4", local.Family())
	}
	if local.Port == 0 {
		t.Error("LocalAddr().Port = 0")
	}
	if local.Host.String() != "127.0.0.1" {
		t.Errorf("LocalAddr().Host = %v, want 127.0.0.1", local.Host)
	}

	port, err := l.BoundPort()
	if err != nil {
		t.Fatalf("BoundPort() error = %v", err)
	}
	if port != int(local.Port) {
		t.Errorf("BoundPort() = %d, LocalAddr port = %d", port, local.Port)
	}

	d := newTestDialer(t, url, nil, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("dial %q error = %v", url, err)
	}
}

func TestListener_NonLocalAddress(t *testing.T) {
	resolver := &address.Resolver{
		InterfaceAddrs: func() ([]net.Addr, error) {
			return []net.Addr{&net.IPNet{IP: net.ParseIP("10.0.0.5"), Mask: net.CIDRMask(8, 32)}}, nil
		},
	}

	l, err := NewListener("udp://8.8.8.8:8080", ListenOptions{
		Registerer: prometheus.NewRegistry(),
		Resolver:   resolver,
	})
	if err != nil {
		t.Fatalf("NewListener() error = %v", err)
	}
	defer l.Close()

	if err := l.Start(); !errors.Is(err, ErrAddrInvalid) {
		t.Errorf("Start() error = %v, want ErrAddrInvalid", err)
	}
	if l.State() != StateFailed {
		t.Errorf("State() = %v, want FAILED", l.State())
	}
	if err := l.Start(); !errors.Is(err, ErrBusy) {
		t.Errorf("Start() on failed endpoint = %v, want ErrBusy", err)
	}
}

func TestEndpoint_MalformedAddress(t *testing.T) {
	urls := []string{
		"udp://127.0.0.1",
		"udp://127.0.0.1.32",
		"udp://127.0.x.1.32",
		"udp://8.8.8.8",
	}

	for _, u := range urls {
		t.Run(u, func(t *testing.T) {
			if _, err := NewDialer(u, DefaultDialOptions()); !errors.Is(err, ErrAddrInvalid) {
				t.Errorf("NewDialer() error = %v, want ErrAddrInvalid", err)
			}
			if _, err := NewListener(u, DefaultListenOptions()); !errors.Is(err, ErrAddrInvalid) {
				t.Errorf("NewListener() error = %v, want ErrAddrInvalid", err)
			}
		})
	}
}

func TestEndpoint_Lifecycle(t *testing.T) {
	l := newTestListener(t, "udp://127.0.0.1:0", nil, nil)
	if l.State() != StateCreated {
		t.Errorf("State() = %v, want CREATED", l.State())
	}
	if l.Pipe() != nil {
		t.Error("Pipe() != nil before Start")
	}
	if l.Role() != RoleListener {
		t.Errorf("Role() = %v", l.Role())
	}

	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if l.State() != StateActive {
		t.Errorf("State() = %v, want ACTIVE", l.State())
	}
	if err := l.Start(); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start() error = %v, want ErrBusy", err)
	}
	if err := l.SetSocketBuffer(1 << 16); !errors.Is(err, ErrBusy) {
		t.Errorf("SetSocketBuffer() after Start = %v, want ErrBusy", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if l.State() != StateClosed {
		t.Errorf("State() = %v, want CLOSED", l.State())
	}
	if err := l.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close = %v, want ErrClosed", err)
	}
}

func TestDialer_SetLocalAddr(t *testing.T) {
	l := newTestListener(t, "udp://127.0.0.1:0", nil, nil)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	d := newTestDialer(t, l.URL(), nil, nil)
	if err := d.SetLocalAddr("udp://127.0.0.1.1:0"); !errors.Is(err, ErrAddrInvalid) {
		t.Errorf("SetLocalAddr(malformed) = %v, want ErrAddrInvalid", err)
	}
	if err := d.SetLocalAddr("udp://127.0.0.1:0"); err != nil {
		t.Fatalf("SetLocalAddr() error = %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	local, err := d.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr() error = %v", err)
	}
	if local.Host.String() != "127.0.0.1" || local.Port == 0 {
		t.Errorf("LocalAddr() = %v", local)
	}
	if err := d.SetLocalAddr("udp://127.0.0.1:0"); !errors.Is(err, ErrBusy) {
		t.Errorf("SetLocalAddr() after Start = %v, want ErrBusy", err)
	}
}

func TestOptions_Override(t *testing.T) {
	sock := NewOptions(nil)
	if err := sock.SetRecvMaxSize(200); err != nil {
		t.Fatalf("SetRecvMaxSize() error = %v", err)
	}

	l := newTestListener(t, "udp://127.0.0.1:0", sock, nil)
	if got := l.RecvMaxSize(); got != 200 {
		t.Errorf("inherited RecvMaxSize() = %d, want 200", got)
	}
	if err := l.SetRecvMaxSize(100); err != nil {
		t.Fatalf("SetRecvMaxSize() error = %v", err)
	}
	if got := l.RecvMaxSize(); got != 100 {
		t.Errorf("RecvMaxSize() = %d, want 100", got)
	}
	if got := sock.RecvMaxSize(); got != 200 {
		t.Errorf("socket RecvMaxSize() = %d, want 200", got)
	}

	if err := l.SetCopyMax(100); err != nil {
		t.Fatalf("SetCopyMax() error = %v", err)
	}
	if got := l.CopyMax(); got != 100 {
		t.Errorf("CopyMax() = %d, want 100", got)
	}
	if err := l.SetRecvTimeout(time.Second); err != nil || l.RecvTimeout() != time.Second {
		t.Errorf("RecvTimeout() = %v, %v", l.RecvTimeout(), err)
	}
	if err := l.SetSendTimeout(time.Second); err != nil || l.SendTimeout() != time.Second {
		t.Errorf("SendTimeout() = %v, %v", l.SendTimeout(), err)
	}
	if err := l.SetRecvMaxSize(-1); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("SetRecvMaxSize(-1) = %v, want ErrInvalidOption", err)
	}
}

func TestPipe_RecvMax(t *testing.T) {
	sock := NewOptions(nil)
	sock.SetRecvTimeout(100 * time.Millisecond)
	sock.SetRecvMaxSize(200)

	l := newTestListener(t, "udp://127.0.0.1:0", sock, nil)
	l.SetRecvMaxSize(100)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d := newTestDialer(t, l.URL(), nil, nil)
	d.SetSendTimeout(100 * time.Millisecond)
	if err := d.Start(); err != nil {
		t.Fatalf("dial Start() error = %v", err)
	}

	payload := bytes.Repeat([]byte{'x'}, 150)

	if err := sendSync(t, d.Pipe(), payload[:95]); err != nil {
		t.Fatalf("send 95 error = %v", err)
	}
	op, err := recvSync(t, l.Pipe())
	if err != nil {
		t.Fatalf("recv 95 error = %v", err)
	}
	if op.Msg().Len() != 95 {
		t.Errorf("received %d bytes, want 95", op.Msg().Len())
	}

	if err := sendSync(t, d.Pipe(), payload); err != nil {
		t.Fatalf("send 150 error = %v", err)
	}
	if _, err := recvSync(t, l.Pipe()); !errors.Is(err, aio.ErrTimedOut) {
		t.Errorf("recv after oversize error = %v, want ErrTimedOut", err)
	}
	if got := l.Stats().Snapshot().DroppedOversize; got != 1 {
		t.Errorf("DroppedOversize = %d, want 1", got)
	}
}

func TestPipe_RecvCopy(t *testing.T) {
	sock := NewOptions(nil)
	sock.SetRecvTimeout(time.Second)

	l := newTestListener(t, "udp://127.0.0.1:0", sock, nil)
	l.SetCopyMax(100)
	if got := l.CopyMax(); got != 100 {
		t.Fatalf("CopyMax() = %d, want 100", got)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d := newTestDialer(t, l.URL(), nil, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("dial Start() error = %v", err)
	}

	payload := bytes.Repeat([]byte{'y'}, 150)

	for _, tc := range []struct {
		size   int
		pooled bool
	}{
		{95, true},
		{150, false},
	} {
		if err := sendSync(t, d.Pipe(), payload[:tc.size]); err != nil {
			t.Fatalf("send %d error = %v", tc.size, err)
		}
		op, err := recvSync(t, l.Pipe())
		if err != nil {
			t.Fatalf("recv %d error = %v", tc.size, err)
		}
		m := op.TakeMsg()
		if m.Len() != tc.size {
			t.Errorf("received %d bytes, want %d", m.Len(), tc.size)
		}
		if m.Pooled() != tc.pooled {
			t.Errorf("size %d: Pooled() = %v, want %v", tc.size, m.Pooled(), tc.pooled)
		}
		m.Free()
	}

	// Copy-max changes apply to the next datagram.
	l.SetCopyMax(200)
	if err := sendSync(t, d.Pipe(), payload); err != nil {
		t.Fatalf("send error = %v", err)
	}
	op, err := recvSync(t, l.Pipe())
	if err != nil {
		t.Fatalf("recv error = %v", err)
	}
	if !op.Msg().Pooled() {
		t.Error("150 bytes not pooled after raising copy max to 200")
	}
}

func TestPipe_MultiSendRecv(t *testing.T) {
	sock := NewOptions(nil)
	sock.SetRecvTimeout(time.Second)
	sock.SetSendTimeout(time.Second)
	sock.SetCopyMax(100)

	l, d := startPair(t, sock)
	payload := bytes.Repeat([]byte{'z'}, 95)

	const rounds = 1000
	for i := 0; i < rounds; i++ {
		if err := sendSync(t, d.Pipe(), payload); err != nil {
			t.Fatalf("round %d: dialer send error = %v", i, err)
		}
		op, err := recvSync(t, l.Pipe())
		if err != nil {
			t.Fatalf("round %d: listener recv error = %v", i, err)
		}
		if op.Msg().Len() != 95 {
			t.Fatalf("round %d: listener got %d bytes", i, op.Msg().Len())
		}
		op.TakeMsg().Free()

		if err := sendSync(t, l.Pipe(), payload); err != nil {
			t.Fatalf("round %d: listener send error = %v", i, err)
		}
		op, err = recvSync(t, d.Pipe())
		if err != nil {
			t.Fatalf("round %d: dialer recv error = %v", i, err)
		}
		if op.Msg().Len() != 95 {
			t.Fatalf("round %d: dialer got %d bytes", i, op.Msg().Len())
		}
		op.TakeMsg().Free()
	}

	ls, ds := l.Stats().Snapshot(), d.Stats().Snapshot()
	if ls.Sent != rounds || ls.Received != rounds {
		t.Errorf("listener stats = %+v, want %d sent and received", ls, rounds)
	}
	if ds.Sent != rounds || ds.Received != rounds {
		t.Errorf("dialer stats = %+v, want %d sent and received", ds, rounds)
	}
	if ds.SentBytes != 95*rounds {
		t.Errorf("dialer SentBytes = %d, want %d", ds.SentBytes, 95*rounds)
	}
}

func TestPipe_ListenerRemoteFollowsSender(t *testing.T) {
	l, d := startPair(t, nil)

	if l.Pipe().Remote().IsValid() {
		t.Error("listener Remote() valid before any datagram")
	}
	if err := sendSync(t, l.Pipe(), []byte("early")); !errors.Is(err, ErrNoPeer) {
		t.Errorf("listener send with no peer = %v, want ErrNoPeer", err)
	}

	if err := sendSync(t, d.Pipe(), []byte("hello")); err != nil {
		t.Fatalf("send error = %v", err)
	}
	op, err := recvSync(t, l.Pipe())
	if err != nil {
		t.Fatalf("recv error = %v", err)
	}

	dl, _ := d.LocalAddr()
	if got := l.Pipe().Remote(); got != dl.AddrPort() {
		t.Errorf("listener Remote() = %v, want %v", got, dl.AddrPort())
	}
	if op.Addr() != dl.AddrPort() {
		t.Errorf("op.Addr() = %v, want %v", op.Addr(), dl.AddrPort())
	}
	if d.Pipe().Role() != RoleDialer || l.Pipe().Role() != RoleListener {
		t.Error("pipe roles mismatch")
	}
	if d.Pipe().Remote() != l.Pipe().LocalAddr() {
		t.Errorf("dialer Remote() = %v, want %v", d.Pipe().Remote(), l.Pipe().LocalAddr())
	}
}

func TestPipe_RecvFIFO(t *testing.T) {
	l, d := startPair(t, nil)

	const n = 5
	ops := make([]*aio.Op, n)
	for i := range ops {
		ops[i] = aio.New(nil, nil)
		if err := l.Pipe().Recv(ops[i]); err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
	}
	waitFor(t, "pending receives", func() bool { return l.Pipe().PendingRecvs() == n })

	for i := 0; i < n; i++ {
		if err := sendSync(t, d.Pipe(), []byte{byte('a' + i)}); err != nil {
			t.Fatalf("send error = %v", err)
		}
	}

	for i, op := range ops {
		op.Wait()
		if op.Result() != nil {
			t.Fatalf("op %d result = %v", i, op.Result())
		}
		if got := op.Msg().Bytes()[0]; got != byte('a'+i) {
			t.Errorf("op %d got %q, want %q", i, got, 'a'+i)
		}
	}
}

func TestPipe_QueueOverflow(t *testing.T) {
	l, d := startPair(t, nil)

	const sent = DefaultRecvQueueLen + 4
	for i := 0; i < sent; i++ {
		if err := sendSync(t, d.Pipe(), []byte{byte(i)}); err != nil {
			t.Fatalf("send error = %v", err)
		}
	}
	waitFor(t, "all datagrams", func() bool {
		s := l.Stats().Snapshot()
		return s.Received+s.DroppedOverflow == sent
	})

	// Overflow drops are not counted as received.
	if got := l.Stats().Snapshot().Received; got != DefaultRecvQueueLen {
		t.Errorf("Received = %d, want %d", got, DefaultRecvQueueLen)
	}
	if got := l.Pipe().Queued(); got != DefaultRecvQueueLen {
		t.Errorf("Queued() = %d, want %d", got, DefaultRecvQueueLen)
	}
	if got := l.Stats().Snapshot().DroppedOverflow; got != sent-DefaultRecvQueueLen {
		t.Errorf("DroppedOverflow = %d, want %d", got, sent-DefaultRecvQueueLen)
	}

	// Queued datagrams come out oldest first.
	for i := 0; i < DefaultRecvQueueLen; i++ {
		op, err := recvSync(t, l.Pipe())
		if err != nil {
			t.Fatalf("recv %d error = %v", i, err)
		}
		if got := op.Msg().Bytes()[0]; got != byte(i) {
			t.Errorf("recv %d got %d", i, got)
		}
	}
}

func TestPipe_SendOversize(t *testing.T) {
	_, d := startPair(t, nil)

	var called bool
	op := aio.New(func(*aio.Op) { called = true }, nil)
	op.SetMsg(message.New(make([]byte, MaxDatagramSize4+1)))

	if err := d.Pipe().Send(op); !errors.Is(err, ErrMessageSize) {
		t.Errorf("Send() error = %v, want ErrMessageSize", err)
	}
	op.Wait()
	if called {
		t.Error("callback ran for a rejected send")
	}
	if got := d.Stats().Snapshot().Sent; got != 0 {
		t.Errorf("Sent = %d, want 0", got)
	}
}

func TestPipe_CancelRecv(t *testing.T) {
	l, _ := startPair(t, nil)

	op := aio.New(nil, nil)
	if err := l.Pipe().Recv(op); err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	op.Cancel()
	op.Wait()

	if !errors.Is(op.Result(), aio.ErrCanceled) {
		t.Errorf("Result() = %v, want ErrCanceled", op.Result())
	}
	if got := l.Pipe().PendingRecvs(); got != 0 {
		t.Errorf("PendingRecvs() = %d after cancel, want 0", got)
	}
}

// queueSends submits total sends of size bytes on p without waiting. The
// returned counters record how often each op's callback ran.
func queueSends(t *testing.T, p *Pipe, total, size int, prepare func(i int, op *aio.Op)) ([]*aio.Op, []atomic.Int32) {
	t.Helper()
	payload := make([]byte, size)
	calls := make([]atomic.Int32, total)
	ops := make([]*aio.Op, total)
	for i := range ops {
		ops[i] = aio.New(func(*aio.Op) { calls[i].Add(1) }, nil)
		ops[i].SetMsg(message.New(payload))
		if prepare != nil {
			prepare(i, ops[i])
		}
	}
	for i, op := range ops {
		if err := p.Send(op); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}
	return ops, calls
}

func TestPipe_CancelQueuedSends(t *testing.T) {
	_, d := startPair(t, nil)

	const total, tail = 2000, 200
	ops, calls := queueSends(t, d.Pipe(), total, 1000, nil)
	for _, op := range ops[total-tail:] {
		op.Cancel()
	}

	var sent, canceled int
	for i, op := range ops {
		op.Wait()
		switch err := op.Result(); {
		case err == nil:
			sent++
		case errors.Is(err, aio.ErrCanceled) && i >= total-tail:
			canceled++
		default:
			t.Errorf("op %d Result() = %v", i, err)
		}
	}
	for i := range calls {
		if n := calls[i].Load(); n != 1 {
			t.Errorf("op %d callback ran %d times, want 1", i, n)
		}
	}

	if canceled == 0 {
		t.Error("no queued send completed with ErrCanceled")
	}
	if sent+canceled != total {
		t.Errorf("sent %d + canceled %d != %d", sent, canceled, total)
	}
	if got := d.Stats().Snapshot().Sent; got != uint64(sent) {
		t.Errorf("Sent = %d, want %d", got, sent)
	}
	if got := d.Stats().Snapshot().SendErrors; got != 0 {
		t.Errorf("SendErrors = %d, want 0", got)
	}
}

func TestPipe_SendTimeout(t *testing.T) {
	_, d := startPair(t, nil)

	const total, tail = 4000, 200
	ops, calls := queueSends(t, d.Pipe(), total, 8000, func(i int, op *aio.Op) {
		if i >= total-tail {
			op.SetTimeout(time.Millisecond)
		}
	})

	var sent, timedOut int
	for i, op := range ops {
		op.Wait()
		switch err := op.Result(); {
		case err == nil:
			sent++
		case errors.Is(err, aio.ErrTimedOut) && i >= total-tail:
			timedOut++
		default:
			t.Errorf("op %d Result() = %v", i, err)
		}
	}
	for i := range calls {
		if n := calls[i].Load(); n != 1 {
			t.Errorf("op %d callback ran %d times, want 1", i, n)
		}
	}

	if timedOut == 0 {
		t.Error("no queued send completed with ErrTimedOut")
	}
	if got := d.Stats().Snapshot().Sent; got != uint64(sent) {
		t.Errorf("Sent = %d, want %d", got, sent)
	}
}

func TestPipe_PanicFailsEndpoint(t *testing.T) {
	l := newTestListener(t, "udp://127.0.0.1:0", nil, nil)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p := l.Pipe()

	op := aio.New(nil, nil)
	if err := p.Recv(op); err != nil {
		t.Fatalf("Recv() error = %v", err)
	}

	p.panicked("boom")
	op.Wait()

	if !errors.Is(op.Result(), ErrClosed) {
		t.Errorf("Result() = %v, want ErrClosed", op.Result())
	}
	if got := l.State(); got != StateFailed {
		t.Errorf("State() = %v, want FAILED", got)
	}
	if l.Pipe() != nil {
		t.Error("Pipe() non-nil on a failed endpoint")
	}
	waitFor(t, "stats unregistered", func() bool { return !l.Stats().Registered() })

	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := l.Start(); err == nil {
		t.Error("Start() on a failed endpoint succeeded")
	}
}

func TestListener_DefaultMetrics(t *testing.T) {
	before := testutil.ToFloat64(metrics.Default().EndpointsActive)

	l, err := NewListener("udp://127.0.0.1:0", ListenOptions{Logger: logging.NopLogger()})
	if err != nil {
		t.Fatalf("NewListener() error = %v", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := testutil.ToFloat64(metrics.Default().EndpointsActive); got != before+1 {
		t.Errorf("endpoints_active = %v, want %v", got, before+1)
	}

	l.Close()
	if got := testutil.ToFloat64(metrics.Default().EndpointsActive); got != before {
		t.Errorf("endpoints_active after Close = %v, want %v", got, before)
	}
}

func TestRetryBackoff(t *testing.T) {
	var b retryBackoff

	want := []time.Duration{
		time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond,
		8 * time.Millisecond, 16 * time.Millisecond, 32 * time.Millisecond,
		64 * time.Millisecond, 128 * time.Millisecond, 256 * time.Millisecond,
		recvRetryMax, recvRetryMax,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Errorf("next() #%d = %v, want %v", i, got, w)
		}
	}

	b.reset()
	if got := b.next(); got != recvRetryInitial {
		t.Errorf("next() after reset = %v, want %v", got, recvRetryInitial)
	}
}

func TestPipe_CloseCompletesPending(t *testing.T) {
	l, d := startPair(t, nil)
	p := l.Pipe()

	var mu sync.Mutex
	var results []error
	cb := func(op *aio.Op) {
		mu.Lock()
		results = append(results, op.Result())
		mu.Unlock()
	}

	ops := []*aio.Op{aio.New(cb, nil), aio.New(cb, nil)}
	for _, op := range ops {
		if err := p.Recv(op); err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for _, op := range ops {
		op.Wait()
	}

	mu.Lock()
	if len(results) != 2 {
		t.Fatalf("callbacks = %d, want 2", len(results))
	}
	for i, err := range results {
		if !errors.Is(err, ErrClosed) {
			t.Errorf("result %d = %v, want ErrClosed", i, err)
		}
	}
	mu.Unlock()

	// Submissions after close complete with ErrClosed.
	late := aio.New(nil, nil)
	if err := p.Recv(late); err != nil {
		t.Fatalf("Recv() after close error = %v", err)
	}
	late.Wait()
	if !errors.Is(late.Result(), ErrClosed) {
		t.Errorf("late Result() = %v, want ErrClosed", late.Result())
	}

	if l.Pipe() != nil {
		t.Error("Pipe() != nil after Close")
	}
	if d.State() != StateActive {
		t.Errorf("dialer State() = %v after listener Close, want ACTIVE", d.State())
	}
}

func TestPipe_RearmedReceiveLoop(t *testing.T) {
	l, d := startPair(t, nil)

	const total = 50
	var (
		mu    sync.Mutex
		count int
	)
	done := make(chan struct{})
	p := l.Pipe()

	op := aio.New(func(o *aio.Op) {
		if o.Result() != nil {
			return
		}
		o.TakeMsg().Free()
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n == total {
			close(done)
			return
		}
		p.Recv(o)
	}, nil)

	if err := p.Recv(op); err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	for i := 0; i < total; i++ {
		if err := sendSync(t, d.Pipe(), []byte("loop")); err != nil {
			t.Fatalf("send error = %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("re-armed receive loop stalled")
	}
	op.Stop()
}

func TestStats_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	sock := NewOptions(nil)
	sock.SetRecvTimeout(time.Second)

	l := newTestListener(t, "udp://127.0.0.1:0", sock, reg)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d := newTestDialer(t, l.URL(), sock, reg)
	if err := d.Start(); err != nil {
		t.Fatalf("dial Start() error = %v", err)
	}

	if !l.Stats().Registered() || !d.Stats().Registered() {
		t.Fatal("stats not registered after Start")
	}

	prev := l.Stats().Snapshot()
	for i := 0; i < 20; i++ {
		if err := sendSync(t, d.Pipe(), []byte("stat")); err != nil {
			t.Fatalf("send error = %v", err)
		}
		if _, err := recvSync(t, l.Pipe()); err != nil {
			t.Fatalf("recv error = %v", err)
		}
		cur := l.Stats().Snapshot()
		if cur.Received < prev.Received || cur.ReceivedBytes < prev.ReceivedBytes {
			t.Fatalf("counters decreased: %+v -> %+v", prev, cur)
		}
		prev = cur
	}

	if n, err := testutil.GatherAndCount(reg, "dgram_udp_received_total"); err != nil || n != 2 {
		t.Errorf("received_total series = %d, %v, want 2", n, err)
	}

	l.Close()
	if l.Stats().Registered() {
		t.Error("listener stats still registered after Close")
	}
	if n, _ := testutil.GatherAndCount(reg, "dgram_udp_received_total"); n != 1 {
		t.Errorf("received_total series after listener Close = %d, want 1", n)
	}

	d.Close()
	if n, _ := testutil.GatherAndCount(reg); n != 0 {
		t.Errorf("series after Close = %d, want 0", n)
	}
	if got := l.Stats().Snapshot().Received; got != 20 {
		t.Errorf("Received = %d after Close, want 20", got)
	}
}
