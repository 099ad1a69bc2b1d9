package chaos

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/dgram/internal/aio"
	"github.com/postalsys/dgram/internal/message"
)

// recordingPipe completes every send immediately and counts it.
type recordingPipe struct {
	mu    sync.Mutex
	sends int
	recvs int
}

func (p *recordingPipe) Send(op *aio.Op) error {
	if err := op.Begin(); err != nil {
		return err
	}
	p.mu.Lock()
	p.sends++
	p.mu.Unlock()
	op.FinishCount(nil, op.Msg().Len())
	return nil
}

func (p *recordingPipe) Recv(op *aio.Op) error {
	if err := op.Begin(); err != nil {
		return err
	}
	p.mu.Lock()
	p.recvs++
	p.mu.Unlock()
	op.FinishMsg(message.New([]byte("x")), op.Addr())
	return nil
}

func (p *recordingPipe) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sends, p.recvs
}

func send(t *testing.T, p Pipe, payload string) *aio.Op {
	t.Helper()
	op := aio.New(nil, nil)
	op.SetMsg(message.New([]byte(payload)))
	if err := p.Send(op); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	op.Wait()
	return op
}

func TestFaultInjector_Basic(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDrop,
		Probability: 1.0, // Always inject
	})

	if fault, _ := injector.Next(); fault != FaultDrop {
		t.Errorf("Next() = %v, want drop", fault)
	}

	stats := injector.GetStats()
	if stats[FaultDrop] != 1 {
		t.Errorf("expected 1 drop fault hit, got %d", stats[FaultDrop])
	}
}

func TestFaultInjector_Disabled(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDrop,
		Probability: 1.0,
	})

	injector.Disable()
	if injector.IsEnabled() {
		t.Error("IsEnabled() = true after Disable")
	}
	if fault, _ := injector.Next(); fault != FaultNone {
		t.Errorf("Next() = %v, want none when disabled", fault)
	}

	injector.Enable()
	if fault, _ := injector.Next(); fault != FaultDrop {
		t.Errorf("Next() = %v, want drop after Enable", fault)
	}
}

func TestFaultInjector_Probability(t *testing.T) {
	// 0% probability - should never inject
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultError,
		Probability: 0.0,
	})

	for i := 0; i < 100; i++ {
		if fault, _ := injector.Next(); fault != FaultNone {
			t.Fatalf("Next() = %v with 0%% probability", fault)
		}
	}
}

func TestFaultInjector_SeededRate(t *testing.T) {
	injector := NewFaultInjectorWithSeed(42, FaultConfig{Type: FaultDrop, Probability: 0.3})

	const n = 10000
	for i := 0; i < n; i++ {
		injector.Next()
	}
	hits := injector.GetStats()[FaultDrop]
	if hits < 2500 || hits > 3500 {
		t.Errorf("drop hits = %d of %d, want about 30%%", hits, n)
	}
}

func TestFaultInjector_Delay(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDelay,
		Probability: 1.0,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
	})

	fault, delay := injector.Next()
	if fault != FaultDelay {
		t.Fatalf("Next() = %v, want delay", fault)
	}
	if delay < 10*time.Millisecond || delay > 20*time.Millisecond {
		t.Errorf("delay %v outside expected range [10ms, 20ms]", delay)
	}
}

func TestFaultInjector_FirstMatchWins(t *testing.T) {
	injector := NewFaultInjector(
		FaultConfig{Type: FaultError, Probability: 1.0},
		FaultConfig{Type: FaultDrop, Probability: 1.0},
	)

	if fault, _ := injector.Next(); fault != FaultError {
		t.Errorf("Next() = %v, want error", fault)
	}
	if injector.GetStats()[FaultDrop] != 0 {
		t.Error("second config counted a hit")
	}
}

func TestFaultInjector_Reset(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDrop,
		Probability: 1.0,
	})

	injector.Next()
	injector.Reset()

	stats := injector.GetStats()
	if stats[FaultDrop] != 0 {
		t.Errorf("expected 0 hits after reset, got %d", stats[FaultDrop])
	}
}

func TestFaultType_String(t *testing.T) {
	tests := []struct {
		fault FaultType
		want  string
	}{
		{FaultDrop, "drop"},
		{FaultDelay, "delay"},
		{FaultError, "error"},
		{FaultNone, "none"},
		{FaultType(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.fault.String(); got != tt.want {
			t.Errorf("FaultType(%d).String() = %q, want %q", tt.fault, got, tt.want)
		}
	}
}

func TestFaultyPipe_Drop(t *testing.T) {
	inner := &recordingPipe{}
	p := WrapPipe(inner, Loss(1.0))

	op := send(t, p, "hello")
	if err := op.Result(); err != nil {
		t.Errorf("Result() = %v, want nil for a dropped datagram", err)
	}
	if op.Count() != 5 {
		t.Errorf("Count() = %d, want 5", op.Count())
	}
	if sends, _ := inner.counts(); sends != 0 {
		t.Errorf("inner sends = %d, want 0", sends)
	}
}

func TestFaultyPipe_Error(t *testing.T) {
	inner := &recordingPipe{}
	p := WrapPipe(inner, NewFaultInjector(FaultConfig{Type: FaultError, Probability: 1.0}))

	op := send(t, p, "hello")
	if !errors.Is(op.Result(), ErrInjected) {
		t.Errorf("Result() = %v, want ErrInjected", op.Result())
	}
	if sends, _ := inner.counts(); sends != 0 {
		t.Errorf("inner sends = %d, want 0", sends)
	}
}

func TestFaultyPipe_Delay(t *testing.T) {
	inner := &recordingPipe{}
	p := WrapPipe(inner, NewFaultInjector(FaultConfig{
		Type:        FaultDelay,
		Probability: 1.0,
		MinDelay:    30 * time.Millisecond,
		MaxDelay:    30 * time.Millisecond,
	}))

	start := time.Now()
	op := send(t, p, "hello")
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("send took %v, want at least 30ms", elapsed)
	}
	if err := op.Result(); err != nil {
		t.Errorf("Result() = %v", err)
	}
	if sends, _ := inner.counts(); sends != 1 {
		t.Errorf("inner sends = %d, want 1", sends)
	}
}

func TestFaultyPipe_PassThrough(t *testing.T) {
	inner := &recordingPipe{}
	injector := Loss(1.0)
	injector.Disable()
	p := WrapPipe(inner, injector)

	for i := 0; i < 5; i++ {
		send(t, p, "data")
	}

	op := aio.New(nil, nil)
	if err := p.Recv(op); err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	op.Wait()
	if m := op.TakeMsg(); m == nil || m.Len() != 1 {
		t.Errorf("Recv() message = %v", m)
	}

	sends, recvs := inner.counts()
	if sends != 5 || recvs != 1 {
		t.Errorf("inner counts = %d sends, %d recvs, want 5 and 1", sends, recvs)
	}
}

func TestFaultyPipe_StoppedOp(t *testing.T) {
	p := WrapPipe(&recordingPipe{}, Loss(1.0))

	op := aio.New(nil, nil)
	op.SetMsg(message.New([]byte("x")))
	op.Stop()

	if err := p.Send(op); !errors.Is(err, aio.ErrClosed) {
		t.Errorf("Send(stopped) error = %v, want ErrClosed", err)
	}
}
