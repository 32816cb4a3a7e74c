package busport

import (
	"context"
	"testing"
	"time"

	"github.com/kstaniek/opentherm-gateway/internal/manchester"
	"github.com/kstaniek/opentherm-gateway/internal/otframe"
)

// mockDriver is an in-memory Driver: WriteLevel records the levels written
// (without timestamps), and a test can inject runs directly into the ring.
type mockDriver struct {
	ring    *Ring
	levels  []bool
	closed  bool
}

func newMockDriver() *mockDriver {
	return &mockDriver{ring: NewRing(context.Background(), 256, nil)}
}

func (m *mockDriver) WriteLevel(level bool) error {
	m.levels = append(m.levels, level)
	return nil
}
func (m *mockDriver) Edges() *Ring { return m.ring }
func (m *mockDriver) Close() error { m.closed = true; m.ring.Close(); return nil }

func TestSendFrameBusyThenIdle(t *testing.T) {
	drv := newMockDriver()
	p := New("test", RoleSlave, drv)
	ctx := context.Background()

	f := otframe.BuildRequest(otframe.ReadData, 0, 0)
	if err := p.SendFrame(ctx, f); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if len(drv.levels) == 0 {
		t.Fatal("expected WriteLevel calls")
	}
	// Immediately after SendFrame returns, port is in PostTxDelay, not Idle.
	if p.State() != PostTxDelay {
		t.Fatalf("expected PostTxDelay, got %v", p.State())
	}
	time.Sleep(SlavePostTxDelay + 10*time.Millisecond)
	if p.State() != Idle {
		t.Fatalf("expected Idle after delay, got %v", p.State())
	}
	if p.Stats().TxCount != 1 {
		t.Fatalf("expected TxCount=1, got %d", p.Stats().TxCount)
	}
}

func TestSendFrameBusRejectsWhileNotIdle(t *testing.T) {
	drv := newMockDriver()
	p := New("test", RoleMaster, drv)
	p.state.Store(int32(RxReceiving))
	if err := p.SendFrame(context.Background(), otframe.BuildRequest(otframe.ReadData, 0, 0)); err != ErrBusBusy {
		t.Fatalf("expected ErrBusBusy, got %v", err)
	}
}

func TestReceiveFrameTimeoutNoStart(t *testing.T) {
	drv := newMockDriver()
	p := New("test", RoleMaster, drv)
	_, err := p.ReceiveFrame(context.Background(), 20*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if p.Stats().TimeoutCount != 1 {
		t.Fatalf("expected TimeoutCount=1, got %d", p.Stats().TimeoutCount)
	}
	if p.State() != Idle {
		t.Fatalf("expected Idle after timeout, got %v", p.State())
	}
}

func TestReceiveFrameRoundTrip(t *testing.T) {
	drv := newMockDriver()
	p := New("test", RoleMaster, drv)

	f := otframe.BuildRequest(otframe.WriteData, 1, 0x1234)
	var codec manchester.Codec
	syms := codec.Encode(f)

	go func() {
		time.Sleep(5 * time.Millisecond)
		for _, s := range syms {
			drv.ring.PushRun(s)
		}
	}()

	got, err := p.ReceiveFrame(context.Background(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("ReceiveFrame: %v", err)
	}
	if got != f {
		t.Fatalf("got %#x want %#x", uint32(got), uint32(f))
	}
	if p.Stats().RxCount != 1 {
		t.Fatalf("expected RxCount=1, got %d", p.Stats().RxCount)
	}
}

func TestReceiveFrameInvalidAfterGarbage(t *testing.T) {
	drv := newMockDriver()
	p := New("test", RoleMaster, drv)

	go func() {
		time.Sleep(5 * time.Millisecond)
		// 70 half-bits of garbage alternating but never forming a legal frame
		for i := 0; i < 70; i++ {
			drv.ring.PushRun(manchester.Symbol{Level: i%2 == 0, DurationUS: manchester.HalfBitUS})
		}
	}()

	_, err := p.ReceiveFrame(context.Background(), 200*time.Millisecond)
	if err != ErrInvalid && err != ErrTimeout {
		t.Fatalf("expected ErrInvalid or ErrTimeout, got %v", err)
	}
}

func TestPostTxDelayDiffersByRole(t *testing.T) {
	drv := newMockDriver()
	master := New("m", RoleMaster, drv)
	slave := New("s", RoleSlave, drv)
	if master.postTxDelay() != MasterPostTxDelay {
		t.Fatalf("master delay wrong: %v", master.postTxDelay())
	}
	if slave.postTxDelay() != SlavePostTxDelay {
		t.Fatalf("slave delay wrong: %v", slave.postTxDelay())
	}
}

func TestStateStringer(t *testing.T) {
	cases := map[State]string{
		Idle: "Idle", TxSending: "TxSending", RxWaitStart: "RxWaitStart",
		RxReceiving: "RxReceiving", RxReady: "RxReady", RxInvalid: "RxInvalid",
		RxTimeout: "RxTimeout", PostTxDelay: "PostTxDelay", State(99): "Unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
