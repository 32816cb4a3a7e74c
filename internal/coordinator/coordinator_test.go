package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/opentherm-gateway/internal/gatewaytask"
	"github.com/kstaniek/opentherm-gateway/internal/mailbox"
	"github.com/kstaniek/opentherm-gateway/internal/otframe"
)

type harness struct {
	c                            *Coordinator
	thermostatReq, thermostatResp *mailbox.Mailbox[otframe.Frame]
	boilerReq                   *mailbox.Mailbox[otframe.Frame]
	boilerResp                  *mailbox.Mailbox[gatewaytask.BoilerReply]
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		thermostatReq:  mailbox.New[otframe.Frame](),
		thermostatResp: mailbox.New[otframe.Frame](),
		boilerReq:      mailbox.New[otframe.Frame](),
		boilerResp:     mailbox.New[gatewaytask.BoilerReply](),
	}
	allOpts := append([]Option{WithTickInterval(2 * time.Millisecond)}, opts...)
	h.c = New(h.thermostatReq, h.thermostatResp, h.boilerReq, h.boilerResp, allOpts...)
	return h
}

func (h *harness) run(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.c.Run(ctx)
	return cancel
}

// Scenario 1: pure passthrough.
func TestScenarioPurePassthrough(t *testing.T) {
	h := newHarness(t)
	cancel := h.run(t)
	defer cancel()

	req := otframe.Frame(0x80000000)
	h.thermostatReq.Write(req)

	fwd, err := h.boilerReq.Read(context.Background(), time.Second)
	if err != nil || fwd != req {
		t.Fatalf("expected unchanged %#x forwarded, got %#x err=%v", uint32(req), uint32(fwd), err)
	}

	reply := otframe.Frame(0xC0000000)
	h.boilerResp.Write(gatewaytask.BoilerReply{Frame: reply})

	got, err := h.thermostatResp.Read(context.Background(), time.Second)
	if err != nil || got != reply {
		t.Fatalf("expected unchanged %#x delivered, got %#x err=%v", uint32(reply), uint32(got), err)
	}
}

// Scenario 2: TSET override.
func TestScenarioTsetOverride(t *testing.T) {
	var observed []otframe.Frame
	var mu sync.Mutex
	h := newHarness(t,
		WithObserver(func(dir Direction, src Source, f otframe.Frame) {
			if dir == Request && src == Thermostat {
				mu.Lock()
				observed = append(observed, f)
				mu.Unlock()
			}
		}),
	)
	h.c.SetDemand(f32ptr(50.0), false, false)
	h.c.SetMode(true)
	cancel := h.run(t)
	defer cancel()

	req := otframe.BuildRequest(otframe.WriteData, DataIDTset, 0x2000) // 32C
	h.thermostatReq.Write(req)

	fwd, err := h.boilerReq.Read(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("boilerReq read: %v", err)
	}
	if fwd.DataValue() != 0x3200 {
		t.Fatalf("expected overridden value 0x3200, got %#x", fwd.DataValue())
	}
	if !fwd.ParityOK() {
		t.Fatal("expected recomputed parity to be valid")
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 1 || observed[0] != req {
		t.Fatalf("expected observer to see original frame, got %+v", observed)
	}
}

// Scenario 3: status override.
func TestScenarioStatusOverride(t *testing.T) {
	h := newHarness(t)
	h.c.SetDemand(nil, true, false)
	h.c.SetMode(true)
	cancel := h.run(t)
	defer cancel()

	req := otframe.BuildRequest(otframe.ReadData, DataIDStatus, 0x0000)
	h.thermostatReq.Write(req)

	fwd, err := h.boilerReq.Read(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("boilerReq read: %v", err)
	}
	status := fwd.DataValue() >> 8
	if status&0x01 == 0 {
		t.Fatalf("expected CH_enable bit set, status byte=%#x", status)
	}
	if status&0x02 != 0 {
		t.Fatalf("expected DHW_enable bit clear, status byte=%#x", status)
	}
	if !fwd.ParityOK() {
		t.Fatal("expected recomputed parity to be valid")
	}
}

// Scenario 4: fallback.
func TestScenarioFallback(t *testing.T) {
	base := time.Now()
	clock := &fakeClock{t: base}
	h := newHarness(t, WithClock(clock.now))
	h.c.SetDemand(f32ptr(50.0), true, true)
	h.c.SetMode(true)
	h.c.SetPolicy(1, 30000) // fallback after 30s

	var alerts []AlertKind
	var mu sync.Mutex
	h.c.observersMu.Lock()
	h.c.alertObservers = append(h.c.alertObservers, func(k AlertKind) {
		mu.Lock()
		alerts = append(alerts, k)
		mu.Unlock()
	})
	h.c.observersMu.Unlock()

	clock.advance(45 * time.Second) // last update now 45s stale
	cancel := h.run(t)
	defer cancel()

	req := otframe.BuildRequest(otframe.WriteData, DataIDTset, 0x2000)
	h.thermostatReq.Write(req)

	fwd, err := h.boilerReq.Read(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("boilerReq read: %v", err)
	}
	if fwd != req {
		t.Fatalf("expected unchanged frame under fallback, got %#x want %#x", uint32(fwd), uint32(req))
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, a := range alerts {
		if a == FallbackActive {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected FallbackActive alert, got %v", alerts)
	}
	if !h.c.GetControlStatus().Fallback {
		t.Fatal("expected ControlStatus.Fallback=true")
	}
}

// Scenario 5: bus timeout - boiler silent, no frame leaks to thermostat.
func TestScenarioBusTimeout(t *testing.T) {
	h := newHarness(t)
	cancel := h.run(t)
	defer cancel()

	req := otframe.Frame(0x80000000)
	h.thermostatReq.Write(req)
	if _, err := h.boilerReq.Read(context.Background(), time.Second); err != nil {
		t.Fatalf("expected forwarded request: %v", err)
	}

	h.boilerResp.Write(gatewaytask.BoilerReply{Timeout: true})

	_, err := h.thermostatResp.Read(context.Background(), 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected no frame delivered to thermostat on boiler timeout")
	}
}

func TestIdempotentIntercept(t *testing.T) {
	h := newHarness(t)
	h.c.SetDemand(f32ptr(60.0), true, true)
	h.c.SetMode(true)

	req := otframe.BuildRequest(otframe.WriteData, DataIDTset, 0x1000)
	once := h.c.intercept(req)
	twice := h.c.intercept(once)
	if once != twice {
		t.Fatalf("intercept not idempotent: once=%#x twice=%#x", uint32(once), uint32(twice))
	}
}

func TestDiagnosticsProbeRoundRobinAbsorbedNotForwarded(t *testing.T) {
	h := newHarness(t, WithProbeEvery(2), WithProbeIDs(17, 18))
	cancel := h.run(t)
	defer cancel()

	probeReq, err := h.boilerReq.Read(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("expected a probe request injected: %v", err)
	}
	if probeReq.DataID() != 17 {
		t.Fatalf("expected probe for data-ID 17, got %d", probeReq.DataID())
	}

	h.boilerResp.Write(gatewaytask.BoilerReply{Frame: otframe.BuildResponse(otframe.ReadAck, 17, 0x1234)})
	time.Sleep(20 * time.Millisecond)

	if _, ok := h.thermostatResp.TryRead(); ok {
		t.Fatal("probe reply must not be forwarded to the thermostat")
	}
	e, ok := h.c.Cache().Lookup(17)
	if !ok || e.RawValue != 0x1234 {
		t.Fatalf("expected probe reply absorbed into cache, got %+v ok=%v", e, ok)
	}
}

func f32ptr(v float32) *float32 { return &v }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
