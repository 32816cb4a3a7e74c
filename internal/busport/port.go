// Package busport implements the per-bus half-duplex port: the Manchester
// line state machine, role-based post-transmission delay, and statistics,
// driven by a pluggable Driver (a production GPIO profile or a software
// bit-bang fallback profile) behind the one Port type.
package busport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/opentherm-gateway/internal/diagmetrics"
	"github.com/kstaniek/opentherm-gateway/internal/manchester"
	"github.com/kstaniek/opentherm-gateway/internal/otframe"
)

// Role selects the post-TX inter-frame delay mandated by the OpenTherm spec.
type Role int

const (
	RoleMaster Role = iota // gateway presents as master toward the boiler
	RoleSlave              // gateway presents as slave toward the thermostat
)

// State is the per-port state machine position (spec §3/§4.2).
type State int32

const (
	Idle State = iota
	TxSending
	RxWaitStart
	RxReceiving
	RxReady
	RxInvalid
	RxTimeout
	PostTxDelay
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case TxSending:
		return "TxSending"
	case RxWaitStart:
		return "RxWaitStart"
	case RxReceiving:
		return "RxReceiving"
	case RxReady:
		return "RxReady"
	case RxInvalid:
		return "RxInvalid"
	case RxTimeout:
		return "RxTimeout"
	case PostTxDelay:
		return "PostTxDelay"
	default:
		return "Unknown"
	}
}

// Timing constants from spec §4.2.
const (
	SlavePostTxDelay  = 20 * time.Millisecond
	MasterPostTxDelay = 100 * time.Millisecond
	RxStartTimeout    = 1000 * time.Millisecond
	FrameTotalTimeout = 50 * time.Millisecond
)

// Sentinel errors.
var (
	ErrBusBusy = errors.New("busport: port busy")
	ErrTimeout = errors.New("busport: receive timeout")
	ErrInvalid = errors.New("busport: invalid frame")
)

// Stats mirrors the per-port monotonic counters of spec §3.
type Stats struct {
	TxCount      uint32
	RxCount      uint32
	ErrorCount   uint32
	TimeoutCount uint32
}

// Driver abstracts the physical line: writing the TX level and draining
// captured (level, duration) runs observed on RX. Implementations: the
// production GPIO profile (gpiopulse) and the software bit-bang fallback
// profile (serialbang).
type Driver interface {
	WriteLevel(level bool) error
	Edges() *Ring
	Close() error
}

// Port implements the spec §4.2 state machine over a Driver.
type Port struct {
	name  string
	role  Role
	drv   Driver
	codec manchester.Codec

	mu    sync.Mutex // serializes SendFrame/ReceiveFrame against state transitions
	state atomic.Int32

	txCount, rxCount, errCount, toCount atomic.Uint32
}

// New constructs a Port with the given metrics label, role, and driver.
func New(name string, role Role, drv Driver) *Port {
	p := &Port{name: name, role: role, drv: drv}
	p.state.Store(int32(Idle))
	return p
}

// State returns the port's current state-machine position.
func (p *Port) State() State { return State(p.state.Load()) }

// Stats returns a snapshot of the port's counters.
func (p *Port) Stats() Stats {
	return Stats{
		TxCount:      p.txCount.Load(),
		RxCount:      p.rxCount.Load(),
		ErrorCount:   p.errCount.Load(),
		TimeoutCount: p.toCount.Load(),
	}
}

func (p *Port) postTxDelay() time.Duration {
	if p.role == RoleMaster {
		return MasterPostTxDelay
	}
	return SlavePostTxDelay
}

// SendFrame blocks while the Manchester sequence for f is emitted, then
// arms the role-appropriate PostTxDelay before the port accepts its next
// operation. Returns ErrBusBusy if the port is not Idle.
func (p *Port) SendFrame(ctx context.Context, f otframe.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.CompareAndSwap(int32(Idle), int32(TxSending)) {
		return ErrBusBusy
	}
	for _, sym := range p.codec.Encode(f) {
		if err := p.drv.WriteLevel(sym.Level); err != nil {
			p.errCount.Add(1)
			diagmetrics.IncPortError(p.name)
			p.state.Store(int32(Idle))
			return err
		}
		if err := sleepCtx(ctx, time.Duration(sym.DurationUS)*time.Microsecond); err != nil {
			p.state.Store(int32(Idle))
			return err
		}
	}
	_ = p.drv.WriteLevel(true) // idle high after frame
	p.txCount.Add(1)
	diagmetrics.IncPortTx(p.name)
	p.state.Store(int32(PostTxDelay))
	delay := p.postTxDelay()
	go func() {
		time.Sleep(delay)
		p.state.CompareAndSwap(int32(PostTxDelay), int32(Idle))
	}()
	return nil
}

// ReceiveFrame blocks up to deadline for a parity-valid frame. It returns
// ErrTimeout if no start bit is seen, ErrInvalid on Manchester/parity
// failure, or the decoded Frame on success. A port still in PostTxDelay is
// waited out first; ErrBusBusy is returned if the port is then not Idle.
func (p *Port) ReceiveFrame(ctx context.Context, deadline time.Duration) (otframe.Frame, error) {
	for p.State() == PostTxDelay {
		if err := sleepCtx(ctx, time.Millisecond); err != nil {
			return 0, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.CompareAndSwap(int32(Idle), int32(RxWaitStart)) {
		return 0, ErrBusBusy
	}

	startWait := deadline
	if startWait > RxStartTimeout {
		startWait = RxStartTimeout
	}
	first, ok := p.drv.Edges().Next(ctx, startWait)
	if !ok {
		p.toCount.Add(1)
		diagmetrics.IncPortTimeout(p.name)
		p.state.Store(int32(RxTimeout))
		p.state.Store(int32(Idle))
		return 0, ErrTimeout
	}
	p.state.Store(int32(RxReceiving))

	runs := []manchester.Symbol{first}
	frameDeadline := time.Now().Add(FrameTotalTimeout)
	for {
		if f, err := p.codec.Decode(runs); err == nil {
			p.state.Store(int32(RxReady))
			p.rxCount.Add(1)
			diagmetrics.IncPortRx(p.name)
			p.state.Store(int32(Idle))
			return f, nil
		} else if !errors.Is(err, manchester.ErrInvalidSize) {
			// Enough half-bits were captured but no phase alignment
			// validated: a malformed transition was observed.
			p.errCount.Add(1)
			diagmetrics.IncPortError(p.name)
			p.state.Store(int32(RxInvalid))
			p.state.Store(int32(Idle))
			return 0, ErrInvalid
		}
		remaining := time.Until(frameDeadline)
		if remaining <= 0 {
			p.toCount.Add(1)
			diagmetrics.IncPortTimeout(p.name)
			p.state.Store(int32(RxTimeout))
			p.state.Store(int32(Idle))
			return 0, ErrTimeout
		}
		sym, ok := p.drv.Edges().Next(ctx, remaining)
		if !ok {
			p.toCount.Add(1)
			diagmetrics.IncPortTimeout(p.name)
			p.state.Store(int32(RxTimeout))
			p.state.Store(int32(Idle))
			return 0, ErrTimeout
		}
		runs = append(runs, sym)
	}
}

// Close releases the underlying driver.
func (p *Port) Close() error { return p.drv.Close() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
