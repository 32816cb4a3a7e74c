package busport

import (
	"context"

	"github.com/kstaniek/opentherm-gateway/internal/manchester"
)

// SimDriver is a no-hardware Driver used by the "sim" backend profile: it
// discards written levels and never produces edges on its own, so
// ReceiveFrame always runs to its timeout. Useful for exercising process
// wiring (flags, logging, metrics, shutdown) without a physical bus.
type SimDriver struct {
	ring   *Ring
	cancel context.CancelFunc
}

// NewSimDriver constructs an idle simulation driver.
func NewSimDriver() *SimDriver {
	ctx, cancel := context.WithCancel(context.Background())
	return &SimDriver{
		ring:   NewRing(ctx, 256, nil),
		cancel: cancel,
	}
}

func (d *SimDriver) WriteLevel(level bool) error { return nil }

func (d *SimDriver) Edges() *Ring { return d.ring }

func (d *SimDriver) Close() error {
	d.cancel()
	d.ring.Close()
	return nil
}

// InjectRun lets a test or a future loopback mode push an edge onto the
// simulated bus directly.
func (d *SimDriver) InjectRun(level bool, durationUS uint32) {
	d.ring.PushRun(manchester.Symbol{Level: level, DurationUS: durationUS})
}
