// Package busport: production profile driving real GPIO lines via periph.io,
// the hardware-timed "pulse-generating peripheral" capture/compare path
// described in spec §2/§9. RX is configured as a pulled-up, idle-high input
// and is sampled edge-by-edge with periph.io's WaitForEdge so the capture
// goroutine blocks on real hardware events instead of busy-polling — the
// closest Go-idiomatic analog to an interrupt handler.
package busport

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/kstaniek/opentherm-gateway/internal/diagmetrics"
)

// GPIOPins names the two lines (RX, TX) one bus port needs; the gateway's
// four pins are two GPIOPins values, one per bus.
type GPIOPins struct {
	RXName string
	TXName string
}

// GPIOPort is the Driver implementation for the hardware-timed profile.
type GPIOPort struct {
	name   string
	rx     gpio.PinIn
	tx     gpio.PinOut
	ring   *Ring
	cancel context.CancelFunc
}

// OpenGPIO resolves the named GPIO pins, configures RX as a pulled-up,
// idle-high input with edge detection and TX as an output initialised high,
// and starts the edge-capture goroutine.
func OpenGPIO(name string, pins GPIOPins, ringBuf int) (*GPIOPort, error) {
	rxPin := gpioreg.ByName(pins.RXName)
	if rxPin == nil {
		return nil, fmt.Errorf("busport: gpio rx pin %q not found", pins.RXName)
	}
	rx, ok := rxPin.(gpio.PinIn)
	if !ok {
		return nil, fmt.Errorf("busport: gpio rx pin %q does not support input", pins.RXName)
	}
	if err := rx.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("busport: configure rx pin %q: %w", pins.RXName, err)
	}

	txPin := gpioreg.ByName(pins.TXName)
	if txPin == nil {
		return nil, fmt.Errorf("busport: gpio tx pin %q not found", pins.TXName)
	}
	tx, ok := txPin.(gpio.PinOut)
	if !ok {
		return nil, fmt.Errorf("busport: gpio tx pin %q does not support output", pins.TXName)
	}
	if err := tx.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("busport: init tx pin %q high: %w", pins.TXName, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &GPIOPort{
		name:   name,
		rx:     rx,
		tx:     tx,
		ring:   NewRing(ctx, 256, diagmetrics.IncManchesterOutOfRange),
		cancel: cancel,
	}
	go g.captureLoop(ctx)
	return g, nil
}

// captureLoop blocks on WaitForEdge and pushes (previous-level, duration)
// runs into the ring, mirroring an ISR that only timestamps transitions.
func (g *GPIOPort) captureLoop(ctx context.Context) {
	last := bool(gpio.High)
	lastChange := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}
		if !g.rx.WaitForEdge(100 * time.Millisecond) {
			continue // periodic wake to observe ctx cancellation
		}
		now := time.Now()
		level := bool(g.rx.Read())
		if level == last {
			continue // spurious wake with no actual level change
		}
		elapsed := now.Sub(lastChange)
		g.ring.PushRun(runSymbol(last, elapsed))
		last, lastChange = level, now
	}
}

// WriteLevel drives the TX line.
func (g *GPIOPort) WriteLevel(level bool) error { return g.tx.Out(gpio.Level(level)) }

// Edges returns the capture ring backing ReceiveFrame.
func (g *GPIOPort) Edges() *Ring { return g.ring }

// Close stops the capture goroutine and releases the ring.
func (g *GPIOPort) Close() error {
	g.cancel()
	g.ring.Close()
	return nil
}
