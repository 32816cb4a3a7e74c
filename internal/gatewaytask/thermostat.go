// Package gatewaytask implements the thermostat and boiler tasks (spec
// §4.3/§4.4): two independent goroutines, each owning one busport.Port, that
// couple their bus to the coordinator purely through mailboxes. Neither task
// ever touches the other's port or blocks with a lock held, mirroring the
// teacher's startReader/startWriter goroutine shape in internal/server.
package gatewaytask

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/opentherm-gateway/internal/busport"
	"github.com/kstaniek/opentherm-gateway/internal/mailbox"
	"github.com/kstaniek/opentherm-gateway/internal/otframe"
)

// Deadlines from spec §4.3/§4.4/§5.
const (
	ThermostatReceiveTimeout  = 1100 * time.Millisecond
	ThermostatResponseTimeout = 750 * time.Millisecond
	BoilerReceiveTimeout      = 800 * time.Millisecond
)

// BoilerReply is written to the boiler->coordinator mailbox: either the
// slave's decoded reply, or a synthetic timeout sentinel the coordinator
// recognises without mistaking it for a real frame.
type BoilerReply struct {
	Frame   otframe.Frame
	Timeout bool
}

// Stats are the task-level counters exposed for diagnostics/tests.
type Stats struct {
	FramesReceived  uint64
	FramesSent      uint64
	ReceiveTimeouts uint64
	MailboxMisses   uint64
}

// Thermostat runs the thermostat-facing task described in spec §4.3.
type Thermostat struct {
	port *busport.Port
	req  *mailbox.Mailbox[otframe.Frame]
	resp *mailbox.Mailbox[otframe.Frame]
	log  *slog.Logger

	received, sent, rxTimeouts, mboxMisses atomic.Uint64
}

// NewThermostat wires a thermostat task to its port and the two mailboxes
// connecting it to the coordinator (thermostat->coordinator request,
// coordinator->thermostat response).
func NewThermostat(port *busport.Port, req, resp *mailbox.Mailbox[otframe.Frame], log *slog.Logger) *Thermostat {
	return &Thermostat{port: port, req: req, resp: resp, log: log}
}

// Stats returns a snapshot of the task's counters.
func (t *Thermostat) Stats() Stats {
	return Stats{
		FramesReceived:  t.received.Load(),
		FramesSent:      t.sent.Load(),
		ReceiveTimeouts: t.rxTimeouts.Load(),
		MailboxMisses:   t.mboxMisses.Load(),
	}
}

// Run executes the task loop until ctx is cancelled.
func (t *Thermostat) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := t.port.ReceiveFrame(ctx, ThermostatReceiveTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			t.rxTimeouts.Add(1)
			continue
		}
		t.received.Add(1)
		t.req.Write(frame)

		response, err := t.resp.Read(ctx, ThermostatResponseTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// MailboxMiss: coordinator produced no response in time. The
			// thermostat sends nothing this cycle; it will retry next poll.
			t.mboxMisses.Add(1)
			continue
		}
		if err := t.port.SendFrame(ctx, response); err != nil {
			t.log.Debug("thermostat_send_error", "error", err)
			continue
		}
		t.sent.Add(1)
	}
}
