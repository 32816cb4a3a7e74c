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

// requestPollInterval bounds how long blockForRequest blocks per mailbox
// poll while waiting indefinitely for the next coordinator->boiler request.
const requestPollInterval = 200 * time.Millisecond

// Boiler runs the boiler-facing task described in spec §4.4.
type Boiler struct {
	port *busport.Port
	req  *mailbox.Mailbox[otframe.Frame]
	resp *mailbox.Mailbox[BoilerReply]
	log  *slog.Logger

	sent, received, rxTimeouts atomic.Uint64
}

// NewBoiler wires a boiler task to its port and the two mailboxes connecting
// it to the coordinator (coordinator->boiler request, boiler->coordinator
// response).
func NewBoiler(port *busport.Port, req *mailbox.Mailbox[otframe.Frame], resp *mailbox.Mailbox[BoilerReply], log *slog.Logger) *Boiler {
	return &Boiler{port: port, req: req, resp: resp, log: log}
}

// Stats returns a snapshot of the task's counters.
func (b *Boiler) Stats() Stats {
	return Stats{
		FramesSent:      b.sent.Load(),
		FramesReceived:  b.received.Load(),
		ReceiveTimeouts: b.rxTimeouts.Load(),
	}
}

// Run executes the task loop until ctx is cancelled.
func (b *Boiler) Run(ctx context.Context) {
	for {
		request, err := b.blockForRequest(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			continue
		}

		if err := b.port.SendFrame(ctx, request); err != nil {
			b.log.Debug("boiler_send_error", "error", err)
			b.resp.Write(BoilerReply{Timeout: true})
			continue
		}
		b.sent.Add(1)

		reply, err := b.port.ReceiveFrame(ctx, BoilerReceiveTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			b.rxTimeouts.Add(1)
			b.resp.Write(BoilerReply{Timeout: true})
			continue
		}
		b.received.Add(1)
		b.resp.Write(BoilerReply{Frame: reply})
	}
}

// blockForRequest waits indefinitely (modulo ctx cancellation) for the next
// coordinator->boiler request by repeatedly bounding Mailbox.Read, since
// Mailbox has no native indefinite-block primitive.
func (b *Boiler) blockForRequest(ctx context.Context) (otframe.Frame, error) {
	for {
		f, err := b.req.Read(ctx, requestPollInterval)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, mailbox.ErrTimeout) {
			continue
		}
		return 0, err
	}
}
