package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/opentherm-gateway/internal/diagmetrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := diagmetrics.Snap()
				l.Info("metrics_snapshot",
					"intercepted", snap.Intercepted,
					"fallback_activations", snap.Fallbacks,
					"probes_sent", snap.Probes,
					"manchester_out_of_range", snap.OutOfRange,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
