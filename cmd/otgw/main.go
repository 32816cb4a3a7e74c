package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/opentherm-gateway/internal/coordinator"
	"github.com/kstaniek/opentherm-gateway/internal/diagmetrics"
	"github.com/kstaniek/opentherm-gateway/internal/gatewaytask"
	"github.com/kstaniek/opentherm-gateway/internal/mailbox"
	"github.com/kstaniek/opentherm-gateway/internal/otframe"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, metrics_logger.go, backend.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("otgw %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)

	b, err := initBuses(cfg, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	thermostatReq := mailbox.New[otframe.Frame]()
	thermostatResp := mailbox.New[otframe.Frame]()
	boilerReq := mailbox.New[otframe.Frame]()
	boilerResp := mailbox.New[gatewaytask.BoilerReply]()

	thermostat := gatewaytask.NewThermostat(b.thermostat, thermostatReq, thermostatResp, l.With("task", "thermostat"))
	boiler := gatewaytask.NewBoiler(b.boiler, boilerReq, boilerResp, l.With("task", "boiler"))

	coord := coordinator.New(thermostatReq, thermostatResp, boilerReq, boilerResp,
		coordinator.WithLogger(l.With("component", "coordinator")),
		coordinator.WithTickInterval(cfg.coordinatorTick),
		coordinator.WithProbeEvery(cfg.probeEvery),
		coordinator.WithAlertObserver(func(kind coordinator.AlertKind) {
			l.Warn("fallback_alert", "kind", kind.String())
		}),
	)
	coord.SetMode(cfg.interceptEnabled)
	coord.SetPolicy(uint16(cfg.interceptEveryN), uint64(cfg.fallbackAfterMS))

	wg.Add(3)
	go func() { defer wg.Done(); thermostat.Run(ctx) }()
	go func() { defer wg.Done(); boiler.Run(ctx) }()
	go func() { defer wg.Done(); coord.Run(ctx) }()

	diagmetrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })

	var metricsSrv interface{ Shutdown(context.Context) error }
	if cfg.metricsAddr != "" {
		diagmetrics.InitBuildInfo(version, commit, date)
		metricsSrv = diagmetrics.StartHTTP(cfg.metricsAddr)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	b.close()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(context.Background())
	}
	wg.Wait()

	tStats := thermostat.Stats()
	boStats := boiler.Stats()
	snap := diagmetrics.Snap()
	l.Info("shutdown_summary",
		"thermostat_received", tStats.FramesReceived,
		"thermostat_sent", tStats.FramesSent,
		"thermostat_rx_timeouts", tStats.ReceiveTimeouts,
		"boiler_sent", boStats.FramesSent,
		"boiler_received", boStats.FramesReceived,
		"boiler_rx_timeouts", boStats.ReceiveTimeouts,
		"intercepted", snap.Intercepted,
		"fallback_activations", snap.Fallbacks,
		"probes_sent", snap.Probes,
	)
}
