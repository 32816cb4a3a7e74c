// Package diagmetrics exposes Prometheus counters/gauges for the OpenTherm
// gateway's bus ports, intercept policy, and diagnostics probe, alongside a
// cheap locally-mirrored snapshot for periodic text logging when no
// Prometheus scraper is configured.
package diagmetrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/opentherm-gateway/internal/logging"
)

// Prometheus series.
var (
	PortTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgw_port_tx_frames_total",
		Help: "Total frames transmitted per bus port.",
	}, []string{"port"})
	PortRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgw_port_rx_frames_total",
		Help: "Total frames successfully received per bus port.",
	}, []string{"port"})
	PortErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgw_port_errors_total",
		Help: "Total transient bus errors (parity/Manchester/framing) per bus port.",
	}, []string{"port"})
	PortTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgw_port_timeouts_total",
		Help: "Total receive timeouts per bus port.",
	}, []string{"port"})
	ManchesterOutOfRange = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgw_manchester_out_of_range_runs_total",
		Help: "Total captured runs whose duration fell outside the accepted half/full-bit tolerance windows, plus runs dropped on a full capture ring and serial bridge packets with a bad checksum.",
	})
	InterceptApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgw_intercept_applied_total",
		Help: "Total frames rewritten by the intercept policy.",
	})
	FallbackActivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgw_fallback_activations_total",
		Help: "Total times the intercept policy entered fallback (stale external control source).",
	})
	ProbesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgw_diag_probes_sent_total",
		Help: "Total diagnostics-probe READ_DATA frames injected during idle coordinator ticks.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "otgw_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Local mirrored counters for cheap interval text-logging.
var (
	localIntercepted uint64
	localFallback    uint64
	localProbes      uint64
	localOOR         uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	Intercepted uint64
	Fallbacks   uint64
	Probes      uint64
	OutOfRange  uint64
}

// Snap returns a point-in-time copy of the locally mirrored counters.
func Snap() Snapshot {
	return Snapshot{
		Intercepted: atomic.LoadUint64(&localIntercepted),
		Fallbacks:   atomic.LoadUint64(&localFallback),
		Probes:      atomic.LoadUint64(&localProbes),
		OutOfRange:  atomic.LoadUint64(&localOOR),
	}
}

// IncManchesterOutOfRange records a captured run whose duration fell outside
// the accepted tolerance window but was still classified best-effort. The
// GPIO and serial bridge drivers also call it when their capture ring is full
// and a run is dropped, and the serial bridge driver when a packet fails its
// checksum.
func IncManchesterOutOfRange() {
	ManchesterOutOfRange.Inc()
	atomic.AddUint64(&localOOR, 1)
}

// IncPortTx increments the tx counter for a named port ("thermostat"/"boiler").
func IncPortTx(port string) { PortTxFrames.WithLabelValues(port).Inc() }

// IncPortRx increments the rx counter for a named port.
func IncPortRx(port string) { PortRxFrames.WithLabelValues(port).Inc() }

// IncPortError increments the error counter for a named port.
func IncPortError(port string) { PortErrors.WithLabelValues(port).Inc() }

// IncPortTimeout increments the timeout counter for a named port.
func IncPortTimeout(port string) { PortTimeouts.WithLabelValues(port).Inc() }

// IncIntercept records the intercept policy rewriting a frame.
func IncIntercept() {
	InterceptApplied.Inc()
	atomic.AddUint64(&localIntercepted, 1)
}

// IncFallback records a fallback activation.
func IncFallback() {
	FallbackActivations.Inc()
	atomic.AddUint64(&localFallback, 1)
}

// IncProbe records a diagnostics probe frame sent to the boiler.
func IncProbe() {
	ProbesSent.Inc()
	atomic.AddUint64(&localProbes, 1)
}

// InitBuildInfo sets the build info gauge (call once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// SetReadinessFunc registers the function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function, defaulting to true
// before one is registered so the metrics endpoint does not flap at startup.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}
