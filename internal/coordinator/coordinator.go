// Package coordinator implements the gateway coordinator (spec §4.5): the
// non-blocking poll loop that shuttles frames between the thermostat and
// boiler tasks through single-slot mailboxes, owns the intercept/override
// policy, the diagnostics cache, and the message-observer hook. Construction
// follows the teacher's functional-options pattern (internal/server.Server).
// The coordinator logs no shutdown summary of its own; cmd/otgw logs it.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/opentherm-gateway/internal/diagcache"
	"github.com/kstaniek/opentherm-gateway/internal/diagmetrics"
	"github.com/kstaniek/opentherm-gateway/internal/gatewaytask"
	"github.com/kstaniek/opentherm-gateway/internal/logging"
	"github.com/kstaniek/opentherm-gateway/internal/mailbox"
	"github.com/kstaniek/opentherm-gateway/internal/otframe"
)

// Default STATUS/TSET data-IDs (spec §9 Open Questions: "adopt {STATUS,
// TSET} as documented here and make the set injectable").
const (
	DataIDStatus uint8 = 0
	DataIDTset   uint8 = 1
)

// Direction and Source label an observed frame for the on_message hook.
type Direction int

const (
	Request Direction = iota
	Response
)

func (d Direction) String() string {
	if d == Request {
		return "request"
	}
	return "response"
}

type Source int

const (
	Thermostat Source = iota
	Boiler
)

func (s Source) String() string {
	if s == Thermostat {
		return "thermostat"
	}
	return "boiler"
}

// Observer is invoked for every frame the coordinator handles. Implementers
// must not block and must not mutate coordinator state (spec §6).
type Observer func(dir Direction, src Source, frame otframe.Frame)

// AlertKind labels a lifecycle alert delivered to an AlertObserver.
type AlertKind int

const (
	FallbackActive AlertKind = iota
	FallbackRecovered
)

func (k AlertKind) String() string {
	if k == FallbackActive {
		return "fallback_active"
	}
	return "fallback_recovered"
}

// AlertObserver is invoked for coordinator lifecycle events (spec §7
// InterceptGuardFallback: "observer notified, no exception propagated").
type AlertObserver func(kind AlertKind)

// ControlStatus answers get_control_status (spec §6).
type ControlStatus struct {
	Enabled    bool
	Active     bool
	Fallback   bool
	DemandTset *float32
	DemandCH   bool
	DemandDHW  bool
}

// policy is the guarded intercept configuration plus live state (spec §3
// "Intercept policy").
type policy struct {
	mu sync.Mutex

	enabled         bool
	demandTset      float32
	demandTsetSet   bool
	demandCH        bool
	demandDHW       bool
	interceptEveryN uint16
	fallbackAfterMS uint64

	tickCounter          uint16
	lastExternalUpdateMS uint64
	fallbackActive       bool
}

// Coordinator is the gateway's third task: it never blocks on bus I/O.
type Coordinator struct {
	thermostatReq  *mailbox.Mailbox[otframe.Frame]
	thermostatResp *mailbox.Mailbox[otframe.Frame]
	boilerReq      *mailbox.Mailbox[otframe.Frame]
	boilerResp     *mailbox.Mailbox[gatewaytask.BoilerReply]

	cache *diagcache.Cache
	pol   policy

	interceptIDs map[uint8]bool

	observersMu    sync.RWMutex
	observers      []Observer
	alertObservers []AlertObserver

	tickInterval time.Duration
	probeEvery   int
	probeIDs     []uint8
	probeCursor  int
	ticksSilent  int
	probeOutstanding bool

	now    func() time.Time
	logger *slog.Logger

	interceptedCount atomic.Uint64
	fallbackCount    atomic.Uint64
	probesSent       atomic.Uint64
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithInterceptIDs overrides the default {STATUS, TSET} override target set.
func WithInterceptIDs(ids ...uint8) Option {
	return func(c *Coordinator) {
		m := make(map[uint8]bool, len(ids))
		for _, id := range ids {
			m[id] = true
		}
		c.interceptIDs = m
	}
}

// WithDiagCache injects a diagnostics cache instead of the default empty one.
func WithDiagCache(cache *diagcache.Cache) Option {
	return func(c *Coordinator) { c.cache = cache }
}

// WithObserver registers a message observer (spec §6 on_message).
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

// WithAlertObserver registers a lifecycle alert observer.
func WithAlertObserver(o AlertObserver) Option {
	return func(c *Coordinator) { c.alertObservers = append(c.alertObservers, o) }
}

// WithLogger overrides the package-level logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTickInterval overrides the default 5 ms poll interval.
func WithTickInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.tickInterval = d
		}
	}
}

// WithProbeEvery sets how many consecutive idle ticks (no thermostat request
// forwarded) elapse before a round-robin diagnostics probe is injected.
// n <= 0 disables probing.
func WithProbeEvery(n int) Option {
	return func(c *Coordinator) { c.probeEvery = n }
}

// WithProbeIDs overrides the round-robin probe data-ID set.
func WithProbeIDs(ids ...uint8) Option {
	return func(c *Coordinator) { c.probeIDs = append([]uint8(nil), ids...) }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

const (
	defaultTickInterval    = 5 * time.Millisecond
	defaultInterceptEveryN = 1
)

// New wires a Coordinator to the four mailboxes connecting it to the
// thermostat and boiler tasks.
func New(
	thermostatReq, thermostatResp *mailbox.Mailbox[otframe.Frame],
	boilerReq *mailbox.Mailbox[otframe.Frame], boilerResp *mailbox.Mailbox[gatewaytask.BoilerReply],
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		thermostatReq:  thermostatReq,
		thermostatResp: thermostatResp,
		boilerReq:      boilerReq,
		boilerResp:     boilerResp,
		cache:          diagcache.New(),
		interceptIDs:   map[uint8]bool{DataIDStatus: true, DataIDTset: true},
		tickInterval:   defaultTickInterval,
		probeIDs:       []uint8{17, 18, 19, 25, 26, 27},
		now:            time.Now,
		logger:         logging.L(),
	}
	c.pol.interceptEveryN = defaultInterceptEveryN
	for _, o := range opts {
		o(c)
	}
	return c
}

// Cache exposes the diagnostics cache for the snapshot endpoint (spec §6).
func (c *Coordinator) Cache() *diagcache.Cache { return c.cache }

func (c *Coordinator) nowMS() uint64 { return uint64(c.now().UnixMilli()) }

// SetDemand updates the intercept policy's external demand (spec §6
// set_demand). A nil tset clears any pending TSET override.
func (c *Coordinator) SetDemand(tset *float32, ch, dhw bool) {
	c.pol.mu.Lock()
	defer c.pol.mu.Unlock()
	if tset != nil {
		c.pol.demandTset = *tset
		c.pol.demandTsetSet = true
	} else {
		c.pol.demandTsetSet = false
	}
	c.pol.demandCH = ch
	c.pol.demandDHW = dhw
	c.pol.lastExternalUpdateMS = c.nowMS()
}

// SetMode toggles interception on/off (spec §6 set_mode).
func (c *Coordinator) SetMode(enabled bool) {
	c.pol.mu.Lock()
	defer c.pol.mu.Unlock()
	c.pol.enabled = enabled
}

// SetPolicy configures the gating cadence and fallback staleness bound.
func (c *Coordinator) SetPolicy(interceptEveryN uint16, fallbackAfterMS uint64) {
	c.pol.mu.Lock()
	defer c.pol.mu.Unlock()
	if interceptEveryN == 0 {
		interceptEveryN = 1
	}
	c.pol.interceptEveryN = interceptEveryN
	c.pol.fallbackAfterMS = fallbackAfterMS
}

// GetControlStatus answers spec §6 get_control_status.
func (c *Coordinator) GetControlStatus() ControlStatus {
	c.pol.mu.Lock()
	defer c.pol.mu.Unlock()
	st := ControlStatus{
		Enabled:   c.pol.enabled,
		Active:    c.pol.enabled && !c.pol.fallbackActive,
		Fallback:  c.pol.fallbackActive,
		DemandCH:  c.pol.demandCH,
		DemandDHW: c.pol.demandDHW,
	}
	if c.pol.demandTsetSet {
		v := c.pol.demandTset
		st.DemandTset = &v
	}
	return st
}

// Run executes the coordinator's tight non-blocking poll (spec §4.5) until
// ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Coordinator) tick() {
	sawRequest := false

	if f, ok := c.thermostatReq.TryRead(); ok {
		sawRequest = true
		c.ticksSilent = 0
		c.notify(Request, Thermostat, f)
		fb := c.intercept(f)
		c.probeOutstanding = false
		c.boilerReq.Write(fb)
	}

	if r, ok := c.boilerResp.TryRead(); ok {
		if c.probeOutstanding {
			// Absorbed into the cache only; never forwarded to the
			// thermostat (spec §4.5 diagnostics probe).
			c.probeOutstanding = false
			if !r.Timeout {
				c.cache.Update(r.Frame.DataID(), r.Frame.DataValue(), r.Frame.MessageType(), c.nowMS())
			}
		} else if !r.Timeout {
			c.cache.Update(r.Frame.DataID(), r.Frame.DataValue(), r.Frame.MessageType(), c.nowMS())
			c.notify(Response, Boiler, r.Frame)
			c.thermostatResp.Write(r.Frame)
		}
		// r.Timeout with no outstanding probe: no frame arrived for a real
		// thermostat-derived request either; the thermostat task's own
		// mailbox-read deadline will expire and it retries next cycle.
	}

	if !sawRequest && !c.probeOutstanding && c.probeEvery > 0 && len(c.probeIDs) > 0 {
		c.ticksSilent++
		if c.ticksSilent >= c.probeEvery {
			c.ticksSilent = 0
			id := c.probeIDs[c.probeCursor]
			c.probeCursor = (c.probeCursor + 1) % len(c.probeIDs)
			c.boilerReq.Write(otframe.BuildRequest(otframe.ReadData, id, 0))
			c.probeOutstanding = true
			c.probesSent.Add(1)
			diagmetrics.IncProbe()
		}
	}
}

// notify invokes every registered message observer, isolating panics so one
// misbehaving observer cannot break the gateway loop (spec §7).
func (c *Coordinator) notify(dir Direction, src Source, f otframe.Frame) {
	c.observersMu.RLock()
	obs := c.observers
	c.observersMu.RUnlock()
	for _, o := range obs {
		c.safeCall(func() { o(dir, src, f) })
	}
}

func (c *Coordinator) alert(kind AlertKind) {
	c.observersMu.RLock()
	obs := c.alertObservers
	c.observersMu.RUnlock()
	for _, o := range obs {
		c.safeCall(func() { o(kind) })
	}
}

func (c *Coordinator) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("observer_panic", "recovered", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// intercept applies the override policy to a thermostat-originated frame
// targeting the override-ID set, per spec §4.5. Frames for other data-IDs
// pass through verbatim. Applying intercept twice with the same policy
// state and the same input frame yields the same output (spec §8
// idempotence): the override rules are pure functions of (frame, demand).
func (c *Coordinator) intercept(f otframe.Frame) otframe.Frame {
	if !c.interceptIDs[f.DataID()] {
		return f
	}

	c.pol.mu.Lock()
	defer c.pol.mu.Unlock()

	now := c.nowMS()
	stale := c.pol.lastExternalUpdateMS == 0 ||
		(c.pol.fallbackAfterMS > 0 && now-c.pol.lastExternalUpdateMS >= c.pol.fallbackAfterMS)

	if stale {
		if !c.pol.fallbackActive {
			c.pol.fallbackActive = true
			c.fallbackCount.Add(1)
			diagmetrics.IncFallback()
			c.alert(FallbackActive)
		}
		return f
	}
	if c.pol.fallbackActive {
		c.pol.fallbackActive = false
		c.alert(FallbackRecovered)
	}

	if !c.pol.enabled {
		return f
	}

	c.pol.tickCounter++
	every := c.pol.interceptEveryN
	if every == 0 {
		every = 1
	}
	if c.pol.tickCounter < every {
		return f
	}
	c.pol.tickCounter = 0

	var out otframe.Frame
	switch {
	case f.DataID() == DataIDStatus && f.MessageType() == otframe.ReadData:
		out = applyStatusOverride(f, c.pol.demandCH, c.pol.demandDHW)
	case f.DataID() == DataIDTset && f.MessageType() == otframe.WriteData && c.pol.demandTsetSet:
		out = applyTsetOverride(f, c.pol.demandTset)
	default:
		return f
	}
	c.interceptedCount.Add(1)
	diagmetrics.IncIntercept()
	return out
}

// applyStatusOverride sets/clears CH_enable and DHW_enable in the
// master-status byte (high byte of data_value) and recomputes parity.
func applyStatusOverride(f otframe.Frame, ch, dhw bool) otframe.Frame {
	status := uint16(f.DataValue()>>8) & 0xFF
	const (
		chEnableBit  = 1 << 0
		dhwEnableBit = 1 << 1
	)
	if ch {
		status |= chEnableBit
	} else {
		status &^= chEnableBit
	}
	if dhw {
		status |= dhwEnableBit
	} else {
		status &^= dhwEnableBit
	}
	newValue := (status << 8) | (f.DataValue() & 0xFF)
	return f.WithDataValue(newValue)
}

// applyTsetOverride clamps demandC to [0, 100] and re-encodes it as s8.8,
// replacing data_value, and recomputes parity.
func applyTsetOverride(f otframe.Frame, demandC float32) otframe.Frame {
	if demandC < 0 {
		demandC = 0
	}
	if demandC > 100 {
		demandC = 100
	}
	raw := uint16(demandC*256 + 0.5)
	return f.WithDataValue(raw)
}
