// Package diagcache implements the diagnostics cache (spec §4.6): a flat,
// fixed 256-entry array indexed by data-ID rather than a hash map, per
// Design Notes' "no allocation, trivially bounded working set" guidance —
// generalized from the teacher's internal/hub.Hub copy-under-lock Snapshot
// idiom.
package diagcache

import (
	"sync"

	"github.com/kstaniek/opentherm-gateway/internal/otframe"
)

// Kind selects how a data-ID's raw 16-bit value is interpreted.
type Kind uint8

const (
	KindRaw Kind = iota
	KindTemperature
	KindCounter
	KindHours
	KindPercentage
	KindBitmask
	KindFlowRate
	KindPressure
)

// Decoded is a tagged-union view over a raw 16-bit data value.
type Decoded struct {
	Kind        Kind
	Temperature float32 // s8.8 fixed point, KindTemperature
	Counter     uint16  // KindCounter
	Hours       uint16  // KindHours
	Percentage  float32 // KindPercentage, value/256*100 as %
	Bitmask     uint16  // KindBitmask
	FlowRate    float32 // KindFlowRate, l/min, s8.8
	Pressure    float32 // KindPressure, bar, s8.8
}

func decodeValue(k Kind, raw uint16) Decoded {
	switch k {
	case KindTemperature, KindFlowRate, KindPressure:
		v := s8dot8(raw)
		d := Decoded{Kind: k}
		switch k {
		case KindTemperature:
			d.Temperature = v
		case KindFlowRate:
			d.FlowRate = v
		case KindPressure:
			d.Pressure = v
		}
		return d
	case KindCounter:
		return Decoded{Kind: k, Counter: raw}
	case KindHours:
		return Decoded{Kind: k, Hours: raw}
	case KindPercentage:
		return Decoded{Kind: k, Percentage: float32(raw) / 256.0 * 100.0}
	case KindBitmask:
		return Decoded{Kind: k, Bitmask: raw}
	default:
		return Decoded{Kind: KindRaw}
	}
}

func s8dot8(raw uint16) float32 {
	return float32(int16(raw)) / 256.0
}

// decodeTable maps data-ID to its interpretation. Unlisted IDs decode as
// KindRaw. Spec §4.6/§7: "the core is content-agnostic beyond parity, type,
// and ID extraction" — this table is a best-effort diagnostic convenience,
// not a full OpenTherm Plus data-ID registry (explicitly a non-goal).
var decodeTable = [256]Kind{
	0:  KindBitmask,     // STATUS
	1:  KindTemperature, // TSET
	17: KindPercentage,  // REL_MOD_LEVEL
	18: KindPressure,    // CH_PRESSURE
	19: KindFlowRate,    // DHW_FLOW_RATE
	25: KindTemperature, // BOILER_TEMP (TBOILER)
	26: KindTemperature, // DHW_TEMP
	27: KindTemperature, // OUTSIDE_TEMP
	116: KindCounter,    // BURNER_STARTS
	120: KindHours,      // BURNER_HOURS_CH
}

// Entry is one data-ID's cached observation.
type Entry struct {
	DataID       uint8
	RawValue     uint16
	Decoded      Decoded
	LastUpdateMS uint64
	Valid        bool
}

// Cache is the flat 256-entry diagnostics store.
type Cache struct {
	mu      sync.Mutex
	entries [256]Entry
	present [256]bool
}

// New returns an empty cache.
func New() *Cache { return &Cache{} }

// Update records an observed response frame. MessageType DataInvalid or
// UnknownDataID flips Valid false while preserving the prior raw value for
// diagnostic continuity (spec §4.6).
func (c *Cache) Update(dataID uint8, value uint16, msgType otframe.MessageType, nowMS uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[dataID]
	e.DataID = dataID
	e.LastUpdateMS = nowMS

	switch msgType {
	case otframe.DataInvalid, otframe.UnknownDataID:
		e.Valid = false
	default:
		e.RawValue = value
		e.Decoded = decodeValue(decodeTable[dataID], value)
		e.Valid = true
	}
	c.entries[dataID] = e
	c.present[dataID] = true
}

// Lookup returns a copy of the entry for dataID, if one has been observed.
func (c *Cache) Lookup(dataID uint8) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.present[dataID] {
		return Entry{}, false
	}
	return c.entries[dataID], true
}

// Snapshot returns a copy-out map of every observed entry, suitable for
// serialisation by an out-of-band diagnostics consumer (spec §6).
func (c *Cache) Snapshot() map[uint8]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint8]Entry, 256)
	for id := 0; id < 256; id++ {
		if c.present[id] {
			out[uint8(id)] = c.entries[id]
		}
	}
	return out
}
