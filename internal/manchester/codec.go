// Package manchester implements the Manchester line codec for OpenTherm
// frames: encoding a Frame into an on-wire symbol sequence and decoding an
// arbitrary-length captured run sequence back into a Frame. Stateless and
// safe for concurrent use.
package manchester

import (
	"errors"
	"fmt"

	"github.com/kstaniek/opentherm-gateway/internal/diagmetrics"
	"github.com/kstaniek/opentherm-gateway/internal/otframe"
)

// Bit period and tolerance windows, in microseconds (spec §3/§4.1).
const (
	HalfBitUS     = 500
	BitPeriodUS   = 1000
	shortMinUS    = 400
	shortMaxUS    = 600
	longMinUS     = 800
	longMaxUS     = 1200
	frameBitCount = 34 // start + 32 data + stop
	minHalfBits   = frameBitCount * 2
)

// Sentinel decode errors.
var (
	ErrInvalidSize  = errors.New("manchester: captured run too short for a 34-bit frame")
	ErrInvalid      = errors.New("manchester: no phase alignment validated (start/stop/parity)")
	ErrNoTransition = errors.New("manchester: illegal half-bit pair")
)

// Symbol is one run of the on-wire signal: a level held for DurationUS microseconds.
type Symbol struct {
	Level      bool
	DurationUS uint32
}

// Codec encodes/decodes Manchester symbol streams. Stateless.
type Codec struct{}

// Encode emits the Manchester run sequence for the 34 on-wire bits of f:
// start bit "1", 32 data bits MSB-first, stop bit "1". Bit "1" is encoded as
// a (high, low) half-bit pair; bit "0" as (low, high) — see Decode for the
// paired convention this must invert cleanly against. Adjacent equal
// half-bits are merged into one Symbol, so the run count varies with f.
func (Codec) Encode(f otframe.Frame) []Symbol {
	halfBits := make([]bool, 0, minHalfBits)
	emit := func(bit bool) {
		if bit {
			halfBits = append(halfBits, true, false)
		} else {
			halfBits = append(halfBits, false, true)
		}
	}
	emit(true) // start bit
	for i := 31; i >= 0; i-- {
		emit(uint32(f)&(1<<uint(i)) != 0)
	}
	emit(true) // stop bit

	out := make([]Symbol, 0, frameBitCount)
	cur := halfBits[0]
	n := uint32(1)
	for _, hb := range halfBits[1:] {
		if hb == cur {
			n++
			continue
		}
		out = append(out, Symbol{Level: cur, DurationUS: n * HalfBitUS})
		cur, n = hb, 1
	}
	out = append(out, Symbol{Level: cur, DurationUS: n * HalfBitUS})
	return out
}

// classify converts a run duration into a half-bit count. ok is false when
// the duration falls outside the accepted tolerance windows; the caller
// still gets a best-effort classification (nearest bucket) so that decoding
// may proceed under the other phase alignment.
func classify(us uint32) (halfBits int, ok bool) {
	switch {
	case us >= shortMinUS && us <= shortMaxUS:
		return 1, true
	case us >= longMinUS && us <= longMaxUS:
		return 2, true
	case us < (shortMaxUS+longMinUS)/2:
		return 1, false
	default:
		return 2, false
	}
}

// Decode classifies a captured run sequence into half-bits, then tries both
// phase alignments (offset 0 and offset 1) and returns the one that yields a
// valid start bit, stop bit, and odd parity.
func (Codec) Decode(runs []Symbol) (otframe.Frame, error) {
	halfBits := make([]bool, 0, len(runs)*2)
	for _, r := range runs {
		n, ok := classify(r.DurationUS)
		if !ok {
			diagmetrics.IncManchesterOutOfRange()
		}
		for i := 0; i < n; i++ {
			halfBits = append(halfBits, r.Level)
		}
	}
	if len(halfBits) < minHalfBits {
		return 0, fmt.Errorf("%w: have %d half-bits, need %d", ErrInvalidSize, len(halfBits), minHalfBits)
	}
	for _, offset := range [2]int{0, 1} {
		if f, ok := tryAlign(halfBits[offset:]); ok {
			return f, nil
		}
	}
	return 0, ErrInvalid
}

// tryAlign attempts to decode 34 bits from the start of h, pairing (h[2k],h[2k+1]).
func tryAlign(h []bool) (otframe.Frame, bool) {
	if len(h) < minHalfBits {
		return 0, false
	}
	var bits [frameBitCount]bool
	for k := 0; k < frameBitCount; k++ {
		a, b := h[2*k], h[2*k+1]
		switch {
		case a && !b:
			bits[k] = true
		case !a && b:
			bits[k] = false
		default:
			return 0, false // Manchester violation: illegal (level,level) pair
		}
	}
	if !bits[0] || !bits[frameBitCount-1] {
		return 0, false // start or stop bit not 1
	}
	var v uint32
	for i := 0; i < 32; i++ {
		if bits[1+i] {
			v |= 1 << uint(31-i)
		}
	}
	f := otframe.Frame(v)
	if !f.ParityOK() {
		return 0, false
	}
	return f, true
}
