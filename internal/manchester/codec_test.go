package manchester

import (
	"testing"

	"github.com/kstaniek/opentherm-gateway/internal/otframe"
)

func TestRoundTrip(t *testing.T) {
	var c Codec
	cases := []otframe.Frame{
		otframe.BuildRequest(otframe.ReadData, 0, 0),
		otframe.BuildRequest(otframe.WriteData, 1, 0x2000),
		otframe.BuildResponse(otframe.ReadAck, 0, 0),
		otframe.BuildResponse(otframe.UnknownDataID, 200, 0xFFFF),
	}
	for _, f := range cases {
		syms := c.Encode(f)
		got, err := c.Decode(syms)
		if err != nil {
			t.Fatalf("decode(%#x): %v", uint32(f), err)
		}
		if got != f {
			t.Fatalf("round trip mismatch: got %#x want %#x", uint32(got), uint32(f))
		}
	}
}

func TestEncodeTotalDuration(t *testing.T) {
	var c Codec
	f := otframe.BuildRequest(otframe.ReadData, 0, 0)
	syms := c.Encode(f)
	var total uint32
	for _, s := range syms {
		total += s.DurationUS
	}
	if total != frameBitCount*BitPeriodUS {
		t.Fatalf("total duration = %d, want %d", total, frameBitCount*BitPeriodUS)
	}
}

func TestEncodedHalfBitPairsLegal(t *testing.T) {
	var c Codec
	f := otframe.BuildRequest(otframe.WriteData, 55, 0xABCD)
	syms := c.Encode(f)
	var halfBits []bool
	for _, s := range syms {
		n, ok := classify(s.DurationUS)
		if !ok {
			t.Fatalf("unexpected out-of-range synthesized duration %d", s.DurationUS)
		}
		for i := 0; i < n; i++ {
			halfBits = append(halfBits, s.Level)
		}
	}
	if len(halfBits)%2 != 0 {
		t.Fatalf("odd half-bit count: %d", len(halfBits))
	}
	for i := 0; i < len(halfBits); i += 2 {
		a, b := halfBits[i], halfBits[i+1]
		if a == b {
			t.Fatalf("illegal half-bit pair at %d: (%v,%v)", i, a, b)
		}
	}
}

func TestBoundaryDurations(t *testing.T) {
	cases := []struct {
		us uint32
		ok bool
	}{
		{400, true}, {600, true}, {399, false}, {601, false},
		{800, true}, {1200, true}, {799, false}, {1201, false},
	}
	for _, c := range cases {
		_, ok := classify(c.us)
		if ok != c.ok {
			t.Fatalf("classify(%d) ok=%v, want %v", c.us, ok, c.ok)
		}
	}
}

func TestInvalidSize(t *testing.T) {
	var c Codec
	_, err := c.Decode([]Symbol{{Level: true, DurationUS: 500}})
	if err == nil {
		t.Fatalf("expected error for too-short capture")
	}
}

func TestDualPhaseAlignment(t *testing.T) {
	// Scenario 6: half-bit vector [1,1,0,1,0,0,1,...] — first pair (1,1) is
	// illegal, offset-1 alignment parses cleanly.
	var c Codec
	want := otframe.BuildRequest(otframe.ReadData, 0, 0) // 0x80000000: start=1, parity bit=1, other data bits 0, stop=1
	// Build the correct half-bit stream for `want`, then prepend an extra
	// leading "1" half-bit so that offset 0 starts with an illegal (1,1) pair
	// while offset 1 recovers the original alignment.
	base := c.Encode(want)
	var halfBits []bool
	for _, s := range base {
		n, _ := classify(s.DurationUS)
		for i := 0; i < n; i++ {
			halfBits = append(halfBits, s.Level)
		}
	}
	shifted := append([]bool{true}, halfBits...)
	// Re-run-length-encode shifted into symbols of 500us each (worst case, no merging needed for correctness).
	syms := make([]Symbol, len(shifted))
	for i, lvl := range shifted {
		syms[i] = Symbol{Level: lvl, DurationUS: HalfBitUS}
	}
	got, err := c.Decode(syms)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %#x want %#x", uint32(got), uint32(want))
	}
}
