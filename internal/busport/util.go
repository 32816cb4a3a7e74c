package busport

import (
	"time"

	"github.com/kstaniek/opentherm-gateway/internal/manchester"
)

// runSymbol converts a captured level held for d into a manchester.Symbol,
// clamping to uint32 microseconds (durations here never approach overflow).
func runSymbol(level bool, d time.Duration) manchester.Symbol {
	return manchester.Symbol{Level: level, DurationUS: uint32(d.Microseconds())}
}
