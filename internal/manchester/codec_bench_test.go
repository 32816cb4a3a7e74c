package manchester

import (
	"testing"

	"github.com/kstaniek/opentherm-gateway/internal/otframe"
)

func BenchmarkCodec_Encode(b *testing.B) {
	c := Codec{}
	f := otframe.BuildRequest(otframe.WriteData, 1, 0x2000)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = c.Encode(f)
	}
}

func BenchmarkCodec_Decode(b *testing.B) {
	c := Codec{}
	f := otframe.BuildRequest(otframe.WriteData, 1, 0x2000)
	syms := c.Encode(f)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.Decode(syms)
	}
}
