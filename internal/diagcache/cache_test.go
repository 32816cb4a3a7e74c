package diagcache

import (
	"testing"

	"github.com/kstaniek/opentherm-gateway/internal/otframe"
)

func TestUpdateAndLookup(t *testing.T) {
	c := New()
	c.Update(1, 0x2000, otframe.ReadAck, 1000) // TSET = 32.0C
	e, ok := c.Lookup(1)
	if !ok {
		t.Fatal("expected entry present")
	}
	if !e.Valid || e.RawValue != 0x2000 {
		t.Fatalf("got %+v", e)
	}
	if e.Decoded.Kind != KindTemperature || e.Decoded.Temperature != 32.0 {
		t.Fatalf("got decoded %+v", e.Decoded)
	}
}

func TestUnknownIDPreservesRawButInvalid(t *testing.T) {
	c := New()
	c.Update(1, 0x2000, otframe.ReadAck, 1000)
	c.Update(1, 0, otframe.UnknownDataID, 2000)
	e, ok := c.Lookup(1)
	if !ok {
		t.Fatal("expected entry present")
	}
	if e.Valid {
		t.Fatal("expected Valid=false after UnknownDataID")
	}
	if e.RawValue != 0x2000 {
		t.Fatalf("expected prior raw preserved, got %#x", e.RawValue)
	}
}

func TestDataInvalidFlipsValid(t *testing.T) {
	c := New()
	c.Update(25, 0x1234, otframe.ReadAck, 1000)
	c.Update(25, 0, otframe.DataInvalid, 2000)
	e, _ := c.Lookup(25)
	if e.Valid {
		t.Fatal("expected Valid=false after DataInvalid")
	}
}

func TestLookupMissing(t *testing.T) {
	c := New()
	if _, ok := c.Lookup(200); ok {
		t.Fatal("expected no entry for unseen data-ID")
	}
}

func TestSnapshotCopiesOut(t *testing.T) {
	c := New()
	c.Update(0, 0x0100, otframe.ReadAck, 5)
	c.Update(1, 0x1400, otframe.ReadAck, 6)
	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	e := snap[0]
	e.RawValue = 0xFFFF // mutate the copy
	fresh, _ := c.Lookup(0)
	if fresh.RawValue == 0xFFFF {
		t.Fatal("snapshot should be a copy, not alias the cache")
	}
}

func TestRawDefaultForUnmappedID(t *testing.T) {
	c := New()
	c.Update(250, 42, otframe.ReadAck, 1)
	e, _ := c.Lookup(250)
	if e.Decoded.Kind != KindRaw {
		t.Fatalf("expected KindRaw for unmapped data-ID, got %v", e.Decoded.Kind)
	}
}
