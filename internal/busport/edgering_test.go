package busport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/opentherm-gateway/internal/manchester"
)

func TestRingPushAndNext(t *testing.T) {
	r := NewRing(context.Background(), 4, nil)
	defer r.Close()
	r.PushRun(manchester.Symbol{Level: true, DurationUS: 500})
	s, ok := r.Next(context.Background(), 50*time.Millisecond)
	if !ok || s.DurationUS != 500 {
		t.Fatalf("got %+v ok=%v", s, ok)
	}
}

func TestRingDropOnFull(t *testing.T) {
	var drops int
	r := NewRing(context.Background(), 1, func() { drops++ })
	defer r.Close()
	r.PushRun(manchester.Symbol{Level: true, DurationUS: 1})
	r.PushRun(manchester.Symbol{Level: false, DurationUS: 2}) // ring full, dropped
	if drops != 1 {
		t.Fatalf("expected 1 drop, got %d", drops)
	}
}

func TestRingNextTimeout(t *testing.T) {
	r := NewRing(context.Background(), 1, nil)
	defer r.Close()
	_, ok := r.Next(context.Background(), 10*time.Millisecond)
	if ok {
		t.Fatal("expected timeout")
	}
}

func TestRingConcurrentPushDuringClose(t *testing.T) {
	r := NewRing(context.Background(), 8, nil)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.PushRun(manchester.Symbol{Level: true, DurationUS: uint32(i)})
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		r.Close()
	}()
	wg.Wait() // must not panic (send on closed channel)
}

func TestRingNextAfterClose(t *testing.T) {
	r := NewRing(context.Background(), 1, nil)
	r.Close()
	_, ok := r.Next(context.Background(), 10*time.Millisecond)
	if ok {
		t.Fatal("expected !ok after close")
	}
}
