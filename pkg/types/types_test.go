package types

import (
	"testing"
	"time"
)

func TestMarketValid(t *testing.T) {
	t.Parallel()

	base := time.Now()
	tests := []struct {
		name string
		m    Market
		want bool
	}{
		{"ok", Market{UpToken: "up", DownToken: "down", Start: base, End: base.Add(time.Minute)}, true},
		{"end before start", Market{UpToken: "up", DownToken: "down", Start: base, End: base.Add(-time.Minute)}, false},
		{"same token", Market{UpToken: "x", DownToken: "x", Start: base, End: base.Add(time.Minute)}, false},
		{"empty token", Market{UpToken: "", DownToken: "down", Start: base, End: base.Add(time.Minute)}, false},
	}

	for _, tt := range tests {
		if got := tt.m.Valid(); got != tt.want {
			t.Errorf("%s: Valid() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMarketTimeRemainingAndExpiring(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := Market{Start: now.Add(-time.Minute), End: now.Add(20 * time.Second)}

	if got := m.TimeRemaining(now); got < 19.9 || got > 20.1 {
		t.Fatalf("TimeRemaining = %v, want ~20", got)
	}
	if !m.IsExpiring(now, 30) {
		t.Fatalf("expected expiring within 30s threshold")
	}
	if m.IsExpiring(now, 10) {
		t.Fatalf("expected not expiring within 10s threshold")
	}
}

func TestBookSnapshotEmptyAndSpread(t *testing.T) {
	t.Parallel()

	empty := BookSnapshot{}
	if !empty.Empty() {
		t.Fatalf("zero-value book should be Empty")
	}

	partial := BookSnapshot{BestAsk: 0.7}
	if partial.Empty() {
		t.Fatalf("one-sided book should not be Empty")
	}
	if got := partial.Mid(); got != 0.7 {
		t.Fatalf("Mid() = %v, want 0.7 for ask-only book", got)
	}

	full := BookSnapshot{BestBid: 0.60, BestAsk: 0.64}
	if got := full.Spread(); got < 0.0399 || got > 0.0401 {
		t.Fatalf("Spread() = %v, want ~0.04", got)
	}
	if got := full.Mid(); got < 0.6199 || got > 0.6201 {
		t.Fatalf("Mid() = %v, want ~0.62", got)
	}
}

func TestTradeRecordAmount(t *testing.T) {
	t.Parallel()

	tr := TradeRecord{Price: 0.68, Size: 2.941}
	want := 0.68 * 2.941
	if got := tr.Amount(); got != want {
		t.Fatalf("Amount() = %v, want %v", got, want)
	}
}

func TestPriceRingEvictsOldest(t *testing.T) {
	t.Parallel()

	r := NewPriceRing(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Push(PricePoint{Price: float64(i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	samples := r.Samples()
	if len(samples) != 3 {
		t.Fatalf("len(Samples()) = %d, want 3", len(samples))
	}
	// oldest two (0, 1) should have been evicted; ring holds 2, 3, 4.
	if samples[0].Price != 2 || samples[2].Price != 4 {
		t.Fatalf("unexpected ring contents: %+v", samples)
	}

	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", r.Len())
	}
}
