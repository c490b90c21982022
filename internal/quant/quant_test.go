package quant

import (
	"math"
	"testing"
	"time"
)

func TestNormalCDFSymmetryAndMidpoint(t *testing.T) {
	t.Parallel()

	if got := NormalCDF(0); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("NormalCDF(0) = %v, want 0.5", got)
	}

	for _, z := range []float64{0.1, 0.5, 1.0, 1.96, 3.2, 5.0} {
		sum := NormalCDF(z) + NormalCDF(-z)
		if math.Abs(sum-1) > 1e-6 {
			t.Errorf("NormalCDF(%v)+NormalCDF(%v) = %v, want 1", z, -z, sum)
		}
	}
}

func TestNormalCDFAgreesWithReference(t *testing.T) {
	t.Parallel()

	// Reference values from standard normal tables.
	cases := []struct {
		z, want float64
	}{
		{-3.0, 0.0013499},
		{-1.0, 0.1586553},
		{-0.5, 0.3085375},
		{0.0, 0.5},
		{0.5, 0.6914625},
		{1.0, 0.8413447},
		{1.96, 0.9750021},
		{3.0, 0.9986501},
	}

	for _, c := range cases {
		got := NormalCDF(c.z)
		if math.Abs(got-c.want) > 1e-6 {
			t.Errorf("NormalCDF(%v) = %v, want %v (diff %v)", c.z, got, c.want, math.Abs(got-c.want))
		}
	}
}

func TestVolatilityDefaultsWithFewSamples(t *testing.T) {
	t.Parallel()

	e := New()
	now := time.Now()
	e.Observe(100, now)
	e.Observe(101, now.Add(time.Second))

	if got := e.VolatilityPerMinute(); got != defaultVolPerMinute {
		t.Fatalf("VolatilityPerMinute() = %v, want default %v", got, defaultVolPerMinute)
	}
}

func TestVolatilityFlooredInFlatMarket(t *testing.T) {
	t.Parallel()

	e := New()
	now := time.Now()
	for i := 0; i < 10; i++ {
		e.Observe(100, now.Add(time.Duration(i)*time.Second))
	}

	if got := e.VolatilityPerMinute(); got != floorVolPerMinute {
		t.Fatalf("VolatilityPerMinute() in flat market = %v, want floor %v", got, floorVolPerMinute)
	}
}

func TestFairValueAtExpiry(t *testing.T) {
	t.Parallel()

	e := New()
	if got := e.FairValue(DirUp, 100, 90, 0); got != 1.0 {
		t.Fatalf("FairValue UP above strike at t<=0 = %v, want 1.0", got)
	}
	if got := e.FairValue(DirUp, 80, 90, 0); got != 0.0 {
		t.Fatalf("FairValue UP below strike at t<=0 = %v, want 0.0", got)
	}
	if got := e.FairValue(DirDown, 80, 90, 0); got != 1.0 {
		t.Fatalf("FairValue DOWN below strike at t<=0 = %v, want 1.0", got)
	}
}

func TestFairValueStrictlyInteriorBeforeExpiry(t *testing.T) {
	t.Parallel()

	e := New()
	now := time.Now()
	for i := 0; i < 20; i++ {
		e.Observe(100+float64(i%3), now.Add(time.Duration(i)*time.Second))
	}

	got := e.FairValue(DirUp, 105, 100, 120)
	if got <= 0 || got >= 1 {
		t.Fatalf("FairValue before expiry = %v, want strictly in (0,1)", got)
	}
}
