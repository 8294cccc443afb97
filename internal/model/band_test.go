package model

import "testing"

func TestBandForBoundaries(t *testing.T) {
	cases := []struct {
		fraction float64
		want     Band
	}{
		{0, BandFresh},
		{0.099, BandFresh},
		{0.10, BandHealthy},
		{0.499, BandHealthy},
		{0.50, BandModerate},
		{0.799, BandModerate},
		{0.80, BandWarning},
		{0.899, BandWarning},
		{0.90, BandDanger},
		{0.949, BandDanger},
		{0.95, BandCritical},
		{1.2, BandCritical},
	}
	for _, tc := range cases {
		if got := BandFor(tc.fraction); got != tc.want {
			t.Errorf("BandFor(%v) = %v, want %v", tc.fraction, got, tc.want)
		}
	}
}

func TestBandNamesRoundTrip(t *testing.T) {
	for b := BandFresh; b <= BandCritical; b++ {
		got, ok := ParseBand(b.String())
		if !ok || got != b {
			t.Errorf("ParseBand(%q) = %v/%v, want %v", b.String(), got, ok, b)
		}
	}
	if _, ok := ParseBand("purple"); ok {
		t.Error("ParseBand accepted an unknown name")
	}
}

func TestCategoryNamesRoundTrip(t *testing.T) {
	for _, c := range Categories() {
		got, ok := ParseCategory(c.String())
		if !ok || got != c {
			t.Errorf("ParseCategory(%q) = %v/%v, want %v", c.String(), got, ok, c)
		}
	}
}

func TestUsageEventTotalTokens(t *testing.T) {
	ev := UsageEvent{InputTokens: 1, OutputTokens: 2, CacheCreationTokens: 3, CacheReadTokens: 4}
	if got := ev.TotalTokens(); got != 10 {
		t.Errorf("TotalTokens = %d, want 10", got)
	}
}
