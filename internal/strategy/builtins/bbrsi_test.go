package builtins

import (
	"math"
	"testing"
	"time"

	"pivot/internal/domain"
)

func barsFromCloses(closes []float64) []domain.Bar {
	base := time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Symbol:    "MNQ",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
		}
	}
	return bars
}

func TestBBRSIBuyOnOversoldCross(t *testing.T) {
	// Six straight down closes pin RSI(3) at 0, then the bounce to 95.4
	// lifts it to ~41 while the close still sits under SMA(5) = 95.48.
	closes := []float64{100, 99, 98, 97, 96, 95, 94, 95.4}
	s := NewBBRSI(5, 2.0, 3, 30)

	got := s.Evaluate(barsFromCloses(closes))
	if got != domain.SignalBuy {
		t.Errorf("Evaluate = %v, want BUY on RSI cross below middle band", got)
	}
}

func TestBBRSIHoldWhenThresholdNotCrossed(t *testing.T) {
	closes := []float64{100, 99, 98, 97, 96, 95, 94, 95.4}
	// Same series, but RSI ends near 41 which is below a 50 threshold.
	s := NewBBRSI(5, 2.0, 3, 50)

	got := s.Evaluate(barsFromCloses(closes))
	if got != domain.SignalHold {
		t.Errorf("Evaluate = %v, want HOLD when RSI stays under threshold", got)
	}
}

func TestBBRSIHoldAboveMiddleBand(t *testing.T) {
	// Rising closes keep RSI high and the last close above the middle band.
	closes := []float64{100, 101, 102, 103, 104, 105, 106, 107}
	s := NewBBRSI(5, 2.0, 3, 30)

	got := s.Evaluate(barsFromCloses(closes))
	if got != domain.SignalHold {
		t.Errorf("Evaluate = %v, want HOLD on an uptrend", got)
	}
}

func TestBBRSIHoldOnShortHistory(t *testing.T) {
	s := NewBBRSI(5, 2.0, 3, 30)

	for _, closes := range [][]float64{nil, {100}, {100, 99, 98}} {
		got := s.Evaluate(barsFromCloses(closes))
		if got != domain.SignalHold {
			t.Errorf("Evaluate(%d bars) = %v, want HOLD during warm-up", len(closes), got)
		}
	}
}

func TestAlwaysBuy(t *testing.T) {
	s := NewAlwaysBuy()
	if got := s.Evaluate(nil); got != domain.SignalHold {
		t.Errorf("Evaluate(nil) = %v, want HOLD", got)
	}
	if got := s.Evaluate(barsFromCloses([]float64{100})); got != domain.SignalBuy {
		t.Errorf("Evaluate(1 bar) = %v, want BUY", got)
	}
}

func TestRSISeries(t *testing.T) {
	closes := []float64{100, 99, 98, 97, 96, 95, 94, 95.4}
	rsi := rsiSeries(closes, 3)

	for i := 0; i < 3; i++ {
		if !math.IsNaN(rsi[i]) {
			t.Errorf("rsi[%d] = %v, want NaN during warm-up", i, rsi[i])
		}
	}
	// All-losing warm-up: RSI is pinned at 0.
	if rsi[6] != 0 {
		t.Errorf("rsi[6] = %v, want 0 after straight declines", rsi[6])
	}
	if rsi[7] < 41 || rsi[7] > 42 {
		t.Errorf("rsi[7] = %v, want ~41.2 after the bounce", rsi[7])
	}
}

func TestSMA(t *testing.T) {
	closes := []float64{100, 99, 98, 97, 96, 95, 94, 95.4}
	got := sma(closes, 5)
	want := (97 + 96 + 95 + 94 + 95.4) / 5
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("sma = %v, want %v", got, want)
	}
	if !math.IsNaN(sma(closes[:3], 5)) {
		t.Error("sma with insufficient data should be NaN")
	}
}

func TestStdDev(t *testing.T) {
	vals := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	got := stddev(vals, len(vals))
	if math.Abs(got-2) > 1e-9 {
		t.Errorf("stddev = %v, want 2", got)
	}
}
