package strategy

import (
	"context"
	"testing"
	"time"

	"pivot/internal/domain"
	"pivot/internal/store"
)

// stubStrategy is a minimal Strategy implementation used in registry and
// backtest tests.
type stubStrategy struct {
	name   string
	signal domain.Signal
}

func (s *stubStrategy) Name() string                        { return s.name }
func (s *stubStrategy) Evaluate(_ []domain.Bar) domain.Signal { return s.signal }

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	s := &stubStrategy{name: "test-strategy", signal: domain.SignalHold}

	r.Register(s)

	got, ok := r.Get("test-strategy")
	if !ok {
		t.Fatal("Get returned false for registered strategy")
	}
	if got.Name() != "test-strategy" {
		t.Errorf("Get returned strategy with Name() = %q, want %q", got.Name(), "test-strategy")
	}
}

func TestRegistryGet_NotFound(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nonexistent")
	if ok {
		t.Error("Get returned true for unregistered strategy")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubStrategy{name: "alpha"})
	r.Register(&stubStrategy{name: "beta"})

	names := r.List()
	if len(names) != 2 {
		t.Fatalf("List returned %d names, want 2", len(names))
	}
	// List returns sorted names.
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List returned %v, want [alpha beta]", names)
	}
}

func TestBacktesterRun(t *testing.T) {
	dir := t.TempDir()
	ps := store.NewParquetStore(dir)
	ctx := context.Background()

	base := time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC)
	bars := []domain.Bar{
		// Entry bar: signal fires, enter at close 100.
		{Symbol: "MNQ", Timestamp: base, Open: 100, High: 100.5, Low: 99.75, Close: 100},
		// Neither level touched.
		{Symbol: "MNQ", Timestamp: base.Add(time.Minute), Open: 100, High: 100.5, Low: 99.5, Close: 100.25},
		// Stop at 99 is hit.
		{Symbol: "MNQ", Timestamp: base.Add(2 * time.Minute), Open: 100, High: 100.25, Low: 98.75, Close: 98.9},
	}
	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	r := NewRegistry()
	r.Register(&stubStrategy{name: "always", signal: domain.SignalBuy})
	bt := NewBacktester(ps, r)

	// Stop 4 ticks of 0.25 below entry (99), target 12 ticks above (103).
	res, err := bt.Run(ctx, "always", "MNQ", base.Add(-time.Hour), base.Add(time.Hour), 0.25, 4, 12)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Trades != 1 {
		t.Errorf("Trades = %d, want 1 (no re-entry while a bracket is open)", res.Trades)
	}
	if res.Losses != 1 || res.Wins != 0 {
		t.Errorf("Wins/Losses = %d/%d, want 0/1", res.Wins, res.Losses)
	}
	if res.PnLPoints != -1.0 {
		t.Errorf("PnLPoints = %v, want -1.0 (stop 1 point below entry)", res.PnLPoints)
	}
}

func TestBacktesterUnknownStrategy(t *testing.T) {
	bt := NewBacktester(store.NewParquetStore(t.TempDir()), NewRegistry())
	_, err := bt.Run(context.Background(), "missing", "MNQ",
		time.Now().Add(-time.Hour), time.Now(), 0.25, 4, 12)
	if err == nil {
		t.Error("Run should fail for an unknown strategy")
	}
}
