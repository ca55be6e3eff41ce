package sizing

import (
	"testing"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

func TestProportional(t *testing.T) {
	t.Parallel()
	s := New(config.RuleSet{Type: config.SizingProportional, Multiplier: 2.0}, types.DefaultLotConstraints)

	if got := s.Compute(0.50, 0); got != 1.00 {
		t.Errorf("Compute(0.50) = %v, want 1.00", got)
	}
	if got := s.Compute(0.01, 0); got != 0.02 {
		t.Errorf("Compute(0.01) = %v, want 0.02", got)
	}
}

func TestProportionalLossThrottle(t *testing.T) {
	t.Parallel()
	s := New(config.RuleSet{
		Type:              config.SizingProportional,
		Multiplier:        2.0,
		SoftLossThreshold: 100,
	}, types.DefaultLotConstraints)

	if got := s.Compute(0.50, 100); got != 1.00 {
		t.Errorf("at threshold = %v, want unthrottled 1.00", got)
	}
	// Past the soft threshold the multiplier shrinks to 2.0 × 0.7 = 1.4.
	if got := s.Compute(0.50, 150); got != 0.70 {
		t.Errorf("past threshold = %v, want 0.70", got)
	}
}

func TestFixed(t *testing.T) {
	t.Parallel()
	s := New(config.RuleSet{Type: config.SizingFixed, FixedLotSize: 0.25}, types.DefaultLotConstraints)

	if got := s.Compute(0.01, 0); got != 0.25 {
		t.Errorf("Compute = %v, want fixed 0.25", got)
	}
	if got := s.Compute(5.00, 500); got != 0.25 {
		t.Errorf("fixed sizing must ignore source volume and loss, got %v", got)
	}
}

func TestDynamicTiers(t *testing.T) {
	t.Parallel()
	s := New(config.RuleSet{
		Type: config.SizingDynamic,
		Dynamic: map[string]config.DynamicTier{
			"0.01": {Multiplier: 10, MaxLots: 0.50},
			"0.50": {Multiplier: 2, MaxLots: 1.50},
			"1.00": {Multiplier: 1, MaxLots: 2.00},
		},
	}, types.DefaultLotConstraints)

	cases := []struct {
		source float64
		want   float64
	}{
		{0.03, 0.30}, // tier 0.01: ×10
		{0.20, 0.50}, // tier 0.01: ×10 = 2.00, capped at 0.50
		{0.60, 1.20}, // tier 0.50: ×2
		{1.00, 1.00}, // tier 1.00: ×1
		{5.00, 2.00}, // tier 1.00: ×1 = 5.00, capped at 2.00
	}
	for _, tc := range cases {
		if got := s.Compute(tc.source, 0); got != tc.want {
			t.Errorf("Compute(%v) = %v, want %v", tc.source, got, tc.want)
		}
	}
}

func TestDynamicEmptyTableRejects(t *testing.T) {
	t.Parallel()
	s := New(config.RuleSet{Type: config.SizingDynamic}, types.DefaultLotConstraints)
	if got := s.Compute(0.50, 0); got != 0 {
		t.Errorf("empty dynamic table = %v, want 0", got)
	}
}

func TestClampBelowMinLot(t *testing.T) {
	t.Parallel()
	s := New(config.RuleSet{Type: config.SizingProportional, Multiplier: 0.1}, types.DefaultLotConstraints)

	// 0.04 × 0.1 = 0.004, rounds to 0.00: below the minimum lot.
	if got := s.Compute(0.04, 0); got != 0 {
		t.Errorf("sub-minimum volume = %v, want 0", got)
	}
}

func TestClampAboveMaxLot(t *testing.T) {
	t.Parallel()
	s := New(config.RuleSet{Type: config.SizingProportional, Multiplier: 50}, types.DefaultLotConstraints)

	if got := s.Compute(5.00, 0); got != 100 {
		t.Errorf("oversized volume = %v, want clamped 100", got)
	}
}

func TestClampSnapsToLotStep(t *testing.T) {
	t.Parallel()
	s := New(config.RuleSet{Type: config.SizingProportional, Multiplier: 1.0},
		types.LotConstraints{MinLot: 0.10, MaxLot: 5, LotStep: 0.10})

	if got := s.Compute(0.55, 0); got != 0.50 {
		t.Errorf("Compute(0.55) with 0.10 step = %v, want floored 0.50", got)
	}
}

func TestZeroConstraintsFallBackToDefaults(t *testing.T) {
	t.Parallel()
	s := New(config.RuleSet{Type: config.SizingProportional, Multiplier: 1.0}, types.LotConstraints{})

	if got := s.Constraints(); got != types.DefaultLotConstraints {
		t.Errorf("constraints = %+v, want defaults", got)
	}
}
