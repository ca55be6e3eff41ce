// Package sizing computes destination volume from source volume under a
// rule set's sizing policy: proportional, fixed, or dynamic/degressive.
//
// All lot arithmetic goes through shopspring/decimal so that rounding to
// two digits and snapping to the broker's lot step are exact; float drift
// must never produce a volume the broker rejects.
package sizing

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

// lossThrottleFactor shrinks proportional sizes once the route's daily loss
// passes the rule's soft threshold.
const lossThrottleFactor = 0.7

// Sizer derives destination volumes for one rule set.
type Sizer struct {
	rule        config.RuleSet
	constraints types.LotConstraints

	// dynamicTiers is the rule's table sorted ascending by base lots.
	dynamicTiers []dynamicTier
}

type dynamicTier struct {
	baseLots float64
	conf     config.DynamicTier
}

// New builds a sizer. Zero-valued constraints fall back to the defaults.
func New(rule config.RuleSet, constraints types.LotConstraints) *Sizer {
	if constraints.LotStep <= 0 {
		constraints = types.DefaultLotConstraints
	}
	s := &Sizer{rule: rule, constraints: constraints}

	for key, tier := range rule.Dynamic {
		base, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		s.dynamicTiers = append(s.dynamicTiers, dynamicTier{baseLots: base.InexactFloat64(), conf: tier})
	}
	sort.Slice(s.dynamicTiers, func(i, j int) bool {
		return s.dynamicTiers[i].baseLots < s.dynamicTiers[j].baseLots
	})
	return s
}

// Compute returns the destination volume for a source volume given the
// route's current daily loss. A zero result means the trade must be
// rejected with reason "invalid-size".
func (s *Sizer) Compute(sourceVolume, dailyLoss float64) float64 {
	var raw decimal.Decimal

	switch s.rule.Type {
	case config.SizingFixed:
		raw = decimal.NewFromFloat(s.rule.FixedLotSize)

	case config.SizingDynamic:
		raw = s.computeDynamic(sourceVolume)

	default: // proportional
		mult := decimal.NewFromFloat(s.rule.Multiplier)
		if s.rule.SoftLossThreshold > 0 && dailyLoss > s.rule.SoftLossThreshold {
			mult = mult.Mul(decimal.NewFromFloat(lossThrottleFactor))
		}
		raw = decimal.NewFromFloat(sourceVolume).Mul(mult)
	}

	return s.clamp(raw.Round(2))
}

// computeDynamic picks the highest tier whose base lots do not exceed the
// source volume (the first tier when the source is below all of them) and
// applies its multiplier, capped at the tier's max lots.
func (s *Sizer) computeDynamic(sourceVolume float64) decimal.Decimal {
	if len(s.dynamicTiers) == 0 {
		return decimal.Zero
	}
	tier := s.dynamicTiers[0]
	for _, t := range s.dynamicTiers {
		if t.baseLots <= sourceVolume {
			tier = t
		}
	}

	result := decimal.NewFromFloat(sourceVolume).Mul(decimal.NewFromFloat(tier.conf.Multiplier))
	maxLots := decimal.NewFromFloat(tier.conf.MaxLots)
	if tier.conf.MaxLots > 0 && result.GreaterThan(maxLots) {
		result = maxLots
	}
	return result
}

// clamp snaps the volume down to the broker's lot step and applies the
// [minLot, maxLot] bounds. Anything below minLot after snapping collapses
// to zero, which callers treat as a rejection.
func (s *Sizer) clamp(v decimal.Decimal) float64 {
	if v.Sign() <= 0 {
		return 0
	}

	step := decimal.NewFromFloat(s.constraints.LotStep)
	snapped := v.Div(step).Floor().Mul(step)

	minLot := decimal.NewFromFloat(s.constraints.MinLot)
	maxLot := decimal.NewFromFloat(s.constraints.MaxLot)
	if snapped.LessThan(minLot) {
		return 0
	}
	if snapped.GreaterThan(maxLot) {
		snapped = maxLot
	}
	return snapped.InexactFloat64()
}

// Constraints exposes the broker bounds the sizer applies (used by the
// worker's partial-close scaling).
func (s *Sizer) Constraints() types.LotConstraints { return s.constraints }
