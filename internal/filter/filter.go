// Package filter implements the ordered predicate pipeline that decides
// whether a candidate source position is copied onto a route.
//
// Filters are pure functions over (candidate, route-state snapshot); they
// perform no I/O — every broker fact they need is resolved by the worker
// and passed in through the Snapshot. A rule set references filters by
// name; unknown names fail config validation via IsKnown.
package filter

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

// Snapshot is the route state a filter may inspect, captured by the worker
// before evaluation. Filters must not mutate it.
type Snapshot struct {
	Now               time.Time // UTC
	ProcessedTradeIDs map[string]bool
	DailyLoss         float64
	DailyTrades       int
	LastTradeEpochMs  int64
	// ActiveCycles counts distinct symbol|side cycles as if the candidate
	// were absent. CandidateContinuesCycle reports whether the candidate
	// joins a cycle that already has other open positions.
	ActiveCycles            int
	CandidateContinuesCycle bool
	SourcePositions         []types.Position // current source positions, candidate excluded
}

// Rejection names the filter that rejected a candidate and why.
type Rejection struct {
	Filter string
	Reason string
}

func (r Rejection) String() string { return r.Filter + ": " + r.Reason }

// Func evaluates one candidate. A nil return accepts.
type Func func(candidate types.Position, snap Snapshot) *Rejection

// builder constructs a filter Func from its config parameters and the
// owning rule set.
type builder func(params config.FilterParams, rule config.RuleSet) Func

const defaultMartingaleThreshold = 1.7

var registry = map[string]builder{
	"already-processed":        buildAlreadyProcessed,
	"daily-loss-guard":         buildDailyLossGuard,
	"max-concurrent-cycles":    buildMaxConcurrentCycles,
	"min-interval":             buildMinInterval,
	"daily-trade-cap":          buildDailyTradeCap,
	"trading-hours":            buildTradingHours,
	"martingale-base-multiple": buildMartingaleBaseMultiple,
	"grid-cluster":             buildGridCluster,
}

// IsKnown reports whether a filter name is implemented.
func IsKnown(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names returns all implemented filter names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type named struct {
	name string
	fn   Func
}

// Pipeline is an ordered list of named filters built for one rule set.
type Pipeline struct {
	filters []named
}

// Build resolves the rule set's filter names against the registry, binding
// each filter's parameters from defs.
func Build(names []string, defs map[string]config.FilterParams, rule config.RuleSet) (*Pipeline, error) {
	p := &Pipeline{filters: make([]named, 0, len(names))}
	for _, name := range names {
		b, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown filter %q", name)
		}
		p.filters = append(p.filters, named{name: name, fn: b(defs[name], rule)})
	}
	return p, nil
}

// Evaluate runs the pipeline in config order and short-circuits on the
// first rejection.
func (p *Pipeline) Evaluate(candidate types.Position, snap Snapshot) (bool, *Rejection) {
	for _, f := range p.filters {
		if rej := f.fn(candidate, snap); rej != nil {
			return false, rej
		}
	}
	return true, nil
}

// Trace runs every filter regardless of earlier rejections and returns all
// of them, for route-level observability.
func (p *Pipeline) Trace(candidate types.Position, snap Snapshot) []Rejection {
	var rejections []Rejection
	for _, f := range p.filters {
		if rej := f.fn(candidate, snap); rej != nil {
			rejections = append(rejections, *rej)
		}
	}
	return rejections
}

func buildAlreadyProcessed(_ config.FilterParams, _ config.RuleSet) Func {
	return func(c types.Position, snap Snapshot) *Rejection {
		if snap.ProcessedTradeIDs[c.ID] {
			return &Rejection{Filter: "already-processed", Reason: "position already handled today"}
		}
		return nil
	}
}

func buildDailyLossGuard(_ config.FilterParams, rule config.RuleSet) Func {
	return func(_ types.Position, snap Snapshot) *Rejection {
		if rule.MaxDailyLoss <= 0 {
			return nil
		}
		guard := 0.8 * rule.MaxDailyLoss
		if snap.DailyLoss >= guard {
			return &Rejection{
				Filter: "daily-loss-guard",
				Reason: fmt.Sprintf("daily loss %.2f at or above guard %.2f", snap.DailyLoss, guard),
			}
		}
		return nil
	}
}

func buildMaxConcurrentCycles(_ config.FilterParams, rule config.RuleSet) Func {
	return func(_ types.Position, snap Snapshot) *Rejection {
		if rule.MaxConcurrentCycles <= 0 {
			return nil
		}
		// Continuing an existing cycle never raises the concurrent count.
		if snap.CandidateContinuesCycle {
			return nil
		}
		if snap.ActiveCycles >= rule.MaxConcurrentCycles {
			return &Rejection{
				Filter: "max-concurrent-cycles",
				Reason: fmt.Sprintf("%d active cycles at limit %d", snap.ActiveCycles, rule.MaxConcurrentCycles),
			}
		}
		return nil
	}
}

func buildMinInterval(params config.FilterParams, rule config.RuleSet) Func {
	intervalMs := params.MinIntervalMs
	if intervalMs == 0 {
		intervalMs = rule.MinTimeBetweenTrades
	}
	return func(_ types.Position, snap Snapshot) *Rejection {
		if intervalMs <= 0 || snap.LastTradeEpochMs == 0 {
			return nil
		}
		elapsed := snap.Now.UnixMilli() - snap.LastTradeEpochMs
		if elapsed < intervalMs {
			return &Rejection{
				Filter: "min-interval",
				Reason: fmt.Sprintf("%dms since last trade, need %dms", elapsed, intervalMs),
			}
		}
		return nil
	}
}

func buildDailyTradeCap(_ config.FilterParams, rule config.RuleSet) Func {
	return func(_ types.Position, snap Snapshot) *Rejection {
		if rule.MaxDailyTrades <= 0 {
			return nil
		}
		if snap.DailyTrades >= rule.MaxDailyTrades {
			return &Rejection{
				Filter: "daily-trade-cap",
				Reason: fmt.Sprintf("%d trades at daily cap %d", snap.DailyTrades, rule.MaxDailyTrades),
			}
		}
		return nil
	}
}

func buildTradingHours(params config.FilterParams, _ config.RuleSet) Func {
	allowed := make(map[int]bool, len(params.AllowedUTCHours))
	for _, h := range params.AllowedUTCHours {
		allowed[h] = true
	}
	return func(_ types.Position, snap Snapshot) *Rejection {
		if len(allowed) == 0 {
			return nil
		}
		hour := snap.Now.UTC().Hour()
		if !allowed[hour] {
			return &Rejection{
				Filter: "trading-hours",
				Reason: fmt.Sprintf("UTC hour %d outside allowed set", hour),
			}
		}
		return nil
	}
}

func buildMartingaleBaseMultiple(params config.FilterParams, rule config.RuleSet) Func {
	threshold := params.MartingaleMultipleThreshold
	if threshold <= 0 {
		threshold = defaultMartingaleThreshold
	}
	base := rule.BaseLots
	if base <= 0 {
		base = params.MaxLotsBase
	}
	return func(c types.Position, _ Snapshot) *Rejection {
		if base <= 0 {
			return nil
		}
		limit := base * threshold
		if c.Volume > limit {
			return &Rejection{
				Filter: "martingale-base-multiple",
				Reason: fmt.Sprintf("volume %.2f exceeds %.2f (base %.2f × %.1f)", c.Volume, limit, base, threshold),
			}
		}
		return nil
	}
}

func buildGridCluster(params config.FilterParams, _ config.RuleSet) Func {
	clusterPips := params.PriceClusterPips
	return func(c types.Position, snap Snapshot) *Rejection {
		if clusterPips <= 0 {
			return nil
		}
		band := clusterPips * types.PipSize(c.Symbol)
		count := 0
		for _, p := range snap.SourcePositions {
			if p.ID == c.ID || p.Symbol != c.Symbol {
				continue
			}
			if math.Abs(p.OpenPrice-c.OpenPrice) <= band {
				count++
			}
		}
		if count >= 2 {
			return &Rejection{
				Filter: "grid-cluster",
				Reason: fmt.Sprintf("%d positions on %s within %.1f pips", count, c.Symbol, clusterPips),
			}
		}
		return nil
	}
}
