// stats.go tracks per-route daily counters and exposes them to the
// supervisor and performance monitor through a lock-free snapshot: the
// worker goroutine is the only writer, readers swap in whole Stats values
// via an atomic pointer.
package worker

import (
	"sync/atomic"
	"time"
)

// dailyStats are the route's counters for the current UTC day.
type dailyStats struct {
	Date           string // yyyy-mm-dd, UTC
	Trades         int
	RealizedProfit float64
	DailyLoss      float64 // accumulated losses only, positive number
}

func newDailyStats(now time.Time) dailyStats {
	return dailyStats{Date: now.UTC().Format("2006-01-02")}
}

// Stats is the read-only snapshot exposed to other goroutines.
type Stats struct {
	RouteID string
	Date    string

	Trades         int
	RealizedProfit float64
	DailyLoss      float64
	MaxDailyLoss   float64 // rule cap, 0 when the rule sets none

	Wins              int
	Losses            int
	GrossProfit       float64
	GrossLoss         float64
	ConsecutiveLosses int

	OpenPositions    int
	PendingExits     int
	LastTradeEpochMs int64
	LastSlippagePips float64
	// LastHeartbeat is stamped on every event and on every retry tick; it
	// is a liveness signal, not a market-activity signal.
	LastHeartbeat time.Time
}

// WinRate returns wins over closed trades, 0..1.
func (s Stats) WinRate() float64 {
	total := s.Wins + s.Losses
	if total == 0 {
		return 0
	}
	return float64(s.Wins) / float64(total)
}

// ProfitFactor returns gross profit over gross loss; 0 when no losses yet.
func (s Stats) ProfitFactor() float64 {
	if s.GrossLoss == 0 {
		return 0
	}
	return s.GrossProfit / s.GrossLoss
}

// statsTracker owns the cumulative counters (worker goroutine only) and
// the published snapshot (any goroutine).
type statsTracker struct {
	routeID      string
	maxDailyLoss float64

	wins              int
	losses            int
	grossProfit       float64
	grossLoss         float64
	consecutiveLosses int
	lastSlippagePips  float64
	lastHeartbeat     time.Time

	snap atomic.Pointer[Stats]
}

func (t *statsTracker) init(routeID string, maxDailyLoss float64) {
	t.routeID = routeID
	t.maxDailyLoss = maxDailyLoss
	t.snap.Store(&Stats{RouteID: routeID, MaxDailyLoss: maxDailyLoss})
}

func (t *statsTracker) touch(now time.Time) { t.lastHeartbeat = now }

func (t *statsTracker) recordExit(profit float64) {
	if profit >= 0 {
		t.wins++
		t.grossProfit += profit
		t.consecutiveLosses = 0
	} else {
		t.losses++
		t.grossLoss += -profit
		t.consecutiveLosses++
	}
}

func (t *statsTracker) recordSlippage(pips float64) {
	if pips < 0 {
		pips = -pips
	}
	t.lastSlippagePips = pips
}

func (t *statsTracker) resetDay() {
	t.wins = 0
	t.losses = 0
	t.grossProfit = 0
	t.grossLoss = 0
	t.consecutiveLosses = 0
}

func (t *statsTracker) publish(daily dailyStats, lastTradeMs int64, openPositions, pendingExits int) {
	t.snap.Store(&Stats{
		RouteID:           t.routeID,
		Date:              daily.Date,
		Trades:            daily.Trades,
		RealizedProfit:    daily.RealizedProfit,
		DailyLoss:         daily.DailyLoss,
		MaxDailyLoss:      t.maxDailyLoss,
		Wins:              t.wins,
		Losses:            t.losses,
		GrossProfit:       t.grossProfit,
		GrossLoss:         t.grossLoss,
		ConsecutiveLosses: t.consecutiveLosses,
		OpenPositions:     openPositions,
		PendingExits:      pendingExits,
		LastTradeEpochMs:  lastTradeMs,
		LastSlippagePips:  t.lastSlippagePips,
		LastHeartbeat:     t.lastHeartbeat,
	})
}

func (t *statsTracker) snapshot() Stats { return *t.snap.Load() }
