package perf

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestMonitor(alerts config.AlertSettings, snaps []worker.Stats) *Monitor {
	return New(nil, nil, func() []worker.Stats { return snaps }, alerts, quietLogger())
}

func TestScheduleSummariesParsesTime(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(config.AlertSettings{
		DailySummaryTimeUTC: "17:30",
		WeeklySummaryDay:    "mon",
	}, nil)

	if err := m.scheduleSummaries(); err != nil {
		t.Errorf("scheduleSummaries: %v", err)
	}
}

func TestScheduleSummariesDefaults(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(config.AlertSettings{}, nil)

	if err := m.scheduleSummaries(); err != nil {
		t.Errorf("scheduleSummaries with empty settings: %v", err)
	}
}

func TestScheduleSummariesRejectsBadTime(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(config.AlertSettings{DailySummaryTimeUTC: "teatime"}, nil)

	if err := m.scheduleSummaries(); err == nil {
		t.Error("scheduleSummaries should reject an unparseable time")
	}
}

func TestBuildSummaryEmpty(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(config.AlertSettings{}, nil)

	text := m.buildSummary("Daily summary 2026-08-24", nil)
	if !strings.Contains(text, "No active routes") {
		t.Errorf("summary = %q", text)
	}
}

func TestBuildSummaryAggregates(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(config.AlertSettings{}, nil)

	snaps := []worker.Stats{
		{RouteID: "r1", Trades: 3, RealizedProfit: 120.50, Wins: 2, Losses: 1, GrossProfit: 150, GrossLoss: 29.5},
		{RouteID: "r2", Trades: 1, RealizedProfit: -40.00, Losses: 1, GrossLoss: 40},
	}
	text := m.buildSummary("Weekly summary", snaps)

	for _, want := range []string{"r1", "r2", "Total: 4 trades", "80.50"} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q:\n%s", want, text)
		}
	}
}

func TestAlertCooldownDeduplicates(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(config.AlertSettings{}, nil)

	if !m.shouldRaise("r1:daily-loss") {
		t.Fatal("first alert should pass the cooldown gate")
	}
	if m.shouldRaise("r1:daily-loss") {
		t.Error("repeat alert inside the cooldown should be suppressed")
	}
	if !m.shouldRaise("r1:slippage") {
		t.Error("a different alert id must not share the cooldown")
	}
}

func TestSampleDeltas(t *testing.T) {
	t.Parallel()
	prev := worker.Stats{Date: "2026-08-24", Trades: 3, RealizedProfit: 50, DailyLoss: 10, Wins: 2, Losses: 1}
	cur := worker.Stats{Date: "2026-08-24", Trades: 5, RealizedProfit: 30, DailyLoss: 40, Wins: 3, Losses: 2}

	d := sampleDeltas(cur, prev)
	if d["trades"] != 2 || d["wins"] != 1 || d["losses"] != 1 {
		t.Errorf("count deltas = %v", d)
	}
	if d["profit"] != -20 || d["loss"] != 30 {
		t.Errorf("money deltas = %v", d)
	}
}

func TestSampleDeltasAcrossDayRoll(t *testing.T) {
	t.Parallel()
	prev := worker.Stats{Date: "2026-08-23", Trades: 9, RealizedProfit: 100, Wins: 6, Losses: 3}
	cur := worker.Stats{Date: "2026-08-24", Trades: 1, RealizedProfit: 5, Wins: 1}

	// Counters restarted with the day: the new day's values are the delta.
	d := sampleDeltas(cur, prev)
	if d["trades"] != 1 || d["profit"] != 5 || d["wins"] != 1 || d["losses"] != 0 {
		t.Errorf("day-roll deltas = %v", d)
	}
}

func TestSampleDeltasAfterWorkerRestart(t *testing.T) {
	t.Parallel()
	prev := worker.Stats{Date: "2026-08-24", Trades: 9, RealizedProfit: 100}
	cur := worker.Stats{Date: "2026-08-24", Trades: 2, RealizedProfit: 15}

	// A restarted worker re-derives daily state; its counters shrink. The
	// current values are the delta rather than a negative adjustment.
	d := sampleDeltas(cur, prev)
	if d["trades"] != 2 || d["profit"] != 15 {
		t.Errorf("restart deltas = %v", d)
	}
}

func TestWindowKeys(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

	oneHour := windowKeys("r1", "1h", now)
	if len(oneHour) != 1 || oneHour[0] != "metrics:r1:hour:2026-08-24T10" {
		t.Errorf("1h keys = %v", oneHour)
	}

	day := windowKeys("r1", "24h", now)
	if len(day) != 24 {
		t.Fatalf("24h keys = %d, want 24", len(day))
	}
	if day[23] != "metrics:r1:hour:2026-08-23T11" {
		t.Errorf("oldest 24h key = %q", day[23])
	}

	week := windowKeys("r1", "7d", now)
	if len(week) != 7 || week[0] != "metrics:r1:day:2026-08-24" || week[6] != "metrics:r1:day:2026-08-18" {
		t.Errorf("7d keys = %v", week)
	}

	if got := windowKeys("r1", "30d", now); len(got) != 30 {
		t.Errorf("30d keys = %d, want 30", len(got))
	}
}

func TestSumBucketsDerivesRatios(t *testing.T) {
	t.Parallel()
	buckets := []map[string]string{
		{"trades": "2", "profit": "60", "loss": "20", "wins": "1", "losses": "1"},
		{"trades": "1", "profit": "-10", "loss": "10", "wins": "0", "losses": "1"},
	}

	tot := sumBuckets(buckets)
	if tot.Trades != 3 || tot.Profit != 50 || tot.Loss != 30 {
		t.Errorf("totals = %+v", tot)
	}
	if got := tot.winRate(); got != 1.0/3.0 {
		t.Errorf("winRate = %v, want 1/3", got)
	}
	// Gross profit reconstructs as net 50 + losses 30 = 80.
	if got := tot.profitFactor(); got != 80.0/30.0 {
		t.Errorf("profitFactor = %v, want 80/30", got)
	}
}
