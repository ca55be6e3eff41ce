// Package perf is the read-side performance monitor. It samples every
// worker's stats snapshot on a fixed cadence, accumulates per-hour and
// per-day metric buckets in Redis, aggregates them into windowed dashboard
// caches, raises threshold alerts, and sends the scheduled daily and weekly
// summaries.
//
// The monitor only ever reads worker snapshots; it never touches route
// state, so it can lag or fail without affecting copying.
package perf

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/notify"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/store"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/worker"
)

const (
	snapshotInterval = 60 * time.Second
	alertInterval    = 30 * time.Second
	alertCooldown    = time.Hour
	// heartbeatStale flags a route whose worker loop has stopped ticking.
	heartbeatStale = 5 * time.Minute

	hourBucketTTL = 7 * 24 * time.Hour
	dayBucketTTL  = 30 * 24 * time.Hour
	cacheTTL      = 5 * time.Minute
	reportTTL     = 48 * time.Hour

	hourStampFormat = "2006-01-02T15"
	dateFormat      = "2006-01-02"
)

// cacheWindows are the dashboard read windows refreshed on every sample.
var cacheWindows = []string{"1h", "24h", "7d", "30d"}

// Monitor samples worker stats and produces metrics, alerts, and reports.
type Monitor struct {
	store     *store.Store
	notifier  *notify.Notifier
	snapshots func() []worker.Stats
	alerts    config.AlertSettings
	logger    *slog.Logger

	cron *cron.Cron

	mu        sync.Mutex
	lastAlert map[string]time.Time // alert id → last sent

	// lastSample is owned by the snapshot loop goroutine; it carries the
	// previous sample per route so bucket writes are deltas, not totals.
	lastSample map[string]worker.Stats

	now func() time.Time
}

// New wires a monitor over a snapshot source. The source is typically the
// router's Snapshots method.
func New(st *store.Store, notifier *notify.Notifier, snapshots func() []worker.Stats, alerts config.AlertSettings, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:      st,
		notifier:   notifier,
		snapshots:  snapshots,
		alerts:     alerts,
		logger:     logger.With("component", "perf"),
		cron:       cron.New(cron.WithLocation(time.UTC)),
		lastAlert:  make(map[string]time.Time),
		lastSample: make(map[string]worker.Stats),
		now:        time.Now,
	}
}

// Start launches the snapshot and alert loops and schedules the summaries.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.scheduleSummaries(); err != nil {
		return err
	}
	m.cron.Start()

	go m.loop(ctx, snapshotInterval, m.persistSnapshots)
	go m.loop(ctx, alertInterval, m.checkAlerts)

	m.logger.Info("performance monitor started")
	return nil
}

// Stop halts the cron scheduler. The loops stop with their context.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// scheduleSummaries registers the daily and weekly report jobs from the
// configured HH:MM time and weekday. Missing settings default to 17:00 UTC
// and Sunday.
func (m *Monitor) scheduleSummaries() error {
	hour, minute := 17, 0
	if t := m.alerts.DailySummaryTimeUTC; t != "" {
		if _, err := fmt.Sscanf(t, "%d:%d", &hour, &minute); err != nil {
			return fmt.Errorf("dailySummaryTimeUTC %q: %w", t, err)
		}
	}

	dailySpec := fmt.Sprintf("%d %d * * *", minute, hour)
	if _, err := m.cron.AddFunc(dailySpec, m.sendDailySummary); err != nil {
		return fmt.Errorf("schedule daily summary: %w", err)
	}

	day := strings.ToUpper(m.alerts.WeeklySummaryDay)
	if day == "" {
		day = "SUN"
	}
	weeklySpec := fmt.Sprintf("%d %d * * %s", minute, hour, day)
	if _, err := m.cron.AddFunc(weeklySpec, m.sendWeeklySummary); err != nil {
		return fmt.Errorf("schedule weekly summary: %w", err)
	}
	return nil
}

// persistSnapshots accumulates each route's sample delta into the current
// hour and day metric buckets, writes the gauge fields, and refreshes the
// windowed perf caches by summing buckets.
func (m *Monitor) persistSnapshots(ctx context.Context) {
	now := m.now().UTC()
	hourTS := now.Truncate(time.Hour).Format(hourStampFormat)
	date := now.Format(dateFormat)

	for _, s := range m.snapshots() {
		hourKey := fmt.Sprintf("metrics:%s:hour:%s", s.RouteID, hourTS)
		dayKey := fmt.Sprintf("metrics:%s:day:%s", s.RouteID, date)

		prev, seen := m.lastSample[s.RouteID]
		m.lastSample[s.RouteID] = s

		// The first sample after startup only establishes the baseline:
		// incrementing it into the buckets would re-count everything the
		// previous process already wrote.
		if seen {
			for field, delta := range sampleDeltas(s, prev) {
				if delta == 0 {
					continue
				}
				if err := m.store.IncrMetricField(ctx, hourKey, field, delta, hourBucketTTL); err != nil {
					m.logger.Warn("hour bucket write failed", "route", s.RouteID, "error", err)
				}
				if err := m.store.IncrMetricField(ctx, dayKey, field, delta, dayBucketTTL); err != nil {
					m.logger.Warn("day bucket write failed", "route", s.RouteID, "error", err)
				}
			}
		}

		gauges := map[string]any{
			"positions":    s.OpenPositions,
			"winRate":      s.WinRate(),
			"profitFactor": s.ProfitFactor(),
			"sampled_at":   now.Format(time.RFC3339),
		}
		if err := m.store.PutMetricHash(ctx, hourKey, gauges, hourBucketTTL); err != nil {
			m.logger.Warn("hour gauge write failed", "route", s.RouteID, "error", err)
		}
		if err := m.store.PutMetricHash(ctx, dayKey, gauges, dayBucketTTL); err != nil {
			m.logger.Warn("day gauge write failed", "route", s.RouteID, "error", err)
		}

		m.refreshWindowCaches(ctx, s.RouteID, now)
	}
}

// sampleDeltas returns the additive bucket fields for one sample step. A
// day roll or a worker restart resets the daily counters; in both cases the
// current values are the delta since the buckets last saw this route.
func sampleDeltas(cur, prev worker.Stats) map[string]float64 {
	if cur.Date != prev.Date || cur.Trades < prev.Trades {
		prev = worker.Stats{}
	}
	return map[string]float64{
		"trades": float64(cur.Trades - prev.Trades),
		"profit": cur.RealizedProfit - prev.RealizedProfit,
		"loss":   cur.DailyLoss - prev.DailyLoss,
		"wins":   float64(cur.Wins - prev.Wins),
		"losses": float64(cur.Losses - prev.Losses),
	}
}

// windowKeys lists the bucket keys covering one cache window, newest first.
// Windows are bucket-aligned: "1h" is the current hour bucket, "24h" the
// last 24 hour buckets, "7d" and "30d" the last 7 and 30 day buckets.
func windowKeys(routeID, window string, now time.Time) []string {
	hours, days := 0, 0
	switch window {
	case "1h":
		hours = 1
	case "24h":
		hours = 24
	case "7d":
		days = 7
	case "30d":
		days = 30
	}

	keys := make([]string, 0, hours+days)
	for i := 0; i < hours; i++ {
		ts := now.Add(-time.Duration(i) * time.Hour).Truncate(time.Hour).Format(hourStampFormat)
		keys = append(keys, fmt.Sprintf("metrics:%s:hour:%s", routeID, ts))
	}
	for i := 0; i < days; i++ {
		keys = append(keys, fmt.Sprintf("metrics:%s:day:%s", routeID, now.AddDate(0, 0, -i).Format(dateFormat)))
	}
	return keys
}

type windowTotals struct {
	Trades int
	Wins   int
	Losses int
	Profit float64 // net realized
	Loss   float64 // loss-only sum, positive
}

func sumBuckets(buckets []map[string]string) windowTotals {
	var t windowTotals
	for _, b := range buckets {
		t.Trades += int(store.ParseMetricFloat(b, "trades"))
		t.Wins += int(store.ParseMetricFloat(b, "wins"))
		t.Losses += int(store.ParseMetricFloat(b, "losses"))
		t.Profit += store.ParseMetricFloat(b, "profit")
		t.Loss += store.ParseMetricFloat(b, "loss")
	}
	return t
}

func (t windowTotals) winRate() float64 {
	closed := t.Wins + t.Losses
	if closed == 0 {
		return 0
	}
	return float64(t.Wins) / float64(closed)
}

// profitFactor reconstructs gross profit as net profit plus the loss sum.
func (t windowTotals) profitFactor() float64 {
	if t.Loss == 0 {
		return 0
	}
	return (t.Profit + t.Loss) / t.Loss
}

func (m *Monitor) refreshWindowCaches(ctx context.Context, routeID string, now time.Time) {
	for _, window := range cacheWindows {
		var buckets []map[string]string
		for _, key := range windowKeys(routeID, window, now) {
			fields, err := m.store.GetMetricHash(ctx, key)
			if err != nil {
				m.logger.Warn("bucket read failed", "route", routeID, "window", window, "error", err)
				continue
			}
			if len(fields) > 0 {
				buckets = append(buckets, fields)
			}
		}

		t := sumBuckets(buckets)
		cache := map[string]any{
			"routeId":      routeID,
			"window":       window,
			"trades":       t.Trades,
			"profit":       t.Profit,
			"loss":         t.Loss,
			"winRate":      t.winRate(),
			"profitFactor": t.profitFactor(),
			"generatedAt":  now.Format(time.RFC3339),
		}
		key := fmt.Sprintf("perf:%s:%s", routeID, window)
		if err := m.store.PutJSON(ctx, key, cache, cacheTTL); err != nil {
			m.logger.Warn("perf cache write failed", "route", routeID, "window", window, "error", err)
		}
	}
}

// checkAlerts runs the threshold pass over the current snapshots.
func (m *Monitor) checkAlerts(ctx context.Context) {
	now := m.now().UTC()

	for _, s := range m.snapshots() {
		if m.alerts.PropFirmWarningThreshold > 0 && s.MaxDailyLoss > 0 {
			warnAt := s.MaxDailyLoss * m.alerts.PropFirmWarningThreshold
			if s.DailyLoss >= warnAt {
				m.raise(ctx, s.RouteID+":daily-loss", fmt.Sprintf(
					"route %s daily loss %.2f at %.0f%% of its %.2f limit",
					s.RouteID, s.DailyLoss, 100*s.DailyLoss/s.MaxDailyLoss, s.MaxDailyLoss))
			}
		}

		if m.alerts.ConsecutiveLossAlert > 0 && s.ConsecutiveLosses >= m.alerts.ConsecutiveLossAlert {
			m.raise(ctx, s.RouteID+":losing-streak", fmt.Sprintf(
				"route %s has %d consecutive losing trades", s.RouteID, s.ConsecutiveLosses))
		}

		if m.alerts.SlippageThresholdPips > 0 && s.LastSlippagePips > m.alerts.SlippageThresholdPips {
			m.raise(ctx, s.RouteID+":slippage", fmt.Sprintf(
				"route %s last fill slipped %.1f pips (threshold %.1f)",
				s.RouteID, s.LastSlippagePips, m.alerts.SlippageThresholdPips))
		}

		if !s.LastHeartbeat.IsZero() && now.Sub(s.LastHeartbeat) > heartbeatStale {
			m.raise(ctx, s.RouteID+":stale", fmt.Sprintf(
				"route %s heartbeat stale for %s",
				s.RouteID, now.Sub(s.LastHeartbeat).Truncate(time.Second)))
		}
	}
}

// shouldRaise reports whether the alert id is outside its cooldown and, if
// so, stamps it.
func (m *Monitor) shouldRaise(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.lastAlert[id]; ok && m.now().Sub(t) < alertCooldown {
		return false
	}
	m.lastAlert[id] = m.now()
	return true
}

// raise sends an alert unless the same alert id fired within the cooldown.
// Alerts are also persisted so external tooling can list recent ones.
func (m *Monitor) raise(ctx context.Context, id, text string) {
	if !m.shouldRaise(id) {
		return
	}

	m.logger.Warn("alert", "id", id, "text", text)
	if err := m.store.PutJSON(ctx, "alert:"+id, map[string]any{
		"id":       id,
		"text":     text,
		"raisedAt": m.now().UTC().Format(time.RFC3339),
	}, 24*time.Hour); err != nil {
		m.logger.Warn("alert persist failed", "id", id, "error", err)
	}
	m.notifier.Critical(text)
}

func (m *Monitor) sendDailySummary() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	date := m.now().UTC().Format("2006-01-02")
	text := m.buildSummary("Daily summary "+date, m.snapshots())

	if err := m.store.PutJSON(ctx, "report:daily:"+date, text, reportTTL); err != nil {
		m.logger.Warn("daily report cache failed", "error", err)
	}
	m.notifier.Summary(text)
}

func (m *Monitor) sendWeeklySummary() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Key the weekly report by the Monday of the current ISO week.
	now := m.now().UTC()
	monday := now.AddDate(0, 0, -((int(now.Weekday()) + 6) % 7)).Format("2006-01-02")
	text := m.buildSummary("Weekly summary (week of "+monday+")", m.snapshots())

	if err := m.store.PutJSON(ctx, "report:weekly:"+monday, text, reportTTL); err != nil {
		m.logger.Warn("weekly report cache failed", "error", err)
	}
	m.notifier.Summary(text)
}

func (m *Monitor) buildSummary(title string, snaps []worker.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 %s\n", title)
	if len(snaps) == 0 {
		b.WriteString("No active routes.")
		return b.String()
	}

	var totalTrades int
	var totalProfit float64
	for _, s := range snaps {
		totalTrades += s.Trades
		totalProfit += s.RealizedProfit
		fmt.Fprintf(&b, "\n%s: %d trades, P/L %.2f, win rate %.0f%%, PF %.2f, open %d",
			s.RouteID, s.Trades, s.RealizedProfit, 100*s.WinRate(), s.ProfitFactor(), s.OpenPositions)
	}
	fmt.Fprintf(&b, "\n\nTotal: %d trades, P/L %.2f", totalTrades, totalProfit)
	return b.String()
}
