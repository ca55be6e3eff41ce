// Package worker implements the per-route copy worker: a single-goroutine
// state machine that mirrors one source account's position lifecycle onto
// one destination account.
//
// Event handling is strictly sequential. Every handler runs to completion
// (success or failure path) before the next event is processed, which is
// what makes the route invariants enforceable without locking: the only
// state shared with the supervisor and the performance monitor is an
// atomically swapped stats snapshot.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/filter"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/monitor"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/notify"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/sizing"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/store"
	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

// Pool is the slice of the pool client the worker needs.
type Pool interface {
	GetPositions(ctx context.Context, account, region string) ([]types.Position, error)
	ExecuteTrade(ctx context.Context, account, region string, req types.TradeRequest) (*types.TradeResult, error)
	ModifyPosition(ctx context.Context, account, region, positionID string, stopLoss, takeProfit float64) (bool, error)
	ClosePosition(ctx context.Context, account, region, positionID string, volume float64) (*types.CloseResult, error)
}

// Store is the slice of the state store the worker needs.
type Store interface {
	PutMapping(ctx context.Context, k store.Key, m store.Mapping) error
	GetMapping(ctx context.Context, k store.Key) (*store.Mapping, error)
	DeleteMapping(ctx context.Context, k store.Key) error
	ListMappings(ctx context.Context, sourceAccount string) (map[store.Key]store.Mapping, error)
	MarkClosed(ctx context.Context, account, positionID string) error
	WasRecentlyClosed(ctx context.Context, account, positionID string) (bool, error)
	MarkOrphanNotified(ctx context.Context, account, positionID string) error
	WasOrphanNotified(ctx context.Context, account, positionID string) (bool, error)
	QueuePendingExit(ctx context.Context, k store.Key, m store.Mapping) error
	ListPendingExits(ctx context.Context, sourceAccount string) ([]store.PendingExit, error)
	RemovePendingExit(ctx context.Context, k store.Key) error
}

// Notifier is the slice of the notifier the worker needs.
type Notifier interface {
	CopySuccess(rc notify.RouteContext, src types.Position, destVolume float64, orderID string) notify.Result
	CopyFailure(rc notify.RouteContext, src types.Position, reason string) notify.Result
	FilterRejection(rc notify.RouteContext, src types.Position, reasons []string) notify.Result
	ExitCopied(rc notify.RouteContext, m store.Mapping, info *types.CloseInfo, res types.CloseResult) notify.Result
	ExitFailure(rc notify.RouteContext, m store.Mapping, reason string) notify.Result
	Orphan(rc notify.RouteContext, sourceAccount, positionID string) notify.Result
}

// EventSource is the monitor backend feeding the worker.
type EventSource interface {
	Events() <-chan monitor.Event
	Seed(positions []types.Position)
	Run(ctx context.Context) error
}

const (
	defaultRetryInterval = 60 * time.Second
	queueHighWater       = 64
)

// Options bundle the worker's construction parameters.
type Options struct {
	Route       config.Route
	Rule        config.RuleSet
	SrcAccount  config.Account
	DestAccount config.Account

	Pool     Pool
	Store    Store
	Notifier Notifier
	Events   EventSource
	Pipeline *filter.Pipeline
	Sizer    *sizing.Sizer

	RetryInterval time.Duration // pending-exit retry cadence, default 60 s
	Logger        *slog.Logger
}

// Worker mirrors one route. All mutable state below is owned by the Run
// goroutine; nothing else touches it.
type Worker struct {
	route config.Route
	rule  config.RuleSet
	src   config.Account
	dest  config.Account
	rc    notify.RouteContext

	pool     Pool
	store    Store
	notifier Notifier
	events   EventSource
	pipeline *filter.Pipeline
	sizer    *sizing.Sizer

	retryInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	// Route runtime state (single-goroutine).
	sourcePositions map[string]types.Position
	processed       map[string]bool
	daily           dailyStats
	lastTradeMs     int64
	cycles          map[string]map[string]bool // symbol|side → position ids
	// memPending holds exit keys that could not reach the store; retried
	// every tick until the store returns.
	memPending map[store.Key]bool

	stats statsTracker
}

// New constructs a worker; Run does the rest.
func New(opts Options) *Worker {
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	w := &Worker{
		route: opts.Route,
		rule:  opts.Rule,
		src:   opts.SrcAccount,
		dest:  opts.DestAccount,
		rc: notify.RouteContext{
			RouteID:        opts.Route.ID,
			SourceNickname: opts.SrcAccount.Nickname,
			DestNickname:   opts.DestAccount.Nickname,
			RuleName:       opts.Route.RuleSet,
			Notifications:  opts.Route.Notifications,
		},
		pool:            opts.Pool,
		store:           opts.Store,
		notifier:        opts.Notifier,
		events:          opts.Events,
		pipeline:        opts.Pipeline,
		sizer:           opts.Sizer,
		retryInterval:   retry,
		logger:          opts.Logger.With("component", "worker", "route", opts.Route.ID),
		now:             time.Now,
		sourcePositions: make(map[string]types.Position),
		processed:       make(map[string]bool),
		cycles:          make(map[string]map[string]bool),
		memPending:      make(map[store.Key]bool),
	}
	w.daily = newDailyStats(w.now().UTC())
	w.stats.init(opts.Route.ID, opts.Rule.MaxDailyLoss)
	w.publishStats()
	return w
}

// RouteID returns the worker's route id.
func (w *Worker) RouteID() string { return w.route.ID }

// Run seeds state, subscribes to the monitor, and processes events until
// ctx is cancelled. Cancellation is cooperative: the in-flight handler
// drains before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	positions, err := w.pool.GetPositions(ctx, w.route.Source, w.src.Region)
	if err != nil {
		return err
	}

	// Existing positions are tracked but never retroactively copied unless
	// the route opts in.
	for _, p := range positions {
		w.sourcePositions[p.ID] = p
		w.trackCycle(p)
		if !w.route.CopyExistingPositions {
			w.processed[p.ID] = true
		}
	}
	w.events.Seed(positions)
	w.publishStats()

	monCtx, monCancel := context.WithCancel(ctx)
	defer monCancel()
	monDone := make(chan error, 1)
	go func() { monDone <- w.events.Run(monCtx) }()

	w.logger.Info("worker started",
		"source", w.route.Source,
		"destination", w.route.Destination,
		"rule_set", w.route.RuleSet,
		"existing_positions", len(positions),
		"copy_existing", w.route.CopyExistingPositions,
	)

	if w.route.CopyExistingPositions {
		for _, p := range positions {
			w.handleOpened(ctx, p)
		}
	}

	retryTicker := time.NewTicker(w.retryInterval)
	defer retryTicker.Stop()

	for {
		if depth := len(w.events.Events()); depth > queueHighWater {
			w.logger.Warn("event queue backlog", "depth", depth)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return ctx.Err()

		case err := <-monDone:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("monitor terminated", "error", err)
			return err

		case evt := <-w.events.Events():
			w.handleEvent(ctx, evt)

		case <-retryTicker.C:
			// A quiet market produces no events; the tick still proves the
			// route is alive.
			w.stats.touch(w.now())
			w.retryPendingExits(ctx)
		}
		w.publishStats()
	}
}

func (w *Worker) handleEvent(ctx context.Context, evt monitor.Event) {
	w.stats.touch(w.now())
	switch evt.Type {
	case monitor.Opened:
		w.handleOpened(ctx, evt.Position)
	case monitor.Updated:
		w.handleUpdated(ctx, evt.Position, evt.Previous)
	case monitor.Closed:
		w.handleClosed(ctx, evt.Position, evt.Close)
	}
}

func cycleKey(p types.Position) string { return p.Symbol + "|" + string(p.Side) }

func (w *Worker) trackCycle(p types.Position) {
	key := cycleKey(p)
	if w.cycles[key] == nil {
		w.cycles[key] = make(map[string]bool)
	}
	w.cycles[key][p.ID] = true
}

func (w *Worker) untrackCycle(p types.Position) {
	key := cycleKey(p)
	if ids, ok := w.cycles[key]; ok {
		delete(ids, p.ID)
		if len(ids) == 0 {
			delete(w.cycles, key)
		}
	}
}

// rotateDailyStatsIfNeeded resets daily counters and the processed set at
// the first event of a new UTC calendar day, before any filter evaluation.
// The processed set is re-seeded with the currently open source ids so a
// long-lived position can never be copied a second time.
func (w *Worker) rotateDailyStatsIfNeeded() {
	today := w.now().UTC().Format("2006-01-02")
	if w.daily.Date == today {
		return
	}
	w.logger.Info("day roll", "from", w.daily.Date, "to", today,
		"trades", w.daily.Trades, "realized", w.daily.RealizedProfit)

	w.daily = newDailyStats(w.now().UTC())
	w.processed = make(map[string]bool, len(w.sourcePositions))
	for id := range w.sourcePositions {
		w.processed[id] = true
	}
	w.stats.resetDay()
}

func (w *Worker) snapshotForFilters(candidate types.Position) filter.Snapshot {
	others := make([]types.Position, 0, len(w.sourcePositions))
	for id, p := range w.sourcePositions {
		if id == candidate.ID {
			continue
		}
		others = append(others, p)
	}
	// The candidate was already tracked into w.cycles; count cycles as if
	// it were absent so its own arrival cannot trip max-concurrent-cycles.
	candKey := cycleKey(candidate)
	activeCycles := 0
	continues := false
	for key, ids := range w.cycles {
		members := len(ids)
		if ids[candidate.ID] {
			members--
		}
		if members == 0 {
			continue
		}
		activeCycles++
		if key == candKey {
			continues = true
		}
	}

	return filter.Snapshot{
		Now:                     w.now().UTC(),
		ProcessedTradeIDs:       w.processed,
		DailyLoss:               w.daily.DailyLoss,
		DailyTrades:             w.daily.Trades,
		LastTradeEpochMs:        w.lastTradeMs,
		ActiveCycles:            activeCycles,
		CandidateContinuesCycle: continues,
		SourcePositions:         others,
	}
}

func (w *Worker) publishStats() {
	w.stats.publish(w.daily, w.lastTradeMs, len(w.sourcePositions), len(w.memPending))
}

// Snapshot returns the latest stats snapshot. Safe to call from any
// goroutine; used by the global supervisor and the performance monitor.
func (w *Worker) Snapshot() Stats { return w.stats.snapshot() }
