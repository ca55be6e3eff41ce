// Package router owns the lifecycle of all copy workers.
//
// On start it loads and validates the routing document (bootstrapping from
// the adjacent example file when missing), spawns one worker per enabled
// route, and runs two global loops: the loss supervisor — a latching
// emergency stop over the summed per-route daily losses — and the Redis
// control bus accepting toggle/reload/stats commands.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/filter"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/monitor"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/notify"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/perf"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/pool"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/sizing"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/store"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/worker"
	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

const supervisorInterval = 60 * time.Second

// routeWorker is the slice of worker.Worker the router manages.
type routeWorker interface {
	Run(ctx context.Context) error
	Snapshot() worker.Stats
}

type runningWorker struct {
	worker routeWorker
	cancel context.CancelFunc
}

// Router instantiates and supervises one worker per enabled route.
type Router struct {
	cfg      *config.Config
	pool     *pool.Client
	store    *store.Store
	notifier *notify.Notifier
	perf     *perf.Monitor
	logger   *slog.Logger

	mu        sync.Mutex
	routing   *config.Routing
	workers   map[string]*runningWorker
	startTime time.Time
	// emergencyStopped latches on a global loss breach; only an operator
	// restart clears it.
	emergencyStopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads and validates the routing document and wires the router.
// Validation failures are fatal: the caller exits with code 1.
func New(cfg *config.Config, poolClient *pool.Client, st *store.Store, notifier *notify.Notifier, logger *slog.Logger) (*Router, error) {
	routing, err := config.EnsureRouting(cfg.Routing.ConfigPath, cfg.Routing.ExamplePath)
	if err != nil {
		return nil, err
	}
	if err := routing.Validate(filter.IsKnown); err != nil {
		return nil, fmt.Errorf("routing config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:      cfg,
		pool:     poolClient,
		store:    st,
		notifier: notifier,
		logger:   logger.With("component", "router"),
		routing:  routing,
		workers:  make(map[string]*runningWorker),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.perf = perf.New(st, notifier, r.Snapshots, routing.GlobalSettings.AlertSettings, logger)
	return r, nil
}

// Start launches workers for every enabled route, the global supervisor,
// the control bus, and the performance monitor.
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.startTime = time.Now().UTC()
	for _, route := range r.routing.Routes {
		if route.Enabled {
			if err := r.startWorkerLocked(route); err != nil {
				return fmt.Errorf("route %q: %w", route.ID, err)
			}
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.superviseLoop(r.ctx)
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runControlBus(r.ctx)
	}()

	if err := r.perf.Start(r.ctx); err != nil {
		return fmt.Errorf("perf monitor: %w", err)
	}

	r.logger.Info("router started", "routes", len(r.workers))
	return nil
}

// Stop signals every worker to drain its current handler, then waits.
func (r *Router) Stop() {
	r.logger.Info("shutting down...")
	r.cancel()

	r.mu.Lock()
	for id, rw := range r.workers {
		rw.cancel()
		delete(r.workers, id)
	}
	r.mu.Unlock()

	r.perf.Stop()
	r.wg.Wait()
	r.logger.Info("shutdown complete")
}

// startWorkerLocked builds and launches one route's worker. Caller holds mu.
func (r *Router) startWorkerLocked(route config.Route) error {
	if r.emergencyStopped {
		return fmt.Errorf("emergency stop latched, operator restart required")
	}
	if _, ok := r.workers[route.ID]; ok {
		return nil
	}

	rule := r.routing.RuleSets[route.RuleSet]
	src := r.routing.Accounts[route.Source]
	dest := r.routing.Accounts[route.Destination]

	pipeline, err := filter.Build(rule.Filters, r.routing.Filters, rule)
	if err != nil {
		return err
	}

	var events worker.EventSource
	if r.cfg.Pool.StreamURL != "" {
		stream := r.pool.NewStream(r.cfg.Pool.StreamURL, route.Source, src.Region)
		events = monitor.NewStreamer(stream, r.pool, route.Source, src.Region, r.logger)
	} else {
		events = monitor.NewPoller(r.pool, route.Source, src.Region, 0, r.logger)
	}

	w := worker.New(worker.Options{
		Route:       route,
		Rule:        rule,
		SrcAccount:  src,
		DestAccount: dest,
		Pool:        r.pool,
		Store:       r.store,
		Notifier:    r.notifier,
		Events:      events,
		Pipeline:    pipeline,
		Sizer:       sizing.New(rule, types.DefaultLotConstraints),
		Logger:      r.logger,
	})

	ctx, cancel := context.WithCancel(r.ctx)
	r.workers[route.ID] = &runningWorker{worker: w, cancel: cancel}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("worker exited", "route", route.ID, "error", err)
		}
	}()
	return nil
}

func (r *Router) stopWorkerLocked(routeID string) {
	if rw, ok := r.workers[routeID]; ok {
		rw.cancel()
		delete(r.workers, routeID)
		r.logger.Info("worker stopped", "route", routeID)
	}
}

// ToggleRoute enables or disables a route, persists the change, and starts
// or stops the corresponding worker without affecting others.
func (r *Router) ToggleRoute(routeID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	route := r.routing.RouteByID(routeID)
	if route == nil {
		return fmt.Errorf("unknown route %q", routeID)
	}
	route.Enabled = enabled
	if err := r.routing.Save(r.cfg.Routing.ConfigPath); err != nil {
		return err
	}

	if enabled {
		return r.startWorkerLocked(*route)
	}
	r.stopWorkerLocked(routeID)
	return nil
}

// Reload re-reads the routing document and reconciles the running worker
// set against it: removed or disabled routes stop, new enabled ones start.
func (r *Router) Reload() error {
	routing, err := config.LoadRouting(r.cfg.Routing.ConfigPath)
	if err != nil {
		return err
	}
	if err := routing.Validate(filter.IsKnown); err != nil {
		return fmt.Errorf("routing config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routing = routing

	desired := make(map[string]config.Route)
	for _, route := range routing.Routes {
		if route.Enabled {
			desired[route.ID] = route
		}
	}
	for id := range r.workers {
		if _, ok := desired[id]; !ok {
			r.stopWorkerLocked(id)
		}
	}
	for id, route := range desired {
		if _, ok := r.workers[id]; !ok {
			if err := r.startWorkerLocked(route); err != nil {
				r.logger.Error("reload: worker start failed", "route", id, "error", err)
			}
		}
	}
	r.logger.Info("routing config reloaded", "routes", len(r.workers))
	return nil
}

// Snapshots returns the current stats snapshot of every running worker.
func (r *Router) Snapshots() []worker.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]worker.Stats, 0, len(r.workers))
	for _, rw := range r.workers {
		out = append(out, rw.worker.Snapshot())
	}
	return out
}

// EmergencyStopped reports whether the global latch has fired.
func (r *Router) EmergencyStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emergencyStopped
}

// superviseLoop sums daily losses across workers every 60 s and latches
// the emergency stop when the global limit is reached.
func (r *Router) superviseLoop(ctx context.Context) {
	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkGlobalLoss()
		}
	}
}

func (r *Router) checkGlobalLoss() {
	r.mu.Lock()
	stop := r.routing.GlobalSettings.EmergencyStopLoss
	if !stop.Enabled || r.emergencyStopped {
		r.mu.Unlock()
		return
	}

	var total float64
	for _, rw := range r.workers {
		total += rw.worker.Snapshot().DailyLoss
	}
	if total < stop.DailyLossLimit {
		r.mu.Unlock()
		return
	}

	// Latch and halt every worker. Restart requires operator action.
	r.emergencyStopped = true
	for id, rw := range r.workers {
		rw.cancel()
		delete(r.workers, id)
	}
	r.mu.Unlock()

	r.logger.Error("GLOBAL EMERGENCY STOP",
		"total_daily_loss", total, "limit", stop.DailyLossLimit)
	r.notifier.Critical(fmt.Sprintf(
		"GLOBAL EMERGENCY STOP: combined daily loss %.2f reached limit %.2f — all routes halted, operator restart required",
		total, stop.DailyLossLimit))
}
