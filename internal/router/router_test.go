package router

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/notify"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubWorker struct {
	stats worker.Stats
}

func (s *stubWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stubWorker) Snapshot() worker.Stats { return s.stats }

func newTestRouter(t *testing.T, stop config.EmergencyStop) *Router {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Router{
		cfg:      &config.Config{},
		notifier: notify.New(config.NotifyConfig{}, quietLogger()),
		logger:   quietLogger(),
		routing: &config.Routing{
			GlobalSettings: config.GlobalSettings{EmergencyStopLoss: stop},
		},
		workers: make(map[string]*runningWorker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// addStub registers a fake running worker and returns a flag set when the
// router cancels it.
func addStub(r *Router, id string, dailyLoss float64) *bool {
	cancelled := false
	r.workers[id] = &runningWorker{
		worker: &stubWorker{stats: worker.Stats{RouteID: id, DailyLoss: dailyLoss}},
		cancel: func() { cancelled = true },
	}
	return &cancelled
}

func TestGlobalLossLatchesAndHaltsAllWorkers(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, config.EmergencyStop{Enabled: true, DailyLossLimit: 3000})
	c1 := addStub(r, "r1", 1600)
	c2 := addStub(r, "r2", 1600)

	r.checkGlobalLoss()

	if !r.EmergencyStopped() {
		t.Fatal("combined loss 3200 over limit 3000 should latch the emergency stop")
	}
	if !*c1 || !*c2 {
		t.Error("both workers should be cancelled")
	}
	if len(r.workers) != 0 {
		t.Errorf("workers remaining = %d, want 0", len(r.workers))
	}
}

func TestGlobalLossBelowLimitDoesNotLatch(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, config.EmergencyStop{Enabled: true, DailyLossLimit: 3000})
	c1 := addStub(r, "r1", 1000)
	c2 := addStub(r, "r2", 1000)

	r.checkGlobalLoss()

	if r.EmergencyStopped() {
		t.Fatal("combined loss 2000 under limit 3000 must not latch")
	}
	if *c1 || *c2 || len(r.workers) != 2 {
		t.Error("workers must keep running below the limit")
	}
}

func TestGlobalLossDisabledNeverLatches(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, config.EmergencyStop{Enabled: false, DailyLossLimit: 100})
	addStub(r, "r1", 1e6)

	r.checkGlobalLoss()

	if r.EmergencyStopped() {
		t.Error("a disabled emergency stop must never latch")
	}
}

func TestLatchIsSticky(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, config.EmergencyStop{Enabled: true, DailyLossLimit: 100})
	addStub(r, "r1", 200)
	r.checkGlobalLoss()
	if !r.EmergencyStopped() {
		t.Fatal("loss 200 over limit 100 should latch")
	}

	// Once latched the supervisor exits before summing: a worker inserted
	// behind its back is left alone rather than re-triggering the stop.
	c := addStub(r, "r9", 0)
	r.checkGlobalLoss()
	if *c {
		t.Error("latched supervisor must not cancel anything on later ticks")
	}
	if _, ok := r.workers["r9"]; !ok {
		t.Error("worker map must be untouched after the latch")
	}
}

func TestStartWorkerRefusedWhileLatched(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, config.EmergencyStop{Enabled: true, DailyLossLimit: 100})
	addStub(r, "r1", 200)
	r.checkGlobalLoss()

	r.mu.Lock()
	err := r.startWorkerLocked(config.Route{ID: "r2", Enabled: true})
	r.mu.Unlock()
	if err == nil {
		t.Fatal("startWorkerLocked must refuse while the emergency stop is latched")
	}
	if len(r.workers) != 0 {
		t.Errorf("workers = %d, want 0 after refusal", len(r.workers))
	}
}
