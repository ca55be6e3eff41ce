// poller.go is the polling backend: fetch the account's positions on an
// interval and diff against the tracked set.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

// PositionFetcher is the slice of the pool client the monitor needs.
type PositionFetcher interface {
	GetPositions(ctx context.Context, account, region string) ([]types.Position, error)
}

const defaultPollInterval = time.Second

// Poller produces position events for one source account by polling.
type Poller struct {
	fetcher  PositionFetcher
	account  string
	region   string
	interval time.Duration
	tracker  *tracker
	seeded   bool
	events   chan Event
	logger   *slog.Logger
}

// NewPoller creates a polling monitor. A zero interval means 1 s.
func NewPoller(fetcher PositionFetcher, account, region string, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{
		fetcher:  fetcher,
		account:  account,
		region:   region,
		interval: interval,
		tracker:  newTracker(),
		events:   make(chan Event, 256),
		logger:   logger.With("component", "monitor", "mode", "poll", "account", account),
	}
}

// Events returns the read-only event channel.
func (p *Poller) Events() <-chan Event { return p.events }

// Seed installs the initial position set before Run is called, so the
// worker's startup fetch and the monitor agree on which positions already
// existed. Must not be called after Run starts.
func (p *Poller) Seed(positions []types.Position) {
	p.tracker.seed(positions)
	p.seeded = true
}

// Run polls until ctx is cancelled. Unless Seed was called, the first
// successful fetch seeds the tracker without emitting events; every later
// fetch is diffed.
func (p *Poller) Run(ctx context.Context) error {
	seeded := p.seeded
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		positions, err := p.fetcher.GetPositions(ctx, p.account, p.region)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("poll failed", "error", err)
			continue
		}

		if !seeded {
			p.tracker.seed(positions)
			seeded = true
			continue
		}

		for _, evt := range p.tracker.diff(positions) {
			select {
			case p.events <- evt:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
