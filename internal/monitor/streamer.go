// streamer.go is the streaming backend: translate pool push messages into
// lifecycle events, and diff against a refetched position list after every
// reconnect so the event stream resumes without gaps.
package monitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/pool"
	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

// StreamSource is the slice of pool.Stream the streamer consumes.
type StreamSource interface {
	Messages() <-chan pool.StreamMessage
	Reconnects() <-chan struct{}
	Run(ctx context.Context) error
}

// Streamer produces position events for one source account from the pool's
// push channel.
type Streamer struct {
	stream  StreamSource
	fetcher PositionFetcher
	account string
	region  string

	tracker *tracker
	// lastDeals remembers the latest deal per position id so that a
	// position_removed arriving without its deal can still be classified.
	lastDeals map[string]*pool.Deal

	events chan Event
	logger *slog.Logger

	runOnce sync.Once
}

// NewStreamer creates a streaming monitor.
func NewStreamer(stream StreamSource, fetcher PositionFetcher, account, region string, logger *slog.Logger) *Streamer {
	return &Streamer{
		stream:    stream,
		fetcher:   fetcher,
		account:   account,
		region:    region,
		tracker:   newTracker(),
		lastDeals: make(map[string]*pool.Deal),
		events:    make(chan Event, 256),
		logger:    logger.With("component", "monitor", "mode", "stream", "account", account),
	}
}

// Events returns the read-only event channel.
func (s *Streamer) Events() <-chan Event { return s.events }

// Seed installs the initial position set before Run is called.
func (s *Streamer) Seed(positions []types.Position) {
	s.tracker.seed(positions)
}

// Run consumes the stream until ctx is cancelled. The underlying connection
// is started here as well, so callers only manage one goroutine.
func (s *Streamer) Run(ctx context.Context) error {
	var connErr error
	done := make(chan struct{})
	s.runOnce.Do(func() {
		go func() {
			connErr = s.stream.Run(ctx)
			close(done)
		}()
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return connErr
		case <-s.stream.Reconnects():
			s.resync(ctx)
		case msg := <-s.stream.Messages():
			s.handle(ctx, msg)
		}
	}
}

func (s *Streamer) handle(ctx context.Context, msg pool.StreamMessage) {
	switch msg.Type {
	case "position_updated":
		if msg.Position == nil {
			return
		}
		if evt := s.tracker.apply(*msg.Position); evt != nil {
			s.emit(ctx, *evt)
		}

	case "deal_added":
		if msg.Deal != nil && msg.Deal.PositionID != "" {
			s.lastDeals[msg.Deal.PositionID] = msg.Deal
		}

	case "position_removed":
		id := msg.PositionID
		if id == "" && msg.Position != nil {
			id = msg.Position.ID
		}
		prev, ok := s.tracker.remove(id)
		if !ok {
			return
		}
		deal := msg.Deal
		if deal == nil {
			deal = s.lastDeals[id]
		}
		delete(s.lastDeals, id)
		s.emit(ctx, Event{Type: Closed, Position: prev, Close: closeInfoFromDeal(deal)})

	case "positions_synchronized":
		s.logger.Debug("positions synchronized")

	default:
		s.logger.Debug("ignoring stream message", "type", msg.Type)
	}
}

// resync refetches the position list after a reconnect and synthesises the
// events missed during the gap: Closed for tracked ids now absent, Opened
// for new ids.
func (s *Streamer) resync(ctx context.Context) {
	positions, err := s.fetcher.GetPositions(ctx, s.account, s.region)
	if err != nil {
		s.logger.Warn("resync fetch failed", "error", err)
		return
	}
	events := s.tracker.diff(positions)
	if len(events) > 0 {
		s.logger.Info("resync after reconnect", "synthetic_events", len(events))
	}
	for _, evt := range events {
		s.emit(ctx, evt)
	}
}

func (s *Streamer) emit(ctx context.Context, evt Event) {
	select {
	case s.events <- evt:
	case <-ctx.Done():
	}
}

func closeInfoFromDeal(deal *pool.Deal) *types.CloseInfo {
	if deal == nil {
		return &types.CloseInfo{Reason: types.CloseUnknown, Profit: 0}
	}
	return &types.CloseInfo{
		Reason: types.ClassifyCloseReason(deal.Comment),
		Profit: deal.Profit,
		Price:  deal.Price,
		Time:   deal.Time,
	}
}
