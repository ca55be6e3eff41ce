// Package monitor turns broker polling or streaming into an ordered stream
// of position lifecycle events for one source account.
//
// A subscriber receives Opened / Updated / Closed events keyed by position
// id. For any one id, Opened precedes zero or more Updated which precede at
// most one terminal Closed; no ordering is promised across different ids.
// Both backends — Poller (diff on an interval) and Streamer (pool push
// channel) — deliver the same Event shape, so the copy worker does not care
// which one feeds it.
package monitor

import (
	"math"

	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

// EventType discriminates position lifecycle events.
type EventType string

const (
	Opened  EventType = "opened"
	Updated EventType = "updated"
	Closed  EventType = "closed"
)

// Event is one position lifecycle transition.
type Event struct {
	Type     EventType
	Position types.Position   // current snapshot (last-known for Closed)
	Previous *types.Position  // prior snapshot, set on Updated
	Close    *types.CloseInfo // set on Closed; reason "CLOSED" when opaque
}

// profitNoise suppresses Updated events caused by per-tick profit jitter.
// Volume, SL and TP changes always produce an event.
const profitNoise = 0.5

// tracker holds the locally mirrored position set and computes lifecycle
// events by diffing against a freshly fetched list. It is the shared core
// of both backends: the poller diffs every interval, the streamer diffs
// after every reconnect to close gaps.
type tracker struct {
	positions map[string]types.Position
}

func newTracker() *tracker {
	return &tracker{positions: make(map[string]types.Position)}
}

// seed installs the initial position set without emitting events.
func (t *tracker) seed(current []types.Position) {
	for _, p := range current {
		t.positions[p.ID] = p
	}
}

// diff reconciles the tracked set against current and returns the implied
// events. Closed events carry the last-known snapshot and an opaque close
// reason, because a diff cannot observe the closing deal.
func (t *tracker) diff(current []types.Position) []Event {
	seen := make(map[string]bool, len(current))
	var events []Event

	for _, p := range current {
		seen[p.ID] = true
		prev, ok := t.positions[p.ID]
		if !ok {
			t.positions[p.ID] = p
			events = append(events, Event{Type: Opened, Position: p})
			continue
		}
		if changed(prev, p) {
			prevCopy := prev
			t.positions[p.ID] = p
			events = append(events, Event{Type: Updated, Position: p, Previous: &prevCopy})
		} else {
			// Keep the freshest snapshot even below the noise threshold.
			t.positions[p.ID] = p
		}
	}

	for id, prev := range t.positions {
		if !seen[id] {
			delete(t.positions, id)
			events = append(events, Event{
				Type:     Closed,
				Position: prev,
				Close:    &types.CloseInfo{Reason: types.CloseUnknown, Profit: 0},
			})
		}
	}
	return events
}

// apply ingests a single streamed snapshot and returns the implied event,
// or nil when the change is below the noise threshold.
func (t *tracker) apply(p types.Position) *Event {
	prev, ok := t.positions[p.ID]
	t.positions[p.ID] = p
	if !ok {
		return &Event{Type: Opened, Position: p}
	}
	if !changed(prev, p) {
		return nil
	}
	prevCopy := prev
	return &Event{Type: Updated, Position: p, Previous: &prevCopy}
}

// remove drops a tracked id and returns its last-known snapshot.
func (t *tracker) remove(id string) (types.Position, bool) {
	prev, ok := t.positions[id]
	if ok {
		delete(t.positions, id)
	}
	return prev, ok
}

func changed(prev, cur types.Position) bool {
	return prev.Volume != cur.Volume ||
		prev.StopLoss != cur.StopLoss ||
		prev.TakeProfit != cur.TakeProfit ||
		math.Abs(prev.Profit-cur.Profit) > profitNoise
}
