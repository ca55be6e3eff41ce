package monitor

import (
	"testing"

	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

func pos(id string, volume, profit float64) types.Position {
	return types.Position{
		ID:        id,
		Symbol:    "XAUUSD",
		Side:      types.Buy,
		Volume:    volume,
		OpenPrice: 2400.0,
		Profit:    profit,
	}
}

func TestDiffDetectsOpened(t *testing.T) {
	t.Parallel()
	tr := newTracker()

	events := tr.diff([]types.Position{pos("p1", 0.5, 0)})
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != Opened || events[0].Position.ID != "p1" {
		t.Errorf("event = %+v, want Opened p1", events[0])
	}
}

func TestSeedEmitsNothing(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	tr.seed([]types.Position{pos("p1", 0.5, 0), pos("p2", 1.0, 0)})

	events := tr.diff([]types.Position{pos("p1", 0.5, 0), pos("p2", 1.0, 0)})
	if len(events) != 0 {
		t.Errorf("got %d events after seed of identical set, want 0", len(events))
	}
}

func TestDiffDetectsClosed(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	tr.seed([]types.Position{pos("p1", 0.5, 0)})

	events := tr.diff(nil)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	evt := events[0]
	if evt.Type != Closed || evt.Position.ID != "p1" {
		t.Fatalf("event = %+v, want Closed p1", evt)
	}
	if evt.Close == nil || evt.Close.Reason != types.CloseUnknown || evt.Close.Profit != 0 {
		t.Errorf("close info = %+v, want opaque reason with zero profit", evt.Close)
	}
}

func TestDiffDetectsVolumeChange(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	tr.seed([]types.Position{pos("p1", 1.0, 0)})

	events := tr.diff([]types.Position{pos("p1", 0.5, 0)})
	if len(events) != 1 || events[0].Type != Updated {
		t.Fatalf("got %+v, want one Updated", events)
	}
	if events[0].Previous == nil || events[0].Previous.Volume != 1.0 {
		t.Errorf("previous = %+v, want volume 1.0", events[0].Previous)
	}
}

func TestDiffSuppressesProfitJitter(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	tr.seed([]types.Position{pos("p1", 0.5, 10.0)})

	// Below the noise threshold: no event, but the snapshot must refresh.
	if events := tr.diff([]types.Position{pos("p1", 0.5, 10.3)}); len(events) != 0 {
		t.Fatalf("got %d events for jitter, want 0", len(events))
	}
	if got := tr.positions["p1"].Profit; got != 10.3 {
		t.Errorf("tracked profit = %v, want refreshed 10.3", got)
	}

	// Beyond the threshold relative to the refreshed snapshot.
	if events := tr.diff([]types.Position{pos("p1", 0.5, 11.0)}); len(events) != 1 {
		t.Errorf("got %d events for real profit move, want 1", len(events))
	}
}

func TestDiffStopChangeAlwaysEmits(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	p := pos("p1", 0.5, 0)
	tr.seed([]types.Position{p})

	p.StopLoss = 2390.0
	events := tr.diff([]types.Position{p})
	if len(events) != 1 || events[0].Type != Updated {
		t.Errorf("got %+v, want one Updated for SL change", events)
	}
}

func TestApplyAndRemove(t *testing.T) {
	t.Parallel()
	tr := newTracker()

	evt := tr.apply(pos("p1", 0.5, 0))
	if evt == nil || evt.Type != Opened {
		t.Fatalf("apply of new id = %+v, want Opened", evt)
	}
	if evt := tr.apply(pos("p1", 0.5, 0.2)); evt != nil {
		t.Errorf("apply of jitter = %+v, want nil", evt)
	}
	evt = tr.apply(pos("p1", 0.3, 0.2))
	if evt == nil || evt.Type != Updated {
		t.Fatalf("apply of volume change = %+v, want Updated", evt)
	}

	prev, ok := tr.remove("p1")
	if !ok || prev.Volume != 0.3 {
		t.Errorf("remove = (%+v, %v), want last-known snapshot", prev, ok)
	}
	if _, ok := tr.remove("p1"); ok {
		t.Error("second remove of same id should report missing")
	}
}
