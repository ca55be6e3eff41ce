package notify

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := Fingerprint("Copied XAUUSD buy 0.50 → 1.00 lots (order 123456)")
	b := Fingerprint("Copied XAUUSD buy 0.25 → 0.50 lots (order 999999)")
	if a != b {
		t.Errorf("fingerprints differ:\n  %q\n  %q", a, b)
	}

	c := Fingerprint("Copied EURUSD buy 0.50 → 1.00 lots (order 123456)")
	if a == c {
		t.Error("different symbols must not share a fingerprint")
	}
}

func TestClaimSpamWindow(t *testing.T) {
	t.Parallel()
	n := New(config.NotifyConfig{TelegramToken: "t", TelegramChatID: "c"}, quietLogger())

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	if !n.claim("fp") {
		t.Fatal("first claim should succeed")
	}
	if n.claim("fp") {
		t.Error("claim inside the window should be suppressed")
	}

	now = now.Add(61 * time.Second)
	if !n.claim("fp") {
		t.Error("claim after the window should succeed")
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	t.Parallel()
	n := New(config.NotifyConfig{TelegramToken: "t", TelegramChatID: "c"}, quietLogger())

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	if !n.claim("fp") {
		t.Fatal("first claim should succeed")
	}
	n.release("fp")
	if !n.claim("fp") {
		t.Error("claim after release should succeed")
	}
}

func TestDisabledWithoutCredentials(t *testing.T) {
	t.Parallel()
	n := New(config.NotifyConfig{}, quietLogger())

	if n.Enabled() {
		t.Error("notifier without credentials should be disabled")
	}
	if got := n.Send("hello"); got != Disabled {
		t.Errorf("Send = %v, want Disabled", got)
	}
	if got := n.Critical("boom"); got != Disabled {
		t.Errorf("Critical = %v, want Disabled", got)
	}
}

func TestRouteTogglesSuppressMessages(t *testing.T) {
	t.Parallel()
	n := New(config.NotifyConfig{TelegramToken: "t", TelegramChatID: "c"}, quietLogger())

	rc := RouteContext{
		RouteID:        "r1",
		SourceNickname: "Source",
		DestNickname:   "Dest",
		RuleName:       "rs",
		Notifications:  config.Notifications{}, // everything off
	}
	pos := types.Position{ID: "p1", Symbol: "XAUUSD", Side: types.Buy, Volume: 0.5}

	if got := n.CopySuccess(rc, pos, 1.0, "o1"); got != Disabled {
		t.Errorf("CopySuccess with onCopy off = %v, want Disabled", got)
	}
	if got := n.FilterRejection(rc, pos, []string{"x"}); got != Disabled {
		t.Errorf("FilterRejection with onFilter off = %v, want Disabled", got)
	}
	if got := n.CopyFailure(rc, pos, "x"); got != Disabled {
		t.Errorf("CopyFailure with onError off = %v, want Disabled", got)
	}
	if got := n.Orphan(rc, "src", "p1"); got != Disabled {
		t.Errorf("Orphan with onError off = %v, want Disabled", got)
	}
}
