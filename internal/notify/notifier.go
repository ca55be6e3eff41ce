// Package notify delivers engine events to a Telegram chat.
//
// Sends are fire-and-forget from the caller's point of view: delivery
// errors are logged and swallowed, never surfaced to a worker. Because
// workers call the notifier sequentially, causally related messages from a
// single worker arrive in order; no cross-worker ordering is promised.
//
// Anti-spam: each message is fingerprinted with timestamps and numeric
// literals normalised away. A send is suppressed when an identical
// fingerprint was delivered within the last 60 seconds.
package notify

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/store"
	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

// Result reports what happened to a send attempt.
type Result int

const (
	Sent Result = iota
	SpamBlocked
	Disabled
	Failed
)

const spamWindow = 60 * time.Second

// numberPattern strips numeric literals (prices, volumes, ids, timestamps)
// so that repeated messages differing only in figures share a fingerprint.
var numberPattern = regexp.MustCompile(`\d+(\.\d+)?`)

// RouteContext carries the route identity injected into every message.
type RouteContext struct {
	RouteID        string
	SourceNickname string
	DestNickname   string
	RuleName       string
	Notifications  config.Notifications
}

func (rc RouteContext) header() string {
	return fmt.Sprintf("[%s] %s → %s (%s)", rc.RouteID, rc.SourceNickname, rc.DestNickname, rc.RuleName)
}

// Notifier sends messages to a Telegram chat. A Notifier constructed with
// empty credentials is disabled: every send returns Disabled and workers
// carry on.
type Notifier struct {
	http   *resty.Client
	token  string
	chatID string
	logger *slog.Logger

	mu        sync.Mutex
	lastSends map[string]time.Time // fingerprint → last successful delivery
	now       func() time.Time
}

// New creates a notifier. Empty credentials disable it.
func New(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		http: resty.New().
			SetBaseURL("https://api.telegram.org").
			SetTimeout(10 * time.Second),
		token:     cfg.TelegramToken,
		chatID:    cfg.TelegramChatID,
		logger:    logger.With("component", "notify"),
		lastSends: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Enabled reports whether credentials are configured.
func (n *Notifier) Enabled() bool { return n.token != "" && n.chatID != "" }

// Send delivers text to the chat unless an identical fingerprint was
// delivered within the spam window.
func (n *Notifier) Send(text string) Result {
	if !n.Enabled() {
		return Disabled
	}

	fp := Fingerprint(text)
	if !n.claim(fp) {
		return SpamBlocked
	}

	resp, err := n.http.R().
		SetBody(map[string]string{
			"chat_id":    n.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post("/bot" + n.token + "/sendMessage")
	if err != nil {
		n.logger.Warn("telegram send failed", "error", err)
		n.release(fp)
		return Failed
	}
	if resp.IsError() {
		n.logger.Warn("telegram API error", "status", resp.StatusCode(), "body", resp.String())
		n.release(fp)
		return Failed
	}
	return Sent
}

// claim records fp as sent if it is not inside the spam window; it also
// purges entries older than the window on every attempt.
func (n *Notifier) claim(fp string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	for k, t := range n.lastSends {
		if now.Sub(t) > spamWindow {
			delete(n.lastSends, k)
		}
	}
	if t, ok := n.lastSends[fp]; ok && now.Sub(t) <= spamWindow {
		return false
	}
	n.lastSends[fp] = now
	return true
}

// release forgets a fingerprint after a failed delivery so the next attempt
// is not suppressed.
func (n *Notifier) release(fp string) {
	n.mu.Lock()
	delete(n.lastSends, fp)
	n.mu.Unlock()
}

// Fingerprint normalises a message for spam comparison.
func Fingerprint(text string) string {
	return numberPattern.ReplaceAllString(strings.TrimSpace(text), "#")
}

// CopySuccess announces a mirrored open.
func (n *Notifier) CopySuccess(rc RouteContext, src types.Position, destVolume float64, orderID string) Result {
	if !rc.Notifications.OnCopy {
		return Disabled
	}
	return n.Send(fmt.Sprintf("✅ %s\nCopied %s %s %.2f → %.2f lots (order %s)",
		rc.header(), src.Symbol, src.Side, src.Volume, destVolume, orderID))
}

// CopyFailure announces a failed or skipped copy.
func (n *Notifier) CopyFailure(rc RouteContext, src types.Position, reason string) Result {
	if !rc.Notifications.OnError {
		return Disabled
	}
	return n.Send(fmt.Sprintf("❌ %s\nCopy failed for %s %s %.2f: %s",
		rc.header(), src.Symbol, src.Side, src.Volume, reason))
}

// FilterRejection announces a trade rejected by the filter pipeline.
func (n *Notifier) FilterRejection(rc RouteContext, src types.Position, reasons []string) Result {
	if !rc.Notifications.OnFilter {
		return Disabled
	}
	return n.Send(fmt.Sprintf("🚫 %s\nFiltered %s %s %.2f: %s",
		rc.header(), src.Symbol, src.Side, src.Volume, strings.Join(reasons, ", ")))
}

// ExitCopied announces a mirrored close.
func (n *Notifier) ExitCopied(rc RouteContext, m store.Mapping, info *types.CloseInfo, res types.CloseResult) Result {
	if !rc.Notifications.OnCopy {
		return Disabled
	}
	reason := types.CloseUnknown
	if info != nil {
		reason = info.Reason
	}
	return n.Send(fmt.Sprintf("🏁 %s\nClosed %s %.2f lots (%s), profit %.2f",
		rc.header(), m.Symbol, m.DestVolume, reason, res.Profit))
}

// ExitFailure announces a failed close that was queued for retry.
func (n *Notifier) ExitFailure(rc RouteContext, m store.Mapping, reason string) Result {
	if !rc.Notifications.OnError {
		return Disabled
	}
	return n.Send(fmt.Sprintf("⚠️ %s\nClose failed for %s position %s: %s (queued for retry)",
		rc.header(), m.Symbol, m.DestPositionID, reason))
}

// Orphan announces a source close with no known mapping.
func (n *Notifier) Orphan(rc RouteContext, sourceAccount, positionID string) Result {
	if !rc.Notifications.OnError {
		return Disabled
	}
	return n.Send(fmt.Sprintf("👻 %s\nSource position %s closed with no mapping on %s",
		rc.header(), positionID, sourceAccount))
}

// Critical sends a system-level alert, bypassing route toggles.
func (n *Notifier) Critical(text string) Result {
	return n.Send("🚨 " + text)
}

// Summary sends a scheduled report, bypassing route toggles.
func (n *Notifier) Summary(text string) Result {
	return n.Send(text)
}
