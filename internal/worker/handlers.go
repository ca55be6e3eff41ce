// handlers.go contains the worker's event handlers: mirror opens, propagate
// updates and partial closes, and mirror exits with an at-most-once
// guarantee backed by the correlation comment and the closed-marker.
package worker

import (
	"context"
	"math"
	"strings"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/pool"
	"github.com/Monkeyattack/fxtrueup-sub001/internal/store"
	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

// handleOpened mirrors a newly opened source position onto the destination
// account. Day-roll runs before anything else so the first event of a new
// UTC day is filtered against fresh counters.
func (w *Worker) handleOpened(ctx context.Context, pos types.Position) {
	w.rotateDailyStatsIfNeeded()

	w.sourcePositions[pos.ID] = pos
	w.trackCycle(pos)

	if w.processed[pos.ID] {
		return
	}

	// Hard daily loss cap: mark processed so the id cannot loop back.
	if w.rule.MaxDailyLoss > 0 && w.daily.DailyLoss >= w.rule.MaxDailyLoss {
		w.processed[pos.ID] = true
		w.logger.Warn("daily loss cap reached, not copying",
			"position", pos.ID, "daily_loss", w.daily.DailyLoss, "limit", w.rule.MaxDailyLoss)
		return
	}

	snap := w.snapshotForFilters(pos)
	if ok, _ := w.pipeline.Evaluate(pos, snap); !ok {
		// Full trace for observability; the decision already short-circuited.
		rejections := w.pipeline.Trace(pos, snap)
		reasons := make([]string, len(rejections))
		for i, r := range rejections {
			reasons[i] = r.String()
		}
		w.logger.Info("filtered", "position", pos.ID, "symbol", pos.Symbol, "reasons", reasons)
		w.notifier.FilterRejection(w.rc, pos, reasons)
		return
	}

	// Concurrent destination position cap, counted from persisted mappings.
	// A store outage here skips execution: safer than risking a double copy.
	if w.rule.MaxOpenPositions > 0 {
		mappings, err := w.store.ListMappings(ctx, w.route.Source)
		if err != nil {
			w.logger.Warn("store unavailable, skipping copy", "position", pos.ID, "error", err)
			return
		}
		if len(mappings) >= w.rule.MaxOpenPositions {
			w.notifier.FilterRejection(w.rc, pos, []string{"max-open-positions"})
			return
		}
	}

	// Crash recovery: a destination position already carrying this source's
	// correlation comment means the copy happened before a restart.
	destPositions, err := w.pool.GetPositions(ctx, w.route.Destination, w.dest.Region)
	if err != nil {
		w.logger.Error("destination fetch failed", "position", pos.ID, "error", err)
		w.notifier.CopyFailure(w.rc, pos, err.Error())
		if pool.IsPermanent(err) {
			w.processed[pos.ID] = true
		}
		return
	}
	prefix := types.CopyCommentPrefix(pos.ID)
	for _, dp := range destPositions {
		if strings.Contains(dp.Comment, prefix) {
			w.processed[pos.ID] = true
			w.logger.Warn("duplicate copy detected", "position", pos.ID, "dest_position", dp.ID)
			w.notifier.CopyFailure(w.rc, pos, "duplicate")
			return
		}
	}

	destVolume := w.sizer.Compute(pos.Volume, w.daily.DailyLoss)
	if destVolume == 0 {
		w.notifier.FilterRejection(w.rc, pos, []string{"invalid-size"})
		return
	}

	sl, tp := w.bufferedStops(pos)
	res, err := w.pool.ExecuteTrade(ctx, w.route.Destination, w.dest.Region, types.TradeRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Volume:     destVolume,
		StopLoss:   sl,
		TakeProfit: tp,
		Comment:    types.CopyComment(pos.ID, pos.Volume),
	})
	if err != nil {
		// Never retried: the correlation comment covers the case where the
		// trade landed despite the transport error.
		w.logger.Error("execute failed", "position", pos.ID, "error", err)
		w.notifier.CopyFailure(w.rc, pos, err.Error())
		if pool.IsPermanent(err) {
			w.processed[pos.ID] = true
		}
		return
	}
	if !res.Success {
		// Business rejection: mark processed to prevent a tight loop.
		w.processed[pos.ID] = true
		w.logger.Error("execute rejected", "position", pos.ID, "error", res.Error)
		w.notifier.CopyFailure(w.rc, pos, res.Error)
		return
	}

	key := store.Key{SourceAccount: w.route.Source, SourcePositionID: pos.ID}
	m := store.Mapping{
		DestAccount:     w.route.Destination,
		DestPositionID:  res.OrderID,
		Symbol:          pos.Symbol,
		SourceVolume:    pos.Volume,
		DestVolume:      destVolume,
		SourceOpenPrice: pos.OpenPrice,
		DestOpenPrice:   res.OpenPrice,
		OpenedAt:        w.now().UTC(),
	}
	if err := w.store.PutMapping(ctx, key, m); err != nil {
		// The trade is live; without the mapping its close will surface as
		// an orphan alert. Loud log, nothing else to do.
		w.logger.Error("mapping write failed", "position", pos.ID, "error", err)
	}

	w.processed[pos.ID] = true
	w.lastTradeMs = w.now().UnixMilli()
	w.daily.Trades++
	if pos.OpenPrice > 0 && res.OpenPrice > 0 {
		w.stats.recordSlippage((res.OpenPrice - pos.OpenPrice) / types.PipSize(pos.Symbol))
	}

	w.logger.Info("copied",
		"position", pos.ID, "symbol", pos.Symbol, "side", pos.Side,
		"source_volume", pos.Volume, "dest_volume", destVolume, "order", res.OrderID)
	w.notifier.CopySuccess(w.rc, pos, destVolume, res.OrderID)
}

// handleUpdated keeps the mirror in sync: partial closes scale the
// destination proportionally, SL/TP changes are propagated with buffers,
// and the mapping TTL is refreshed.
func (w *Worker) handleUpdated(ctx context.Context, pos types.Position, prev *types.Position) {
	w.rotateDailyStatsIfNeeded()
	w.sourcePositions[pos.ID] = pos

	key := store.Key{SourceAccount: w.route.Source, SourcePositionID: pos.ID}
	m, err := w.store.GetMapping(ctx, key)
	if err != nil {
		w.logger.Warn("store unavailable on update", "position", pos.ID, "error", err)
		return
	}
	if m == nil {
		return
	}
	updated := *m

	if prev != nil && prev.Volume > pos.Volume && m.SourceVolume > 0 {
		cons := w.sizer.Constraints()
		target := round2(m.DestVolume * pos.Volume / m.SourceVolume)
		closeAmt := round2(m.DestVolume - target)

		// Only act when the reduction clears one lot step; smaller drifts
		// are noise from volume rounding.
		if closeAmt >= cons.LotStep {
			if target < cons.MinLot {
				// Residual would be untradeable: close the whole mirror.
				if done, _ := w.closeDestination(ctx, key, *m, nil); done {
					return
				}
			} else {
				res, err := w.pool.ClosePosition(ctx, w.route.Destination, w.dest.Region, m.DestPositionID, closeAmt)
				if err != nil || !res.Success {
					w.logger.Warn("partial close failed", "position", pos.ID, "error", err)
				} else {
					updated.DestVolume = target
					updated.SourceVolume = pos.Volume
					w.recordRealized(res.Profit)
					w.logger.Info("partial close mirrored",
						"position", pos.ID, "closed", closeAmt, "remaining", target)
				}
			}
		}
	}

	if prev != nil && (prev.StopLoss != pos.StopLoss || prev.TakeProfit != pos.TakeProfit) {
		sl, tp := w.bufferedStops(pos)
		ok, err := w.pool.ModifyPosition(ctx, w.route.Destination, w.dest.Region, m.DestPositionID, sl, tp)
		if err != nil || !ok {
			w.logger.Warn("modify failed", "position", pos.ID, "error", err)
		}
	}

	// Refresh the mapping TTL on every update.
	if err := w.store.PutMapping(ctx, key, updated); err != nil {
		w.logger.Warn("mapping refresh failed", "position", pos.ID, "error", err)
	}
}

// handleClosed mirrors a source exit onto the destination. Store outages
// park the key in memory and retry on the pending-exit tick.
func (w *Worker) handleClosed(ctx context.Context, pos types.Position, info *types.CloseInfo) {
	w.rotateDailyStatsIfNeeded()
	delete(w.sourcePositions, pos.ID)
	w.untrackCycle(pos)

	key := store.Key{SourceAccount: w.route.Source, SourcePositionID: pos.ID}
	m, err := w.store.GetMapping(ctx, key)
	if err != nil {
		// Unavailability is not "no mapping": remember the key in memory
		// and resolve it once the store returns.
		w.memPending[key] = true
		w.logger.Warn("store unavailable on close, queued in memory", "position", pos.ID, "error", err)
		return
	}
	if m == nil {
		w.notifyOrphan(ctx, pos.ID)
		return
	}

	done, reason := w.closeDestination(ctx, key, *m, info)
	if !done {
		w.queueExit(ctx, key, *m)
		w.notifier.ExitFailure(w.rc, *m, reason)
	}
}

// closeDestination runs the authoritative close path for one mapping.
// It returns done=true when the mapping is fully resolved — destination
// closed by us, or already gone. It never queues; callers decide that.
func (w *Worker) closeDestination(ctx context.Context, key store.Key, m store.Mapping, info *types.CloseInfo) (bool, string) {
	// Idempotence across synthetic closes and retries.
	if closed, err := w.store.WasRecentlyClosed(ctx, w.route.Destination, m.DestPositionID); err == nil && closed {
		_ = w.store.DeleteMapping(ctx, key)
		return true, ""
	}

	destList, err := w.pool.GetPositions(ctx, w.route.Destination, w.dest.Region)
	if err != nil {
		return false, err.Error()
	}
	found := false
	for _, dp := range destList {
		if dp.ID == m.DestPositionID {
			found = true
			break
		}
	}
	if !found {
		// Already gone (manual close, TP hit, stop-out). Record the marker
		// anyway so a later synthetic close resolves without a pool call.
		_ = w.store.MarkClosed(ctx, w.route.Destination, m.DestPositionID)
		_ = w.store.DeleteMapping(ctx, key)
		w.logger.Info("destination already closed", "dest_position", m.DestPositionID)
		return true, ""
	}

	res, err := w.pool.ClosePosition(ctx, w.route.Destination, w.dest.Region, m.DestPositionID, 0)
	if err != nil {
		return false, err.Error()
	}
	if !res.Success {
		return false, res.Error
	}

	if err := w.store.MarkClosed(ctx, w.route.Destination, m.DestPositionID); err != nil {
		w.logger.Warn("closed marker write failed", "dest_position", m.DestPositionID, "error", err)
	}
	if err := w.store.DeleteMapping(ctx, key); err != nil {
		w.logger.Warn("mapping delete failed", "key", key.String(), "error", err)
	}

	w.recordRealized(res.Profit)
	w.logger.Info("exit mirrored",
		"position", key.SourcePositionID, "dest_position", m.DestPositionID, "profit", res.Profit)
	w.notifier.ExitCopied(w.rc, m, info, *res)
	return true, ""
}

func (w *Worker) queueExit(ctx context.Context, key store.Key, m store.Mapping) {
	if err := w.store.QueuePendingExit(ctx, key, m); err != nil {
		w.memPending[key] = true
		w.logger.Warn("pending exit kept in memory", "key", key.String(), "error", err)
	}
}

// retryPendingExits drains the in-memory overflow, then walks the
// persisted queue. Persisted entries that fail again are left in place —
// the store already bumped their retry counter — and expire after 48 h.
func (w *Worker) retryPendingExits(ctx context.Context) {
	for key := range w.memPending {
		m, err := w.store.GetMapping(ctx, key)
		if err != nil {
			continue // store still down, keep for the next tick
		}
		delete(w.memPending, key)
		if m == nil {
			w.notifyOrphan(ctx, key.SourcePositionID)
			continue
		}
		if done, _ := w.closeDestination(ctx, key, *m, nil); !done {
			w.queueExit(ctx, key, *m)
		}
	}

	entries, err := w.store.ListPendingExits(ctx, w.route.Source)
	if err != nil {
		w.logger.Warn("pending exit listing failed", "error", err)
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		done, reason := w.closeDestination(ctx, e.Key, e.Mapping, nil)
		if done {
			if err := w.store.RemovePendingExit(ctx, e.Key); err != nil {
				w.logger.Warn("pending exit removal failed", "key", e.Key.String(), "error", err)
			}
		} else {
			w.logger.Info("pending exit retry failed",
				"key", e.Key.String(), "retries", e.RetryCount, "reason", reason)
		}
	}
}

func (w *Worker) notifyOrphan(ctx context.Context, positionID string) {
	notified, err := w.store.WasOrphanNotified(ctx, w.route.Source, positionID)
	if err != nil || notified {
		return
	}
	w.notifier.Orphan(w.rc, w.route.Source, positionID)
	if err := w.store.MarkOrphanNotified(ctx, w.route.Source, positionID); err != nil {
		w.logger.Warn("orphan marker write failed", "position", positionID, "error", err)
	}
}

func (w *Worker) recordRealized(profit float64) {
	w.daily.RealizedProfit += profit
	if profit < 0 {
		w.daily.DailyLoss += -profit
	}
	w.stats.recordExit(profit)
}

// Default protective distances (pips) when the source carries no SL/TP.
const (
	defaultSLPips     = 40
	defaultTPPips     = 80
	defaultGoldSLPips = 50
	defaultGoldTPPips = 100
)

// bufferedStops derives the destination SL/TP from the source's, loosened
// by the route's buffer so the mirror is not stopped out a tick before the
// source. Missing source stops fall back to symbol-default distances from
// the open price.
func (w *Worker) bufferedStops(pos types.Position) (sl, tp float64) {
	pip := types.PipSize(pos.Symbol)
	slBuf := w.route.StopLossBufferPips * pip
	tpBuf := w.route.TakeProfitBufferPips * pip

	defSL, defTP := float64(defaultSLPips), float64(defaultTPPips)
	if strings.HasPrefix(strings.ToUpper(pos.Symbol), "XAU") {
		defSL, defTP = defaultGoldSLPips, defaultGoldTPPips
	}

	if pos.Side == types.Buy {
		if pos.StopLoss > 0 {
			sl = pos.StopLoss - slBuf
		} else {
			sl = pos.OpenPrice - defSL*pip
		}
		if pos.TakeProfit > 0 {
			tp = pos.TakeProfit + tpBuf
		} else {
			tp = pos.OpenPrice + defTP*pip
		}
		return sl, tp
	}

	if pos.StopLoss > 0 {
		sl = pos.StopLoss + slBuf
	} else {
		sl = pos.OpenPrice + defSL*pip
	}
	if pos.TakeProfit > 0 {
		tp = pos.TakeProfit - tpBuf
	} else {
		tp = pos.OpenPrice - defTP*pip
	}
	return sl, tp
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
