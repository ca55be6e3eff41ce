// bus.go is the Redis pub/sub control surface: external tooling publishes
// commands on routing:commands and reads the stats snapshot the router
// writes back to routing:stats:current.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	commandChannel = "routing:commands"
	statsKey       = "routing:stats:current"
	statsTTL       = 60 * time.Second
)

// command is the wire format accepted on the control channel.
type command struct {
	Command string `json:"command"`
	RouteID string `json:"routeId,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// statsSnapshot is what get_stats publishes to Redis.
type statsSnapshot struct {
	SnapshotID       string      `json:"snapshotId"`
	GeneratedAt      time.Time   `json:"generatedAt"`
	UptimeSeconds    float64     `json:"uptimeSeconds"`
	EmergencyStopped bool        `json:"emergencyStopped"`
	Routes           []routeStat `json:"routes"`
}

type routeStat struct {
	RouteID           string  `json:"routeId"`
	Date              string  `json:"date"`
	Trades            int     `json:"trades"`
	RealizedProfit    float64 `json:"realizedProfit"`
	DailyLoss         float64 `json:"dailyLoss"`
	WinRate           float64 `json:"winRate"`
	ProfitFactor      float64 `json:"profitFactor"`
	ConsecutiveLosses int     `json:"consecutiveLosses"`
	OpenPositions     int     `json:"openPositions"`
	PendingExits      int     `json:"pendingExits"`
}

// runControlBus consumes commands until ctx is cancelled. A malformed or
// unknown command is logged and dropped; the bus never stops over bad input.
func (r *Router) runControlBus(ctx context.Context) {
	sub := r.store.Subscribe(ctx, commandChannel)
	defer sub.Close()

	ch := sub.Channel()
	r.logger.Info("control bus listening", "channel", commandChannel)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var cmd command
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				r.logger.Warn("control bus: malformed command", "payload", msg.Payload, "error", err)
				continue
			}
			r.dispatch(ctx, cmd)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, cmd command) {
	r.logger.Info("control bus command", "command", cmd.Command, "route", cmd.RouteID)

	switch cmd.Command {
	case "toggle_route":
		if err := r.ToggleRoute(cmd.RouteID, cmd.Enabled); err != nil {
			r.logger.Error("toggle_route failed", "route", cmd.RouteID, "error", err)
		}

	case "reload_config":
		if err := r.Reload(); err != nil {
			r.logger.Error("reload_config failed", "error", err)
		}

	case "get_stats":
		if err := r.publishStatsSnapshot(ctx); err != nil {
			r.logger.Error("get_stats failed", "error", err)
		}

	default:
		r.logger.Warn("control bus: unknown command", "command", cmd.Command)
	}
}

func (r *Router) publishStatsSnapshot(ctx context.Context) error {
	snaps := r.Snapshots()

	out := statsSnapshot{
		SnapshotID:       uuid.NewString(),
		GeneratedAt:      time.Now().UTC(),
		UptimeSeconds:    time.Since(r.startTime).Seconds(),
		EmergencyStopped: r.EmergencyStopped(),
		Routes:           make([]routeStat, 0, len(snaps)),
	}
	for _, s := range snaps {
		out.Routes = append(out.Routes, routeStat{
			RouteID:           s.RouteID,
			Date:              s.Date,
			Trades:            s.Trades,
			RealizedProfit:    s.RealizedProfit,
			DailyLoss:         s.DailyLoss,
			WinRate:           s.WinRate(),
			ProfitFactor:      s.ProfitFactor(),
			ConsecutiveLosses: s.ConsecutiveLosses,
			OpenPositions:     s.OpenPositions,
			PendingExits:      s.PendingExits,
		})
	}
	return r.store.PutJSON(ctx, statsKey, out, statsTTL)
}
