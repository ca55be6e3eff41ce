// Package types defines the domain types shared across the copy-trading
// engine: broker positions, trade requests/results, account snapshots, and
// the close-info attached to position exit events.
//
// All volume fields are lots with two fractional digits. The canonical
// integer form (centi-lots) is used in correlation comments so that a
// destination trade can be matched back to its source position after a
// crash (see CopyComment).
package types

import (
	"fmt"
	"strings"
	"time"
)

// Side is the direction of a position.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Position is a broker-held position as reported by the pool service.
type Position struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Volume       float64   `json:"volume"` // lots, 2 fractional digits
	OpenPrice    float64   `json:"openPrice"`
	CurrentPrice float64   `json:"currentPrice"`
	StopLoss     float64   `json:"stopLoss,omitempty"` // 0 = not set
	TakeProfit   float64   `json:"takeProfit,omitempty"`
	Profit       float64   `json:"profit"`
	Comment      string    `json:"comment,omitempty"`
	OpenTime     time.Time `json:"openTime"`
	UpdateTime   time.Time `json:"updateTime"`
}

// AccountInfo is a balance/equity/margin snapshot for one account.
type AccountInfo struct {
	ID         string  `json:"id"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"freeMargin"`
	Currency   string  `json:"currency"`
	Leverage   int     `json:"leverage"`
}

// TradeRequest is an order to open a position on the destination account.
type TradeRequest struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Volume     float64 `json:"volume"`
	StopLoss   float64 `json:"stopLoss,omitempty"`
	TakeProfit float64 `json:"takeProfit,omitempty"`
	Comment    string  `json:"comment,omitempty"`
}

// TradeResult is the pool's response to ExecuteTrade.
type TradeResult struct {
	Success   bool    `json:"success"`
	OrderID   string  `json:"orderId,omitempty"`
	OpenPrice float64 `json:"openPrice,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// CloseResult is the pool's response to ClosePosition.
type CloseResult struct {
	Success bool    `json:"success"`
	Profit  float64 `json:"profit,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// PriceQuote is a bid/ask snapshot for a symbol.
type PriceQuote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// CloseReason classifies why a source position closed, inferred from the
// closing deal's comment when the stream carries one.
type CloseReason string

const (
	CloseTP      CloseReason = "TP"
	CloseSL      CloseReason = "SL"
	CloseStopOut CloseReason = "STOP_OUT"
	CloseManual  CloseReason = "MANUAL"
	CloseEA      CloseReason = "EA_CLOSE"
	CloseOther   CloseReason = "OTHER"
	// CloseUnknown is used when no close deal is available: the close is
	// authoritative but the reason is opaque and profit is reported as 0.
	CloseUnknown CloseReason = "CLOSED"
)

// CloseInfo carries whatever is known about a position close.
type CloseInfo struct {
	Reason CloseReason `json:"reason"`
	Profit float64     `json:"profit"`
	Price  float64     `json:"price,omitempty"`
	Time   time.Time   `json:"time,omitempty"`
}

// ClassifyCloseReason maps a closing deal comment to a CloseReason.
func ClassifyCloseReason(dealComment string) CloseReason {
	c := strings.ToLower(dealComment)
	switch {
	case c == "":
		return CloseUnknown
	case strings.Contains(c, "tp") || strings.Contains(c, "take profit"):
		return CloseTP
	case strings.Contains(c, "sl") || strings.Contains(c, "stop loss"):
		return CloseSL
	case strings.Contains(c, "so:") || strings.Contains(c, "stop out"):
		return CloseStopOut
	case strings.Contains(c, "manual"):
		return CloseManual
	case strings.Contains(c, "expert") || strings.Contains(c, "[ea]"):
		return CloseEA
	default:
		return CloseOther
	}
}

// VolumeCenti converts lots to integer centi-lots (0.50 → 50).
func VolumeCenti(lots float64) int {
	if lots < 0 {
		lots = -lots
	}
	return int(lots*100 + 0.5)
}

// CopyComment builds the correlation comment placed on destination trades:
// "copy_{sourcePositionId}_v{sourceVolumeCenti}". The worker scans
// destination comments for the "copy_{id}_" prefix to detect trades it
// already placed before a crash.
func CopyComment(sourcePositionID string, sourceVolume float64) string {
	return fmt.Sprintf("copy_%s_v%d", sourcePositionID, VolumeCenti(sourceVolume))
}

// CopyCommentPrefix is the prefix matched when scanning destination
// positions for an existing copy of the given source position.
func CopyCommentPrefix(sourcePositionID string) string {
	return fmt.Sprintf("copy_%s_", sourcePositionID)
}

// PipSize returns the pip size for a symbol: 0.1 for metals quoted like
// XAUUSD, 0.01 for JPY crosses, 0.0001 otherwise.
func PipSize(symbol string) float64 {
	s := strings.ToUpper(symbol)
	switch {
	case strings.HasPrefix(s, "XAU") || strings.HasPrefix(s, "XAG"):
		return 0.1
	case strings.Contains(s, "JPY"):
		return 0.01
	default:
		return 0.0001
	}
}

// LotConstraints are the broker-enforced volume bounds for a symbol.
type LotConstraints struct {
	MinLot  float64
	MaxLot  float64
	LotStep float64
}

// DefaultLotConstraints are the bounds applied when the broker does not
// report symbol specs through the pool.
var DefaultLotConstraints = LotConstraints{MinLot: 0.01, MaxLot: 100, LotStep: 0.01}
