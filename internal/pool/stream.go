// stream.go implements the pool's push channel: a WebSocket connection per
// source account carrying position lifecycle messages.
//
// Message types delivered by the pool:
//
//   - position_updated:       full position snapshot (also used for opens)
//   - position_removed:       position id disappeared, with the closing deal
//     attached as closeInfo when the broker reported one
//   - deal_added:             standalone deal record
//   - positions_synchronized: broker finished its initial sync
//
// The connection reconnects on a fixed 30 s cadence. After every successful
// reconnect a signal is emitted on Reconnects() so the consumer can refetch
// the position list and diff away any events missed during the gap.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

const (
	streamReadTimeout  = 90 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 50 * time.Second
	reconnectWait      = 30 * time.Second
	streamBufferSize   = 256
)

// Deal is a broker deal record attached to close events.
type Deal struct {
	ID         string    `json:"id"`
	PositionID string    `json:"positionId"`
	Comment    string    `json:"comment,omitempty"`
	Profit     float64   `json:"profit"`
	Price      float64   `json:"price,omitempty"`
	Time       time.Time `json:"time"`
}

// StreamMessage is one pool push message.
type StreamMessage struct {
	Type       string          `json:"type"`
	AccountID  string          `json:"accountId"`
	Position   *types.Position `json:"position,omitempty"`
	PositionID string          `json:"positionId,omitempty"`
	Deal       *Deal           `json:"deal,omitempty"`
}

// Stream is one account's streaming connection with auto-reconnect.
type Stream struct {
	url     string
	account string
	region  string
	client  *Client

	conn   *websocket.Conn
	connMu sync.Mutex

	msgCh       chan StreamMessage
	reconnectCh chan struct{}

	logger *slog.Logger
}

// NewStream creates a streaming connection for one source account.
// wsURL is the pool's streaming endpoint (ws:// or wss://).
func (c *Client) NewStream(wsURL, account, region string) *Stream {
	return &Stream{
		url:         fmt.Sprintf("%s/streaming/%s?region=%s", wsURL, account, region),
		account:     account,
		region:      region,
		client:      c,
		msgCh:       make(chan StreamMessage, streamBufferSize),
		reconnectCh: make(chan struct{}, 1),
		logger:      c.logger.With("component", "stream", "account", account),
	}
}

// Messages returns the read-only message channel.
func (s *Stream) Messages() <-chan StreamMessage { return s.msgCh }

// Reconnects signals each successful reconnection after the first connect.
// The channel has capacity one; coalesced signals are fine because the
// consumer refetches the full position list on each.
func (s *Stream) Reconnects() <-chan struct{} { return s.reconnectCh }

// Run connects and maintains the streaming connection until ctx is
// cancelled. Reconnect cadence is a fixed 30 s.
func (s *Stream) Run(ctx context.Context) error {
	first := true
	for {
		err := s.connectAndRead(ctx, first)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		first = false

		s.logger.Warn("stream disconnected, reconnecting", "error", err, "wait", reconnectWait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectWait):
		}
	}
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context, first bool) error {
	// The pool requires a streaming session before the socket carries data.
	if err := s.client.InitializeStreaming(ctx, s.account, s.region); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.logger.Info("stream connected")

	if !first {
		select {
		case s.reconnectCh <- struct{}{}:
		default:
		}
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var msg StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed stream message", "data", string(data))
			continue
		}

		select {
		case s.msgCh <- msg:
		default:
			s.logger.Warn("stream channel full, dropping message", "type", msg.Type)
		}
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
