// Package pool wraps the external broker connection-pool HTTP service.
//
// The REST client (Client) exposes one typed method per broker operation:
//
//   - GetAccountInfo:      GET  /account/{id}       — balance/equity/margin snapshot
//   - GetPositions:        GET  /positions/{id}     — open positions for an account
//   - ExecuteTrade:        POST /trade/execute      — open a destination position
//   - ModifyPosition:      POST /position/modify    — adjust SL/TP
//   - ClosePosition:       POST /position/close     — close (fully or partially)
//   - GetPrice:            GET  /prices/{symbol}    — bid/ask snapshot
//   - InitializeStreaming: POST /streaming/initialize
//   - SubscribeToSymbol:   POST /streaming/subscribe
//   - Health:              GET  /health
//
// Idempotent GETs are retried up to three times on transport errors and 5xx
// responses. Mutating calls are never retried: ExecuteTrade relies on the
// correlation comment for crash-safe dedup and ClosePosition is retried
// through the pending-exit queue instead.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

// APIError is a permanent business-level rejection from the pool (4xx).
// Callers mark the triggering event processed instead of retrying.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pool API error (status %d): %s", e.Status, e.Message)
}

// IsPermanent reports whether err is a business rejection rather than a
// transient transport failure.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// Client is the typed pool REST client.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a pool client with a 30 s request timeout and bounded
// retries on idempotent GETs only.
func NewClient(cfg config.PoolConfig, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r != nil && r.Request != nil && r.Request.Method != http.MethodGet {
				return false
			}
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient, logger: logger.With("component", "pool")}
}

func (c *Client) check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	code := resp.StatusCode()
	switch {
	case code == http.StatusOK:
		return nil
	case code >= 400 && code < 500:
		return fmt.Errorf("%s: %w", op, &APIError{Status: code, Message: resp.String()})
	default:
		return fmt.Errorf("%s: status %d: %s", op, code, resp.String())
	}
}

// GetAccountInfo fetches a balance/equity/margin snapshot.
func (c *Client) GetAccountInfo(ctx context.Context, account, region string) (*types.AccountInfo, error) {
	var result types.AccountInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("region", region).
		SetResult(&result).
		Get("/account/" + account)
	if err := c.check(resp, err, "get account info"); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPositions fetches the open positions for an account.
func (c *Client) GetPositions(ctx context.Context, account, region string) ([]types.Position, error) {
	var result struct {
		Positions []types.Position `json:"positions"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("region", region).
		SetResult(&result).
		Get("/positions/" + account)
	if err := c.check(resp, err, "get positions"); err != nil {
		return nil, err
	}
	return result.Positions, nil
}

// ExecuteTrade opens a position on the account. Never retried; the request's
// Comment carries the correlation id used for crash recovery.
func (c *Client) ExecuteTrade(ctx context.Context, account, region string, req types.TradeRequest) (*types.TradeResult, error) {
	body := struct {
		AccountID string `json:"accountId"`
		Region    string `json:"region"`
		types.TradeRequest
	}{AccountID: account, Region: region, TradeRequest: req}

	var result types.TradeResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/trade/execute")
	if err := c.check(resp, err, "execute trade"); err != nil {
		return nil, err
	}
	return &result, nil
}

// ModifyPosition adjusts the SL/TP of an open position.
func (c *Client) ModifyPosition(ctx context.Context, account, region, positionID string, stopLoss, takeProfit float64) (bool, error) {
	body := struct {
		AccountID  string  `json:"accountId"`
		Region     string  `json:"region"`
		PositionID string  `json:"positionId"`
		StopLoss   float64 `json:"stopLoss"`
		TakeProfit float64 `json:"takeProfit"`
	}{account, region, positionID, stopLoss, takeProfit}

	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/position/modify")
	if err := c.check(resp, err, "modify position"); err != nil {
		return false, err
	}
	return result.Success, nil
}

// ClosePosition closes an open position. A non-zero volume requests a
// partial close; zero closes the full position.
func (c *Client) ClosePosition(ctx context.Context, account, region, positionID string, volume float64) (*types.CloseResult, error) {
	body := struct {
		AccountID  string  `json:"accountId"`
		Region     string  `json:"region"`
		PositionID string  `json:"positionId"`
		Volume     float64 `json:"volume,omitempty"`
	}{account, region, positionID, volume}

	var result types.CloseResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/position/close")
	if err := c.check(resp, err, "close position"); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPrice fetches a bid/ask snapshot for a symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (*types.PriceQuote, error) {
	var result types.PriceQuote
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/prices/" + symbol)
	if err := c.check(resp, err, "get price"); err != nil {
		return nil, err
	}
	return &result, nil
}

// InitializeStreaming asks the pool to open a broker streaming session for
// the account. Must be called before dialing the stream connection.
func (c *Client) InitializeStreaming(ctx context.Context, account, region string) error {
	body := struct {
		AccountID string `json:"accountId"`
		Region    string `json:"region"`
	}{account, region}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/streaming/initialize")
	return c.check(resp, err, "initialize streaming")
}

// SubscribeToSymbol adds a symbol to the account's streaming session.
func (c *Client) SubscribeToSymbol(ctx context.Context, account, region, symbol string) error {
	body := struct {
		AccountID string `json:"accountId"`
		Region    string `json:"region"`
		Symbol    string `json:"symbol"`
	}{account, region, symbol}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/streaming/subscribe")
	return c.check(resp, err, "subscribe to symbol")
}

// Health checks pool availability.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	return c.check(resp, err, "health")
}
