package pool

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
	"github.com/Monkeyattack/fxtrueup-sub001/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClient(url string) *Client {
	return NewClient(config.PoolConfig{BaseURL: url}, quietLogger())
}

func TestGetPositionsUnwrapsEnvelope(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/positions/acct1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("region"); got != "london" {
			t.Errorf("region = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"positions":[{"id":"p1","symbol":"XAUUSD","side":"buy","volume":0.5}]}`))
	}))
	defer srv.Close()

	positions, err := testClient(srv.URL).GetPositions(context.Background(), "acct1", "london")
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].ID != "p1" || positions[0].Volume != 0.5 {
		t.Errorf("positions = %+v", positions)
	}
}

func TestGetRetriesOnServerError(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"positions":[]}`))
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).GetPositions(context.Background(), "acct1", "london"); err != nil {
		t.Fatalf("GetPositions after retry: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2 (one retry)", got)
	}
}

func TestExecuteTradeNeverRetried(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).ExecuteTrade(context.Background(), "acct1", "london", types.TradeRequest{
		Symbol: "XAUUSD", Side: types.Buy, Volume: 0.5,
	})
	if err == nil {
		t.Fatal("expected error from 502")
	}
	if IsPermanent(err) {
		t.Error("5xx must not be classified as permanent")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want exactly 1 (mutations are never retried)", got)
	}
}

func TestExecuteTradeBodyAndResult(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["accountId"] != "acct1" || body["region"] != "london" {
			t.Errorf("body identity = %v / %v", body["accountId"], body["region"])
		}
		if body["comment"] != "copy_p1_v50" {
			t.Errorf("comment = %v", body["comment"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"orderId":"d1","openPrice":2400.5}`))
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).ExecuteTrade(context.Background(), "acct1", "london", types.TradeRequest{
		Symbol:  "XAUUSD",
		Side:    types.Buy,
		Volume:  1.0,
		Comment: types.CopyComment("p1", 0.5),
	})
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if !res.Success || res.OrderID != "d1" || res.OpenPrice != 2400.5 {
		t.Errorf("result = %+v", res)
	}
}

func TestClientErrorIsPermanent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown account", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetAccountInfo(context.Background(), "nope", "london")
	if err == nil {
		t.Fatal("expected error from 404")
	}
	if !IsPermanent(err) {
		t.Errorf("4xx should be permanent, got %v", err)
	}
}

func TestClosePositionPartialVolume(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["positionId"] != "d1" {
			t.Errorf("positionId = %v", body["positionId"])
		}
		if body["volume"] != 0.5 {
			t.Errorf("volume = %v, want 0.5", body["volume"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"profit":12.5}`))
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).ClosePosition(context.Background(), "acct1", "london", "d1", 0.5)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if !res.Success || res.Profit != 12.5 {
		t.Errorf("result = %+v", res)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := testClient(srv.URL).Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}
