package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-futures-bot/internal/broker"
)

var testInstrument = broker.Instrument{
	Symbol:    "BTCUSDT",
	TickSize:  decimal.RequireFromString("0.1"),
	TickValue: decimal.RequireFromString("0.1"),
	LotSize:   decimal.RequireFromString("0.001"),
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *FuturesClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewFuturesClient(ClientOptions{
		APIKey:            "key",
		SecretKey:         "secret",
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
	}, []broker.Instrument{testInstrument}, zerolog.Nop())
	c.newClientOrderId = func() string { return "cid-1" }
	return c
}

// ==================== ORDERS ====================

func TestSubmitOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fapi/v1/order" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("signature") == "" {
			t.Error("Expected signed request")
		}
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Error("Expected API key header")
		}
		if q.Get("quantity") != "0.005" {
			t.Errorf("Expected quantity 0.005, got %s", q.Get("quantity"))
		}
		if q.Get("price") != "100.1" {
			t.Errorf("Expected price rounded to 100.1, got %s", q.Get("price"))
		}
		if q.Get("newClientOrderId") != "cid-1" {
			t.Errorf("Expected client order id cid-1, got %s", q.Get("newClientOrderId"))
		}
		w.Write([]byte(`{"orderId":1,"clientOrderId":"cid-1","symbol":"BTCUSDT","status":"NEW"}`))
	})

	id, err := c.SubmitOrder(context.Background(), broker.OrderRequest{
		InstrumentID: "BTCUSDT",
		Direction:    broker.DirectionBuy,
		Lots:         5,
		Price:        decimal.RequireFromString("100.17"),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if id != "cid-1" {
		t.Errorf("Expected cid-1, got %s", id)
	}
}

func TestSubmitOrderUnknownInstrument(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("No request expected")
	})
	_, err := c.SubmitOrder(context.Background(), broker.OrderRequest{InstrumentID: "XYZ", Lots: 1})
	if !errors.Is(err, broker.ErrUnknownInstrument) {
		t.Errorf("Expected ErrUnknownInstrument, got %v", err)
	}
}

func TestSubmitOrderRetryAfterLostResponse(t *testing.T) {
	var posts int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&posts, 1) == 1 {
			// Accepted, but the gateway drops the response
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-4116,"msg":"ClientOrderId is duplicated."}`))
	})

	id, err := c.SubmitOrder(context.Background(), broker.OrderRequest{
		InstrumentID: "BTCUSDT",
		Direction:    broker.DirectionBuy,
		Lots:         5,
		Price:        decimal.RequireFromString("100"),
	})
	if err != nil {
		t.Fatalf("Expected duplicate id to count as accepted, got %v", err)
	}
	if id != "cid-1" {
		t.Errorf("Expected cid-1, got %s", id)
	}
	if posts != 2 {
		t.Errorf("Expected 2 posts, got %d", posts)
	}
}

func TestSubmitOrderFailureCarriesClientOrderId(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	})

	_, err := c.SubmitOrder(context.Background(), broker.OrderRequest{
		InstrumentID: "BTCUSDT",
		Direction:    broker.DirectionBuy,
		Lots:         5,
		Price:        decimal.RequireFromString("100"),
	})
	if !errors.Is(err, broker.ErrSubmission) {
		t.Fatalf("Expected ErrSubmission, got %v", err)
	}
	var subErr *broker.SubmissionError
	if !errors.As(err, &subErr) || subErr.OrderID != "cid-1" {
		t.Errorf("Expected submission error carrying cid-1, got %v", err)
	}
}

func TestGetOrderStatusMapping(t *testing.T) {
	tests := []struct {
		status string
		want   broker.OrderStatus
	}{
		{"NEW", broker.OrderStatusNew},
		{"PARTIALLY_FILLED", broker.OrderStatusPartiallyFilled},
		{"FILLED", broker.OrderStatusFilled},
		{"CANCELED", broker.OrderStatusCancelled},
		{"EXPIRED", broker.OrderStatusCancelled},
		{"REJECTED", broker.OrderStatusRejected},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("origClientOrderId") != "cid-1" {
					t.Errorf("Expected origClientOrderId cid-1")
				}
				w.Write([]byte(`{"clientOrderId":"cid-1","symbol":"BTCUSDT","status":"` + tt.status +
					`","side":"BUY","price":"100.1","avgPrice":"100.05","origQty":"0.005","executedQty":"0.002"}`))
			})
			st, err := c.GetOrderStatus(context.Background(), "BTCUSDT", "cid-1")
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if st.Status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, st.Status)
			}
			if st.RequestedLots != 5 || st.ExecutedLots != 2 {
				t.Errorf("Expected 5/2 lots, got %d/%d", st.RequestedLots, st.ExecutedLots)
			}
			if !st.AvgFillPrice.Equal(decimal.RequireFromString("100.05")) {
				t.Errorf("Expected avg 100.05, got %s", st.AvgFillPrice)
			}
		})
	}
}

func TestCancelOrderNotOpen(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	})
	err := c.CancelOrder(context.Background(), "BTCUSDT", "cid-1")
	if !errors.Is(err, broker.ErrOrderNotOpen) {
		t.Errorf("Expected ErrOrderNotOpen, got %v", err)
	}
}

func TestReplaceOrderCapsRemaining(t *testing.T) {
	var submitted atomic.Value
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			// 3 of 5 lots executed before the cancel landed
			w.Write([]byte(`{"clientOrderId":"cid-1","symbol":"BTCUSDT","status":"CANCELED","side":"SELL","origQty":"0.005","executedQty":"0.003"}`))
		case http.MethodPost:
			submitted.Store(r.URL.Query().Get("quantity") + "@" + r.URL.Query().Get("side"))
			w.Write([]byte(`{"clientOrderId":"cid-1","symbol":"BTCUSDT","status":"NEW"}`))
		}
	})

	id, err := c.ReplaceOrder(context.Background(), "BTCUSDT", "cid-1", decimal.RequireFromString("99.5"), 4)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if id != "cid-1" {
		t.Errorf("Expected new id cid-1, got %s", id)
	}
	if got := submitted.Load(); got != "0.002@SELL" {
		t.Errorf("Expected replacement 0.002@SELL, got %v", got)
	}
}

// ==================== ACCOUNT / MARKET DATA ====================

func TestGetPortfolioRiskCapital(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v2/account" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"totalMarginBalance":"1234.5","totalWalletBalance":"1200"}`))
	})
	capital, err := c.GetPortfolioRiskCapital(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !capital.Equal(decimal.RequireFromString("1234.5")) {
		t.Errorf("Expected 1234.5, got %s", capital)
	}
}

func TestGetPosition(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected int64
	}{
		{"long", `[{"symbol":"BTCUSDT","positionAmt":"0.250","entryPrice":"100.5","positionSide":"BOTH"}]`, 250},
		{"short", `[{"symbol":"BTCUSDT","positionAmt":"-0.010","entryPrice":"99","positionSide":"BOTH"}]`, -10},
		{"flat", `[{"symbol":"BTCUSDT","positionAmt":"0.000","entryPrice":"0.0","positionSide":"BOTH"}]`, 0},
		{"other symbol", `[{"symbol":"ETHUSDT","positionAmt":"1.000","entryPrice":"10","positionSide":"BOTH"}]`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/fapi/v2/positionRisk" {
					t.Errorf("Unexpected path %s", r.URL.Path)
				}
				if r.URL.Query().Get("symbol") != "BTCUSDT" {
					t.Errorf("Expected symbol BTCUSDT, got %s", r.URL.Query().Get("symbol"))
				}
				w.Write([]byte(tt.body))
			})

			pos, err := c.GetPosition(context.Background(), "BTCUSDT")
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if pos.Lots != tt.expected {
				t.Errorf("Expected %d lots, got %d", tt.expected, pos.Lots)
			}
			if pos.IsFlat() != (tt.expected == 0) {
				t.Errorf("Expected flat=%v, got %v", tt.expected == 0, pos.IsFlat())
			}
		})
	}
}

func TestGetCandles(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("signature") != "" {
			t.Error("Klines must not be signed")
		}
		w.Write([]byte(`[[1700000000000,"100","105","95","102","10",1700086399999,"0",1,"0","0","0"]]`))
	})
	candles, err := c.GetCandles(context.Background(), "BTCUSDT", "1d", 1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("Expected 1 candle, got %d", len(candles))
	}
	if !candles[0].High.Equal(decimal.RequireFromString("105")) || !candles[0].Low.Equal(decimal.RequireFromString("95")) {
		t.Errorf("Unexpected candle %+v", candles[0])
	}
}

func TestRequestRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"totalMarginBalance":"10"}`))
	})
	if _, err := c.GetPortfolioRiskCapital(context.Background()); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	})
	_, err := c.GetPortfolioRiskCapital(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != -2019 {
		t.Errorf("Expected APIError -2019, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestParseBanUntilFromError(t *testing.T) {
	if v := ParseBanUntilFromError("no ban here"); v != 0 {
		t.Errorf("Expected 0, got %d", v)
	}
	if v := ParseBanUntilFromError("Way too many requests; IP banned until 1."); v != 0 {
		t.Errorf("Expected past timestamp to be ignored, got %d", v)
	}
}
