package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-futures-bot/internal/market"
)

func TestParseMessage(t *testing.T) {
	s := NewMarketStream(StreamOptions{URL: "ws://unused"}, []string{"btcusdt"}, zerolog.Nop())
	s.pending[7] = []string{"btcusdt@aggTrade"}

	tests := []struct {
		name    string
		msg     string
		wantOK  bool
		wantErr bool
		check   func(t *testing.T, ev market.Event)
	}{
		{
			name:   "agg trade",
			msg:    `{"e":"aggTrade","E":1,"s":"BTCUSDT","p":"100.02","q":"1","T":1700000000000}`,
			wantOK: true,
			check: func(t *testing.T, ev market.Event) {
				if ev.Kind != market.KindPrice || ev.InstrumentID != "BTCUSDT" || !ev.Price.Equal(decimal.RequireFromString("100.02")) {
					t.Errorf("Unexpected event %+v", ev)
				}
			},
		},
		{
			name: "untracked symbol",
			msg:  `{"e":"aggTrade","s":"ETHUSDT","p":"5","T":1}`,
		},
		{
			name:   "contract status",
			msg:    `{"e":"contractInfo","E":1,"s":"BTCUSDT","cs":"SETTLING"}`,
			wantOK: true,
			check: func(t *testing.T, ev market.Event) {
				if ev.Kind != market.KindTradingStatus || ev.Status != "SETTLING" {
					t.Errorf("Unexpected event %+v", ev)
				}
			},
		},
		{
			name:   "subscription ack",
			msg:    `{"result":null,"id":7}`,
			wantOK: true,
			check: func(t *testing.T, ev market.Event) {
				if ev.Kind != market.KindSubscriptionAck || ev.Status != "ok" || len(ev.Streams) != 1 {
					t.Errorf("Unexpected event %+v", ev)
				}
			},
		},
		{
			name:    "garbage",
			msg:     `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := s.parseMessage([]byte(tt.msg))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if ok != tt.wantOK {
				t.Fatalf("Expected ok=%v, got %v", tt.wantOK, ok)
			}
			if tt.check != nil {
				tt.check(t, ev)
			}
		})
	}

	if p, ok := s.LastPrice("BTCUSDT"); !ok || !p.Equal(decimal.RequireFromString("100.02")) {
		t.Errorf("Expected last price 100.02, got %s", p)
	}
}

func TestMarketStreamRun(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub struct {
			Method string   `json:"method"`
			Params []string `json:"params"`
			ID     int64    `json:"id"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		conn.WriteJSON(map[string]interface{}{"result": nil, "id": sub.ID})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"aggTrade","s":"BTCUSDT","p":"101.5","T":1}`))
		// Hold the connection open until the client goes away
		conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewMarketStream(StreamOptions{URL: url, BufferSize: 4}, []string{"BTCUSDT"}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	ack := <-s.Events()
	if ack.Kind != market.KindSubscriptionAck {
		t.Fatalf("Expected subscription ack first, got %v", ack.Kind)
	}
	price := <-s.Events()
	if price.Kind != market.KindPrice || !price.Price.Equal(decimal.RequireFromString("101.5")) {
		t.Fatalf("Unexpected price event %+v", price)
	}

	cancel()
	<-done
	if _, open := <-s.Events(); open {
		t.Error("Expected events channel to be closed after Run returns")
	}
}
