package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-futures-bot/internal/logging"
	"turtle-futures-bot/internal/market"
)

const contractInfoStream = "!contractInfo"

// MarketStream consumes aggregate trades and contract status updates from the
// Binance futures websocket and emits them as an ordered event channel.
// It reconnects with exponential backoff and resubscribes on every new session.
type MarketStream struct {
	url          string
	statusStream bool
	maxBackoff   time.Duration
	dialer       *websocket.Dialer
	logger       zerolog.Logger
	events       chan market.Event

	mu         sync.RWMutex
	conn       *websocket.Conn
	symbols    map[string]struct{}
	lastPrices map[string]decimal.Decimal
	nextID     int64
	pending    map[int64][]string
	reconnects int
}

// StreamOptions configures a MarketStream
type StreamOptions struct {
	URL          string
	StatusStream bool
	MaxBackoff   time.Duration
	BufferSize   int
}

// NewMarketStream creates a stream for the given symbols
func NewMarketStream(opts StreamOptions, symbols []string, logger zerolog.Logger) *MarketStream {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	s := &MarketStream{
		url:          opts.URL,
		statusStream: opts.StatusStream,
		maxBackoff:   opts.MaxBackoff,
		dialer:       websocket.DefaultDialer,
		logger:       logging.StreamContext(logger, "market"),
		events:       make(chan market.Event, opts.BufferSize),
		symbols:      make(map[string]struct{}),
		lastPrices:   make(map[string]decimal.Decimal),
		pending:      make(map[int64][]string),
	}
	for _, sym := range symbols {
		s.symbols[strings.ToUpper(sym)] = struct{}{}
	}
	return s
}

// Events returns the ordered event channel. It is closed when Run returns.
func (s *MarketStream) Events() <-chan market.Event {
	return s.events
}

// LastPrice returns the last traded price seen for a symbol
func (s *MarketStream) LastPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.lastPrices[symbol]
	return p, ok
}

// Subscribe adds symbols and subscribes immediately when connected
func (s *MarketStream) Subscribe(symbols ...string) error {
	s.mu.Lock()
	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		if _, ok := s.symbols[sym]; ok {
			continue
		}
		s.symbols[sym] = struct{}{}
		streams = append(streams, tradeStream(sym))
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || len(streams) == 0 {
		return nil
	}
	return s.sendControl(conn, "SUBSCRIBE", streams)
}

// Unsubscribe removes symbols from the stream
func (s *MarketStream) Unsubscribe(symbols ...string) error {
	s.mu.Lock()
	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		if _, ok := s.symbols[sym]; !ok {
			continue
		}
		delete(s.symbols, sym)
		delete(s.lastPrices, sym)
		streams = append(streams, tradeStream(sym))
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || len(streams) == 0 {
		return nil
	}
	return s.sendControl(conn, "UNSUBSCRIBE", streams)
}

// Run maintains the websocket connection until ctx is done
func (s *MarketStream) Run(ctx context.Context) error {
	defer close(s.events)

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = s.maxBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.mu.Lock()
			s.reconnects++
			attempts := s.reconnects
			s.mu.Unlock()

			sleep := bo.NextBackOff()
			if sleep == backoff.Stop {
				sleep = s.maxBackoff
			}
			s.logger.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", sleep).Msg("Connection failed")
			if !sleepCtx(ctx, sleep) {
				return ctx.Err()
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.reconnects = 0
		s.mu.Unlock()
		bo.Reset()

		s.logger.Info().Str("url", s.url).Msg("Connected")

		if err := s.subscribeAll(conn); err != nil {
			s.logger.Error().Err(err).Msg("Resubscribe after connect failed")
		}

		// Close the connection when ctx ends so the blocking read returns
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = s.readLoop(ctx, conn)
		stop()
		conn.Close()

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = s.maxBackoff
		}
		s.logger.Warn().Err(err).Dur("retry_in", sleep).Msg("Connection lost, reconnecting")
		if !sleepCtx(ctx, sleep) {
			return ctx.Err()
		}
	}
}

func (s *MarketStream) subscribeAll(conn *websocket.Conn) error {
	s.mu.RLock()
	streams := make([]string, 0, len(s.symbols)+1)
	for sym := range s.symbols {
		streams = append(streams, tradeStream(sym))
	}
	s.mu.RUnlock()
	if s.statusStream {
		streams = append(streams, contractInfoStream)
	}
	if len(streams) == 0 {
		return nil
	}
	return s.sendControl(conn, "SUBSCRIBE", streams)
}

func (s *MarketStream) sendControl(conn *websocket.Conn, method string, streams []string) error {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.pending[id] = streams
	s.mu.Unlock()

	msg := struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}{Method: method, Params: streams, ID: id}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		delete(s.pending, id)
		return fmt.Errorf("error sending %s: %w", method, err)
	}
	return nil
}

// readLoop reads messages from the WebSocket
func (s *MarketStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info().Msg("Connection closed normally")
			}
			return err
		}

		ev, ok, err := s.parseMessage(message)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Failed to parse message")
			continue
		}
		if !ok {
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type streamMessage struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	Price     string          `json:"p"`
	TradeTime int64           `json:"T"`
	Status    string          `json:"cs"`
	ID        *int64          `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

var errUnknownEvent = errors.New("unknown event type")

// parseMessage maps a raw websocket message onto a market event
func (s *MarketStream) parseMessage(message []byte) (market.Event, bool, error) {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return market.Event{}, false, err
	}

	if msg.ID != nil {
		s.mu.Lock()
		streams := s.pending[*msg.ID]
		delete(s.pending, *msg.ID)
		s.mu.Unlock()

		status := "ok"
		if msg.Error != nil {
			status = fmt.Sprintf("error %d: %s", msg.Error.Code, msg.Error.Msg)
		}
		return market.Event{
			Kind:    market.KindSubscriptionAck,
			Time:    time.Now(),
			Status:  status,
			Streams: streams,
		}, true, nil
	}

	switch msg.EventType {
	case "aggTrade", "trade":
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			return market.Event{}, false, fmt.Errorf("bad price %q: %w", msg.Price, err)
		}
		s.mu.Lock()
		if _, tracked := s.symbols[msg.Symbol]; !tracked {
			s.mu.Unlock()
			return market.Event{}, false, nil
		}
		s.lastPrices[msg.Symbol] = price
		s.mu.Unlock()
		return market.PriceEvent(msg.Symbol, price, time.UnixMilli(msg.TradeTime)), true, nil

	case "contractInfo":
		s.mu.RLock()
		_, tracked := s.symbols[msg.Symbol]
		s.mu.RUnlock()
		if !tracked {
			return market.Event{}, false, nil
		}
		return market.Event{
			Kind:         market.KindTradingStatus,
			InstrumentID: msg.Symbol,
			Time:         time.UnixMilli(msg.EventTime),
			Status:       msg.Status,
		}, true, nil
	}
	return market.Event{}, false, fmt.Errorf("%w: %s", errUnknownEvent, msg.EventType)
}

func tradeStream(symbol string) string {
	return strings.ToLower(symbol) + "@aggTrade"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
