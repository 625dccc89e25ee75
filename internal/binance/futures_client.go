package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-futures-bot/internal/broker"
)

// Retry configuration for API calls
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
	recvWindow     = "10000"
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// FuturesClient talks to the Binance USD-M futures REST API.
// Orders are addressed by the client order id generated on submit.
type FuturesClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     zerolog.Logger

	mu          sync.RWMutex
	instruments map[string]broker.Instrument

	newClientOrderId func() string
}

// ClientOptions configures a FuturesClient
type ClientOptions struct {
	APIKey            string
	SecretKey         string
	BaseURL           string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// NewFuturesClient creates a new FuturesClient instance
func NewFuturesClient(opts ClientOptions, instruments []broker.Instrument, logger zerolog.Logger) *FuturesClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = FuturesBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	c := &FuturesClient{
		// Trim any whitespace from keys - critical for signature generation
		apiKey:           strings.TrimSpace(opts.APIKey),
		secretKey:        strings.TrimSpace(opts.SecretKey),
		baseURL:          strings.TrimRight(baseURL, "/"),
		httpClient:       httpClient,
		limiter:          NewRateLimiter(opts.RequestsPerSecond, logger),
		logger:           logger.With().Str("component", "binance").Logger(),
		instruments:      make(map[string]broker.Instrument),
		newClientOrderId: uuid.NewString,
	}
	for _, inst := range instruments {
		c.instruments[inst.Symbol] = inst
	}
	return c
}

// RegisterInstrument adds or replaces instrument metadata
func (c *FuturesClient) RegisterInstrument(inst broker.Instrument) {
	c.mu.Lock()
	c.instruments[inst.Symbol] = inst
	c.mu.Unlock()
}

func (c *FuturesClient) instrument(symbol string) (broker.Instrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instruments[symbol]
	if !ok {
		return broker.Instrument{}, fmt.Errorf("%w: %s", broker.ErrUnknownInstrument, symbol)
	}
	return inst, nil
}

// ==================== ORDERS ====================

// SubmitOrder places a GTC limit order and returns its client order id
func (c *FuturesClient) SubmitOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	inst, err := c.instrument(req.InstrumentID)
	if err != nil {
		return "", err
	}

	clientOrderId := c.newClientOrderId()
	params := url.Values{}
	params.Set("symbol", req.InstrumentID)
	params.Set("side", string(req.Direction))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", inst.Quantity(req.Lots).String())
	params.Set("price", inst.RoundDownToTick(req.Price).String())
	params.Set("newClientOrderId", clientOrderId)

	resp, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeDuplicateOrderId {
			// A retried attempt whose first response was lost
			c.logger.Warn().
				Str("instrument", req.InstrumentID).
				Str("client_order_id", clientOrderId).
				Msg("Order already accepted by exchange")
			return clientOrderId, nil
		}
		return "", &broker.SubmissionError{
			OrderID: clientOrderId,
			Err:     fmt.Errorf("%w: error placing order: %v", broker.ErrSubmission, err),
		}
	}

	var order FuturesOrder
	if err := json.Unmarshal(resp, &order); err != nil {
		// Accepted with a 200; the order is tracked by its client id
		c.logger.Warn().Err(err).Str("client_order_id", clientOrderId).Msg("Unreadable order response")
		return clientOrderId, nil
	}
	if order.ClientOrderId == "" {
		order.ClientOrderId = clientOrderId
	}
	return order.ClientOrderId, nil
}

// GetOrderStatus retrieves a specific order
func (c *FuturesClient) GetOrderStatus(ctx context.Context, instrumentID, orderID string) (*broker.OrderState, error) {
	inst, err := c.instrument(instrumentID)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", instrumentID)
	params.Set("origClientOrderId", orderID)

	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeOrderDoesntExist {
			return nil, fmt.Errorf("%w: %s", broker.ErrOrderNotFound, orderID)
		}
		return nil, fmt.Errorf("error fetching order: %w", err)
	}

	var order FuturesOrder
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}
	return toOrderState(inst, &order), nil
}

// CancelOrder cancels an existing futures order
func (c *FuturesClient) CancelOrder(ctx context.Context, instrumentID, orderID string) error {
	_, err := c.cancel(ctx, instrumentID, orderID)
	return err
}

func (c *FuturesClient) cancel(ctx context.Context, instrumentID, orderID string) (*FuturesOrder, error) {
	params := url.Values{}
	params.Set("symbol", instrumentID)
	params.Set("origClientOrderId", orderID)

	resp, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Code == codeCancelRejected || apiErr.Code == codeOrderDoesntExist) {
			return nil, fmt.Errorf("%w: %s", broker.ErrOrderNotOpen, orderID)
		}
		return nil, fmt.Errorf("error canceling order: %w", err)
	}

	var order FuturesOrder
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing cancel response: %w", err)
	}
	return &order, nil
}

// ReplaceOrder cancels the order and places a new one for the unfilled remainder.
// The remainder is capped by what the cancel response reports as still open.
func (c *FuturesClient) ReplaceOrder(ctx context.Context, instrumentID, orderID string, newPrice decimal.Decimal, remainingLots int64) (string, error) {
	inst, err := c.instrument(instrumentID)
	if err != nil {
		return "", err
	}

	cancelled, err := c.cancel(ctx, instrumentID, orderID)
	if err != nil {
		return "", err
	}

	state := toOrderState(inst, cancelled)
	if open := state.RemainingLots(); open < remainingLots {
		remainingLots = open
	}
	if remainingLots <= 0 {
		return "", fmt.Errorf("%w: %s fully executed before replace", broker.ErrOrderNotOpen, orderID)
	}

	newID, err := c.SubmitOrder(ctx, broker.OrderRequest{
		InstrumentID: instrumentID,
		Direction:    broker.Direction(cancelled.Side),
		Lots:         remainingLots,
		Price:        newPrice,
	})
	if err != nil {
		return "", err
	}

	c.logger.Info().
		Str("instrument", instrumentID).
		Str("old_order_id", orderID).
		Str("new_order_id", newID).
		Str("price", newPrice.String()).
		Int64("lots", remainingLots).
		Msg("Order replaced")
	return newID, nil
}

// ==================== ACCOUNT ====================

// GetPortfolioRiskCapital returns the total margin balance of the futures account
func (c *FuturesClient) GetPortfolioRiskCapital(ctx context.Context) (decimal.Decimal, error) {
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", url.Values{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("error fetching account info: %w", err)
	}

	var info FuturesAccountInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return decimal.Zero, fmt.Errorf("error parsing account info: %w", err)
	}
	capital, err := decimal.NewFromString(info.TotalMarginBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("error parsing margin balance %q: %w", info.TotalMarginBalance, err)
	}
	return capital, nil
}

// GetPosition returns the net one-way position for an instrument
func (c *FuturesClient) GetPosition(ctx context.Context, instrumentID string) (*broker.Position, error) {
	inst, err := c.instrument(instrumentID)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", instrumentID)
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching position: %w", err)
	}

	var risks []FuturesPositionRisk
	if err := json.Unmarshal(resp, &risks); err != nil {
		return nil, fmt.Errorf("error parsing position: %w", err)
	}

	pos := &broker.Position{InstrumentID: instrumentID}
	for _, r := range risks {
		if r.Symbol != instrumentID {
			continue
		}
		amt, err := decimal.NewFromString(r.PositionAmt)
		if err != nil {
			return nil, fmt.Errorf("error parsing position amount %q: %w", r.PositionAmt, err)
		}
		lots := inst.Lots(amt.Abs())
		if amt.IsNegative() {
			lots = -lots
		}
		pos.Lots += lots
		if lots != 0 {
			pos.EntryPrice, _ = decimal.NewFromString(r.EntryPrice)
		}
	}
	return pos, nil
}

// ==================== MARKET DATA ====================

// GetCandles retrieves klines for an instrument
func (c *FuturesClient) GetCandles(ctx context.Context, instrumentID, interval string, limit int) ([]broker.Candle, error) {
	params := url.Values{}
	params.Set("symbol", instrumentID)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	resp, err := c.request(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}
	return parseKlines(resp)
}

func parseKlines(body []byte) ([]broker.Candle, error) {
	var rawKlines [][]json.RawMessage
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	candles := make([]broker.Candle, 0, len(rawKlines))
	for i, raw := range rawKlines {
		if len(raw) < 7 {
			return nil, fmt.Errorf("error parsing kline %d: %d fields", i, len(raw))
		}
		var openTime, closeTime int64
		var fields [5]string
		if err := json.Unmarshal(raw[0], &openTime); err != nil {
			return nil, fmt.Errorf("error parsing kline %d open time: %w", i, err)
		}
		if err := json.Unmarshal(raw[6], &closeTime); err != nil {
			return nil, fmt.Errorf("error parsing kline %d close time: %w", i, err)
		}
		var values [5]decimal.Decimal
		for j := 0; j < 5; j++ {
			if err := json.Unmarshal(raw[j+1], &fields[j]); err != nil {
				return nil, fmt.Errorf("error parsing kline %d field %d: %w", i, j+1, err)
			}
			v, err := decimal.NewFromString(fields[j])
			if err != nil {
				return nil, fmt.Errorf("error parsing kline %d field %d: %w", i, j+1, err)
			}
			values[j] = v
		}
		candles = append(candles, broker.Candle{
			OpenTime:  time.UnixMilli(openTime),
			Open:      values[0],
			High:      values[1],
			Low:       values[2],
			Close:     values[3],
			Volume:    values[4],
			CloseTime: time.UnixMilli(closeTime),
		})
	}
	return candles, nil
}

func toOrderState(inst broker.Instrument, o *FuturesOrder) *broker.OrderState {
	orig, _ := decimal.NewFromString(o.OrigQty)
	executed, _ := decimal.NewFromString(o.ExecutedQty)
	price, _ := decimal.NewFromString(o.Price)
	avg, _ := decimal.NewFromString(o.AvgPrice)

	return &broker.OrderState{
		OrderID:       o.ClientOrderId,
		InstrumentID:  o.Symbol,
		Status:        o.Status.ToBroker(),
		Direction:     broker.Direction(o.Side),
		RequestedLots: inst.Lots(orig),
		ExecutedLots:  inst.Lots(executed),
		InitialPrice:  price,
		AvgFillPrice:  avg,
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
}

// ==================== HTTP HELPERS ====================

// sign creates a signature for the given query string
func (c *FuturesClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *FuturesClient) signedRequest(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	return c.request(ctx, method, endpoint, params, true)
}

// request performs a REST call with rate limiting and retry on transient errors
func (c *FuturesClient) request(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseRetryDelay
	bo.MaxInterval = maxRetryDelay

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := c.do(ctx, method, endpoint, params, signed)
		if err == nil {
			c.limiter.RecordSuccess()
			return body, nil
		}
		lastErr = err

		retryable := true
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if isRateLimited(apiErr) {
				c.limiter.RecordRateLimitError(ParseBanUntilFromError(apiErr.Message))
			}
			retryable = isRetryableError(apiErr)
		}
		if !retryable || attempt == maxRetries || ctx.Err() != nil {
			return nil, err
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = maxRetryDelay
		}
		c.logger.Warn().
			Err(err).
			Str("method", method).
			Str("endpoint", endpoint).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("Request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *FuturesClient) do(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	query := params.Encode()
	if signed {
		// Refresh timestamp for each attempt and set recvWindow for clock skew tolerance
		p := url.Values{}
		for k, v := range params {
			p[k] = v
		}
		p.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		p.Set("recvWindow", recvWindow)
		query = p.Encode()
		query += "&signature=" + c.sign(query)
	}

	reqURL := c.baseURL + endpoint
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		return nil, apiErr
	}
	return body, nil
}
