package binance

import (
	"fmt"
	"strings"

	"turtle-futures-bot/internal/broker"
)

// FuturesOrderStatus represents order status as reported by Binance
type FuturesOrderStatus string

const (
	FuturesOrderStatusNew             FuturesOrderStatus = "NEW"
	FuturesOrderStatusPartiallyFilled FuturesOrderStatus = "PARTIALLY_FILLED"
	FuturesOrderStatusFilled          FuturesOrderStatus = "FILLED"
	FuturesOrderStatusCanceled        FuturesOrderStatus = "CANCELED"
	FuturesOrderStatusRejected        FuturesOrderStatus = "REJECTED"
	FuturesOrderStatusExpired         FuturesOrderStatus = "EXPIRED"
	FuturesOrderStatusExpiredInMatch  FuturesOrderStatus = "EXPIRED_IN_MATCH"
)

// ToBroker maps a Binance status onto the broker lifecycle
func (s FuturesOrderStatus) ToBroker() broker.OrderStatus {
	switch s {
	case FuturesOrderStatusNew:
		return broker.OrderStatusNew
	case FuturesOrderStatusPartiallyFilled:
		return broker.OrderStatusPartiallyFilled
	case FuturesOrderStatusFilled:
		return broker.OrderStatusFilled
	case FuturesOrderStatusRejected:
		return broker.OrderStatusRejected
	default:
		// CANCELED, EXPIRED and EXPIRED_IN_MATCH all end the order without further fills
		return broker.OrderStatusCancelled
	}
}

// FuturesOrder is the order payload returned by /fapi/v1/order
type FuturesOrder struct {
	OrderId       int64              `json:"orderId"`
	ClientOrderId string             `json:"clientOrderId"`
	Symbol        string             `json:"symbol"`
	Status        FuturesOrderStatus `json:"status"`
	Side          string             `json:"side"`
	Type          string             `json:"type"`
	Price         string             `json:"price"`
	AvgPrice      string             `json:"avgPrice"`
	OrigQty       string             `json:"origQty"`
	ExecutedQty   string             `json:"executedQty"`
	UpdateTime    int64              `json:"updateTime"`
}

// FuturesAccountInfo holds the balances used as risk capital
type FuturesAccountInfo struct {
	TotalWalletBalance    string `json:"totalWalletBalance"`
	TotalMarginBalance    string `json:"totalMarginBalance"`
	TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
	AvailableBalance      string `json:"availableBalance"`
}

// FuturesPositionRisk is one entry of /fapi/v2/positionRisk
type FuturesPositionRisk struct {
	Symbol       string `json:"symbol"`
	PositionAmt  string `json:"positionAmt"`
	EntryPrice   string `json:"entryPrice"`
	PositionSide string `json:"positionSide"`
}

// APIError is a non-200 response from Binance
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Binance error codes
const (
	codeDisconnected     = -1001
	codeTooManyRequests  = -1003
	codeTooManyOrders    = -1015
	codeServiceShutdown  = -1016
	codeCancelRejected   = -2011
	codeOrderDoesntExist = -2013
	codeDuplicateOrderId = -4116
)

// isRetryableError checks if an error is transient and should be retried
func isRetryableError(e *APIError) bool {
	// Retry on rate limits (429) and server errors (5xx)
	if e.StatusCode == 429 || e.StatusCode >= 500 {
		return true
	}
	switch e.Code {
	case codeDisconnected, codeTooManyRequests, codeTooManyOrders, codeServiceShutdown:
		return true
	}
	return false
}

func isRateLimited(e *APIError) bool {
	return e.StatusCode == 429 || e.StatusCode == 418 || e.Code == codeTooManyRequests ||
		strings.Contains(e.Message, "banned until")
}
