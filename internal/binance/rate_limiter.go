package binance

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned while Binance has the client IP banned
var ErrCircuitOpen = errors.New("rate limit: circuit breaker open, request blocked")

// RateLimiter throttles REST calls and opens a circuit after a 429/418 ban.
type RateLimiter struct {
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu                sync.RWMutex
	circuitOpen       bool
	banUntil          time.Time
	consecutiveErrors int
}

// NewRateLimiter allows rps requests per second with a small burst
func NewRateLimiter(rps float64, logger zerolog.Logger) *RateLimiter {
	if rps <= 0 {
		rps = 10
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

// Wait blocks until a request slot is available
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.IsCircuitOpen() {
		return ErrCircuitOpen
	}
	return r.limiter.Wait(ctx)
}

// RecordSuccess closes the circuit once the ban has expired
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors = 0
	if r.circuitOpen && time.Now().After(r.banUntil) {
		r.logger.Info().Msg("Circuit breaker closed after successful request")
		r.circuitOpen = false
	}
}

// RecordRateLimitError records a rate limit error and triggers circuit breaker
func (r *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++

	var banUntil time.Time
	if banUntilMs > 0 {
		banUntil = time.UnixMilli(banUntilMs)
	} else {
		backoff := time.Duration(1<<uint(r.consecutiveErrors)) * time.Second
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}
		banUntil = time.Now().Add(backoff)
	}

	r.circuitOpen = true
	r.banUntil = banUntil

	r.logger.Warn().
		Time("ban_until", banUntil).
		Int("consecutive_errors", r.consecutiveErrors).
		Msg("Circuit breaker open")
}

// IsCircuitOpen returns true if circuit breaker is open
func (r *RateLimiter) IsCircuitOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.circuitOpen {
		return false
	}
	return time.Now().Before(r.banUntil)
}

var banUntilPattern = regexp.MustCompile(`banned until (\d+)`)

// ParseBanUntilFromError extracts ban timestamp from Binance error message
func ParseBanUntilFromError(errMsg string) int64 {
	m := banUntilPattern.FindStringSubmatch(errMsg)
	if len(m) != 2 {
		return 0
	}
	banUntil, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}

	// Sanity check - should be a millisecond timestamp in the near future
	now := time.Now()
	if banUntil > now.UnixMilli() && banUntil < now.Add(24*time.Hour).UnixMilli() {
		return banUntil
	}
	return 0
}
