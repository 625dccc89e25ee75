package broker

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// CachedCapital caches the portfolio risk capital of an underlying source for ttl.
// A stale value is served when a refresh fails.
type CachedCapital struct {
	source CapitalSource
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	value     decimal.Decimal
	fetchedAt time.Time
	valid     bool
}

// NewCachedCapital wraps source with a ttl cache
func NewCachedCapital(source CapitalSource, ttl time.Duration) *CachedCapital {
	return &CachedCapital{source: source, ttl: ttl, now: time.Now}
}

// GetPortfolioRiskCapital returns the cached value or refreshes it
func (c *CachedCapital) GetPortfolioRiskCapital(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.value, nil
	}

	v, err := c.source.GetPortfolioRiskCapital(ctx)
	if err != nil {
		if c.valid {
			return c.value, nil
		}
		return decimal.Zero, err
	}
	c.value = v
	c.fetchedAt = c.now()
	c.valid = true
	return v, nil
}

// Invalidate forces the next call to refresh
func (c *CachedCapital) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
