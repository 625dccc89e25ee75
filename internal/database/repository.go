// Package database persists strategy contexts. Every backend is last-write-wins
// per instrument; no backend is transactional across instruments.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"turtle-futures-bot/internal/strategy"
)

var (
	ErrNotFound   = errors.New("strategy context not found")
	ErrNilContext = errors.New("cannot save nil strategy context")
)

// ContextRepository loads and saves strategy contexts keyed by instrument id
type ContextRepository interface {
	Load(ctx context.Context, instrumentID string) (*strategy.Context, error)
	Save(ctx context.Context, sc *strategy.Context) error
	Delete(ctx context.Context, instrumentID string) error
	List(ctx context.Context) ([]*strategy.Context, error)
	Close() error
}

// HealthChecker is implemented by backends with a remote connection
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheck pings repo if it has a remote backend
func HealthCheck(ctx context.Context, repo ContextRepository) error {
	if hc, ok := repo.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func encodeContext(sc *strategy.Context) ([]byte, error) {
	if sc == nil {
		return nil, ErrNilContext
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal strategy context: %w", err)
	}
	return data, nil
}

func decodeContext(data []byte) (*strategy.Context, error) {
	var sc strategy.Context
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal strategy context: %w", err)
	}
	return &sc, nil
}

func sortContexts(list []*strategy.Context) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].Instrument.Symbol < list[j].Instrument.Symbol
	})
}
