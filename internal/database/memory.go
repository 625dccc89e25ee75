package database

import (
	"context"
	"sync"

	"turtle-futures-bot/internal/strategy"
)

// MemoryRepository keeps encoded contexts in process memory. Values are
// stored serialized so callers never share a context with the store.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string][]byte)}
}

func (m *MemoryRepository) Load(ctx context.Context, instrumentID string) (*strategy.Context, error) {
	m.mu.RLock()
	data, ok := m.items[instrumentID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeContext(data)
}

func (m *MemoryRepository) Save(ctx context.Context, sc *strategy.Context) error {
	data, err := encodeContext(sc)
	if err != nil {
		return err
	}
	m.put(sc.Instrument.Symbol, data)
	return nil
}

func (m *MemoryRepository) put(instrumentID string, data []byte) {
	m.mu.Lock()
	m.items[instrumentID] = data
	m.mu.Unlock()
}

func (m *MemoryRepository) Delete(ctx context.Context, instrumentID string) error {
	m.mu.Lock()
	delete(m.items, instrumentID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) List(ctx context.Context) ([]*strategy.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*strategy.Context, 0, len(m.items))
	for _, data := range m.items {
		sc, err := decodeContext(data)
		if err != nil {
			return nil, err
		}
		list = append(list, sc)
	}
	sortContexts(list)
	return list, nil
}

// Len returns the number of stored contexts
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *MemoryRepository) Close() error {
	return nil
}
