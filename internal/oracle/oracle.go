package oracle

import (
	"context"
	"fmt"
	"sync"
)

// Oracle answers current-price queries for open-position exit evaluation.
// The Position Manager does not care whether prices are polled or pushed.
type Oracle interface {
	CurrentPrice(ctx context.Context, asset string) (float64, error)
}

// Static is an in-memory oracle, settable by tests and by the paper wiring.
type Static struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func NewStatic() *Static {
	return &Static{prices: make(map[string]float64)}
}

func (s *Static) Set(asset string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = price
}

func (s *Static) CurrentPrice(_ context.Context, asset string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[asset]
	if !ok {
		return 0, fmt.Errorf("oracle: no price for %s", asset)
	}
	return price, nil
}
