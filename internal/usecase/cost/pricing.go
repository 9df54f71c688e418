package cost

import (
	"fmt"
	"sort"
	"sync"

	"researchd/internal/domain"
)

// Price holds per-model unit prices in dollars per million tokens.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// PriceEntry is one row of the price table.
type PriceEntry struct {
	Provider string
	Model    string
	Price    Price
}

// ModelRef names the provider/model an agent type bills against.
type ModelRef struct {
	Provider string
	Model    string
}

// PriceTable maps provider/model pairs to unit prices. Lookups for
// unknown models fail with ErrModelUnpriced; the admission path treats
// that as a synchronous estimation error.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewPriceTable builds a table from the given entries.
func NewPriceTable(entries []PriceEntry) *PriceTable {
	t := &PriceTable{prices: make(map[string]Price, len(entries))}
	for _, e := range entries {
		t.prices[priceKey(e.Provider, e.Model)] = e.Price
	}
	return t
}

func priceKey(provider, model string) string {
	return provider + "/" + model
}

// Lookup returns the price for a provider/model pair.
func (t *PriceTable) Lookup(provider, model string) (Price, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[priceKey(provider, model)]
	if !ok {
		return Price{}, fmt.Errorf("%s: %w", priceKey(provider, model), domain.ErrModelUnpriced)
	}
	return p, nil
}

// CostOf converts a token count pair into dollars for the given model.
func (t *PriceTable) CostOf(provider, model string, inputTokens, outputTokens int) (float64, error) {
	p, err := t.Lookup(provider, model)
	if err != nil {
		return 0, err
	}
	return float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok, nil
}

// Update replaces the price for one provider/model pair.
func (t *PriceTable) Update(entry PriceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[priceKey(entry.Provider, entry.Model)] = entry.Price
}

// Models returns the priced provider/model pairs, sorted.
func (t *PriceTable) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.prices))
	for k := range t.prices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
