package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates the oracle has no price for the asset.
	ErrNotFound = errors.New("oracle: price not found")
	// ErrUnavailable indicates the oracle could not answer right now, e.g. the
	// quote is stale or the upstream feed is down.
	ErrUnavailable = errors.New("oracle: price unavailable")
)

// PriceOracle resolves the USD price of one base unit of an asset.
type PriceOracle interface {
	GetPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Quote is a price observation with the time it was recorded.
type Quote struct {
	Price     decimal.Decimal
	Timestamp time.Time
	Source    string
}

func normaliseAsset(asset string) string {
	return strings.ToLower(strings.TrimSpace(asset))
}

// Manual provides an in-memory oracle used for tests, the daemon's seeded
// prices and manual overrides during incident response.
type Manual struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	down   map[string]bool
	now    func() time.Time
}

// NewManual constructs an empty manual oracle instance.
func NewManual() *Manual {
	return &Manual{
		quotes: make(map[string]Quote),
		down:   make(map[string]bool),
		now:    time.Now,
	}
}

// SetClock overrides the clock used to stamp quotes.
func (m *Manual) SetClock(now func() time.Time) {
	if m == nil || now == nil {
		return
	}
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Set records price for asset.
func (m *Manual) Set(asset string, price decimal.Decimal) error {
	if m == nil {
		return fmt.Errorf("manual oracle not configured")
	}
	key := normaliseAsset(asset)
	if key == "" {
		return fmt.Errorf("manual oracle: asset required")
	}
	if !price.IsPositive() {
		return fmt.Errorf("manual oracle: price must be positive")
	}
	m.mu.Lock()
	m.quotes[key] = Quote{Price: price, Timestamp: m.now(), Source: "manual"}
	delete(m.down, key)
	m.mu.Unlock()
	return nil
}

// SetString parses a decimal price and records it.
func (m *Manual) SetString(asset, price string) error {
	value, err := decimal.NewFromString(strings.TrimSpace(price))
	if err != nil {
		return fmt.Errorf("manual oracle: invalid price %q: %w", price, err)
	}
	return m.Set(asset, value)
}

// MarkUnavailable makes subsequent reads of asset fail with ErrUnavailable.
func (m *Manual) MarkUnavailable(asset string) {
	m.mu.Lock()
	m.down[normaliseAsset(asset)] = true
	m.mu.Unlock()
}

// Remove forgets the asset entirely.
func (m *Manual) Remove(asset string) {
	key := normaliseAsset(asset)
	m.mu.Lock()
	delete(m.quotes, key)
	delete(m.down, key)
	m.mu.Unlock()
}

// Quote returns the stored observation for asset.
func (m *Manual) Quote(asset string) (Quote, error) {
	if m == nil {
		return Quote{}, ErrUnavailable
	}
	key := normaliseAsset(asset)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down[key] {
		return Quote{}, fmt.Errorf("%s: %w", key, ErrUnavailable)
	}
	quote, ok := m.quotes[key]
	if !ok {
		return Quote{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return quote, nil
}

// GetPrice implements PriceOracle.
func (m *Manual) GetPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	quote, err := m.Quote(asset)
	if err != nil {
		return decimal.Zero, err
	}
	return quote.Price, nil
}

// Aggregator consults registered oracles in priority order until one of them
// returns a price. ErrNotFound is only reported when every source reports it.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	oracles  map[string]PriceOracle
}

// NewAggregator constructs an aggregator with an optional initial priority.
func NewAggregator(priority ...string) *Aggregator {
	prio := make([]string, 0, len(priority))
	for _, name := range priority {
		prio = append(prio, normaliseAsset(name))
	}
	return &Aggregator{priority: prio, oracles: make(map[string]PriceOracle)}
}

// Register adds or replaces an oracle under the supplied identifier.
func (a *Aggregator) Register(name string, source PriceOracle) {
	trimmed := normaliseAsset(name)
	if trimmed == "" || source == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oracles[trimmed] = source
	for _, entry := range a.priority {
		if entry == trimmed {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// GetPrice implements PriceOracle.
func (a *Aggregator) GetPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	a.mu.RLock()
	priority := append([]string(nil), a.priority...)
	a.mu.RUnlock()

	var lastErr error
	for _, name := range priority {
		a.mu.RLock()
		source := a.oracles[name]
		a.mu.RUnlock()
		if source == nil {
			continue
		}
		price, err := source.GetPrice(ctx, asset)
		if err != nil {
			if lastErr == nil || !errors.Is(err, ErrNotFound) {
				lastErr = err
			}
			continue
		}
		if !price.IsPositive() {
			lastErr = fmt.Errorf("oracle %s returned non-positive price: %w", name, ErrUnavailable)
			continue
		}
		return price, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%s: %w", normaliseAsset(asset), ErrNotFound)
	}
	return decimal.Zero, lastErr
}
