package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBudgetExceeded is returned by a BudgetService when the projected spend
// would cross the configured limit.
var ErrBudgetExceeded = errors.New("budget exceeded")

// BudgetService answers whether an API key may spend a projected amount.
// The gateway treats the answer as advisory unless budget enforcement is
// enabled in config.
type BudgetService interface {
	// Check returns ErrBudgetExceeded (possibly wrapped) when spending
	// projectedCost USD would exceed the key's remaining budget.
	Check(ctx context.Context, apiKeyID string, projectedCost float64) error

	// Spend records actual spend against the key's budget.
	Spend(apiKeyID string, cost float64)
}

// MonthlyBudget is an in-process BudgetService with a flat per-key monthly
// limit. Spend counters reset when the month rolls over.
type MonthlyBudget struct {
	limit float64 // USD per key per calendar month; <= 0 means unlimited

	mu    sync.Mutex
	month time.Month
	spent map[string]float64
	now   func() time.Time
}

// NewMonthlyBudget creates a budget with the given per-key monthly USD
// limit. limit <= 0 disables all checks.
func NewMonthlyBudget(limit float64) *MonthlyBudget {
	return &MonthlyBudget{
		limit: limit,
		spent: make(map[string]float64),
		now:   time.Now,
	}
}

func (b *MonthlyBudget) Check(_ context.Context, apiKeyID string, projectedCost float64) error {
	if b.limit <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	if b.spent[apiKeyID]+projectedCost > b.limit {
		return fmt.Errorf("key %s: %w (limit %.2f USD/month)", apiKeyID, ErrBudgetExceeded, b.limit)
	}
	return nil
}

func (b *MonthlyBudget) Spend(apiKeyID string, cost float64) {
	if b.limit <= 0 || cost <= 0 {
		return
	}
	b.mu.Lock()
	b.rollover()
	b.spent[apiKeyID] += cost
	b.mu.Unlock()
}

// rollover clears counters when the calendar month changes. Caller holds mu.
func (b *MonthlyBudget) rollover() {
	m := b.now().UTC().Month()
	if m != b.month {
		b.month = m
		b.spent = make(map[string]float64)
	}
}
