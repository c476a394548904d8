package inventory

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Allocator plans lot consumption for outbound movements: first expired,
// first out, falling back to creation order when expirations tie or are absent.
type Allocator struct{}

// Order sorts lots in consumption order in place.
func (Allocator) Order(lots []Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.ExpiresAt != nil && b.ExpiresAt != nil:
			ai, bj := truncateDay(*a.ExpiresAt), truncateDay(*b.ExpiresAt)
			if !ai.Equal(bj) {
				return ai.Before(bj)
			}
		case a.ExpiresAt != nil:
			return true
		case b.ExpiresAt != nil:
			return false
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Eligible filters lots that may be consumed on day and returns them in
// consumption order.
func (a Allocator) Eligible(lots []Lot, day time.Time) []Lot {
	out := make([]Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.Eligible(day) {
			out = append(out, lot)
		}
	}
	a.Order(out)
	return out
}

// Allocate greedily consumes eligible lots until requested is satisfied.
// Nothing is returned when the eligible total falls short.
func (a Allocator) Allocate(lots []Lot, requested decimal.Decimal, day time.Time) ([]Allocation, error) {
	if !requested.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	candidates := a.Eligible(lots, day)
	available := decimal.Zero
	for _, lot := range candidates {
		available = available.Add(lot.QuantityRemaining)
	}
	if available.LessThan(requested) {
		var productID, warehouseID int64
		if len(lots) > 0 {
			productID, warehouseID = lots[0].ProductID, lots[0].WarehouseID
		}
		return nil, shortage(productID, warehouseID, requested, available)
	}

	remaining := requested
	plan := make([]Allocation, 0, len(candidates))
	for _, lot := range candidates {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(lot.QuantityRemaining, remaining)
		plan = append(plan, Allocation{Lot: lot, Quantity: take})
		remaining = remaining.Sub(take)
	}
	return plan, nil
}
