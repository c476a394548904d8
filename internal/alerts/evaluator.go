package alerts

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// DefaultExpiryWindowDays is the default lookahead for expiring lots.
const DefaultExpiryWindowDays = 30

// Evaluator derives the conditions holding for a product in a warehouse. It
// never touches storage.
type Evaluator struct {
	ExpiryWindowDays int
	// ReorderPointFallback uses the product's reorder point as the low stock
	// threshold when its minimum stock is zero.
	ReorderPointFallback bool
}

// Evaluate returns the holding conditions restricted to types. out_of_stock
// and low_stock are mutually exclusive; expiry conditions are independent.
func (e Evaluator) Evaluate(product inventory.Product, level inventory.StockLevel, lots []inventory.Lot, day time.Time, types []Type) []Condition {
	window := e.ExpiryWindowDays
	if window <= 0 {
		window = DefaultExpiryWindowDays
	}
	wanted := typeSet(types)
	var out []Condition

	threshold := product.MinimumStock
	if threshold.IsZero() && e.ReorderPointFallback {
		threshold = product.ReorderPoint
	}
	switch {
	case !level.Quantity.IsPositive():
		if wanted[TypeOutOfStock] {
			out = append(out, Condition{Type: TypeOutOfStock, Quantity: level.Quantity, Threshold: threshold})
		}
	case threshold.IsPositive() && level.Quantity.LessThanOrEqual(threshold):
		if wanted[TypeLowStock] {
			out = append(out, Condition{Type: TypeLowStock, Quantity: level.Quantity, Threshold: threshold})
		}
	}

	if wanted[TypeExpiring] {
		if c, ok := expiryCondition(TypeExpiring, lots, func(lot inventory.Lot) bool {
			if lot.Status != inventory.LotStatusActive {
				return false
			}
			days, ok := lot.DaysUntilExpiration(day)
			return ok && days >= 0 && days <= window
		}); ok {
			c.Threshold = decimal.NewFromInt(int64(window))
			out = append(out, c)
		}
	}
	if wanted[TypeExpired] {
		// Lots already transitioned to expired keep the alert open while they
		// still hold stock.
		if c, ok := expiryCondition(TypeExpired, lots, func(lot inventory.Lot) bool {
			if lot.Status != inventory.LotStatusActive && lot.Status != inventory.LotStatusExpired {
				return false
			}
			return lot.QuantityRemaining.IsPositive() && lot.ExpiredOn(day)
		}); ok {
			out = append(out, c)
		}
	}
	return out
}

func expiryCondition(t Type, lots []inventory.Lot, match func(inventory.Lot) bool) (Condition, bool) {
	c := Condition{Type: t, Quantity: decimal.Zero}
	for _, lot := range lots {
		if !match(lot) {
			continue
		}
		c.LotIDs = append(c.LotIDs, lot.ID)
		c.Quantity = c.Quantity.Add(lot.QuantityRemaining)
		if c.ExpiresAt == nil || lot.ExpiresAt.Before(*c.ExpiresAt) {
			exp := *lot.ExpiresAt
			c.ExpiresAt = &exp
		}
	}
	return c, len(c.LotIDs) > 0
}

func typeSet(types []Type) map[Type]bool {
	if len(types) == 0 {
		types = AllTypes
	}
	set := make(map[Type]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}
