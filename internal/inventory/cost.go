package inventory

import "github.com/shopspring/decimal"

// costScale is the number of decimal places kept for unit costs.
const costScale = 6

// WeightedAverage blends the current unit cost with an incoming one
// proportionally to quantity. When the combined quantity is zero the
// incoming cost becomes the new basis.
func WeightedAverage(currentQty, currentCost, incomingQty, incomingCost decimal.Decimal) decimal.Decimal {
	total := currentQty.Add(incomingQty)
	if total.IsZero() {
		return incomingCost
	}
	value := currentQty.Mul(currentCost).Add(incomingQty.Mul(incomingCost))
	return value.DivRound(total, costScale)
}

// valuate recomputes the derived total value of a balance. It is never
// stored independently of quantity and unit cost.
func valuate(qty, unitCost decimal.Decimal) decimal.Decimal {
	return qty.Mul(unitCost)
}
