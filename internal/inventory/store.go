package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceChange captures a balance row before and after a delta.
type BalanceChange struct {
	Before Balance
	After  Balance
}

// Store applies quantity deltas to balance rows. Callers must hold the key
// lock and run inside a repository transaction.
type Store struct {
	clock func() time.Time
}

// NewStore constructs Store.
func NewStore(clock func() time.Time) *Store {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Store{clock: clock}
}

// ApplyDelta reads the row for update, creating it on first reference, and
// writes the new quantity. unitCost is only honoured for positive deltas; a
// nil unitCost on an inbound delta keeps the current cost basis.
func (s *Store) ApplyDelta(ctx context.Context, tx TxRepository, key BalanceKey, delta decimal.Decimal, unitCost *decimal.Decimal) (BalanceChange, error) {
	before, err := tx.GetBalanceForUpdate(ctx, key)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return BalanceChange{}, err
	}
	if errors.Is(err, ErrBalanceNotFound) {
		before = Balance{BalanceKey: key}
	}

	newQty := before.Quantity.Add(delta)
	if newQty.IsNegative() {
		return BalanceChange{}, &MovementError{
			Err:         ErrNegativeStock,
			ProductID:   key.ProductID,
			WarehouseID: key.WarehouseID,
			LotID:       key.LotID,
			Requested:   delta.Neg(),
			Available:   before.Quantity,
		}
	}

	newCost := before.UnitCost
	if delta.IsPositive() && unitCost != nil {
		newCost = WeightedAverage(before.Quantity, before.UnitCost, delta, *unitCost)
	}

	after := before
	after.Quantity = newQty
	after.UnitCost = newCost
	after.TotalValue = valuate(newQty, newCost)
	after.UpdatedAt = s.clock()
	if err := tx.UpsertBalance(ctx, after); err != nil {
		return BalanceChange{}, err
	}
	return BalanceChange{Before: before, After: after}, nil
}
