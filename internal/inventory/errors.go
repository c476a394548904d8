package inventory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidMovementType indicates a movement type outside the closed enumeration.
	ErrInvalidMovementType = errors.New("inventory: invalid movement type")
	// ErrInvalidQuantity indicates a zero or malformed quantity.
	ErrInvalidQuantity = errors.New("inventory: invalid quantity")
	// ErrInvalidUnitCost indicates a missing or negative unit cost.
	ErrInvalidUnitCost = errors.New("inventory: unit cost must be >= 0")
	// ErrInvalidRequest covers missing identifiers and malformed references.
	ErrInvalidRequest = errors.New("inventory: invalid movement request")
	// ErrInsufficientStock is returned when eligible lots cannot cover the request.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrNegativeStock triggered when movement would result negative qty.
	ErrNegativeStock = errors.New("inventory: negative stock not allowed")
	// ErrDuplicateMovement marks a reference already completed.
	ErrDuplicateMovement = errors.New("inventory: duplicate movement")
	// ErrLockTimeout means the balance lock was not acquired in time.
	ErrLockTimeout = errors.New("inventory: lock timeout")
	// ErrLotNotEligible means the referenced lot cannot take part in the movement.
	ErrLotNotEligible = errors.New("inventory: lot not eligible")
	// ErrProductNotFound indicates a missing or inactive product.
	ErrProductNotFound = errors.New("inventory: product not found")
	// ErrWarehouseNotFound indicates a missing or inactive warehouse.
	ErrWarehouseNotFound = errors.New("inventory: warehouse not found")
	// ErrMovementNotFound indicates a missing movement record.
	ErrMovementNotFound = errors.New("inventory: movement not found")
	// ErrBalanceNotFound indicates missing balance row.
	ErrBalanceNotFound = errors.New("inventory: balance not found")
	// ErrLotNotFound indicates missing lot row.
	ErrLotNotFound = errors.New("inventory: lot not found")
)

// MovementError carries machine readable context for a failed movement.
type MovementError struct {
	Err         error
	ProductID   int64
	WarehouseID int64
	LotID       int64
	Requested   decimal.Decimal
	Available   decimal.Decimal
	MovementID  uuid.UUID
	Reason      string
}

func (e *MovementError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.ProductID != 0 || e.WarehouseID != 0 {
		fmt.Fprintf(&b, " (product=%d warehouse=%d", e.ProductID, e.WarehouseID)
		if e.LotID != 0 {
			fmt.Fprintf(&b, " lot=%d", e.LotID)
		}
		b.WriteString(")")
	}
	if !e.Requested.IsZero() || !e.Available.IsZero() {
		fmt.Fprintf(&b, " requested=%s available=%s", e.Requested.String(), e.Available.String())
	}
	if e.MovementID != uuid.Nil {
		fmt.Fprintf(&b, " movement=%s", e.MovementID)
	}
	return b.String()
}

func (e *MovementError) Unwrap() error {
	return e.Err
}

// IsValidationError reports errors that are surfaced before storage is touched.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidMovementType) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidUnitCost) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsBusinessError reports every condition the caller can recover from.
// Anything else is a storage failure and should be retried by the job runner.
func IsBusinessError(err error) bool {
	if err == nil {
		return false
	}
	if IsValidationError(err) {
		return true
	}
	for _, target := range []error{
		ErrInsufficientStock,
		ErrNegativeStock,
		ErrDuplicateMovement,
		ErrLotNotEligible,
		ErrProductNotFound,
		ErrWarehouseNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func shortage(productID, warehouseID int64, requested, available decimal.Decimal) error {
	return &MovementError{
		Err:         ErrInsufficientStock,
		ProductID:   productID,
		WarehouseID: warehouseID,
		Requested:   requested,
		Available:   available,
	}
}

func lotNotEligible(productID, warehouseID, lotID int64, reason string) error {
	return &MovementError{
		Err:         ErrLotNotEligible,
		ProductID:   productID,
		WarehouseID: warehouseID,
		LotID:       lotID,
		Reason:      reason,
	}
}

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidMovementType, "invalid_movement_type"},
	{ErrInvalidQuantity, "invalid_quantity"},
	{ErrInvalidUnitCost, "invalid_unit_cost"},
	{ErrInvalidRequest, "invalid_request"},
	{ErrInsufficientStock, "insufficient_stock"},
	{ErrNegativeStock, "negative_stock"},
	{ErrDuplicateMovement, "duplicate_movement"},
	{ErrLockTimeout, "lock_timeout"},
	{ErrLotNotEligible, "lot_not_eligible"},
	{ErrProductNotFound, "product_not_found"},
	{ErrWarehouseNotFound, "warehouse_not_found"},
	{ErrMovementNotFound, "movement_not_found"},
}

// Kind returns the stable machine name of a ledger error, or "internal".
func Kind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

// ProblemContext exposes the error fields to HTTP problem responses.
func (e *MovementError) ProblemContext() map[string]any {
	ctx := map[string]any{"kind": Kind(e.Err)}
	if e.ProductID != 0 {
		ctx["product_id"] = e.ProductID
	}
	if e.WarehouseID != 0 {
		ctx["warehouse_id"] = e.WarehouseID
	}
	if e.LotID != 0 {
		ctx["lot_id"] = e.LotID
	}
	if !e.Requested.IsZero() || !e.Available.IsZero() {
		ctx["requested"] = e.Requested.String()
		ctx["available"] = e.Available.String()
	}
	if e.MovementID != uuid.Nil {
		ctx["movement_id"] = e.MovementID.String()
	}
	return ctx
}
