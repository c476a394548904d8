package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MovementType enumerates supported inventory movements.
type MovementType string

const (
	// MovementTypeIn represents a generic inbound movement.
	MovementTypeIn MovementType = "in"
	// MovementTypeInitialStock seeds opening balances.
	MovementTypeInitialStock MovementType = "initial_stock"
	// MovementTypePurchase receives purchased goods.
	MovementTypePurchase MovementType = "purchase"
	// MovementTypeDonation receives donated goods.
	MovementTypeDonation MovementType = "donation"
	// MovementTypeReturn receives goods returned by a customer.
	MovementTypeReturn MovementType = "return"
	// MovementTypeOut represents a generic outbound movement.
	MovementTypeOut MovementType = "out"
	// MovementTypeDispatch ships goods out of a warehouse.
	MovementTypeDispatch MovementType = "dispatch"
	// MovementTypeDisposal writes off damaged or unusable goods.
	MovementTypeDisposal MovementType = "disposal"
	// MovementTypeTransfer moves goods between two warehouses.
	MovementTypeTransfer MovementType = "transfer"
	// MovementTypeAdjustment is the only signed movement.
	MovementTypeAdjustment MovementType = "adjustment"
)

// Direction describes how a movement type affects the balance.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionInbound
	DirectionOutbound
	DirectionTransfer
	DirectionSigned
)

// Direction reports the balance direction implied by the movement type.
func (t MovementType) Direction() Direction {
	switch t {
	case MovementTypeIn, MovementTypeInitialStock, MovementTypePurchase, MovementTypeDonation, MovementTypeReturn:
		return DirectionInbound
	case MovementTypeOut, MovementTypeDispatch, MovementTypeDisposal:
		return DirectionOutbound
	case MovementTypeTransfer:
		return DirectionTransfer
	case MovementTypeAdjustment:
		return DirectionSigned
	default:
		return DirectionUnknown
	}
}

// Valid reports whether the type belongs to the closed enumeration.
func (t MovementType) Valid() bool {
	return t.Direction() != DirectionUnknown
}

// MovementStatus tracks the lifecycle of a movement record.
type MovementStatus string

const (
	MovementStatusPending   MovementStatus = "pending"
	MovementStatusCompleted MovementStatus = "completed"
	MovementStatusFailed    MovementStatus = "failed"
	MovementStatusCancelled MovementStatus = "cancelled"
)

// LotStatus tracks whether a lot can be consumed.
type LotStatus string

const (
	LotStatusActive      LotStatus = "active"
	LotStatusQuarantined LotStatus = "quarantined"
	LotStatusExpired     LotStatus = "expired"
	LotStatusDepleted    LotStatus = "depleted"
	LotStatusDisposed    LotStatus = "disposed"
	LotStatusArchived    LotStatus = "archived"
)

// Product carries the catalogue attributes the ledger depends on.
type Product struct {
	ID              int64
	TenantID        int64
	SKU             string
	Name            string
	MinimumStock    decimal.Decimal
	MaximumStock    decimal.Decimal
	ReorderPoint    decimal.Decimal
	Perishable      bool
	TracksLots      bool
	TracksSerials   bool
	DefaultUnitCost decimal.Decimal
	Active          bool
}

// Warehouse is a storage scope owning balances.
type Warehouse struct {
	ID       int64
	TenantID int64
	Code     string
	Name     string
	Capacity decimal.Decimal
	Active   bool
}

// Lot is a distinguishable batch of a product inside a warehouse.
type Lot struct {
	ID                int64
	TenantID          int64
	ProductID         int64
	WarehouseID       int64
	LotNumber         string
	ManufacturedAt    *time.Time
	ExpiresAt         *time.Time
	QuantityRemaining decimal.Decimal
	Status            LotStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExpiredOn reports whether the lot expiration is strictly before day.
func (l Lot) ExpiredOn(day time.Time) bool {
	if l.ExpiresAt == nil {
		return false
	}
	return truncateDay(*l.ExpiresAt).Before(truncateDay(day))
}

// DaysUntilExpiration returns whole days between day and the expiration date.
func (l Lot) DaysUntilExpiration(day time.Time) (int, bool) {
	if l.ExpiresAt == nil {
		return 0, false
	}
	diff := truncateDay(*l.ExpiresAt).Sub(truncateDay(day))
	return int(diff.Hours() / 24), true
}

// Eligible reports whether the lot may be allocated from on day.
func (l Lot) Eligible(day time.Time) bool {
	return l.Status == LotStatusActive && l.QuantityRemaining.IsPositive() && !l.ExpiredOn(day)
}

// BalanceKey identifies a single balance row. LotID zero means untracked stock.
type BalanceKey struct {
	TenantID    int64
	ProductID   int64
	WarehouseID int64
	LotID       int64
}

// Balance summarises stock per product, warehouse and lot.
type Balance struct {
	BalanceKey
	Quantity         decimal.Decimal
	ReservedQuantity decimal.Decimal
	UnitCost         decimal.Decimal
	TotalValue       decimal.Decimal
	UpdatedAt        time.Time
}

// Available returns quantity not held by reservations.
func (b Balance) Available() decimal.Decimal {
	return b.Quantity.Sub(b.ReservedQuantity)
}

// Movement is the immutable audit record of one quantity change.
type Movement struct {
	ID                     uuid.UUID
	TenantID               int64
	Reference              string
	Type                   MovementType
	Status                 MovementStatus
	ProductID              int64
	WarehouseID            int64
	DestinationWarehouseID int64
	LotID                  int64
	Quantity               decimal.Decimal
	QuantityIn             decimal.Decimal
	QuantityOut            decimal.Decimal
	PreviousQuantity       decimal.Decimal
	NewQuantity            decimal.Decimal
	UnitCost               decimal.Decimal
	TotalCost              decimal.Decimal
	Note                   string
	FailureReason          string
	ActorID                int64
	ApprovedBy             int64
	ApprovedAt             *time.Time
	CreatedAt              time.Time
	CompletedAt            *time.Time
	FailedAt               *time.Time
	Lines                  []MovementLine
}

// MovementLine records the per-lot, per-warehouse effect of a movement.
type MovementLine struct {
	MovementID  uuid.UUID
	WarehouseID int64
	LotID       int64
	Quantity    decimal.Decimal
	UnitCost    decimal.Decimal
}

// MovementRequest is the normalised input every caller builds.
type MovementRequest struct {
	TenantID               int64            `json:"tenant_id" validate:"required,gt=0"`
	ProductID              int64            `json:"product_id" validate:"required,gt=0"`
	WarehouseID            int64            `json:"warehouse_id" validate:"required,gt=0"`
	DestinationWarehouseID int64            `json:"destination_warehouse_id,omitempty" validate:"omitempty,gt=0"`
	Type                   MovementType     `json:"type" validate:"required"`
	Quantity               decimal.Decimal  `json:"quantity"`
	LotID                  int64            `json:"lot_id,omitempty" validate:"omitempty,gt=0"`
	LotNumber              string           `json:"lot_number,omitempty" validate:"omitempty,max=64"`
	ManufacturedAt         *time.Time       `json:"manufactured_at,omitempty"`
	ExpiresAt              *time.Time       `json:"expires_at,omitempty"`
	UnitCost               *decimal.Decimal `json:"unit_cost,omitempty"`
	Reference              string           `json:"reference,omitempty" validate:"omitempty,max=128"`
	Note                   string           `json:"note,omitempty" validate:"omitempty,max=500"`
	ActorID                int64            `json:"actor_id" validate:"gte=0"`
}

// MovementResult is returned for every committed movement.
type MovementResult struct {
	Movement    Movement
	Balances    []Balance
	Allocations []Allocation
}

// Allocation is one step of a lot consumption plan.
type Allocation struct {
	Lot      Lot
	Quantity decimal.Decimal
}

// StockLevel aggregates every balance row of a product in a warehouse.
type StockLevel struct {
	TenantID    int64
	ProductID   int64
	WarehouseID int64
	Quantity    decimal.Decimal
	TotalValue  decimal.Decimal
}

// MovementFilter filters movement listings.
type MovementFilter struct {
	TenantID    int64
	ProductID   int64
	WarehouseID int64
	From        time.Time
	To          time.Time
	Limit       int
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
