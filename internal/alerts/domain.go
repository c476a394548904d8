package alerts

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Type enumerates the stock conditions an alert can track.
type Type string

const (
	TypeOutOfStock Type = "out_of_stock"
	TypeLowStock   Type = "low_stock"
	TypeExpiring   Type = "expiring"
	TypeExpired    Type = "expired"
)

// AllTypes lists every alert type in evaluation order.
var AllTypes = []Type{TypeOutOfStock, TypeLowStock, TypeExpiring, TypeExpired}

// Valid reports whether t is a known alert type.
func (t Type) Valid() bool {
	switch t {
	case TypeOutOfStock, TypeLowStock, TypeExpiring, TypeExpired:
		return true
	}
	return false
}

// Severity returns the fixed severity of the type.
func (t Type) Severity() Severity {
	if t == TypeOutOfStock || t == TypeExpired {
		return SeverityCritical
	}
	return SeverityWarning
}

// Severity ranks alerts for notification routing.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status is the lifecycle state of an alert row.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

var (
	// ErrInvalidType indicates an alert type outside the enumeration.
	ErrInvalidType = errors.New("alerts: invalid alert type")
	// ErrInvalidScope indicates a sweep or evaluation without identifiers.
	ErrInvalidScope = errors.New("alerts: invalid scope")
)

// Alert is one raised condition for a product in a warehouse. Resolved alerts
// are kept; a recurring condition opens a new row.
type Alert struct {
	ID          int64
	TenantID    int64
	ProductID   int64
	WarehouseID int64
	Type        Type
	Severity    Severity
	Status      Status
	Quantity    decimal.Decimal
	Threshold   decimal.Decimal
	LotIDs      []int64
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// Condition is a currently holding alert condition.
type Condition struct {
	Type      Type
	Quantity  decimal.Decimal
	Threshold decimal.Decimal
	LotIDs    []int64
	ExpiresAt *time.Time
}

// Scope identifies one product in one warehouse.
type Scope struct {
	TenantID    int64
	ProductID   int64
	WarehouseID int64
}

// Outcome reports the transitions of a single evaluation.
type Outcome struct {
	Raised   []Alert
	Resolved []Alert
}

// SweepParams narrows a sweep. Zero TenantID sweeps every tenant, empty Types
// evaluates every type.
type SweepParams struct {
	TenantID int64
	Types    []Type
}

// SweepResult counts transitions per alert type.
type SweepResult struct {
	Created   map[Type]int `json:"created"`
	Resolved  map[Type]int `json:"resolved"`
	Evaluated int          `json:"evaluated"`
}

// ListFilter filters alert listings.
type ListFilter struct {
	TenantID    int64
	ProductID   int64
	WarehouseID int64
	Status      Status
	Type        Type
	Limit       int
}

func newSweepResult() SweepResult {
	return SweepResult{Created: map[Type]int{}, Resolved: map[Type]int{}}
}
