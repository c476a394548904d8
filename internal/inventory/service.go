package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// quantityScale bounds the decimal places accepted on a quantity.
const quantityScale = 4

// RepositoryPort abstracts repository usage for the ledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	FindCompletedMovement(ctx context.Context, tenantID int64, reference string) (Movement, error)
	InsertMovement(ctx context.Context, m Movement) error
	GetMovement(ctx context.Context, tenantID int64, id uuid.UUID) (Movement, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	ListBalances(ctx context.Context, tenantID, productID, warehouseID int64) ([]Balance, error)
	ListLots(ctx context.Context, tenantID, productID, warehouseID int64) ([]Lot, error)
	GetStockLevel(ctx context.Context, tenantID, productID, warehouseID int64) (StockLevel, error)
}

// LedgerConfig groups optional collaborators.
type LedgerConfig struct {
	Locker    shared.KeyLocker
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Clock     func() time.Time
}

// Ledger records inventory movements and keeps balances and lots in step.
type Ledger struct {
	repo      RepositoryPort
	store     *Store
	allocator Allocator
	locker    shared.KeyLocker
	publisher Publisher
	watcher   StockWatcher
	validate  *validator.Validate
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewLedger builds Ledger. Without a locker an in-process keyed mutex is used.
func NewLedger(repo RepositoryPort, cfg LedgerConfig) *Ledger {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	locker := cfg.Locker
	if locker == nil {
		locker = shared.NewLocalLocker(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		repo:      repo,
		store:     NewStore(clock),
		locker:    locker,
		publisher: cfg.Publisher,
		validate:  validator.New(),
		logger:    logger.With(slog.String("component", "inventory.ledger")),
		metrics:   cfg.Metrics,
		clock:     clock,
	}
}

// SetStockWatcher installs the post-commit stock check.
func (l *Ledger) SetStockWatcher(w StockWatcher) {
	l.watcher = w
}

// Validate checks a request without touching storage.
func (l *Ledger) Validate(req MovementRequest) error {
	if !req.Type.Valid() {
		return &MovementError{Err: ErrInvalidMovementType, ProductID: req.ProductID, WarehouseID: req.WarehouseID, Reason: fmt.Sprintf("%q", req.Type)}
	}
	if err := l.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !req.Quantity.Round(quantityScale).Equal(req.Quantity) {
		return &MovementError{Err: ErrInvalidQuantity, ProductID: req.ProductID, WarehouseID: req.WarehouseID, Reason: "too many decimal places"}
	}
	if req.Type == MovementTypeAdjustment {
		if req.Quantity.IsZero() {
			return &MovementError{Err: ErrInvalidQuantity, ProductID: req.ProductID, WarehouseID: req.WarehouseID, Reason: "adjustment must be non zero"}
		}
	} else if !req.Quantity.IsPositive() {
		return &MovementError{Err: ErrInvalidQuantity, ProductID: req.ProductID, WarehouseID: req.WarehouseID, Reason: "quantity must be positive"}
	}
	if req.UnitCost != nil && req.UnitCost.IsNegative() {
		return ErrInvalidUnitCost
	}
	if req.Type == MovementTypeTransfer {
		if req.DestinationWarehouseID == 0 {
			return fmt.Errorf("%w: destination warehouse required", ErrInvalidRequest)
		}
		if req.DestinationWarehouseID == req.WarehouseID {
			return fmt.Errorf("%w: source and destination warehouse must differ", ErrInvalidRequest)
		}
	}
	if req.ManufacturedAt != nil && req.ExpiresAt != nil && req.ExpiresAt.Before(*req.ManufacturedAt) {
		return fmt.Errorf("%w: expiration precedes manufacture", ErrInvalidRequest)
	}
	return nil
}

// Record validates, applies and persists a single movement atomically.
func (l *Ledger) Record(ctx context.Context, req MovementRequest) (MovementResult, error) {
	if err := l.Validate(req); err != nil {
		l.metrics.AddMovement(string(req.Type), "rejected")
		return MovementResult{}, err
	}
	if req.Reference != "" {
		existing, err := l.repo.FindCompletedMovement(ctx, req.TenantID, req.Reference)
		if err == nil {
			l.metrics.AddMovement(string(req.Type), "duplicate")
			return MovementResult{Movement: existing}, duplicateOf(existing)
		}
		if !errors.Is(err, ErrMovementNotFound) {
			return MovementResult{}, err
		}
	}

	unlock, err := l.lock(ctx, req.TenantID, req.ProductID, req.WarehouseID, req.DestinationWarehouseID)
	if err != nil {
		l.metrics.AddMovement(string(req.Type), "failed")
		return MovementResult{}, err
	}
	now := l.clock()
	var result MovementResult
	err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := l.apply(ctx, tx, req, now)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	unlock()
	if err != nil {
		if errors.Is(err, ErrDuplicateMovement) {
			l.metrics.AddMovement(string(req.Type), "duplicate")
		} else {
			l.metrics.AddMovement(string(req.Type), "failed")
		}
		return result, err
	}
	l.metrics.AddMovement(string(req.Type), string(MovementStatusCompleted))
	l.afterCommit(ctx, result, now)
	return result, nil
}

// RecordFailure persists a failed movement carrying the final error so that
// exhausted retries are never dropped silently.
func (l *Ledger) RecordFailure(ctx context.Context, req MovementRequest, cause error) (Movement, error) {
	if cause == nil || errors.Is(cause, ErrDuplicateMovement) {
		return Movement{}, nil
	}
	now := l.clock()
	m := Movement{
		ID:                     uuid.New(),
		TenantID:               req.TenantID,
		Reference:              req.Reference,
		Type:                   req.Type,
		Status:                 MovementStatusFailed,
		ProductID:              req.ProductID,
		WarehouseID:            req.WarehouseID,
		DestinationWarehouseID: req.DestinationWarehouseID,
		LotID:                  req.LotID,
		Quantity:               req.Quantity,
		Note:                   req.Note,
		FailureReason:          cause.Error(),
		ActorID:                req.ActorID,
		CreatedAt:              now,
		FailedAt:               &now,
	}
	if req.UnitCost != nil {
		m.UnitCost = *req.UnitCost
	}
	if err := l.repo.InsertMovement(ctx, m); err != nil {
		return Movement{}, err
	}
	l.logger.Warn("movement failed",
		slog.String("movement_id", m.ID.String()),
		slog.String("reference", m.Reference),
		slog.String("type", string(m.Type)),
		slog.Int64("product_id", m.ProductID),
		slog.Int64("warehouse_id", m.WarehouseID),
		slog.String("reason", m.FailureReason),
	)
	return m, nil
}

// ExpireLots transitions active lots past their expiration date to expired.
// It is idempotent and takes the same key lock as movements.
func (l *Ledger) ExpireLots(ctx context.Context, tenantID, productID, warehouseID int64, day time.Time) ([]Lot, error) {
	unlock, err := l.lock(ctx, tenantID, productID, warehouseID, 0)
	if err != nil {
		return nil, err
	}
	defer unlock()
	now := l.clock()
	var expired []Lot
	err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lots, err := tx.ListLotsForUpdate(ctx, tenantID, productID, warehouseID)
		if err != nil {
			return err
		}
		for _, lot := range lots {
			if lot.Status != LotStatusActive || !lot.ExpiredOn(day) {
				continue
			}
			lot.Status = LotStatusExpired
			lot.UpdatedAt = now
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
			expired = append(expired, lot)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// GetMovement returns a single movement with its lines.
func (l *Ledger) GetMovement(ctx context.Context, tenantID int64, id uuid.UUID) (Movement, error) {
	return l.repo.GetMovement(ctx, tenantID, id)
}

// StockCard lists movements of a product in a warehouse.
func (l *Ledger) StockCard(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.TenantID == 0 || filter.WarehouseID == 0 || filter.ProductID == 0 {
		return nil, fmt.Errorf("%w: tenant, warehouse and product required", ErrInvalidRequest)
	}
	return l.repo.ListMovements(ctx, filter)
}

// Balances lists balance rows of a product in a warehouse.
func (l *Ledger) Balances(ctx context.Context, tenantID, productID, warehouseID int64) ([]Balance, error) {
	if tenantID == 0 || warehouseID == 0 || productID == 0 {
		return nil, fmt.Errorf("%w: tenant, warehouse and product required", ErrInvalidRequest)
	}
	return l.repo.ListBalances(ctx, tenantID, productID, warehouseID)
}

// Lots lists lots of a product in a warehouse in consumption order.
func (l *Ledger) Lots(ctx context.Context, tenantID, productID, warehouseID int64) ([]Lot, error) {
	if tenantID == 0 || warehouseID == 0 || productID == 0 {
		return nil, fmt.Errorf("%w: tenant, warehouse and product required", ErrInvalidRequest)
	}
	lots, err := l.repo.ListLots(ctx, tenantID, productID, warehouseID)
	if err != nil {
		return nil, err
	}
	l.allocator.Order(lots)
	return lots, nil
}

func (l *Ledger) lock(ctx context.Context, tenantID, productID, warehouseID, destinationID int64) (func(), error) {
	keys := []string{shared.InventoryLockKey(tenantID, productID, warehouseID)}
	if destinationID != 0 {
		keys = append(keys, shared.InventoryLockKey(tenantID, productID, destinationID))
	}
	unlock, err := shared.LockAll(ctx, l.locker, keys...)
	if err != nil {
		if errors.Is(err, shared.ErrLockNotAcquired) {
			return func() {}, &MovementError{Err: ErrLockTimeout, ProductID: productID, WarehouseID: warehouseID, Reason: err.Error()}
		}
		return func() {}, err
	}
	return unlock, nil
}

type lotSpec struct {
	ID             int64
	Number         string
	ManufacturedAt *time.Time
	ExpiresAt      *time.Time
	Required       bool
	// AllowExpired lets an explicit lot that has expired be written off.
	AllowExpired bool
}

func (s lotSpec) empty() bool {
	return s.ID == 0 && s.Number == ""
}

func (l *Ledger) apply(ctx context.Context, tx TxRepository, req MovementRequest, now time.Time) (MovementResult, error) {
	if req.Reference != "" {
		existing, err := tx.FindCompletedMovement(ctx, req.TenantID, req.Reference)
		if err == nil {
			return MovementResult{Movement: existing}, duplicateOf(existing)
		}
		if !errors.Is(err, ErrMovementNotFound) {
			return MovementResult{}, err
		}
	}
	product, err := tx.GetProduct(ctx, req.TenantID, req.ProductID)
	if err != nil {
		return MovementResult{}, err
	}
	if !product.Active {
		return MovementResult{}, &MovementError{Err: ErrProductNotFound, ProductID: product.ID, Reason: "product inactive"}
	}
	if err := checkWarehouse(ctx, tx, req.TenantID, req.WarehouseID); err != nil {
		return MovementResult{}, err
	}

	previous, err := tx.SumQuantity(ctx, req.TenantID, req.ProductID, req.WarehouseID)
	if err != nil {
		return MovementResult{}, err
	}

	m := Movement{
		ID:                     uuid.New(),
		TenantID:               req.TenantID,
		Reference:              req.Reference,
		Type:                   req.Type,
		Status:                 MovementStatusCompleted,
		ProductID:              req.ProductID,
		WarehouseID:            req.WarehouseID,
		DestinationWarehouseID: req.DestinationWarehouseID,
		PreviousQuantity:       previous,
		Note:                   req.Note,
		ActorID:                req.ActorID,
		CreatedAt:              now,
		CompletedAt:            &now,
	}
	spec := lotSpec{
		ID:             req.LotID,
		Number:         req.LotNumber,
		ManufacturedAt: req.ManufacturedAt,
		ExpiresAt:      req.ExpiresAt,
		AllowExpired:   req.Type == MovementTypeDisposal,
	}

	var (
		changes []BalanceChange
		lines   []MovementLine
		plan    []Allocation
	)
	switch req.Type.Direction() {
	case DirectionInbound:
		cost, err := inboundCost(req, product)
		if err != nil {
			return MovementResult{}, err
		}
		spec.Required = product.TracksLots
		change, line, err := l.receive(ctx, tx, product, req.WarehouseID, req.Quantity, &cost, spec, now)
		if err != nil {
			return MovementResult{}, err
		}
		changes, lines = append(changes, change), append(lines, line)
	case DirectionOutbound:
		plan, changes, lines, err = l.issue(ctx, tx, product, req.WarehouseID, req.Quantity, spec, now)
		if err != nil {
			return MovementResult{}, err
		}
	case DirectionTransfer:
		if err := checkWarehouse(ctx, tx, req.TenantID, req.DestinationWarehouseID); err != nil {
			return MovementResult{}, err
		}
		plan, changes, lines, err = l.issue(ctx, tx, product, req.WarehouseID, req.Quantity, spec, now)
		if err != nil {
			return MovementResult{}, err
		}
		sourceLines := lines
		for i, a := range plan {
			dest := lotSpec{}
			if a.Lot.ID != 0 {
				dest = lotSpec{Number: a.Lot.LotNumber, ManufacturedAt: a.Lot.ManufacturedAt, ExpiresAt: a.Lot.ExpiresAt}
			}
			cost := sourceLines[i].UnitCost
			change, line, err := l.receive(ctx, tx, product, req.DestinationWarehouseID, a.Quantity, &cost, dest, now)
			if err != nil {
				return MovementResult{}, err
			}
			changes, lines = append(changes, change), append(lines, line)
		}
	case DirectionSigned:
		if req.Quantity.IsPositive() {
			var cost *decimal.Decimal
			if c, err := inboundCost(req, product); err == nil {
				cost = &c
			} else if req.UnitCost != nil {
				return MovementResult{}, err
			}
			spec.Required = product.TracksLots
			change, line, err := l.receive(ctx, tx, product, req.WarehouseID, req.Quantity, cost, spec, now)
			if err != nil {
				return MovementResult{}, err
			}
			changes, lines = append(changes, change), append(lines, line)
		} else {
			plan, changes, lines, err = l.issue(ctx, tx, product, req.WarehouseID, req.Quantity.Abs(), spec, now)
			if err != nil {
				return MovementResult{}, err
			}
		}
	}

	summarise(&m, lines)
	m.NewQuantity = m.PreviousQuantity.Add(m.Quantity)
	for i := range lines {
		lines[i].MovementID = m.ID
	}
	m.Lines = lines
	if err := tx.InsertMovement(ctx, m); err != nil {
		return MovementResult{}, err
	}

	balances := make([]Balance, 0, len(changes))
	for _, c := range changes {
		balances = append(balances, c.After)
	}
	return MovementResult{Movement: m, Balances: balances, Allocations: plan}, nil
}

// receive credits qty into a warehouse, creating or replenishing the lot when
// one is referenced.
func (l *Ledger) receive(ctx context.Context, tx TxRepository, product Product, warehouseID int64, qty decimal.Decimal, cost *decimal.Decimal, spec lotSpec, now time.Time) (BalanceChange, MovementLine, error) {
	var lotID int64
	if !spec.empty() {
		lot, err := l.inboundLot(ctx, tx, product, warehouseID, spec, now)
		if err != nil {
			return BalanceChange{}, MovementLine{}, err
		}
		lot.QuantityRemaining = lot.QuantityRemaining.Add(qty)
		lot.UpdatedAt = now
		if lot.ID == 0 {
			id, err := tx.InsertLot(ctx, lot)
			if err != nil {
				return BalanceChange{}, MovementLine{}, err
			}
			lot.ID = id
		} else if err := tx.UpdateLot(ctx, lot); err != nil {
			return BalanceChange{}, MovementLine{}, err
		}
		lotID = lot.ID
	} else if spec.Required {
		return BalanceChange{}, MovementLine{}, lotNotEligible(product.ID, warehouseID, 0, "lot number required")
	}

	key := BalanceKey{TenantID: product.TenantID, ProductID: product.ID, WarehouseID: warehouseID, LotID: lotID}
	change, err := l.store.ApplyDelta(ctx, tx, key, qty, cost)
	if err != nil {
		return BalanceChange{}, MovementLine{}, err
	}
	unitCost := change.After.UnitCost
	if cost != nil {
		unitCost = *cost
	}
	return change, MovementLine{WarehouseID: warehouseID, LotID: lotID, Quantity: qty, UnitCost: unitCost}, nil
}

func (l *Ledger) inboundLot(ctx context.Context, tx TxRepository, product Product, warehouseID int64, spec lotSpec, now time.Time) (Lot, error) {
	lot, err := findLot(ctx, tx, product, warehouseID, spec)
	if errors.Is(err, ErrLotNotFound) {
		if spec.ID != 0 {
			return Lot{}, lotNotEligible(product.ID, warehouseID, spec.ID, "lot not found")
		}
		if product.Perishable && spec.ExpiresAt == nil {
			return Lot{}, lotNotEligible(product.ID, warehouseID, 0, "expiration date required for perishable product")
		}
		return Lot{
			TenantID:          product.TenantID,
			ProductID:         product.ID,
			WarehouseID:       warehouseID,
			LotNumber:         spec.Number,
			ManufacturedAt:    spec.ManufacturedAt,
			ExpiresAt:         spec.ExpiresAt,
			QuantityRemaining: decimal.Zero,
			Status:            LotStatusActive,
			CreatedAt:         now,
		}, nil
	}
	if err != nil {
		return Lot{}, err
	}
	switch lot.Status {
	case LotStatusActive:
	case LotStatusDepleted:
		lot.Status = LotStatusActive
	default:
		return Lot{}, lotNotEligible(product.ID, warehouseID, lot.ID, fmt.Sprintf("lot is %s", lot.Status))
	}
	if lot.ExpiredOn(now) {
		return Lot{}, lotNotEligible(product.ID, warehouseID, lot.ID, "lot expired")
	}
	return lot, nil
}

// issue debits qty from a warehouse under the FEFO plan, or from the single
// lot the caller named.
func (l *Ledger) issue(ctx context.Context, tx TxRepository, product Product, warehouseID int64, qty decimal.Decimal, spec lotSpec, now time.Time) ([]Allocation, []BalanceChange, []MovementLine, error) {
	var plan []Allocation
	if !spec.empty() {
		lot, err := findLot(ctx, tx, product, warehouseID, spec)
		if errors.Is(err, ErrLotNotFound) {
			return nil, nil, nil, lotNotEligible(product.ID, warehouseID, spec.ID, "lot not found")
		}
		if err != nil {
			return nil, nil, nil, err
		}
		expiredOK := spec.AllowExpired && (lot.Status == LotStatusExpired || lot.Status == LotStatusActive)
		if lot.Status != LotStatusActive && !expiredOK {
			return nil, nil, nil, lotNotEligible(product.ID, warehouseID, lot.ID, fmt.Sprintf("lot is %s", lot.Status))
		}
		if lot.ExpiredOn(now) && !expiredOK {
			return nil, nil, nil, lotNotEligible(product.ID, warehouseID, lot.ID, "lot expired")
		}
		if lot.QuantityRemaining.LessThan(qty) {
			return nil, nil, nil, &MovementError{Err: ErrInsufficientStock, ProductID: product.ID, WarehouseID: warehouseID, LotID: lot.ID, Requested: qty, Available: lot.QuantityRemaining}
		}
		plan = []Allocation{{Lot: lot, Quantity: qty}}
	} else {
		candidates, err := tx.ListLotsForUpdate(ctx, product.TenantID, product.ID, warehouseID)
		if err != nil {
			return nil, nil, nil, err
		}
		untracked, err := tx.GetBalanceForUpdate(ctx, BalanceKey{TenantID: product.TenantID, ProductID: product.ID, WarehouseID: warehouseID})
		if err != nil && !errors.Is(err, ErrBalanceNotFound) {
			return nil, nil, nil, err
		}
		if untracked.Quantity.IsPositive() {
			// Stock received without a lot is consumed as the oldest undated batch.
			candidates = append(candidates, Lot{
				TenantID:          product.TenantID,
				ProductID:         product.ID,
				WarehouseID:       warehouseID,
				QuantityRemaining: untracked.Quantity,
				Status:            LotStatusActive,
			})
		}
		plan, err = l.allocator.Allocate(candidates, qty, now)
		if err != nil {
			var me *MovementError
			if errors.As(err, &me) {
				me.ProductID, me.WarehouseID = product.ID, warehouseID
			}
			return nil, nil, nil, err
		}
	}

	changes := make([]BalanceChange, 0, len(plan))
	lines := make([]MovementLine, 0, len(plan))
	for i, a := range plan {
		key := BalanceKey{TenantID: product.TenantID, ProductID: product.ID, WarehouseID: warehouseID, LotID: a.Lot.ID}
		change, err := l.store.ApplyDelta(ctx, tx, key, a.Quantity.Neg(), nil)
		if err != nil {
			return nil, nil, nil, err
		}
		if a.Lot.ID != 0 {
			lot := a.Lot
			lot.QuantityRemaining = lot.QuantityRemaining.Sub(a.Quantity)
			if lot.QuantityRemaining.IsZero() {
				lot.Status = LotStatusDepleted
			}
			lot.UpdatedAt = now
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return nil, nil, nil, err
			}
			plan[i].Lot = lot
		}
		changes = append(changes, change)
		lines = append(lines, MovementLine{WarehouseID: warehouseID, LotID: a.Lot.ID, Quantity: a.Quantity.Neg(), UnitCost: change.Before.UnitCost})
	}
	return plan, changes, lines, nil
}

func (l *Ledger) afterCommit(ctx context.Context, result MovementResult, now time.Time) {
	m := result.Movement
	logger := l.logger.With(slog.String("movement_id", m.ID.String()), slog.String("type", string(m.Type)))
	if l.publisher != nil {
		evt := MovementCompletedEvent{Movement: m, Balances: result.Balances, OccurredAt: now}
		if err := l.publisher.PublishMovementCompleted(ctx, evt); err != nil {
			logger.Warn("publish movement completed", slog.Any("error", err))
		}
	}
	if l.watcher == nil {
		return
	}
	warehouses := []int64{m.WarehouseID}
	if m.DestinationWarehouseID != 0 {
		warehouses = append(warehouses, m.DestinationWarehouseID)
	}
	for _, wh := range warehouses {
		if err := l.watcher.CheckStock(ctx, m.TenantID, m.ProductID, wh); err != nil {
			logger.Warn("post movement stock check", slog.Int64("warehouse_id", wh), slog.Any("error", err))
		}
	}
}

func checkWarehouse(ctx context.Context, tx TxRepository, tenantID, warehouseID int64) error {
	w, err := tx.GetWarehouse(ctx, tenantID, warehouseID)
	if err != nil {
		return err
	}
	if !w.Active {
		return &MovementError{Err: ErrWarehouseNotFound, WarehouseID: warehouseID, Reason: "warehouse inactive"}
	}
	return nil
}

func findLot(ctx context.Context, tx TxRepository, product Product, warehouseID int64, spec lotSpec) (Lot, error) {
	if spec.ID == 0 {
		return tx.FindLotByNumberForUpdate(ctx, product.TenantID, product.ID, warehouseID, spec.Number)
	}
	lot, err := tx.GetLotForUpdate(ctx, product.TenantID, spec.ID)
	if err != nil {
		return Lot{}, err
	}
	if lot.ProductID != product.ID || lot.WarehouseID != warehouseID {
		return Lot{}, lotNotEligible(product.ID, warehouseID, lot.ID, "lot belongs to another product or warehouse")
	}
	return lot, nil
}

// inboundCost resolves the unit cost of an inbound movement: explicit cost
// first, then the product default.
func inboundCost(req MovementRequest, product Product) (decimal.Decimal, error) {
	if req.UnitCost != nil {
		if req.UnitCost.IsNegative() {
			return decimal.Zero, ErrInvalidUnitCost
		}
		return *req.UnitCost, nil
	}
	if product.DefaultUnitCost.IsPositive() {
		return product.DefaultUnitCost, nil
	}
	return decimal.Zero, &MovementError{Err: ErrInvalidUnitCost, ProductID: product.ID, WarehouseID: req.WarehouseID, Reason: "unit cost required"}
}

// summarise derives the signed quantity and cost of the movement from the
// lines booked against its source warehouse.
func summarise(m *Movement, lines []MovementLine) {
	qty := decimal.Zero
	cost := decimal.Zero
	lots := map[int64]struct{}{}
	for _, line := range lines {
		if line.WarehouseID != m.WarehouseID {
			continue
		}
		qty = qty.Add(line.Quantity)
		cost = cost.Add(line.Quantity.Abs().Mul(line.UnitCost))
		lots[line.LotID] = struct{}{}
	}
	m.Quantity = qty
	if qty.IsPositive() {
		m.QuantityIn = qty
	} else {
		m.QuantityOut = qty.Abs()
	}
	m.TotalCost = cost
	if !qty.IsZero() {
		m.UnitCost = cost.DivRound(qty.Abs(), costScale)
	}
	if len(lots) == 1 {
		for id := range lots {
			m.LotID = id
		}
	}
}

func duplicateOf(existing Movement) error {
	return &MovementError{
		Err:         ErrDuplicateMovement,
		ProductID:   existing.ProductID,
		WarehouseID: existing.WarehouseID,
		MovementID:  existing.ID,
		Reason:      fmt.Sprintf("reference %q already completed", existing.Reference),
	}
}
