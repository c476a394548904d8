package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository. lockTimeout bounds row lock waits
// inside each transaction; zero leaves the server default.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// TxRepository exposes transactional operations used by the ledger.
type TxRepository interface {
	GetProduct(ctx context.Context, tenantID, productID int64) (Product, error)
	GetWarehouse(ctx context.Context, tenantID, warehouseID int64) (Warehouse, error)
	FindCompletedMovement(ctx context.Context, tenantID int64, reference string) (Movement, error)
	GetBalanceForUpdate(ctx context.Context, key BalanceKey) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	SumQuantity(ctx context.Context, tenantID, productID, warehouseID int64) (decimal.Decimal, error)
	ListLotsForUpdate(ctx context.Context, tenantID, productID, warehouseID int64) ([]Lot, error)
	GetLotForUpdate(ctx context.Context, tenantID, lotID int64) (Lot, error)
	FindLotByNumberForUpdate(ctx context.Context, tenantID, productID, warehouseID int64, lotNumber string) (Lot, error)
	InsertLot(ctx context.Context, lot Lot) (int64, error)
	UpdateLot(ctx context.Context, lot Lot) error
	InsertMovement(ctx context.Context, m Movement) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := db.SetLockTimeout(ctx, tx, r.lockTimeout); err != nil {
			return err
		}
		return fn(ctx, &txRepository{tx: tx})
	})
	return mapPgError(err)
}

// FindCompletedMovement looks up a completed movement by reference.
func (r *Repository) FindCompletedMovement(ctx context.Context, tenantID int64, reference string) (Movement, error) {
	return findCompletedMovement(ctx, r.pool, tenantID, reference)
}

// InsertMovement stores a movement outside of a balance transaction, used for
// failure records.
func (r *Repository) InsertMovement(ctx context.Context, m Movement) error {
	return r.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertMovement(ctx, m)
	})
}

// GetMovement loads a movement with its lines.
func (r *Repository) GetMovement(ctx context.Context, tenantID int64, id uuid.UUID) (Movement, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+movementColumns+` FROM inventory_movements WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	m, err := scanMovement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, ErrMovementNotFound
		}
		return Movement{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT movement_id, warehouse_id, COALESCE(lot_id, 0), qty, unit_cost
FROM inventory_movement_lines WHERE movement_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return Movement{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line MovementLine
		if err := rows.Scan(&line.MovementID, &line.WarehouseID, &line.LotID, &line.Quantity, &line.UnitCost); err != nil {
			return Movement{}, err
		}
		m.Lines = append(m.Lines, line)
	}
	return m, rows.Err()
}

// ListMovements returns the stock card for a product in a warehouse.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+movementColumns+` FROM inventory_movements
WHERE tenant_id=$1 AND product_id=$2 AND (warehouse_id=$3 OR destination_warehouse_id=$3)
  AND created_at BETWEEN COALESCE($4, '-infinity') AND COALESCE($5, 'infinity')
ORDER BY created_at ASC, id ASC
LIMIT $6`, filter.TenantID, filter.ProductID, filter.WarehouseID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// ListBalances returns every balance row of a product in a warehouse.
func (r *Repository) ListBalances(ctx context.Context, tenantID, productID, warehouseID int64) ([]Balance, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+balanceColumns+` FROM inventory_balances
WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3 ORDER BY lot_id ASC`, tenantID, productID, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	balances := []Balance{}
	for rows.Next() {
		bal, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, bal)
	}
	return balances, rows.Err()
}

// ListLots returns lots of a product in a warehouse.
func (r *Repository) ListLots(ctx context.Context, tenantID, productID, warehouseID int64) ([]Lot, error) {
	return queryLots(ctx, r.pool, `SELECT `+lotColumns+` FROM product_lots
WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3
ORDER BY expires_at ASC NULLS LAST, created_at ASC, id ASC`, tenantID, productID, warehouseID)
}

// ListStockLevels aggregates balances per product and warehouse. A zero
// tenantID spans every tenant.
func (r *Repository) ListStockLevels(ctx context.Context, tenantID int64) ([]StockLevel, error) {
	rows, err := r.pool.Query(ctx, `SELECT tenant_id, product_id, warehouse_id, SUM(qty), SUM(total_value)
FROM inventory_balances
WHERE ($1::bigint = 0 OR tenant_id = $1)
GROUP BY tenant_id, product_id, warehouse_id
ORDER BY tenant_id, product_id, warehouse_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	levels := []StockLevel{}
	for rows.Next() {
		var lvl StockLevel
		if err := rows.Scan(&lvl.TenantID, &lvl.ProductID, &lvl.WarehouseID, &lvl.Quantity, &lvl.TotalValue); err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, rows.Err()
}

// GetStockLevel aggregates balances of a single product in a warehouse.
func (r *Repository) GetStockLevel(ctx context.Context, tenantID, productID, warehouseID int64) (StockLevel, error) {
	lvl := StockLevel{TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID}
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(qty), 0), COALESCE(SUM(total_value), 0)
FROM inventory_balances WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3`, tenantID, productID, warehouseID).
		Scan(&lvl.Quantity, &lvl.TotalValue)
	return lvl, err
}

// GetProduct loads a product outside of a transaction.
func (r *Repository) GetProduct(ctx context.Context, tenantID, productID int64) (Product, error) {
	return getProduct(ctx, r.pool, tenantID, productID)
}

func (r *txRepository) GetProduct(ctx context.Context, tenantID, productID int64) (Product, error) {
	return getProduct(ctx, r.tx, tenantID, productID)
}

func (r *txRepository) GetWarehouse(ctx context.Context, tenantID, warehouseID int64) (Warehouse, error) {
	var w Warehouse
	err := r.tx.QueryRow(ctx, `SELECT id, tenant_id, code, name, capacity, active FROM warehouses WHERE tenant_id=$1 AND id=$2`, tenantID, warehouseID).
		Scan(&w.ID, &w.TenantID, &w.Code, &w.Name, &w.Capacity, &w.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Warehouse{}, ErrWarehouseNotFound
		}
		return Warehouse{}, err
	}
	return w, nil
}

func (r *txRepository) FindCompletedMovement(ctx context.Context, tenantID int64, reference string) (Movement, error) {
	return findCompletedMovement(ctx, r.tx, tenantID, reference)
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, key BalanceKey) (Balance, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM inventory_balances
WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3 AND lot_id=$4 FOR UPDATE`, key.TenantID, key.ProductID, key.WarehouseID, key.LotID)
	bal, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{BalanceKey: key}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return bal, nil
}

func (r *txRepository) UpsertBalance(ctx context.Context, balance Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_balances (tenant_id, product_id, warehouse_id, lot_id, qty, reserved_qty, unit_cost, total_value, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (tenant_id, product_id, warehouse_id, lot_id) DO UPDATE
SET qty=EXCLUDED.qty, unit_cost=EXCLUDED.unit_cost, total_value=EXCLUDED.total_value, updated_at=EXCLUDED.updated_at`,
		balance.TenantID, balance.ProductID, balance.WarehouseID, balance.LotID,
		balance.Quantity, balance.ReservedQuantity, balance.UnitCost, balance.TotalValue, balance.UpdatedAt)
	return err
}

func (r *txRepository) SumQuantity(ctx context.Context, tenantID, productID, warehouseID int64) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(qty), 0) FROM inventory_balances WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3`,
		tenantID, productID, warehouseID).Scan(&qty)
	return qty, err
}

func (r *txRepository) ListLotsForUpdate(ctx context.Context, tenantID, productID, warehouseID int64) ([]Lot, error) {
	return queryLots(ctx, r.tx, `SELECT `+lotColumns+` FROM product_lots
WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3
ORDER BY expires_at ASC NULLS LAST, created_at ASC, id ASC
FOR UPDATE`, tenantID, productID, warehouseID)
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, tenantID, lotID int64) (Lot, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM product_lots WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, lotID)
	lot, err := scanLot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, ErrLotNotFound
		}
		return Lot{}, err
	}
	return lot, nil
}

func (r *txRepository) FindLotByNumberForUpdate(ctx context.Context, tenantID, productID, warehouseID int64, lotNumber string) (Lot, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM product_lots
WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3 AND lot_number=$4 FOR UPDATE`, tenantID, productID, warehouseID, lotNumber)
	lot, err := scanLot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, ErrLotNotFound
		}
		return Lot{}, err
	}
	return lot, nil
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO product_lots (tenant_id, product_id, warehouse_id, lot_number, manufactured_at, expires_at, qty_remaining, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9) RETURNING id`,
		lot.TenantID, lot.ProductID, lot.WarehouseID, lot.LotNumber, lot.ManufacturedAt, lot.ExpiresAt,
		lot.QuantityRemaining, string(lot.Status), lot.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateLot(ctx context.Context, lot Lot) error {
	_, err := r.tx.Exec(ctx, `UPDATE product_lots SET qty_remaining=$3, status=$4, updated_at=$5 WHERE tenant_id=$1 AND id=$2`,
		lot.TenantID, lot.ID, lot.QuantityRemaining, string(lot.Status), lot.UpdatedAt)
	return err
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_movements (id, tenant_id, reference, movement_type, status, product_id, warehouse_id, destination_warehouse_id, lot_id,
  qty, qty_in, qty_out, previous_qty, new_qty, unit_cost, total_cost, note, failure_reason, actor_id, approved_by, approved_at, created_at, completed_at, failed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		m.ID, m.TenantID, nullString(m.Reference), string(m.Type), string(m.Status), m.ProductID, m.WarehouseID, nullInt(m.DestinationWarehouseID), nullInt(m.LotID),
		m.Quantity, m.QuantityIn, m.QuantityOut, m.PreviousQuantity, m.NewQuantity, m.UnitCost, m.TotalCost, m.Note, m.FailureReason,
		nullInt(m.ActorID), nullInt(m.ApprovedBy), m.ApprovedAt, m.CreatedAt, m.CompletedAt, m.FailedAt)
	if err != nil {
		return err
	}
	for _, line := range m.Lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO inventory_movement_lines (movement_id, warehouse_id, lot_id, qty, unit_cost)
VALUES ($1,$2,$3,$4,$5)`, m.ID, line.WarehouseID, nullInt(line.LotID), line.Quantity, line.UnitCost); err != nil {
			return err
		}
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	balanceColumns  = `tenant_id, product_id, warehouse_id, lot_id, qty, reserved_qty, unit_cost, total_value, updated_at`
	lotColumns      = `id, tenant_id, product_id, warehouse_id, lot_number, manufactured_at, expires_at, qty_remaining, status, created_at, updated_at`
	movementColumns = `id, tenant_id, COALESCE(reference, ''), movement_type, status, product_id, warehouse_id, COALESCE(destination_warehouse_id, 0), COALESCE(lot_id, 0),
  qty, qty_in, qty_out, previous_qty, new_qty, unit_cost, total_cost, note, failure_reason, COALESCE(actor_id, 0), COALESCE(approved_by, 0), approved_at,
  created_at, completed_at, failed_at`
)

func getProduct(ctx context.Context, q querier, tenantID, productID int64) (Product, error) {
	var p Product
	err := q.QueryRow(ctx, `SELECT id, tenant_id, sku, name, minimum_stock, maximum_stock, reorder_point, perishable, tracks_lots, tracks_serials, default_unit_cost, active
FROM products WHERE tenant_id=$1 AND id=$2`, tenantID, productID).
		Scan(&p.ID, &p.TenantID, &p.SKU, &p.Name, &p.MinimumStock, &p.MaximumStock, &p.ReorderPoint, &p.Perishable, &p.TracksLots, &p.TracksSerials, &p.DefaultUnitCost, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, err
	}
	return p, nil
}

func findCompletedMovement(ctx context.Context, q querier, tenantID int64, reference string) (Movement, error) {
	row := q.QueryRow(ctx, `SELECT `+movementColumns+` FROM inventory_movements
WHERE tenant_id=$1 AND reference=$2 AND status='completed'`, tenantID, reference)
	m, err := scanMovement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, ErrMovementNotFound
		}
		return Movement{}, err
	}
	return m, nil
}

func queryLots(ctx context.Context, q querier, sql string, args ...any) ([]Lot, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lots := []Lot{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func scanBalance(row pgx.Row) (Balance, error) {
	var b Balance
	err := row.Scan(&b.TenantID, &b.ProductID, &b.WarehouseID, &b.LotID, &b.Quantity, &b.ReservedQuantity, &b.UnitCost, &b.TotalValue, &b.UpdatedAt)
	return b, err
}

func scanLot(row pgx.Row) (Lot, error) {
	var l Lot
	var status string
	err := row.Scan(&l.ID, &l.TenantID, &l.ProductID, &l.WarehouseID, &l.LotNumber, &l.ManufacturedAt, &l.ExpiresAt,
		&l.QuantityRemaining, &status, &l.CreatedAt, &l.UpdatedAt)
	l.Status = LotStatus(status)
	return l, err
}

func scanMovement(row pgx.Row) (Movement, error) {
	var m Movement
	var movementType, status string
	err := row.Scan(&m.ID, &m.TenantID, &m.Reference, &movementType, &status, &m.ProductID, &m.WarehouseID, &m.DestinationWarehouseID, &m.LotID,
		&m.Quantity, &m.QuantityIn, &m.QuantityOut, &m.PreviousQuantity, &m.NewQuantity, &m.UnitCost, &m.TotalCost, &m.Note, &m.FailureReason,
		&m.ActorID, &m.ApprovedBy, &m.ApprovedAt, &m.CreatedAt, &m.CompletedAt, &m.FailedAt)
	m.Type = MovementType(movementType)
	m.Status = MovementStatus(status)
	return m, err
}

// referenceIndex is the partial unique index over completed movement
// references in migrations/0001_stockledger.up.sql.
const referenceIndex = "inventory_movements_reference_uniq"

// mapPgError translates server conditions the ledger treats as domain errors.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return &MovementError{Err: ErrLockTimeout, Reason: pgErr.Message}
		case "23505":
			if pgErr.ConstraintName == referenceIndex {
				return &MovementError{Err: ErrDuplicateMovement, Reason: pgErr.Message}
			}
		}
	}
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
