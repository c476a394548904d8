package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists alerts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const alertColumns = `id, tenant_id, product_id, warehouse_id, alert_type, severity, status, quantity, threshold,
  COALESCE(lot_ids, '{}'), expires_at, created_at, resolved_at`

// ListActive returns active alerts of a product in a warehouse.
func (r *Repository) ListActive(ctx context.Context, scope Scope) ([]Alert, error) {
	return r.query(ctx, `SELECT `+alertColumns+` FROM inventory_alerts
WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3 AND status='active'
ORDER BY id`, scope.TenantID, scope.ProductID, scope.WarehouseID)
}

// ListActiveScopes returns every product and warehouse with an active alert.
func (r *Repository) ListActiveScopes(ctx context.Context, tenantID int64) ([]Scope, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT tenant_id, product_id, warehouse_id FROM inventory_alerts
WHERE status='active' AND ($1::bigint = 0 OR tenant_id=$1)
ORDER BY tenant_id, product_id, warehouse_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	scopes := []Scope{}
	for rows.Next() {
		var sc Scope
		if err := rows.Scan(&sc.TenantID, &sc.ProductID, &sc.WarehouseID); err != nil {
			return nil, err
		}
		scopes = append(scopes, sc)
	}
	return scopes, rows.Err()
}

// Insert opens an alert unless one is already active for the same key.
func (r *Repository) Insert(ctx context.Context, alert Alert) (Alert, bool, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO inventory_alerts (tenant_id, product_id, warehouse_id, alert_type, severity, status, quantity, threshold, lot_ids, expires_at, created_at)
VALUES ($1,$2,$3,$4,$5,'active',$6,$7,$8,$9,$10)
ON CONFLICT (tenant_id, product_id, warehouse_id, alert_type) WHERE status='active' DO NOTHING
RETURNING id`,
		alert.TenantID, alert.ProductID, alert.WarehouseID, string(alert.Type), string(alert.Severity),
		alert.Quantity, alert.Threshold, alert.LotIDs, alert.ExpiresAt, alert.CreatedAt).Scan(&alert.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Alert{}, false, nil
	}
	if err != nil {
		return Alert{}, false, err
	}
	alert.Status = StatusActive
	return alert, true, nil
}

// Resolve closes an active alert. It reports false when another caller
// already resolved it.
func (r *Repository) Resolve(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE inventory_alerts SET status='resolved', resolved_at=$2 WHERE id=$1 AND status='active'`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// List returns alerts matching filter, newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Alert, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `SELECT `+alertColumns+` FROM inventory_alerts
WHERE tenant_id=$1
  AND ($2::bigint = 0 OR product_id=$2)
  AND ($3::bigint = 0 OR warehouse_id=$3)
  AND ($4::text = '' OR status=$4)
  AND ($5::text = '' OR alert_type=$5)
ORDER BY created_at DESC, id DESC
LIMIT $6`, filter.TenantID, filter.ProductID, filter.WarehouseID, string(filter.Status), string(filter.Type), limit)
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) ([]Alert, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	alerts := []Alert{}
	for rows.Next() {
		var a Alert
		var alertType, severity, status string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ProductID, &a.WarehouseID, &alertType, &severity, &status,
			&a.Quantity, &a.Threshold, &a.LotIDs, &a.ExpiresAt, &a.CreatedAt, &a.ResolvedAt); err != nil {
			return nil, err
		}
		a.Type, a.Severity, a.Status = Type(alertType), Severity(severity), Status(status)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
