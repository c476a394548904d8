package inventory

import "context"

// StockWatcher re-evaluates stock conditions after a movement commits.
type StockWatcher interface {
	CheckStock(ctx context.Context, tenantID, productID, warehouseID int64) error
}
