package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// levelReader serves one product whose on-hand quantity the test changes.
type levelReader struct {
	mu  sync.Mutex
	qty decimal.Decimal
}

func (r *levelReader) set(qty string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qty = dec(qty)
}

func (r *levelReader) GetProduct(_ context.Context, tenantID, productID int64) (inventory.Product, error) {
	return inventory.Product{ID: productID, TenantID: tenantID, Active: true, MinimumStock: dec("10")}, nil
}

func (r *levelReader) GetStockLevel(_ context.Context, tenantID, productID, warehouseID int64) (inventory.StockLevel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return inventory.StockLevel{TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID, Quantity: r.qty}, nil
}

func (r *levelReader) ListLots(context.Context, int64, int64, int64) ([]inventory.Lot, error) {
	return nil, nil
}

func (r *levelReader) ListStockLevels(context.Context, int64) ([]inventory.StockLevel, error) {
	return nil, nil
}

// pausingStore holds the first ListActive call until released.
type pausingStore struct {
	*MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *pausingStore) ListActive(ctx context.Context, scope Scope) ([]Alert, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.MemoryStore.ListActive(ctx, scope)
}

// announcingLocker reports every Lock call before delegating.
type announcingLocker struct {
	inner    shared.KeyLocker
	attempts chan string
}

func (l *announcingLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.attempts <- key
	return l.inner.Lock(ctx, key)
}

func TestConcurrentChecksKeepStockAlertsExclusive(t *testing.T) {
	ctx := context.Background()
	reader := &levelReader{}
	reader.set("0")
	store := &pausingStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	locker := &announcingLocker{inner: shared.NewLocalLocker(0), attempts: make(chan string, 2)}
	service := NewService(store, reader, nil, Config{Locker: locker, Clock: func() time.Time { return today }})

	errs := make(chan error, 2)
	go func() { errs <- service.CheckStock(ctx, tenant, rice, warehouse) }()
	<-store.entered
	require.Equal(t, shared.AlertLockKey(tenant, rice, warehouse), <-locker.attempts)

	// A receipt lands while the first check still sees an empty shelf.
	reader.set("5")
	go func() { errs <- service.CheckStock(ctx, tenant, rice, warehouse) }()
	<-locker.attempts

	close(store.release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	active, err := store.List(ctx, ListFilter{TenantID: tenant, Status: StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, TypeLowStock, active[0].Type)
}
