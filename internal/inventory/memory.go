package inventory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-process RepositoryPort used by tests and local
// runs without PostgreSQL. Transactions stage their writes on a copy of the
// state and swap it in on commit.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memoryState
}

type memoryState struct {
	products   map[int64]Product
	warehouses map[int64]Warehouse
	balances   map[BalanceKey]Balance
	lots       map[int64]Lot
	movements  []Movement
	nextLotID  int64
}

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: &memoryState{
		products:   map[int64]Product{},
		warehouses: map[int64]Warehouse{},
		balances:   map[BalanceKey]Balance{},
		lots:       map[int64]Lot{},
	}}
}

// AddProduct seeds a product.
func (m *MemoryRepository) AddProduct(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.products[p.ID] = p
}

// AddWarehouse seeds a warehouse.
func (m *MemoryRepository) AddWarehouse(w Warehouse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.warehouses[w.ID] = w
}

// PutLot overwrites a lot row, bypassing the ledger.
func (m *MemoryRepository) PutLot(lot Lot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lot.ID > m.state.nextLotID {
		m.state.nextLotID = lot.ID
	}
	m.state.lots[lot.ID] = lot
}

// Movements returns every stored movement in insertion order.
func (m *MemoryRepository) Movements() []Movement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Movement(nil), m.state.movements...)
}

// WithTx runs fn against a private copy of the state.
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(ctx, &memoryTx{state: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// FindCompletedMovement looks up a completed movement by reference.
func (m *MemoryRepository) FindCompletedMovement(_ context.Context, tenantID int64, reference string) (Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.findCompleted(tenantID, reference)
}

// InsertMovement stores a movement in its own transaction.
func (m *MemoryRepository) InsertMovement(ctx context.Context, mv Movement) error {
	return m.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertMovement(ctx, mv)
	})
}

// GetMovement returns a movement by id.
func (m *MemoryRepository) GetMovement(_ context.Context, tenantID int64, id uuid.UUID) (Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mv := range m.state.movements {
		if mv.TenantID == tenantID && mv.ID == id {
			return mv, nil
		}
	}
	return Movement{}, ErrMovementNotFound
}

// ListMovements filters movements touching the product in the warehouse.
func (m *MemoryRepository) ListMovements(_ context.Context, filter MovementFilter) ([]Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Movement{}
	for _, mv := range m.state.movements {
		if mv.TenantID != filter.TenantID || mv.ProductID != filter.ProductID {
			continue
		}
		if mv.WarehouseID != filter.WarehouseID && mv.DestinationWarehouseID != filter.WarehouseID {
			continue
		}
		if !filter.From.IsZero() && mv.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && mv.CreatedAt.After(filter.To) {
			continue
		}
		out = append(out, mv)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// ListBalances returns the balance rows of a product in a warehouse.
func (m *MemoryRepository) ListBalances(_ context.Context, tenantID, productID, warehouseID int64) ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Balance{}
	for key, bal := range m.state.balances {
		if key.TenantID == tenantID && key.ProductID == productID && key.WarehouseID == warehouseID {
			out = append(out, bal)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LotID < out[j].LotID })
	return out, nil
}

// ListLots returns lots of a product in a warehouse.
func (m *MemoryRepository) ListLots(_ context.Context, tenantID, productID, warehouseID int64) ([]Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.lotsFor(tenantID, productID, warehouseID), nil
}

// ListStockLevels aggregates balances per product and warehouse.
func (m *MemoryRepository) ListStockLevels(_ context.Context, tenantID int64) ([]StockLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type pair struct{ tenant, product, warehouse int64 }
	agg := map[pair]StockLevel{}
	for key, bal := range m.state.balances {
		if tenantID != 0 && key.TenantID != tenantID {
			continue
		}
		p := pair{key.TenantID, key.ProductID, key.WarehouseID}
		lvl, ok := agg[p]
		if !ok {
			lvl = StockLevel{TenantID: p.tenant, ProductID: p.product, WarehouseID: p.warehouse}
		}
		lvl.Quantity = lvl.Quantity.Add(bal.Quantity)
		lvl.TotalValue = lvl.TotalValue.Add(bal.TotalValue)
		agg[p] = lvl
	}
	out := make([]StockLevel, 0, len(agg))
	for _, lvl := range agg {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		return a.WarehouseID < b.WarehouseID
	})
	return out, nil
}

// GetStockLevel aggregates balances of a product in a warehouse.
func (m *MemoryRepository) GetStockLevel(_ context.Context, tenantID, productID, warehouseID int64) (StockLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lvl := StockLevel{TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID}
	for key, bal := range m.state.balances {
		if key.TenantID == tenantID && key.ProductID == productID && key.WarehouseID == warehouseID {
			lvl.Quantity = lvl.Quantity.Add(bal.Quantity)
			lvl.TotalValue = lvl.TotalValue.Add(bal.TotalValue)
		}
	}
	return lvl, nil
}

// GetProduct returns a product by id.
func (m *MemoryRepository) GetProduct(_ context.Context, tenantID, productID int64) (Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.product(tenantID, productID)
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		products:   make(map[int64]Product, len(s.products)),
		warehouses: make(map[int64]Warehouse, len(s.warehouses)),
		balances:   make(map[BalanceKey]Balance, len(s.balances)),
		lots:       make(map[int64]Lot, len(s.lots)),
		movements:  append([]Movement(nil), s.movements...),
		nextLotID:  s.nextLotID,
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.warehouses {
		c.warehouses[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.lots {
		c.lots[k] = v
	}
	return c
}

func (s *memoryState) product(tenantID, productID int64) (Product, error) {
	p, ok := s.products[productID]
	if !ok || p.TenantID != tenantID {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func (s *memoryState) findCompleted(tenantID int64, reference string) (Movement, error) {
	for _, mv := range s.movements {
		if mv.TenantID == tenantID && mv.Reference == reference && mv.Status == MovementStatusCompleted {
			return mv, nil
		}
	}
	return Movement{}, ErrMovementNotFound
}

func (s *memoryState) lotsFor(tenantID, productID, warehouseID int64) []Lot {
	out := []Lot{}
	for _, lot := range s.lots {
		if lot.TenantID == tenantID && lot.ProductID == productID && lot.WarehouseID == warehouseID {
			out = append(out, lot)
		}
	}
	Allocator{}.Order(out)
	return out
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) GetProduct(_ context.Context, tenantID, productID int64) (Product, error) {
	return t.state.product(tenantID, productID)
}

func (t *memoryTx) GetWarehouse(_ context.Context, tenantID, warehouseID int64) (Warehouse, error) {
	w, ok := t.state.warehouses[warehouseID]
	if !ok || w.TenantID != tenantID {
		return Warehouse{}, ErrWarehouseNotFound
	}
	return w, nil
}

func (t *memoryTx) FindCompletedMovement(_ context.Context, tenantID int64, reference string) (Movement, error) {
	return t.state.findCompleted(tenantID, reference)
}

func (t *memoryTx) GetBalanceForUpdate(_ context.Context, key BalanceKey) (Balance, error) {
	bal, ok := t.state.balances[key]
	if !ok {
		return Balance{BalanceKey: key}, ErrBalanceNotFound
	}
	return bal, nil
}

func (t *memoryTx) UpsertBalance(_ context.Context, balance Balance) error {
	t.state.balances[balance.BalanceKey] = balance
	return nil
}

func (t *memoryTx) SumQuantity(_ context.Context, tenantID, productID, warehouseID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for key, bal := range t.state.balances {
		if key.TenantID == tenantID && key.ProductID == productID && key.WarehouseID == warehouseID {
			total = total.Add(bal.Quantity)
		}
	}
	return total, nil
}

func (t *memoryTx) ListLotsForUpdate(_ context.Context, tenantID, productID, warehouseID int64) ([]Lot, error) {
	return t.state.lotsFor(tenantID, productID, warehouseID), nil
}

func (t *memoryTx) GetLotForUpdate(_ context.Context, tenantID, lotID int64) (Lot, error) {
	lot, ok := t.state.lots[lotID]
	if !ok || lot.TenantID != tenantID {
		return Lot{}, ErrLotNotFound
	}
	return lot, nil
}

func (t *memoryTx) FindLotByNumberForUpdate(_ context.Context, tenantID, productID, warehouseID int64, lotNumber string) (Lot, error) {
	for _, lot := range t.state.lots {
		if lot.TenantID == tenantID && lot.ProductID == productID && lot.WarehouseID == warehouseID && lot.LotNumber == lotNumber {
			return lot, nil
		}
	}
	return Lot{}, ErrLotNotFound
}

func (t *memoryTx) InsertLot(_ context.Context, lot Lot) (int64, error) {
	t.state.nextLotID++
	lot.ID = t.state.nextLotID
	t.state.lots[lot.ID] = lot
	return lot.ID, nil
}

func (t *memoryTx) UpdateLot(_ context.Context, lot Lot) error {
	current, ok := t.state.lots[lot.ID]
	if !ok {
		return ErrLotNotFound
	}
	current.QuantityRemaining = lot.QuantityRemaining
	current.Status = lot.Status
	current.UpdatedAt = lot.UpdatedAt
	t.state.lots[lot.ID] = current
	return nil
}

func (t *memoryTx) InsertMovement(_ context.Context, m Movement) error {
	if m.Status == MovementStatusCompleted && m.Reference != "" {
		if _, err := t.state.findCompleted(m.TenantID, m.Reference); err == nil {
			return &MovementError{Err: ErrDuplicateMovement, Reason: "reference already completed"}
		}
	}
	lines := make([]MovementLine, len(m.Lines))
	for i, line := range m.Lines {
		line.MovementID = m.ID
		lines[i] = line
	}
	m.Lines = lines
	t.state.movements = append(t.state.movements, m)
	return nil
}
