package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	tenantID     = int64(1)
	plainProduct = int64(1)
	lotProduct   = int64(2)
	perishable   = int64(3)
	mainWH       = int64(10)
	branchWH     = int64(20)
)

var today = time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func costOf(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func newTestLedger(t *testing.T) (*Ledger, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	repo.AddProduct(Product{ID: plainProduct, TenantID: tenantID, SKU: "RICE-5KG", Name: "Rice 5kg", Active: true, MinimumStock: dec("10")})
	repo.AddProduct(Product{ID: lotProduct, TenantID: tenantID, SKU: "BOLT-M8", Name: "Bolt M8", Active: true, TracksLots: true, DefaultUnitCost: dec("2")})
	repo.AddProduct(Product{ID: perishable, TenantID: tenantID, SKU: "MILK-1L", Name: "Milk 1L", Active: true, TracksLots: true, Perishable: true, DefaultUnitCost: dec("1.5")})
	repo.AddWarehouse(Warehouse{ID: mainWH, TenantID: tenantID, Code: "MAIN", Name: "Main", Active: true})
	repo.AddWarehouse(Warehouse{ID: branchWH, TenantID: tenantID, Code: "BR1", Name: "Branch", Active: true})
	ledger := NewLedger(repo, LedgerConfig{Clock: func() time.Time { return today }})
	return ledger, repo
}

func inbound(qty, cost string) MovementRequest {
	return MovementRequest{TenantID: tenantID, ProductID: plainProduct, WarehouseID: mainWH, Type: MovementTypePurchase, Quantity: dec(qty), UnitCost: costOf(cost)}
}

func outbound(qty string) MovementRequest {
	return MovementRequest{TenantID: tenantID, ProductID: plainProduct, WarehouseID: mainWH, Type: MovementTypeDispatch, Quantity: dec(qty)}
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s got %s", want, got)
}

func requireValuation(t *testing.T, repo *MemoryRepository, productID, warehouseID int64) {
	t.Helper()
	balances, err := repo.ListBalances(context.Background(), tenantID, productID, warehouseID)
	require.NoError(t, err)
	for _, bal := range balances {
		require.False(t, bal.Quantity.IsNegative())
		require.Truef(t, bal.TotalValue.Equal(bal.Quantity.Mul(bal.UnitCost)), "lot %d total %s", bal.LotID, bal.TotalValue)
	}
}

func TestWeightedAverage(t *testing.T) {
	cases := []struct {
		name                       string
		curQty, curCost, inQty, in string
		want                       string
	}{
		{name: "empty balance", curQty: "0", curCost: "0", inQty: "10", in: "5", want: "5"},
		{name: "blend", curQty: "100", curCost: "10", inQty: "50", in: "13", want: "11"},
		{name: "rounded to six places", curQty: "1", curCost: "1", inQty: "2", in: "2", want: "1.666667"},
		{name: "nets to zero", curQty: "5", curCost: "3", inQty: "-5", in: "7", want: "7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := WeightedAverage(dec(tc.curQty), dec(tc.curCost), dec(tc.inQty), dec(tc.in))
			requireDecimal(t, tc.want, got)
		})
	}
}

func TestRecordWeightedAverageInbound(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, inbound("100", "10"))
	require.NoError(t, err)
	res, err := ledger.Record(ctx, inbound("50", "13"))
	require.NoError(t, err)

	require.Len(t, res.Balances, 1)
	requireDecimal(t, "150", res.Balances[0].Quantity)
	requireDecimal(t, "11", res.Balances[0].UnitCost)
	requireDecimal(t, "1650", res.Balances[0].TotalValue)
	requireDecimal(t, "100", res.Movement.PreviousQuantity)
	requireDecimal(t, "150", res.Movement.NewQuantity)
	requireDecimal(t, "50", res.Movement.QuantityIn)
	requireDecimal(t, "650", res.Movement.TotalCost)
	requireValuation(t, repo, plainProduct, mainWH)
}

func TestRecordInboundIntoEmptyBalanceCreatesLot(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	req := MovementRequest{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, Type: MovementTypeIn, Quantity: dec("200"), UnitCost: costOf("5.00"), LotNumber: "LOT-A"}
	res, err := ledger.Record(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Balances, 1)
	requireDecimal(t, "200", res.Balances[0].Quantity)
	requireDecimal(t, "5", res.Balances[0].UnitCost)
	requireDecimal(t, "1000", res.Balances[0].TotalValue)

	lots, err := repo.ListLots(ctx, tenantID, lotProduct, mainWH)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	require.Equal(t, "LOT-A", lots[0].LotNumber)
	require.Equal(t, LotStatusActive, lots[0].Status)
	requireDecimal(t, "200", lots[0].QuantityRemaining)
	require.Equal(t, lots[0].ID, res.Movement.LotID)
}

func TestRecordInboundCostResolution(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, Type: MovementTypeDonation, Quantity: dec("4"), LotNumber: "D-1"})
	require.NoError(t, err)
	requireDecimal(t, "2", res.Balances[0].UnitCost)

	_, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: plainProduct, WarehouseID: mainWH, Type: MovementTypeIn, Quantity: dec("4")})
	require.ErrorIs(t, err, ErrInvalidUnitCost)
}

func TestRecordRejectsInvalidInputBeforeStorage(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: plainProduct, WarehouseID: mainWH, Type: "teleport", Quantity: dec("1")})
	require.ErrorIs(t, err, ErrInvalidMovementType)

	_, err = ledger.Record(ctx, outbound("0"))
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = ledger.Record(ctx, outbound("-2"))
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = ledger.Record(ctx, outbound("0.00001"))
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: plainProduct, WarehouseID: mainWH, Type: MovementTypeAdjustment, Quantity: dec("0")})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = ledger.Record(ctx, MovementRequest{ProductID: plainProduct, WarehouseID: mainWH, Type: MovementTypeIn, Quantity: dec("1")})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: plainProduct, WarehouseID: mainWH, DestinationWarehouseID: mainWH, Type: MovementTypeTransfer, Quantity: dec("1")})
	require.ErrorIs(t, err, ErrInvalidRequest)

	require.True(t, IsValidationError(err))
	require.Empty(t, repo.Movements())
}

func TestRecordDuplicateReference(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	req := inbound("10", "4")
	req.Reference = "GRN-001"
	first, err := ledger.Record(ctx, req)
	require.NoError(t, err)

	replay, err := ledger.Record(ctx, req)
	require.ErrorIs(t, err, ErrDuplicateMovement)
	require.True(t, IsBusinessError(err))
	require.Equal(t, first.Movement.ID, replay.Movement.ID)

	var me *MovementError
	require.True(t, errors.As(err, &me))
	require.Equal(t, first.Movement.ID, me.MovementID)

	lvl, err := repo.GetStockLevel(ctx, tenantID, plainProduct, mainWH)
	require.NoError(t, err)
	requireDecimal(t, "10", lvl.Quantity)
	require.Len(t, repo.Movements(), 1)
}

func TestRecordOutboundInsufficientStock(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, inbound("5", "3"))
	require.NoError(t, err)

	_, err = ledger.Record(ctx, outbound("8"))
	require.ErrorIs(t, err, ErrInsufficientStock)
	var me *MovementError
	require.True(t, errors.As(err, &me))
	requireDecimal(t, "8", me.Requested)
	requireDecimal(t, "5", me.Available)
	require.Equal(t, plainProduct, me.ProductID)
	require.Equal(t, mainWH, me.WarehouseID)

	lvl, err := repo.GetStockLevel(ctx, tenantID, plainProduct, mainWH)
	require.NoError(t, err)
	requireDecimal(t, "5", lvl.Quantity)
}

func TestRecordOutboundKeepsUnitCost(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, inbound("100", "10"))
	require.NoError(t, err)
	_, err = ledger.Record(ctx, inbound("50", "13"))
	require.NoError(t, err)

	res, err := ledger.Record(ctx, outbound("150"))
	require.NoError(t, err)
	requireDecimal(t, "0", res.Balances[0].Quantity)
	requireDecimal(t, "11", res.Balances[0].UnitCost)
	requireDecimal(t, "0", res.Balances[0].TotalValue)
	requireDecimal(t, "-150", res.Movement.Quantity)
	requireDecimal(t, "150", res.Movement.QuantityOut)
	requireDecimal(t, "1650", res.Movement.TotalCost)

	// Refilling an empty balance takes the incoming cost.
	res, err = ledger.Record(ctx, inbound("10", "20"))
	require.NoError(t, err)
	requireDecimal(t, "20", res.Balances[0].UnitCost)
	requireValuation(t, repo, plainProduct, mainWH)
}

func TestRecordOutboundFEFOAllocation(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	receipts := []MovementRequest{
		{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, Type: MovementTypePurchase, Quantity: dec("50"), LotNumber: "L3"},
		{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, Type: MovementTypePurchase, Quantity: dec("40"), LotNumber: "L2", ExpiresAt: date(2024, 1, 20)},
		{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, Type: MovementTypePurchase, Quantity: dec("30"), LotNumber: "L1", ExpiresAt: date(2024, 1, 10)},
	}
	for _, req := range receipts {
		_, err := ledger.Record(ctx, req)
		require.NoError(t, err)
	}

	res, err := ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, Type: MovementTypeOut, Quantity: dec("50")})
	require.NoError(t, err)
	require.Len(t, res.Allocations, 2)
	require.Equal(t, "L1", res.Allocations[0].Lot.LotNumber)
	requireDecimal(t, "30", res.Allocations[0].Quantity)
	require.Equal(t, LotStatusDepleted, res.Allocations[0].Lot.Status)
	require.Equal(t, "L2", res.Allocations[1].Lot.LotNumber)
	requireDecimal(t, "20", res.Allocations[1].Quantity)
	require.Len(t, res.Movement.Lines, 2)

	lots, err := ledger.Lots(ctx, tenantID, lotProduct, mainWH)
	require.NoError(t, err)
	remaining := map[string]decimal.Decimal{}
	for _, lot := range lots {
		remaining[lot.LotNumber] = lot.QuantityRemaining
	}
	requireDecimal(t, "0", remaining["L1"])
	requireDecimal(t, "20", remaining["L2"])
	requireDecimal(t, "50", remaining["L3"])
	requireValuation(t, repo, lotProduct, mainWH)
}

func TestAllocatorBoundaries(t *testing.T) {
	lots := []Lot{
		{ID: 1, Status: LotStatusActive, QuantityRemaining: dec("5"), ExpiresAt: date(2024, 1, 4)},
		{ID: 2, Status: LotStatusActive, QuantityRemaining: dec("0"), ExpiresAt: date(2024, 1, 6)},
		{ID: 3, Status: LotStatusActive, QuantityRemaining: dec("7"), ExpiresAt: date(2024, 1, 5)},
		{ID: 4, Status: LotStatusQuarantined, QuantityRemaining: dec("9")},
		{ID: 5, Status: LotStatusActive, QuantityRemaining: dec("3"), CreatedAt: today.Add(-time.Hour)},
		{ID: 6, Status: LotStatusActive, QuantityRemaining: dec("3"), CreatedAt: today.Add(-2 * time.Hour)},
	}
	var a Allocator

	eligible := a.Eligible(lots, today)
	ids := make([]int64, 0, len(eligible))
	for _, lot := range eligible {
		ids = append(ids, lot.ID)
	}
	require.Equal(t, []int64{3, 6, 5}, ids)

	plan, err := a.Allocate(lots, dec("9"), today)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	require.Equal(t, int64(3), plan[0].Lot.ID)
	require.Equal(t, int64(6), plan[1].Lot.ID)
	requireDecimal(t, "2", plan[1].Quantity)

	_, err = a.Allocate(lots, dec("14"), today)
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestRecordExplicitLot(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	for _, number := range []string{"A", "B"} {
		_, err := ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, Type: MovementTypeIn, Quantity: dec("10"), LotNumber: number})
		require.NoError(t, err)
	}
	res, err := ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, Type: MovementTypeDisposal, Quantity: dec("4"), LotNumber: "B"})
	require.NoError(t, err)
	require.Len(t, res.Allocations, 1)
	require.Equal(t, "B", res.Allocations[0].Lot.LotNumber)

	_, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, Type: MovementTypeDisposal, Quantity: dec("7"), LotNumber: "B"})
	require.ErrorIs(t, err, ErrInsufficientStock)
	requireValuation(t, repo, lotProduct, mainWH)
}

func TestRecordLotEligibility(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, Type: MovementTypeIn, Quantity: dec("5")})
	require.ErrorIs(t, err, ErrLotNotEligible)

	_, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: perishable, WarehouseID: mainWH, Type: MovementTypeIn, Quantity: dec("5"), LotNumber: "M-1"})
	require.ErrorIs(t, err, ErrLotNotEligible)

	res, err := ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: perishable, WarehouseID: mainWH, Type: MovementTypeIn, Quantity: dec("5"), LotNumber: "M-1", ExpiresAt: date(2024, 1, 20)})
	require.NoError(t, err)
	lotID := res.Movement.LotID

	lots, err := repo.ListLots(ctx, tenantID, perishable, mainWH)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	lot := lots[0]
	require.Equal(t, lotID, lot.ID)
	lot.Status = LotStatusQuarantined
	repo.PutLot(lot)

	_, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: perishable, WarehouseID: mainWH, Type: MovementTypeOut, Quantity: dec("1"), LotID: lotID})
	require.ErrorIs(t, err, ErrLotNotEligible)
	var me *MovementError
	require.True(t, errors.As(err, &me))
	require.Equal(t, lotID, me.LotID)

	_, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: perishable, WarehouseID: mainWH, Type: MovementTypeOut, Quantity: dec("1")})
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: perishable, WarehouseID: mainWH, Type: MovementTypeIn, Quantity: dec("1"), LotID: lotID})
	require.ErrorIs(t, err, ErrLotNotEligible)
}

func TestRecordDepletedLotIsReactivated(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	receive := MovementRequest{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, Type: MovementTypeIn, Quantity: dec("3"), LotNumber: "R-1"}
	_, err := ledger.Record(ctx, receive)
	require.NoError(t, err)
	res, err := ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, Type: MovementTypeOut, Quantity: dec("3")})
	require.NoError(t, err)
	require.Equal(t, LotStatusDepleted, res.Allocations[0].Lot.Status)

	_, err = ledger.Record(ctx, receive)
	require.NoError(t, err)
	lots, err := ledger.Lots(ctx, tenantID, lotProduct, mainWH)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	require.Equal(t, LotStatusActive, lots[0].Status)
	requireDecimal(t, "3", lots[0].QuantityRemaining)
}

func TestRecordTransferMovesLotsAndCost(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, Type: MovementTypePurchase, Quantity: dec("10"), UnitCost: costOf("4"), LotNumber: "T-1", ExpiresAt: date(2024, 2, 1)})
	require.NoError(t, err)
	_, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: lotProduct, WarehouseID: branchWH, Type: MovementTypePurchase, Quantity: dec("10"), UnitCost: costOf("6"), LotNumber: "T-1", ExpiresAt: date(2024, 2, 1)})
	require.NoError(t, err)

	res, err := ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: lotProduct, WarehouseID: mainWH, DestinationWarehouseID: branchWH, Type: MovementTypeTransfer, Quantity: dec("6")})
	require.NoError(t, err)
	requireDecimal(t, "-6", res.Movement.Quantity)
	requireDecimal(t, "4", res.Movement.NewQuantity)
	require.Len(t, res.Movement.Lines, 2)

	src, err := repo.GetStockLevel(ctx, tenantID, lotProduct, mainWH)
	require.NoError(t, err)
	requireDecimal(t, "4", src.Quantity)
	requireDecimal(t, "16", src.TotalValue)

	dst, err := repo.ListBalances(ctx, tenantID, lotProduct, branchWH)
	require.NoError(t, err)
	require.Len(t, dst, 1)
	requireDecimal(t, "16", dst[0].Quantity)
	requireDecimal(t, "5.25", dst[0].UnitCost)

	destLots, err := ledger.Lots(ctx, tenantID, lotProduct, branchWH)
	require.NoError(t, err)
	require.Len(t, destLots, 1)
	require.Equal(t, "T-1", destLots[0].LotNumber)
	requireDecimal(t, "16", destLots[0].QuantityRemaining)

	card, err := ledger.StockCard(ctx, MovementFilter{TenantID: tenantID, ProductID: lotProduct, WarehouseID: branchWH})
	require.NoError(t, err)
	require.Len(t, card, 2)
	requireValuation(t, repo, lotProduct, mainWH)
	requireValuation(t, repo, lotProduct, branchWH)
}

func TestRecordTransferRejectsShortSource(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, inbound("2", "1"))
	require.NoError(t, err)
	_, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: plainProduct, WarehouseID: mainWH, DestinationWarehouseID: branchWH, Type: MovementTypeTransfer, Quantity: dec("3")})
	require.ErrorIs(t, err, ErrInsufficientStock)

	dst, err := repo.GetStockLevel(ctx, tenantID, plainProduct, branchWH)
	require.NoError(t, err)
	requireDecimal(t, "0", dst.Quantity)
}

func TestRecordSignedAdjustment(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, inbound("10", "8"))
	require.NoError(t, err)

	res, err := ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: plainProduct, WarehouseID: mainWH, Type: MovementTypeAdjustment, Quantity: dec("5")})
	require.NoError(t, err)
	requireDecimal(t, "15", res.Balances[0].Quantity)
	requireDecimal(t, "8", res.Balances[0].UnitCost)

	res, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: plainProduct, WarehouseID: mainWH, Type: MovementTypeAdjustment, Quantity: dec("-12")})
	require.NoError(t, err)
	requireDecimal(t, "3", res.Balances[0].Quantity)
	requireDecimal(t, "-12", res.Movement.Quantity)

	_, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: plainProduct, WarehouseID: mainWH, Type: MovementTypeAdjustment, Quantity: dec("-4")})
	require.ErrorIs(t, err, ErrInsufficientStock)
	requireValuation(t, repo, plainProduct, mainWH)
}

func TestStoreRejectsNegativeStock(t *testing.T) {
	repo := NewMemoryRepository()
	store := NewStore(func() time.Time { return today })
	ctx := context.Background()
	key := BalanceKey{TenantID: tenantID, ProductID: plainProduct, WarehouseID: mainWH}

	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		change, err := store.ApplyDelta(ctx, tx, key, dec("3"), costOf("2"))
		require.NoError(t, err)
		requireDecimal(t, "0", change.Before.Quantity)
		requireDecimal(t, "6", change.After.TotalValue)
		return nil
	})
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := store.ApplyDelta(ctx, tx, key, dec("-4"), nil)
		return err
	})
	require.ErrorIs(t, err, ErrNegativeStock)

	balances, err := repo.ListBalances(ctx, tenantID, plainProduct, mainWH)
	require.NoError(t, err)
	requireDecimal(t, "3", balances[0].Quantity)
}

func TestRecordConcurrentOutbound(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, inbound("100", "1"))
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		shortage int
	)
	for i := 0; i < 101; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Record(ctx, outbound("1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientStock):
				shortage++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 100, ok)
	require.Equal(t, 1, shortage)
	lvl, err := repo.GetStockLevel(ctx, tenantID, plainProduct, mainWH)
	require.NoError(t, err)
	requireDecimal(t, "0", lvl.Quantity)
	requireValuation(t, repo, plainProduct, mainWH)
}

func TestRecordLockTimeout(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	unlock, err := ledger.locker.Lock(context.Background(), "inventory:1:1:10:lock")
	require.NoError(t, err)
	defer unlock()

	_, err = ledger.Record(ctx, inbound("1", "1"))
	require.ErrorIs(t, err, ErrLockTimeout)
	require.False(t, IsBusinessError(err))
}

func TestRecordFailurePersistsFailedMovement(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	req := outbound("3")
	req.Reference = "SO-9"
	_, cause := ledger.Record(ctx, req)
	require.ErrorIs(t, cause, ErrInsufficientStock)

	m, err := ledger.RecordFailure(ctx, req, cause)
	require.NoError(t, err)
	require.Equal(t, MovementStatusFailed, m.Status)
	require.NotNil(t, m.FailedAt)
	require.Contains(t, m.FailureReason, "insufficient stock")

	// A failed attempt never blocks a later retry with the same reference.
	_, err = ledger.Record(ctx, inbound("5", "1"))
	require.NoError(t, err)
	_, err = ledger.Record(ctx, req)
	require.NoError(t, err)
	require.Len(t, repo.Movements(), 3)
}

type recordingWatcher struct {
	mu    sync.Mutex
	calls []int64
}

func (w *recordingWatcher) CheckStock(_ context.Context, _, _, warehouseID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, warehouseID)
	return nil
}

type recordingPublisher struct {
	events []MovementCompletedEvent
	err    error
}

func (p *recordingPublisher) PublishMovementCompleted(_ context.Context, evt MovementCompletedEvent) error {
	p.events = append(p.events, evt)
	return p.err
}

func TestRecordPublishesAndChecksStock(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddProduct(Product{ID: plainProduct, TenantID: tenantID, Active: true})
	repo.AddWarehouse(Warehouse{ID: mainWH, TenantID: tenantID, Active: true})
	repo.AddWarehouse(Warehouse{ID: branchWH, TenantID: tenantID, Active: true})
	publisher := &recordingPublisher{err: errors.New("broker down")}
	watcher := &recordingWatcher{}
	ledger := NewLedger(repo, LedgerConfig{Publisher: publisher, Clock: func() time.Time { return today }})
	ledger.SetStockWatcher(watcher)
	ctx := context.Background()

	_, err := ledger.Record(ctx, inbound("4", "1"))
	require.NoError(t, err)
	_, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: plainProduct, WarehouseID: mainWH, DestinationWarehouseID: branchWH, Type: MovementTypeTransfer, Quantity: dec("1")})
	require.NoError(t, err)

	require.Len(t, publisher.events, 2)
	require.Equal(t, MovementTypeTransfer, publisher.events[1].Movement.Type)
	require.Len(t, publisher.events[1].Balances, 2)
	require.Equal(t, []int64{mainWH, mainWH, branchWH}, watcher.calls)
}

func TestExpireLots(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: perishable, WarehouseID: mainWH, Type: MovementTypeIn, Quantity: dec("5"), LotNumber: "OLD", ExpiresAt: date(2024, 1, 6)})
	require.NoError(t, err)
	_, err = ledger.Record(ctx, MovementRequest{TenantID: tenantID, ProductID: perishable, WarehouseID: mainWH, Type: MovementTypeIn, Quantity: dec("5"), LotNumber: "NEW", ExpiresAt: date(2024, 3, 1)})
	require.NoError(t, err)

	later := time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)
	expired, err := ledger.ExpireLots(ctx, tenantID, perishable, mainWH, later)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "OLD", expired[0].LotNumber)

	again, err := ledger.ExpireLots(ctx, tenantID, perishable, mainWH, later)
	require.NoError(t, err)
	require.Empty(t, again)

	lots, err := repo.ListLots(ctx, tenantID, perishable, mainWH)
	require.NoError(t, err)
	require.Equal(t, LotStatusExpired, lots[0].Status)
}
