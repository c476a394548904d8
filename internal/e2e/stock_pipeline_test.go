package e2e

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/alerts"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/jobs"
)

const (
	tenant    = int64(1)
	milk      = int64(11)
	warehouse = int64(2)
)

// memoryQueue stands in for Redis: it keeps enqueued tasks in order and
// rejects a task id it has already seen, like asynq does.
type memoryQueue struct {
	mu    sync.Mutex
	seen  map[string]bool
	tasks []*asynq.Task
}

func (q *memoryQueue) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := ""
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			id, _ = opt.Value().(string)
		}
	}
	if id != "" {
		if q.seen[id] {
			return nil, asynq.ErrTaskIDConflict
		}
		q.seen[id] = true
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: id, Type: task.Type()}, nil
}

func (q *memoryQueue) pop() *asynq.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task
}

// auditTrail keeps one entry per (tenant, action, entity, entity id).
type auditTrail struct {
	mu      sync.Mutex
	entries []shared.AuditLog
	keys    map[string]bool
}

func (a *auditTrail) Record(_ context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := strings.Join([]string{log.Action, log.Entity, log.EntityID}, "|")
	if a.keys[key] {
		return nil
	}
	a.keys[key] = true
	a.entries = append(a.entries, log)
	return nil
}

func (a *auditTrail) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type pipeline struct {
	now      time.Time
	queue    *memoryQueue
	audit    *auditTrail
	mux      *asynq.ServeMux
	alerts   *alerts.Service
	registry *prometheus.Registry
	handled  map[string]int
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{
		now:      time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		queue:    &memoryQueue{seen: map[string]bool{}},
		audit:    &auditTrail{keys: map[string]bool{}},
		registry: prometheus.NewRegistry(),
		handled:  map[string]int{},
	}
	clock := func() time.Time { return p.now }

	repo := inventory.NewMemoryRepository()
	repo.AddProduct(inventory.Product{
		ID: milk, TenantID: tenant, SKU: "MILK-1L", Active: true, Perishable: true, TracksLots: true,
		MinimumStock: decimal.NewFromInt(50), DefaultUnitCost: decimal.RequireFromString("1.10"),
	})
	repo.AddWarehouse(inventory.Warehouse{ID: warehouse, TenantID: tenant, Code: "CENTRAL", Active: true})

	metrics := jobmetrics.NewMetrics(p.registry)
	publisher := jobs.NewTaskPublisher(p.queue)
	ledger := inventory.NewLedger(repo, inventory.LedgerConfig{
		Locker:    shared.NewLocalLocker(time.Second),
		Publisher: publisher,
		Metrics:   metrics,
		Clock:     clock,
	})
	p.alerts = alerts.NewService(alerts.NewMemoryStore(), repo, ledger, alerts.Config{
		ExpiryWindowDays: 30,
		Parallelism:      2,
		Publisher:        publisher,
		Metrics:          metrics,
		Clock:            clock,
	})
	ledger.SetStockWatcher(p.alerts)

	notifications := jobs.NewNotificationJob(p.audit, p.queue, "ops@example.com", nil, metrics)
	p.mux = asynq.NewServeMux()
	p.mux.HandleFunc(jobs.TaskInventoryMovement, jobs.NewMovementJob(ledger, nil, metrics).Handle)
	p.mux.HandleFunc(jobs.TaskInventoryAlertSweep, jobs.NewAlertSweepJob(p.alerts, nil, metrics).Handle)
	p.mux.HandleFunc(jobs.TaskNotifyMovementCompleted, notifications.Handle)
	p.mux.HandleFunc(jobs.TaskNotifyAlertRaised, notifications.Handle)
	p.mux.HandleFunc(jobs.TaskNotifyAlertResolved, notifications.Handle)
	p.mux.HandleFunc(jobs.TaskTypeSendEmail, jobs.HandleSendEmailTask)
	return p
}

func (p *pipeline) enqueueMovement(t *testing.T, req inventory.MovementRequest) {
	t.Helper()
	req.TenantID = tenant
	req.ProductID = milk
	req.WarehouseID = warehouse
	task, opts, err := jobs.NewMovementTask(req)
	require.NoError(t, err)
	_, err = p.queue.EnqueueContext(context.Background(), task, opts...)
	require.NoError(t, err)
}

func (p *pipeline) enqueueSweep(t *testing.T) {
	t.Helper()
	task, err := jobs.NewAlertSweepTask(tenant)
	require.NoError(t, err)
	_, err = p.queue.EnqueueContext(context.Background(), task)
	require.NoError(t, err)
}

// drain runs queued tasks until the queue is empty, the way a single worker
// would process them.
func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	for task := p.queue.pop(); task != nil; task = p.queue.pop() {
		require.NoError(t, p.mux.ProcessTask(context.Background(), task), task.Type())
		p.handled[task.Type()]++
	}
}

func (p *pipeline) activeTypes(t *testing.T) []alerts.Type {
	t.Helper()
	active, err := p.alerts.List(context.Background(), alerts.ListFilter{TenantID: tenant, Status: alerts.StatusActive})
	require.NoError(t, err)
	out := make([]alerts.Type, 0, len(active))
	for _, a := range active {
		out = append(out, a.Type)
	}
	return out
}

func TestStockPipelineFromReceiptToDisposal(t *testing.T) {
	p := newPipeline(t)
	soon := p.now.AddDate(0, 0, 10)
	later := p.now.AddDate(0, 6, 0)

	// A short-dated receipt below the minimum raises low stock and expiring.
	p.enqueueMovement(t, inventory.MovementRequest{Type: inventory.MovementTypePurchase, Quantity: decimal.NewFromInt(40), LotNumber: "MILK-A", ExpiresAt: &soon, Reference: "GRN-100"})
	p.drain(t)
	require.ElementsMatch(t, []alerts.Type{alerts.TypeLowStock, alerts.TypeExpiring}, p.activeTypes(t))
	require.Equal(t, 2, p.handled[jobs.TaskTypeSendEmail])

	// The same receipt queued again is rejected by its task id.
	task, opts, err := jobs.NewMovementTask(inventory.MovementRequest{TenantID: tenant, ProductID: milk, WarehouseID: warehouse, Type: inventory.MovementTypePurchase, Quantity: decimal.NewFromInt(40), Reference: "GRN-100"})
	require.NoError(t, err)
	_, err = p.queue.EnqueueContext(context.Background(), task, opts...)
	require.ErrorIs(t, err, asynq.ErrTaskIDConflict)

	// Restocking with a long-dated lot clears low stock only.
	p.enqueueMovement(t, inventory.MovementRequest{Type: inventory.MovementTypePurchase, Quantity: decimal.NewFromInt(100), LotNumber: "MILK-B", ExpiresAt: &later, Reference: "GRN-101"})
	p.drain(t)
	require.ElementsMatch(t, []alerts.Type{alerts.TypeExpiring}, p.activeTypes(t))

	// Once MILK-A passes its date the sweep swaps expiring for expired.
	p.now = p.now.AddDate(0, 0, 11)
	p.enqueueSweep(t)
	p.drain(t)
	require.ElementsMatch(t, []alerts.Type{alerts.TypeExpired}, p.activeTypes(t))

	// A second sweep with nothing changed is quiet.
	before := len(p.audit.actions())
	p.enqueueSweep(t)
	p.drain(t)
	require.Len(t, p.audit.actions(), before)

	// Writing off the expired lot resolves the last alert.
	p.enqueueMovement(t, inventory.MovementRequest{Type: inventory.MovementTypeDisposal, Quantity: decimal.NewFromInt(40), LotNumber: "MILK-A", Reference: "WO-7"})
	p.drain(t)
	require.Empty(t, p.activeTypes(t))

	require.Equal(t, []string{
		"inventory.movement.purchase",
		"inventory.alert.raised",
		"inventory.alert.raised",
		"inventory.movement.purchase",
		"inventory.alert.resolved",
		"inventory.alert.resolved",
		"inventory.alert.raised",
		"inventory.movement.disposal",
		"inventory.alert.resolved",
	}, p.audit.actions())
	require.Equal(t, 6, p.handled[jobs.TaskTypeSendEmail])
	require.Equal(t, 3, p.handled[jobs.TaskInventoryMovement])
	require.Equal(t, 2, p.handled[jobs.TaskInventoryAlertSweep])

	require.Equal(t, 2, testutil.CollectAndCount(p.registry, "stockledger_movements_total"))
	expected := `
# HELP stockledger_movements_total Inventory movements grouped by type and outcome.
# TYPE stockledger_movements_total counter
stockledger_movements_total{status="completed",type="disposal"} 1
stockledger_movements_total{status="completed",type="purchase"} 2
`
	require.NoError(t, testutil.GatherAndCompare(p.registry, strings.NewReader(expected), "stockledger_movements_total"))
}

func TestStockPipelineRejectsOversell(t *testing.T) {
	p := newPipeline(t)
	later := p.now.AddDate(0, 6, 0)

	p.enqueueMovement(t, inventory.MovementRequest{Type: inventory.MovementTypePurchase, Quantity: decimal.NewFromInt(60), LotNumber: "MILK-C", ExpiresAt: &later, Reference: "GRN-200"})
	p.drain(t)
	require.Empty(t, p.activeTypes(t))

	task, opts, err := jobs.NewMovementTask(inventory.MovementRequest{TenantID: tenant, ProductID: milk, WarehouseID: warehouse, Type: inventory.MovementTypeDispatch, Quantity: decimal.NewFromInt(75), Reference: "DO-1"})
	require.NoError(t, err)
	_, err = p.queue.EnqueueContext(context.Background(), task, opts...)
	require.NoError(t, err)

	err = p.mux.ProcessTask(context.Background(), p.queue.pop())
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	require.Empty(t, p.activeTypes(t))
}
