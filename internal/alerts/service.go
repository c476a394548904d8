package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Store persists alerts. Insert must be a no-op returning created=false when
// an active alert already exists for the same product, warehouse and type;
// Resolve must only transition active rows.
type Store interface {
	ListActive(ctx context.Context, scope Scope) ([]Alert, error)
	ListActiveScopes(ctx context.Context, tenantID int64) ([]Scope, error)
	Insert(ctx context.Context, alert Alert) (Alert, bool, error)
	Resolve(ctx context.Context, id int64, at time.Time) (bool, error)
	List(ctx context.Context, filter ListFilter) ([]Alert, error)
}

// InventoryReader is the read-only view of stock the evaluator depends on.
type InventoryReader interface {
	GetProduct(ctx context.Context, tenantID, productID int64) (inventory.Product, error)
	GetStockLevel(ctx context.Context, tenantID, productID, warehouseID int64) (inventory.StockLevel, error)
	ListLots(ctx context.Context, tenantID, productID, warehouseID int64) ([]inventory.Lot, error)
	ListStockLevels(ctx context.Context, tenantID int64) ([]inventory.StockLevel, error)
}

// LotExpirer transitions lots past their expiration date.
type LotExpirer interface {
	ExpireLots(ctx context.Context, tenantID, productID, warehouseID int64, day time.Time) ([]inventory.Lot, error)
}

// Publisher forwards alert transitions.
type Publisher interface {
	PublishAlertRaised(ctx context.Context, alert Alert) error
	PublishAlertResolved(ctx context.Context, alert Alert) error
}

// Config tunes the service.
type Config struct {
	ExpiryWindowDays     int
	ReorderPointFallback bool
	Parallelism          int
	Publisher            Publisher
	Locker               shared.KeyLocker
	Logger               *slog.Logger
	Metrics              *jobmetrics.Metrics
	Clock                func() time.Time
}

// Service raises and resolves stock alerts.
type Service struct {
	store       Store
	inventory   InventoryReader
	expirer     LotExpirer
	evaluator   Evaluator
	parallelism int
	publisher   Publisher
	locker      shared.KeyLocker
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
	clock       func() time.Time
}

// NewService builds Service.
func NewService(store Store, reader InventoryReader, expirer LotExpirer, cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = shared.NewLocalLocker(0)
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Service{
		store:       store,
		inventory:   reader,
		expirer:     expirer,
		evaluator:   Evaluator{ExpiryWindowDays: cfg.ExpiryWindowDays, ReorderPointFallback: cfg.ReorderPointFallback},
		parallelism: parallelism,
		publisher:   cfg.Publisher,
		locker:      locker,
		logger:      logger.With(slog.String("component", "alerts")),
		metrics:     cfg.Metrics,
		clock:       clock,
	}
}

// CheckStock evaluates every alert type for one product in one warehouse. It
// runs after each committed movement.
func (s *Service) CheckStock(ctx context.Context, tenantID, productID, warehouseID int64) error {
	out, err := s.Evaluate(ctx, Scope{TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID}, nil)
	if err != nil {
		return err
	}
	s.observe(out)
	return nil
}

// Evaluate applies the alert rules to one scope, raising alerts for new
// conditions and resolving alerts whose condition no longer holds.
func (s *Service) Evaluate(ctx context.Context, scope Scope, types []Type) (Outcome, error) {
	if scope.TenantID == 0 || scope.ProductID == 0 || scope.WarehouseID == 0 {
		return Outcome{}, ErrInvalidScope
	}
	wanted := typeSet(types)
	now := s.clock()

	product, err := s.inventory.GetProduct(ctx, scope.TenantID, scope.ProductID)
	missing := errors.Is(err, inventory.ErrProductNotFound)
	if err != nil && !missing {
		return Outcome{}, err
	}

	evaluate := !missing && product.Active
	if evaluate && wanted[TypeExpired] && s.expirer != nil {
		if _, err := s.expirer.ExpireLots(ctx, scope.TenantID, scope.ProductID, scope.WarehouseID, now); err != nil {
			return Outcome{}, fmt.Errorf("expire lots: %w", err)
		}
	}

	// Concurrent evaluations of one scope would each see no active alert and
	// could open both out_of_stock and low_stock.
	unlock, err := s.locker.Lock(ctx, shared.AlertLockKey(scope.TenantID, scope.ProductID, scope.WarehouseID))
	if err != nil {
		return Outcome{}, fmt.Errorf("alerts: lock scope: %w", err)
	}
	out, err := s.reconcile(ctx, scope, product, evaluate, types, now)
	unlock()
	if err != nil {
		return out, err
	}
	s.publish(ctx, out)
	return out, nil
}

// reconcile reads stock, derives the holding conditions and brings the active
// alerts in line with them. Callers hold the scope lock.
func (s *Service) reconcile(ctx context.Context, scope Scope, product inventory.Product, evaluate bool, types []Type, now time.Time) (Outcome, error) {
	wanted := typeSet(types)
	var conditions []Condition
	if evaluate {
		level, err := s.inventory.GetStockLevel(ctx, scope.TenantID, scope.ProductID, scope.WarehouseID)
		if err != nil {
			return Outcome{}, err
		}
		lots, err := s.inventory.ListLots(ctx, scope.TenantID, scope.ProductID, scope.WarehouseID)
		if err != nil {
			return Outcome{}, err
		}
		conditions = s.evaluator.Evaluate(product, level, lots, now, types)
	}

	active, err := s.store.ListActive(ctx, scope)
	if err != nil {
		return Outcome{}, err
	}
	current := make(map[Type]Alert, len(active))
	for _, a := range active {
		current[a.Type] = a
	}
	holding := make(map[Type]Condition, len(conditions))
	for _, c := range conditions {
		holding[c.Type] = c
	}

	var out Outcome
	// Resolve first so that low_stock closes before out_of_stock opens.
	for _, t := range AllTypes {
		a, ok := current[t]
		if !ok || !wanted[t] {
			continue
		}
		if _, still := holding[t]; still {
			continue
		}
		resolved, err := s.store.Resolve(ctx, a.ID, now)
		if err != nil {
			return out, err
		}
		if resolved {
			a.Status = StatusResolved
			a.ResolvedAt = &now
			out.Resolved = append(out.Resolved, a)
		}
	}
	for _, t := range AllTypes {
		c, ok := holding[t]
		if !ok {
			continue
		}
		if _, exists := current[t]; exists {
			continue
		}
		alert, created, err := s.store.Insert(ctx, Alert{
			TenantID:    scope.TenantID,
			ProductID:   scope.ProductID,
			WarehouseID: scope.WarehouseID,
			Type:        c.Type,
			Severity:    c.Type.Severity(),
			Status:      StatusActive,
			Quantity:    c.Quantity,
			Threshold:   c.Threshold,
			LotIDs:      c.LotIDs,
			ExpiresAt:   c.ExpiresAt,
			CreatedAt:   now,
		})
		if err != nil {
			return out, err
		}
		if created {
			out.Raised = append(out.Raised, alert)
		}
	}
	return out, nil
}

// Sweep evaluates every product and warehouse holding stock or an active
// alert. Running it twice without intervening movements yields no transitions
// on the second run.
func (s *Service) Sweep(ctx context.Context, params SweepParams) (SweepResult, error) {
	for _, t := range params.Types {
		if !t.Valid() {
			return SweepResult{}, fmt.Errorf("%w: %q", ErrInvalidType, t)
		}
	}
	scopes, err := s.sweepScopes(ctx, params.TenantID)
	if err != nil {
		return SweepResult{}, err
	}

	result := newSweepResult()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, scope := range scopes {
		scope := scope
		g.Go(func() error {
			out, err := s.Evaluate(gctx, scope, params.Types)
			if err != nil {
				return fmt.Errorf("evaluate product %d warehouse %d: %w", scope.ProductID, scope.WarehouseID, err)
			}
			mu.Lock()
			defer mu.Unlock()
			result.Evaluated++
			for _, a := range out.Raised {
				result.Created[a.Type]++
			}
			for _, a := range out.Resolved {
				result.Resolved[a.Type]++
			}
			return nil
		})
	}
	err = g.Wait()
	for t, n := range result.Created {
		s.metrics.AddAlertTransitions(string(t), "raised", n)
	}
	for t, n := range result.Resolved {
		s.metrics.AddAlertTransitions(string(t), "resolved", n)
	}
	s.logger.Info("alert sweep finished",
		slog.Int64("tenant_id", params.TenantID),
		slog.Int("evaluated", result.Evaluated),
		slog.Any("created", result.Created),
		slog.Any("resolved", result.Resolved))
	return result, err
}

// List returns alerts matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Alert, error) {
	if filter.TenantID == 0 {
		return nil, ErrInvalidScope
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, filter.Type)
	}
	return s.store.List(ctx, filter)
}

func (s *Service) sweepScopes(ctx context.Context, tenantID int64) ([]Scope, error) {
	levels, err := s.inventory.ListStockLevels(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	withAlerts, err := s.store.ListActiveScopes(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	seen := make(map[Scope]struct{}, len(levels)+len(withAlerts))
	scopes := make([]Scope, 0, len(levels)+len(withAlerts))
	add := func(sc Scope) {
		if _, ok := seen[sc]; ok {
			return
		}
		seen[sc] = struct{}{}
		scopes = append(scopes, sc)
	}
	for _, lvl := range levels {
		add(Scope{TenantID: lvl.TenantID, ProductID: lvl.ProductID, WarehouseID: lvl.WarehouseID})
	}
	for _, sc := range withAlerts {
		add(sc)
	}
	return scopes, nil
}

func (s *Service) publish(ctx context.Context, out Outcome) {
	if s.publisher == nil {
		return
	}
	for _, a := range out.Resolved {
		if err := s.publisher.PublishAlertResolved(ctx, a); err != nil {
			s.logger.Warn("publish alert resolved", slog.Int64("alert_id", a.ID), slog.Any("error", err))
		}
	}
	for _, a := range out.Raised {
		if err := s.publisher.PublishAlertRaised(ctx, a); err != nil {
			s.logger.Warn("publish alert raised", slog.Int64("alert_id", a.ID), slog.Any("error", err))
		}
	}
}

func (s *Service) observe(out Outcome) {
	for _, a := range out.Raised {
		s.metrics.AddAlertTransitions(string(a.Type), "raised", 1)
	}
	for _, a := range out.Resolved {
		s.metrics.AddAlertTransitions(string(a.Type), "resolved", 1)
	}
}
