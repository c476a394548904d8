package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger *slog.Logger
	ledger *Ledger
	reads  singleflight.Group
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, ledger *Ledger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, ledger: ledger}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.handleRecord)
	r.Get("/movements", h.handleStockCard)
	r.Get("/movements/{id}", h.handleGetMovement)
	r.Get("/balances", h.handleBalances)
	r.Get("/lots", h.handleLots)
}

type movementResponse struct {
	Movement    movementView     `json:"movement"`
	Balances    []balanceView    `json:"balances,omitempty"`
	Allocations []allocationView `json:"allocations,omitempty"`
	Duplicate   bool             `json:"duplicate,omitempty"`
}

type movementView struct {
	ID                     uuid.UUID       `json:"id"`
	Reference              string          `json:"reference,omitempty"`
	Type                   MovementType    `json:"type"`
	Status                 MovementStatus  `json:"status"`
	ProductID              int64           `json:"product_id"`
	WarehouseID            int64           `json:"warehouse_id"`
	DestinationWarehouseID int64           `json:"destination_warehouse_id,omitempty"`
	LotID                  int64           `json:"lot_id,omitempty"`
	Quantity               decimal.Decimal `json:"quantity"`
	QuantityIn             decimal.Decimal `json:"quantity_in"`
	QuantityOut            decimal.Decimal `json:"quantity_out"`
	PreviousQuantity       decimal.Decimal `json:"previous_quantity"`
	NewQuantity            decimal.Decimal `json:"new_quantity"`
	UnitCost               decimal.Decimal `json:"unit_cost"`
	TotalCost              decimal.Decimal `json:"total_cost"`
	Note                   string          `json:"note,omitempty"`
	FailureReason          string          `json:"failure_reason,omitempty"`
	ActorID                int64           `json:"actor_id,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty"`
	FailedAt               *time.Time      `json:"failed_at,omitempty"`
	Lines                  []lineView      `json:"lines,omitempty"`
}

type lineView struct {
	WarehouseID int64           `json:"warehouse_id"`
	LotID       int64           `json:"lot_id,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

type balanceView struct {
	WarehouseID int64           `json:"warehouse_id"`
	LotID       int64           `json:"lot_id,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	Reserved    decimal.Decimal `json:"reserved_quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	TotalValue  decimal.Decimal `json:"total_value"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type allocationView struct {
	LotID     int64           `json:"lot_id"`
	LotNumber string          `json:"lot_number,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type lotView struct {
	ID                int64           `json:"id"`
	LotNumber         string          `json:"lot_number"`
	ManufacturedAt    *time.Time      `json:"manufactured_at,omitempty"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	QuantityRemaining decimal.Decimal `json:"quantity_remaining"`
	Status            LotStatus       `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
}

type balancesResponse struct {
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	TotalValue  decimal.Decimal `json:"total_value"`
	Lots        []balanceView   `json:"lots"`
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: tenant scope required", httpx.ErrValidation))
		return
	}
	var req MovementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	req.TenantID = tenantID
	if req.ActorID == 0 {
		req.ActorID = shared.ActorFromContext(r.Context())
	}
	res, err := h.ledger.Record(r.Context(), req)
	if errors.Is(err, ErrDuplicateMovement) {
		h.logger.Info("duplicate movement replayed",
			slog.String("reference", req.Reference),
			slog.String("movement_id", res.Movement.ID.String()))
		httpx.JSON(w, http.StatusOK, movementResponse{Movement: toMovementView(res.Movement), Duplicate: true})
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := movementResponse{Movement: toMovementView(res.Movement)}
	for _, bal := range res.Balances {
		resp.Balances = append(resp.Balances, toBalanceView(bal))
	}
	for _, a := range res.Allocations {
		resp.Allocations = append(resp.Allocations, allocationView{LotID: a.Lot.ID, LotNumber: a.Lot.LotNumber, Quantity: a.Quantity})
	}
	httpx.JSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleGetMovement(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: tenant scope required", httpx.ErrValidation))
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid movement id", httpx.ErrValidation))
		return
	}
	m, err := h.ledger.GetMovement(r.Context(), tenantID, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toMovementView(m))
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	tenantID, productID, warehouseID, err := scopeFromQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := MovementFilter{TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID, Limit: 500}
	q := r.URL.Query()
	if from := q.Get("from"); from != "" {
		if filter.From, err = time.Parse("2006-01-02", from); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid from date", httpx.ErrValidation))
			return
		}
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid to date", httpx.ErrValidation))
			return
		}
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 || n > 500 {
			httpx.RespondError(w, fmt.Errorf("%w: limit must be between 1 and 500", httpx.ErrValidation))
			return
		}
		filter.Limit = n
	}
	movements, err := h.ledger.StockCard(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	views := make([]movementView, 0, len(movements))
	for _, m := range movements {
		views = append(views, toMovementView(m))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	tenantID, productID, warehouseID, err := scopeFromQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := fmt.Sprintf("balances:%d:%d:%d", tenantID, productID, warehouseID)
	result, err := h.coalesce(r.Context(), key, func(ctx context.Context) (any, error) {
		balances, err := h.ledger.Balances(ctx, tenantID, productID, warehouseID)
		if err != nil {
			return nil, err
		}
		resp := balancesResponse{ProductID: productID, WarehouseID: warehouseID, Lots: make([]balanceView, 0, len(balances))}
		for _, bal := range balances {
			resp.Quantity = resp.Quantity.Add(bal.Quantity)
			resp.TotalValue = resp.TotalValue.Add(bal.TotalValue)
			resp.Lots = append(resp.Lots, toBalanceView(bal))
		}
		return resp, nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleLots(w http.ResponseWriter, r *http.Request) {
	tenantID, productID, warehouseID, err := scopeFromQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	lots, err := h.ledger.Lots(r.Context(), tenantID, productID, warehouseID)
	if err != nil {
		h.fail(w, err)
		return
	}
	views := make([]lotView, 0, len(lots))
	for _, lot := range lots {
		views = append(views, lotView{
			ID:                lot.ID,
			LotNumber:         lot.LotNumber,
			ManufacturedAt:    lot.ManufacturedAt,
			ExpiresAt:         lot.ExpiresAt,
			QuantityRemaining: lot.QuantityRemaining,
			Status:            lot.Status,
			CreatedAt:         lot.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, views)
}

// coalesce collapses concurrent identical reads into one repository call.
func (h *Handler) coalesce(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := h.reads.DoChan(key, func() (any, error) {
		return fn(ctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case IsValidationError(err):
		httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrValidation, err))
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrWarehouseNotFound), errors.Is(err, ErrMovementNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrNotFound, err))
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrNegativeStock), errors.Is(err, ErrLotNotEligible):
		httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrUnprocessable, err))
	case errors.Is(err, ErrLockTimeout):
		httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrUnavailable, err))
	default:
		h.logger.Error("inventory request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func scopeFromQuery(r *http.Request) (tenantID, productID, warehouseID int64, err error) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: tenant scope required", httpx.ErrValidation)
	}
	q := r.URL.Query()
	productID, err = strconv.ParseInt(q.Get("product_id"), 10, 64)
	if err != nil || productID <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: product_id required", httpx.ErrValidation)
	}
	warehouseID, err = strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	if err != nil || warehouseID <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: warehouse_id required", httpx.ErrValidation)
	}
	return tenantID, productID, warehouseID, nil
}

func toMovementView(m Movement) movementView {
	v := movementView{
		ID:                     m.ID,
		Reference:              m.Reference,
		Type:                   m.Type,
		Status:                 m.Status,
		ProductID:              m.ProductID,
		WarehouseID:            m.WarehouseID,
		DestinationWarehouseID: m.DestinationWarehouseID,
		LotID:                  m.LotID,
		Quantity:               m.Quantity,
		QuantityIn:             m.QuantityIn,
		QuantityOut:            m.QuantityOut,
		PreviousQuantity:       m.PreviousQuantity,
		NewQuantity:            m.NewQuantity,
		UnitCost:               m.UnitCost,
		TotalCost:              m.TotalCost,
		Note:                   m.Note,
		FailureReason:          m.FailureReason,
		ActorID:                m.ActorID,
		CreatedAt:              m.CreatedAt,
		CompletedAt:            m.CompletedAt,
		FailedAt:               m.FailedAt,
	}
	for _, line := range m.Lines {
		v.Lines = append(v.Lines, lineView{WarehouseID: line.WarehouseID, LotID: line.LotID, Quantity: line.Quantity, UnitCost: line.UnitCost})
	}
	return v
}

func toBalanceView(b Balance) balanceView {
	return balanceView{
		WarehouseID: b.WarehouseID,
		LotID:       b.LotID,
		Quantity:    b.Quantity,
		Reserved:    b.ReservedQuantity,
		UnitCost:    b.UnitCost,
		TotalValue:  b.TotalValue,
		UpdatedAt:   b.UpdatedAt,
	}
}
