package alerts

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Handler exposes alert listings and the manual sweep trigger.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers alert routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/alerts", h.handleList)
	r.Post("/alerts/sweep", h.handleSweep)
}

type alertView struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Type        Type            `json:"type"`
	Severity    Severity        `json:"severity"`
	Status      Status          `json:"status"`
	Quantity    decimal.Decimal `json:"quantity"`
	Threshold   decimal.Decimal `json:"threshold"`
	LotIDs      []int64         `json:"lot_ids,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

type sweepRequest struct {
	Types []Type `json:"types"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: tenant scope required", httpx.ErrValidation))
		return
	}
	q := r.URL.Query()
	filter := ListFilter{TenantID: tenantID, Status: Status(q.Get("status")), Type: Type(q.Get("type")), Limit: 100}
	if filter.Status == "" {
		filter.Status = StatusActive
	}
	if filter.Status != StatusActive && filter.Status != StatusResolved {
		httpx.RespondError(w, fmt.Errorf("%w: unknown status", httpx.ErrValidation))
		return
	}
	for name, target := range map[string]*int64{"product_id": &filter.ProductID, "warehouse_id": &filter.WarehouseID} {
		if raw := q.Get(name); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				httpx.RespondError(w, fmt.Errorf("%w: invalid %s", httpx.ErrValidation, name))
				return
			}
			*target = id
		}
	}
	alerts, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	views := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, alertView{
			ID:          a.ID,
			ProductID:   a.ProductID,
			WarehouseID: a.WarehouseID,
			Type:        a.Type,
			Severity:    a.Severity,
			Status:      a.Status,
			Quantity:    a.Quantity,
			Threshold:   a.Threshold,
			LotIDs:      a.LotIDs,
			ExpiresAt:   a.ExpiresAt,
			CreatedAt:   a.CreatedAt,
			ResolvedAt:  a.ResolvedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: tenant scope required", httpx.ErrValidation))
		return
	}
	var req sweepRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	result, err := h.service.Sweep(r.Context(), SweepParams{TenantID: tenantID, Types: req.Types})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalidType) || errors.Is(err, ErrInvalidScope) {
		httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrValidation, err))
		return
	}
	h.logger.Error("alerts request failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
