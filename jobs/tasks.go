package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/alerts"
	"github.com/odyssey-erp/stockledger/internal/inventory"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueInventory carries movement tasks and is weighted above notifications.
	QueueInventory = "inventory"

	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskInventoryMovement applies one movement request through the ledger.
	TaskInventoryMovement = "inventory:movement"
	// TaskInventoryAlertSweep re-evaluates stock and expiry alerts.
	TaskInventoryAlertSweep = "inventory:alert_sweep"

	TaskNotifyMovementCompleted = "notify:movement_completed"
	TaskNotifyAlertRaised       = "notify:alert_raised"
	TaskNotifyAlertResolved     = "notify:alert_resolved"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// HandleSendEmailTask processes TaskTypeSendEmail tasks. Delivery is logged
// until an SMTP relay is configured for the worker.
func HandleSendEmailTask(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	slog.Default().InfoContext(ctx, "send email",
		slog.String("job", TaskTypeSendEmail),
		slog.String("to", payload.To),
		slog.String("subject", payload.Subject),
	)
	return nil
}

// MovementPayload wraps a movement request for asynchronous recording.
type MovementPayload struct {
	Request inventory.MovementRequest `json:"request"`
}

// NewMovementTask builds an inventory:movement task. Requests carrying a
// reference reuse it as the task ID so a replayed import is not queued twice.
func NewMovementTask(req inventory.MovementRequest) (*asynq.Task, []asynq.Option, error) {
	data, err := json.Marshal(MovementPayload{Request: req})
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueInventory)}
	if req.Reference != "" {
		opts = append(opts, asynq.TaskID(movementTaskID(req.TenantID, req.Reference)))
	}
	return asynq.NewTask(TaskInventoryMovement, data), opts, nil
}

func movementTaskID(tenantID int64, reference string) string {
	return "movement:" + strconv.FormatInt(tenantID, 10) + ":" + reference
}

// AlertSweepPayload scopes an alert sweep. A zero tenant sweeps every tenant.
type AlertSweepPayload struct {
	TenantID int64    `json:"tenant_id,omitempty"`
	Types    []string `json:"types,omitempty"`
}

// NewAlertSweepTask builds an inventory:alert_sweep task.
func NewAlertSweepTask(tenantID int64, types ...alerts.Type) (*asynq.Task, error) {
	payload := AlertSweepPayload{TenantID: tenantID}
	for _, t := range types {
		payload.Types = append(payload.Types, string(t))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryAlertSweep, data), nil
}

// MovementNotificationPayload is the notify:movement_completed body.
type MovementNotificationPayload struct {
	MovementID             string          `json:"movement_id"`
	TenantID               int64           `json:"tenant_id"`
	Reference              string          `json:"reference,omitempty"`
	Type                   string          `json:"type"`
	ProductID              int64           `json:"product_id"`
	WarehouseID            int64           `json:"warehouse_id"`
	DestinationWarehouseID int64           `json:"destination_warehouse_id,omitempty"`
	Quantity               decimal.Decimal `json:"quantity"`
	NewQuantity            decimal.Decimal `json:"new_quantity"`
	TotalCost              decimal.Decimal `json:"total_cost"`
	ActorID                int64           `json:"actor_id,omitempty"`
	OccurredAt             time.Time       `json:"occurred_at"`
}

// AlertNotificationPayload is the body of alert raised/resolved notifications.
type AlertNotificationPayload struct {
	AlertID     int64           `json:"alert_id"`
	TenantID    int64           `json:"tenant_id"`
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Type        string          `json:"type"`
	Severity    string          `json:"severity"`
	Quantity    decimal.Decimal `json:"quantity"`
	Threshold   decimal.Decimal `json:"threshold"`
	LotIDs      []int64         `json:"lot_ids,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

func movementNotification(evt inventory.MovementCompletedEvent) MovementNotificationPayload {
	m := evt.Movement
	return MovementNotificationPayload{
		MovementID:             m.ID.String(),
		TenantID:               m.TenantID,
		Reference:              m.Reference,
		Type:                   string(m.Type),
		ProductID:              m.ProductID,
		WarehouseID:            m.WarehouseID,
		DestinationWarehouseID: m.DestinationWarehouseID,
		Quantity:               m.Quantity,
		NewQuantity:            m.NewQuantity,
		TotalCost:              m.TotalCost,
		ActorID:                m.ActorID,
		OccurredAt:             evt.OccurredAt,
	}
}

func alertNotification(a alerts.Alert, at time.Time) AlertNotificationPayload {
	return AlertNotificationPayload{
		AlertID:     a.ID,
		TenantID:    a.TenantID,
		ProductID:   a.ProductID,
		WarehouseID: a.WarehouseID,
		Type:        string(a.Type),
		Severity:    string(a.Severity),
		Quantity:    a.Quantity,
		Threshold:   a.Threshold,
		LotIDs:      a.LotIDs,
		ExpiresAt:   a.ExpiresAt,
		OccurredAt:  at,
	}
}
