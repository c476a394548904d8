package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ActivityRecorder persists activity entries.
type ActivityRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// NotificationJob consumes notify:* tasks. Every event becomes an activity
// entry; alert transitions additionally queue an email when a recipient is set.
type NotificationJob struct {
	Activity ActivityRecorder
	Mail     Enqueuer
	AlertTo  string
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewNotificationJob initialises the notification handler.
func NewNotificationJob(activity ActivityRecorder, mail Enqueuer, alertTo string, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotificationJob {
	return &NotificationJob{Activity: activity, Mail: mail, AlertTo: alertTo, Logger: logger, Metrics: metrics}
}

// Handle routes a notification task by type.
func (j *NotificationJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Activity == nil {
		return errors.New("notification: handler not configured")
	}
	tracker := j.metrics().Track(t.Type())
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	switch t.Type() {
	case TaskNotifyMovementCompleted:
		var payload MovementNotificationPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		resultErr = j.movementCompleted(ctx, payload)
	case TaskNotifyAlertRaised, TaskNotifyAlertResolved:
		var payload AlertNotificationPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		resultErr = j.alertTransition(ctx, t.Type(), payload)
	default:
		return fmt.Errorf("notification: unsupported task %q: %w", t.Type(), asynq.SkipRetry)
	}
	if resultErr != nil {
		j.logger().Error("notification failed", slog.String("task", t.Type()), slog.Any("error", resultErr))
	}
	return resultErr
}

func (j *NotificationJob) movementCompleted(ctx context.Context, p MovementNotificationPayload) error {
	return j.Activity.Record(ctx, shared.AuditLog{
		TenantID: p.TenantID,
		ActorID:  p.ActorID,
		Action:   "inventory.movement." + p.Type,
		Entity:   "inventory_movement",
		EntityID: p.MovementID,
		Meta: map[string]any{
			"reference":                p.Reference,
			"product_id":               p.ProductID,
			"warehouse_id":             p.WarehouseID,
			"destination_warehouse_id": p.DestinationWarehouseID,
			"quantity":                 p.Quantity.String(),
			"new_quantity":             p.NewQuantity.String(),
			"total_cost":               p.TotalCost.String(),
		},
		At: p.OccurredAt,
	})
}

func (j *NotificationJob) alertTransition(ctx context.Context, taskType string, p AlertNotificationPayload) error {
	transition := strings.TrimPrefix(taskType, "notify:alert_")
	err := j.Activity.Record(ctx, shared.AuditLog{
		TenantID: p.TenantID,
		Action:   "inventory.alert." + transition,
		Entity:   "inventory_alert",
		EntityID: fmt.Sprintf("%d", p.AlertID),
		Meta: map[string]any{
			"type":         p.Type,
			"severity":     p.Severity,
			"product_id":   p.ProductID,
			"warehouse_id": p.WarehouseID,
			"quantity":     p.Quantity.String(),
			"threshold":    p.Threshold.String(),
			"lot_ids":      p.LotIDs,
		},
		At: p.OccurredAt,
	})
	if err != nil {
		return err
	}
	if j.Mail == nil || j.AlertTo == "" {
		return nil
	}
	task, err := NewSendEmailTask(SendEmailPayload{
		To:      j.AlertTo,
		Subject: fmt.Sprintf("[%s] %s alert %s: product %d in warehouse %d", strings.ToUpper(p.Severity), p.Type, transition, p.ProductID, p.WarehouseID),
		Body:    alertMailBody(transition, p),
	})
	if err != nil {
		return err
	}
	_, err = j.Mail.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.TaskID(fmt.Sprintf("mail:alert:%d:%s", p.AlertID, transition)),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func alertMailBody(transition string, p AlertNotificationPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert %d %s at %s.\n", p.AlertID, transition, p.OccurredAt.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "Quantity on hand: %s (threshold %s).\n", p.Quantity.String(), p.Threshold.String())
	if p.ExpiresAt != nil {
		fmt.Fprintf(&b, "Nearest expiry: %s.\n", p.ExpiresAt.Format("2006-01-02"))
	}
	if len(p.LotIDs) > 0 {
		ids := make([]string, 0, len(p.LotIDs))
		for _, id := range p.LotIDs {
			ids = append(ids, fmt.Sprintf("%d", id))
		}
		fmt.Fprintf(&b, "Lots: %s.\n", strings.Join(ids, ", "))
	}
	return b.String()
}

func (j *NotificationJob) logger() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", "notify"))
	}
	return slog.Default().With(slog.String("job", "notify"))
}

func (j *NotificationJob) metrics() *jobmetrics.Metrics {
	if j == nil {
		return nil
	}
	return j.Metrics
}
