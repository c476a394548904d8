package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/alerts"
	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// Enqueuer is the part of asynq.Client the publisher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskPublisher turns ledger and alert events into notification tasks.
type TaskPublisher struct {
	enqueuer Enqueuer
	maxRetry int
	clock    func() time.Time
}

var (
	_ inventory.Publisher = (*TaskPublisher)(nil)
	_ alerts.Publisher    = (*TaskPublisher)(nil)
)

// NewTaskPublisher constructs TaskPublisher.
func NewTaskPublisher(enqueuer Enqueuer) *TaskPublisher {
	return &TaskPublisher{
		enqueuer: enqueuer,
		maxRetry: 5,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// PublishMovementCompleted enqueues notify:movement_completed.
func (p *TaskPublisher) PublishMovementCompleted(ctx context.Context, evt inventory.MovementCompletedEvent) error {
	payload := movementNotification(evt)
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = p.clock()
	}
	return p.enqueue(ctx, TaskNotifyMovementCompleted, payload, "movement:"+payload.MovementID)
}

// PublishAlertRaised enqueues notify:alert_raised.
func (p *TaskPublisher) PublishAlertRaised(ctx context.Context, a alerts.Alert) error {
	return p.enqueue(ctx, TaskNotifyAlertRaised, alertNotification(a, p.clock()), fmt.Sprintf("alert:%d:raised", a.ID))
}

// PublishAlertResolved enqueues notify:alert_resolved.
func (p *TaskPublisher) PublishAlertResolved(ctx context.Context, a alerts.Alert) error {
	at := p.clock()
	if a.ResolvedAt != nil {
		at = *a.ResolvedAt
	}
	return p.enqueue(ctx, TaskNotifyAlertResolved, alertNotification(a, at), fmt.Sprintf("alert:%d:resolved", a.ID))
}

func (p *TaskPublisher) enqueue(ctx context.Context, taskType string, payload any, id string) error {
	if p == nil || p.enqueuer == nil {
		return fmt.Errorf("jobs: publisher not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = p.enqueuer.EnqueueContext(ctx, asynq.NewTask(taskType, data),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(p.maxRetry),
		asynq.TaskID(taskType+":"+id),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("jobs: enqueue %s: %w", taskType, err)
	}
	return nil
}
