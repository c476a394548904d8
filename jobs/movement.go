package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// MovementRecorder is the ledger surface used by MovementJob.
type MovementRecorder interface {
	Record(ctx context.Context, req inventory.MovementRequest) (inventory.MovementResult, error)
	RecordFailure(ctx context.Context, req inventory.MovementRequest, cause error) (inventory.Movement, error)
}

// MovementJob records queued movement requests. Business rejections are
// persisted as failed movements and never retried; transient errors are
// retried and persisted once the retry budget is spent.
type MovementJob struct {
	Ledger  MovementRecorder
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
	// retries reports (attempt, max) for the running task.
	retries func(ctx context.Context) (int, int)
}

// NewMovementJob initialises the movement handler.
func NewMovementJob(ledger MovementRecorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *MovementJob {
	return &MovementJob{
		Ledger:  ledger,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		retries: taskRetries,
	}
}

// Handle executes one inventory:movement task.
func (j *MovementJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("inventory movement: handler not configured")
	}
	var payload MovementPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	req := payload.Request

	start := j.now()
	tracker := j.metrics().Track(TaskInventoryMovement)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.String("reference", req.Reference),
		slog.String("type", string(req.Type)),
		slog.Int64("tenant_id", req.TenantID),
		slog.Int64("product_id", req.ProductID),
		slog.Int64("warehouse_id", req.WarehouseID),
	)

	result, err := j.Ledger.Record(ctx, req)
	switch {
	case err == nil:
		logger.Info("movement recorded",
			slog.String("movement_id", result.Movement.ID.String()),
			slog.String("new_quantity", result.Movement.NewQuantity.String()),
			slog.Duration("duration", time.Since(start)),
		)
		return nil
	case errors.Is(err, inventory.ErrDuplicateMovement):
		logger.Info("movement already recorded", slog.String("movement_id", result.Movement.ID.String()))
		return nil
	case inventory.IsBusinessError(err):
		j.fail(ctx, logger, req, err)
		resultErr = err
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	resultErr = err
	attempt, maxRetry := j.retries(ctx)
	if attempt >= maxRetry {
		j.fail(ctx, logger, req, err)
		return err
	}
	logger.Warn("movement will be retried", slog.Int("attempt", attempt), slog.String("kind", inventory.Kind(err)), slog.Any("error", err))
	return err
}

func (j *MovementJob) fail(ctx context.Context, logger *slog.Logger, req inventory.MovementRequest, cause error) {
	m, err := j.Ledger.RecordFailure(ctx, req, cause)
	if err != nil {
		logger.Error("persist failed movement", slog.Any("cause", cause), slog.Any("error", err))
		return
	}
	logger.Warn("movement rejected",
		slog.String("movement_id", m.ID.String()),
		slog.String("kind", inventory.Kind(cause)),
		slog.Any("error", cause),
	)
}

func (j *MovementJob) logger() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInventoryMovement))
	}
	return slog.Default().With(slog.String("job", TaskInventoryMovement))
}

func (j *MovementJob) metrics() *jobmetrics.Metrics {
	if j == nil {
		return nil
	}
	return j.Metrics
}

func (j *MovementJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func taskRetries(ctx context.Context) (int, int) {
	attempt, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return 0, 0
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return attempt, 0
	}
	return attempt, maxRetry
}
