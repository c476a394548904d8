package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/alerts"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// Sweeper runs an alert sweep.
type Sweeper interface {
	Sweep(ctx context.Context, params alerts.SweepParams) (alerts.SweepResult, error)
}

// AlertSweepJob re-evaluates alert conditions on a schedule.
type AlertSweepJob struct {
	Sweeper Sweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewAlertSweepJob initialises the sweep handler.
func NewAlertSweepJob(sweeper Sweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *AlertSweepJob {
	return &AlertSweepJob{
		Sweeper: sweeper,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep.
func (j *AlertSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sweeper == nil {
		return errors.New("alert sweep: handler not configured")
	}
	var payload AlertSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	params := alerts.SweepParams{TenantID: payload.TenantID}
	for _, raw := range payload.Types {
		params.Types = append(params.Types, alerts.Type(raw))
	}

	start := j.now()
	tracker := j.metrics().Track(TaskInventoryAlertSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("tenant_id", payload.TenantID))
	logger.Info("starting alert sweep")

	result, err := j.Sweeper.Sweep(ctx, params)
	if err != nil {
		resultErr = err
		logger.Error("sweep failed", slog.Any("error", err))
		if errors.Is(err, alerts.ErrInvalidType) {
			return errors.Join(err, asynq.SkipRetry)
		}
		return resultErr
	}

	attrs := []any{slog.Int("scopes", result.Evaluated), slog.Duration("duration", time.Since(start))}
	for _, typ := range alerts.AllTypes {
		if n := result.Created[typ]; n > 0 {
			attrs = append(attrs, slog.Int("raised_"+string(typ), n))
		}
		if n := result.Resolved[typ]; n > 0 {
			attrs = append(attrs, slog.Int("resolved_"+string(typ), n))
		}
	}
	logger.Info("completed alert sweep", attrs...)
	return nil
}

func (j *AlertSweepJob) logger() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInventoryAlertSweep))
	}
	return slog.Default().With(slog.String("job", TaskInventoryAlertSweep))
}

func (j *AlertSweepJob) metrics() *jobmetrics.Metrics {
	if j == nil {
		return nil
	}
	return j.Metrics
}

func (j *AlertSweepJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
