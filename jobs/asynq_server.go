package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/alerts"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueInventory: 6,
			QueueDefault:   3,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn("task failed",
				slog.String("task", task.Type()),
				slog.Int("retry", retried),
				slog.Int("max_retry", maxRetry),
				slog.String("kind", inventory.Kind(err)),
				slog.Any("error", err),
			)
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeSendEmail, HandleSendEmailTask)
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	w.logger.Info("worker started")
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// Client submits jobs to the queue.
type Client struct {
	client   *asynq.Client
	maxRetry int
}

// NewClient constructs an Asynq client. maxRetry bounds movement task retries;
// a movement runs at most maxRetry+1 times.
func NewClient(redisOpts asynq.RedisClientOpt, maxRetry int) (*Client, error) {
	if maxRetry < 0 {
		maxRetry = 0
	}
	client := asynq.NewClient(redisOpts)
	return &Client{client: client, maxRetry: maxRetry}, nil
}

// EnqueueContext exposes the underlying client so Client satisfies Enqueuer.
func (c *Client) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, task, opts...)
}

// EnqueueSendEmail enqueues a send-email task.
func (c *Client) EnqueueSendEmail(ctx context.Context, payload SendEmailPayload) (*asynq.TaskInfo, error) {
	task, err := NewSendEmailTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// EnqueueMovement queues a movement request for the worker. A request whose
// reference is already queued returns asynq.ErrTaskIDConflict.
func (c *Client) EnqueueMovement(ctx context.Context, req inventory.MovementRequest) (*asynq.TaskInfo, error) {
	task, opts, err := NewMovementTask(req)
	if err != nil {
		return nil, err
	}
	opts = append(opts, asynq.MaxRetry(c.maxRetry))
	return c.client.EnqueueContext(ctx, task, opts...)
}

// EnqueueAlertSweep queues an on-demand sweep.
func (c *Client) EnqueueAlertSweep(ctx context.Context, tenantID int64, types ...alerts.Type) (*asynq.TaskInfo, error) {
	task, err := NewAlertSweepTask(tenantID, types...)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(3))
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// MovementQueue accepts movement requests for asynchronous recording.
type MovementQueue interface {
	EnqueueMovement(ctx context.Context, req inventory.MovementRequest) (*asynq.TaskInfo, error)
}

// HandlerConfig groups the jobs HTTP handler collaborators.
type HandlerConfig struct {
	Inspector *asynq.Inspector
	Queue     MovementQueue
	// Validate rejects malformed requests before they are queued.
	Validate  func(inventory.MovementRequest) error
	Logger    *slog.Logger
}

// Handler exposes HTTP endpoints for job observability and bulk imports.
type Handler struct {
	inspector *asynq.Inspector
	queue     MovementQueue
	validate  func(inventory.MovementRequest) error
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: cfg.Inspector, queue: cfg.Queue, validate: cfg.Validate, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
	if h.queue != nil {
		r.Post("/movements", h.importMovements)
	}
}

type importResult struct {
	Index     int    `json:"index"`
	Reference string `json:"reference,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// importMovements queues a batch of movement requests. Each row is validated
// and queued independently so one bad row does not block the rest.
func (h *Handler) importMovements(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: tenant scope required", httpx.ErrValidation))
		return
	}
	var batch []inventory.MovementRequest
	if err := httpx.DecodeJSON(r, &batch); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if len(batch) == 0 || len(batch) > maxImportBatch {
		httpx.RespondError(w, fmt.Errorf("%w: batch must hold between 1 and %d movements", httpx.ErrValidation, maxImportBatch))
		return
	}
	actorID := shared.ActorFromContext(r.Context())
	results := make([]importResult, 0, len(batch))
	for i, req := range batch {
		req.TenantID = tenantID
		if req.ActorID == 0 {
			req.ActorID = actorID
		}
		res := importResult{Index: i, Reference: req.Reference, Status: "queued"}
		if h.validate != nil {
			if err := h.validate(req); err != nil {
				res.Status, res.Error = "rejected", err.Error()
				results = append(results, res)
				continue
			}
		}
		info, err := h.queue.EnqueueMovement(r.Context(), req)
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict):
			res.Status = "already_queued"
		case err != nil:
			h.logger.Error("enqueue movement", slog.Int("index", i), slog.Any("error", err))
			httpx.RespondError(w, fmt.Errorf("%w: queue unavailable", httpx.ErrUnavailable))
			return
		default:
			res.TaskID = info.ID
		}
		results = append(results, res)
	}
	httpx.JSON(w, http.StatusAccepted, results)
}

const maxImportBatch = 500

type queueHealth struct {
	Queue    string `json:"queue"`
	Pending  int    `json:"pending"`
	Retry    int    `json:"retry"`
	Archived int    `json:"archived"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	queues := []string{QueueInventory, QueueDefault}
	out := make([]queueHealth, 0, len(queues))
	for _, name := range queues {
		if h.inspector == nil {
			out = append(out, queueHealth{Queue: name})
			continue
		}
		info, err := h.inspector.GetQueueInfo(name)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			out = append(out, queueHealth{Queue: name})
			continue
		}
		if err != nil {
			h.logger.Warn("jobs health", slog.String("queue", name), slog.Any("error", err))
			httpx.RespondError(w, httpx.ErrUnavailable)
			return
		}
		out = append(out, queueHealth{Queue: info.Queue, Pending: info.Pending, Retry: info.Retry, Archived: info.Archived})
	}
	httpx.JSON(w, http.StatusOK, out)
}
