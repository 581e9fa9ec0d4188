package linemirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskConversationBackfill = "conversation:backfill"
	defaultBackfillQueueName = "backfill"
	backfillTaskTimeout      = 2 * time.Minute
)

// BackfillQueue hands backfill requests to whatever runs them.
type BackfillQueue interface {
	EnqueueBackfill(ctx context.Context, req BackfillRequest) error
	CancelBackfill(ctx context.Context, conversationID string) (bool, error)
}

// InlineBackfillQueue runs backfills in this process.
type InlineBackfillQueue struct {
	coordinator *BackfillCoordinator
}

func NewInlineBackfillQueue(coordinator *BackfillCoordinator) *InlineBackfillQueue {
	return &InlineBackfillQueue{coordinator: coordinator}
}

func (q *InlineBackfillQueue) EnqueueBackfill(ctx context.Context, req BackfillRequest) error {
	return q.coordinator.Start(req)
}

func (q *InlineBackfillQueue) CancelBackfill(ctx context.Context, conversationID string) (bool, error) {
	return q.coordinator.Cancel(conversationID), nil
}

// AsynqBackfillQueue enqueues backfills on Redis for a worker process. Tasks
// carry the user id, never the credential itself.
type AsynqBackfillQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

func NewAsynqBackfillQueue(redisURL string) (*AsynqBackfillQueue, error) {
	opt, err := asynq.ParseRedisURI(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	return &AsynqBackfillQueue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queue:     defaultBackfillQueueName,
	}, nil
}

func backfillTaskID(conversationID string) string {
	return "backfill:" + conversationID
}

func (q *AsynqBackfillQueue) EnqueueBackfill(ctx context.Context, req BackfillRequest) error {
	req, err := req.normalize()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	id := backfillTaskID(req.ConversationID)
	err = q.enqueue(ctx, id, payload)
	if errors.Is(err, asynq.ErrTaskIDConflict) && q.clearFinished(id) {
		err = q.enqueue(ctx, id, payload)
	}
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return ErrBackfillInProgress
	}
	if err != nil {
		return fmt.Errorf("enqueue backfill: %w", err)
	}
	return nil
}

func (q *AsynqBackfillQueue) enqueue(ctx context.Context, id string, payload []byte) error {
	_, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskConversationBackfill, payload),
		asynq.Queue(q.queue),
		asynq.TaskID(id),
		asynq.MaxRetry(3),
		asynq.Timeout(backfillTaskTimeout),
	)
	return err
}

// clearFinished deletes an archived or completed task still holding id so the
// conversation can be queued again.
func (q *AsynqBackfillQueue) clearFinished(id string) bool {
	info, err := q.inspector.GetTaskInfo(q.queue, id)
	if err != nil {
		return false
	}
	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		return false
	}
	return q.inspector.DeleteTask(q.queue, id) == nil
}

func (q *AsynqBackfillQueue) CancelBackfill(ctx context.Context, conversationID string) (bool, error) {
	id := backfillTaskID(strings.TrimSpace(conversationID))
	info, err := q.inspector.GetTaskInfo(q.queue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect backfill task: %w", err)
	}
	switch info.State {
	case asynq.TaskStateActive:
		if err := q.inspector.CancelProcessing(id); err != nil {
			return false, fmt.Errorf("cancel backfill task: %w", err)
		}
		return true, nil
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
		if err := q.inspector.DeleteTask(q.queue, id); err != nil {
			return false, fmt.Errorf("delete backfill task: %w", err)
		}
		return true, nil
	default:
		return false, nil
	}
}

func (q *AsynqBackfillQueue) Close() error {
	_ = q.inspector.Close()
	return q.client.Close()
}

// NewBackfillTaskHandler runs queued backfills through the coordinator.
// Outcomes a retry cannot change are reported as handled.
func NewBackfillTaskHandler(coordinator *BackfillCoordinator, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, task *asynq.Task) error {
		var req BackfillRequest
		if err := json.Unmarshal(task.Payload(), &req); err != nil {
			return fmt.Errorf("decode backfill task: %v: %w", err, asynq.SkipRetry)
		}
		report, err := coordinator.Run(ctx, req)
		switch {
		case err == nil:
			if report.FetchError != nil {
				logger.WarnContext(ctx, "backfill fetch failed", "conversation_id", req.ConversationID, "error", report.FetchError)
			}
			return nil
		case errors.Is(err, ErrBackfillInProgress), errors.Is(err, ErrBackfillCooldown):
			logger.DebugContext(ctx, "backfill skipped", "conversation_id", req.ConversationID, "reason", err.Error())
			return nil
		case errors.Is(err, context.Canceled):
			logger.InfoContext(ctx, "backfill cancelled", "conversation_id", req.ConversationID)
			return fmt.Errorf("backfill %s cancelled: %w", req.ConversationID, asynq.SkipRetry)
		case errors.Is(err, ErrMissingCredential), errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput):
			return fmt.Errorf("backfill %s: %v: %w", req.ConversationID, err, asynq.SkipRetry)
		default:
			return err
		}
	}
}

type BackfillWorkerOptions struct {
	Concurrency int
	Logger      *slog.Logger
}

// NewBackfillWorker builds the asynq server and mux that consume backfill tasks.
func NewBackfillWorker(redisURL string, coordinator *BackfillCoordinator, opts BackfillWorkerOptions) (*asynq.Server, *asynq.ServeMux, error) {
	opt, err := asynq.ParseRedisURI(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{defaultBackfillQueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("backfill task failed", "task_type", task.Type(), "error", err)
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskConversationBackfill, NewBackfillTaskHandler(coordinator, logger))
	return srv, mux, nil
}
