package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-hr/meridian/internal/authz"
	jobmetrics "github.com/meridian-hr/meridian/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskMatrixRebuild recompiles permission matrices out of band.
	TaskMatrixRebuild = "authz:matrix_rebuild"
)

// MatrixRebuildPayload scopes a rebuild to one user or to everyone.
type MatrixRebuildPayload struct {
	// Scope is a user ID, or "all" for a full rebuild.
	Scope string `json:"scope"`
}

// NewMatrixRebuildTask constructs an Asynq task for the given scope.
func NewMatrixRebuildTask(scope string) (*asynq.Task, error) {
	data, err := json.Marshal(MatrixRebuildPayload{Scope: scope})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMatrixRebuild, data), nil
}

// MatrixRebuilder is the compiler surface the rebuild handler needs.
// *authz.Compiler satisfies it.
type MatrixRebuilder interface {
	CompileAll(ctx context.Context) (authz.RebuildReport, error)
	CompileUser(ctx context.Context, userID string) error
}

// HandleMatrixRebuild returns the handler for TaskMatrixRebuild tasks.
// A malformed payload is dropped rather than retried; compiler failures
// are retried by Asynq with its default backoff.
func HandleMatrixRebuild(rebuilder MatrixRebuilder, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload MatrixRebuildPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			logger.Error("matrix rebuild: malformed payload", slog.Any("error", err))
			return asynq.SkipRetry
		}
		tracker := metrics.Track("matrix_rebuild")
		if payload.Scope != "" && payload.Scope != authz.RebuildTarget {
			err := rebuilder.CompileUser(ctx, payload.Scope)
			if err != nil {
				logger.Error("matrix rebuild: user recompute failed",
					slog.String("user_id", payload.Scope), slog.Any("error", err))
			}
			return tracker.End(err)
		}
		report, err := rebuilder.CompileAll(ctx)
		if err != nil {
			logger.Error("matrix rebuild failed",
				slog.Int("total", report.Total),
				slog.Int("failed", len(report.Failed)),
				slog.Any("error", err))
			return tracker.End(err)
		}
		logger.Info("matrix rebuild complete", slog.Int("users", report.Total))
		return tracker.End(nil)
	}
}

// Client submits rebuild jobs to the queue. It satisfies
// authz.RebuildEnqueuer.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueRebuild enqueues a full matrix rebuild.
func (c *Client) EnqueueRebuild(ctx context.Context) error {
	task, err := NewMatrixRebuildTask(authz.RebuildTarget)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
