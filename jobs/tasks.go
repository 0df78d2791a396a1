package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSweepExpired deactivates role assignments past their expiry.
	TaskSweepExpired = "authz:sweep_expired"
	// TaskAuditRetention deletes audit entries older than the retention
	// window.
	TaskAuditRetention = "audit:retention"
)

// SweepPayload parameterises an assignment sweep run.
type SweepPayload struct {
	RequestedAt time.Time `json:"requested_at"`
}

// NewSweepTask constructs the sweep task.
func NewSweepTask(payload SweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSweepExpired, data), nil
}

// Sweeper deactivates expired assignments; the assignment store
// satisfies it.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// RetentionPayload parameterises an audit retention run.
type RetentionPayload struct {
	KeepFor time.Duration `json:"keep_for"`
}

// NewRetentionTask constructs the retention task.
func NewRetentionTask(payload RetentionPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetention, data), nil
}

// Pruner deletes audit entries older than a cutoff; the audit repository
// satisfies it.
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewSweepHandler returns the asynq handler for TaskSweepExpired.
func NewSweepHandler(sweeper Sweeper, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SweepPayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return asynq.SkipRetry
			}
		}
		started := time.Now()
		expired, err := sweeper.SweepExpired(ctx)
		if err != nil {
			if logger != nil {
				logger.Error("assignment sweep failed", slog.Any("error", err))
			}
			return err
		}
		if logger != nil {
			logger.Info("assignment sweep complete",
				slog.Int("expired", expired),
				slog.Duration("took", time.Since(started)))
		}
		return nil
	}
}

// NewRetentionHandler returns the asynq handler for TaskAuditRetention.
func NewRetentionHandler(pruner Pruner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload RetentionPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.KeepFor <= 0 {
			return asynq.SkipRetry
		}
		cutoff := time.Now().UTC().Add(-payload.KeepFor)
		deleted, err := pruner.DeleteBefore(ctx, cutoff)
		if err != nil {
			if logger != nil {
				logger.Error("audit retention failed", slog.Any("error", err))
			}
			return err
		}
		if logger != nil {
			logger.Info("audit retention complete",
				slog.Int64("deleted", deleted),
				slog.Time("cutoff", cutoff))
		}
		return nil
	}
}
