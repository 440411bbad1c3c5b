package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memeline/memeline-backend/pkg/config"
	"github.com/memeline/memeline-backend/pkg/db"
	"github.com/memeline/memeline-backend/pkg/db/models"
	"github.com/memeline/memeline-backend/pkg/enums"
	"github.com/memeline/memeline-backend/pkg/logger"
)

// claimSQL claims the oldest ready task. The SKIP LOCKED subquery keeps
// concurrent workers from blocking on each other, and the attempt counter
// is bumped in the same statement so a crash mid-handling still consumes
// an attempt.
const claimSQL = `
UPDATE tasks
SET attempt_count = attempt_count + 1,
    locked_until  = ?
WHERE id = (
    SELECT id FROM tasks
    WHERE locked_until IS NULL OR locked_until <= ?
    ORDER BY created_at, id
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING id, kind, payload, attempt_count, locked_until, last_error, created_at`

// Queue is a durable at-least-once task queue backed by the tasks table.
// A task only leaves the table on Ack or after its attempt budget is spent.
type Queue struct {
	db     *db.Client
	cfg    config.QueueConfig
	logger *logger.Logger
	now    func() time.Time
}

func NewQueue(database *db.Client, cfg config.QueueConfig, logg *logger.Logger) (*Queue, error) {
	if database == nil {
		return nil, fmt.Errorf("db client is required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.VisibilityWindow <= 0 {
		return nil, fmt.Errorf("visibility window must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive")
	}
	return &Queue{db: database, cfg: cfg, logger: logg, now: time.Now}, nil
}

// MaxAttempts reports the configured redelivery budget.
func (q *Queue) MaxAttempts() int {
	return q.cfg.MaxAttempts
}

// Enqueue appends a task outside any caller transaction.
func (q *Queue) Enqueue(ctx context.Context, kind enums.TaskKind, payload any) (*models.Task, error) {
	return q.EnqueueTx(q.db.DB().WithContext(ctx), kind, payload)
}

// EnqueueTx appends a task on the provided handle so callers can commit the
// task together with the rows it refers to.
func (q *Queue) EnqueueTx(tx *gorm.DB, kind enums.TaskKind, payload any) (*models.Task, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("invalid task kind %q", kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling task payload: %w", err)
	}

	task := &models.Task{
		Kind:    kind,
		Payload: raw,
	}
	if err := tx.Create(task).Error; err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}
	return task, nil
}

// Dequeue claims the oldest ready task and hides it for the visibility
// window. Returns (nil, nil) when no task is ready.
func (q *Queue) Dequeue(ctx context.Context) (*models.Task, error) {
	now := q.now().UTC()
	lockedUntil := now.Add(q.cfg.VisibilityWindow)

	var task models.Task
	result := q.db.DB().WithContext(ctx).Raw(claimSQL, lockedUntil, now).Scan(&task)
	if result.Error != nil {
		return nil, fmt.Errorf("claiming task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &task, nil
}

// Ack removes a finished task. Acking a task that was already removed is a
// no-op, which keeps redelivered handlers safe to complete twice.
func (q *Queue) Ack(ctx context.Context, taskID uuid.UUID) error {
	result := q.db.DB().WithContext(ctx).Where("id = ?", taskID).Delete(&models.Task{})
	if result.Error != nil {
		return fmt.Errorf("acking task %s: %w", taskID, result.Error)
	}
	return nil
}

// Nack records the failure and releases the task for redelivery. When the
// attempt budget is spent the task is dead-lettered instead: removed from
// the queue with the terminal error kept in the log stream. Returns true
// when the task was dead-lettered.
func (q *Queue) Nack(ctx context.Context, task *models.Task, cause error) (bool, error) {
	if task == nil {
		return false, fmt.Errorf("task is required")
	}

	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}

	if task.AttemptCount >= q.cfg.MaxAttempts {
		if err := q.db.DB().WithContext(ctx).Where("id = ?", task.ID).Delete(&models.Task{}).Error; err != nil {
			return false, fmt.Errorf("dead-lettering task %s: %w", task.ID, err)
		}
		q.logger.Error(
			q.logger.WithTaskID(ctx, task.ID.String()),
			fmt.Sprintf("task dead-lettered after %d attempts", task.AttemptCount),
			cause,
		)
		return true, nil
	}

	update := map[string]any{
		"locked_until": nil,
		"last_error":   reason,
	}
	if err := q.db.DB().WithContext(ctx).Model(&models.Task{}).Where("id = ?", task.ID).Updates(update).Error; err != nil {
		return false, fmt.Errorf("releasing task %s: %w", task.ID, err)
	}
	return false, nil
}

// Depth reports how many tasks are waiting or in flight.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.DB().WithContext(ctx).Model(&models.Task{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting tasks: %w", err)
	}
	return count, nil
}
