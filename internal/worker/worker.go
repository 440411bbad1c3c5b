// Package worker drains the durable task queue and drives artifacts through
// the processing pipeline: claim, transform, compare-and-set terminal state,
// fan out to followers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memeline/memeline-backend/internal/notifications"
	"github.com/memeline/memeline-backend/pkg/config"
	"github.com/memeline/memeline-backend/pkg/db/models"
	"github.com/memeline/memeline-backend/pkg/enums"
	pkgerrors "github.com/memeline/memeline-backend/pkg/errors"
	"github.com/memeline/memeline-backend/pkg/logger"
	"github.com/memeline/memeline-backend/pkg/metrics"
	"github.com/memeline/memeline-backend/pkg/transform"
	"github.com/memeline/memeline-backend/pkg/types"
)

type taskQueue interface {
	Dequeue(ctx context.Context) (*models.Task, error)
	Ack(ctx context.Context, taskID uuid.UUID) error
	Nack(ctx context.Context, task *models.Task, cause error) (bool, error)
	MaxAttempts() int
}

type artifactStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to enums.ArtifactStatus, updates map[string]any) (bool, error)
}

type transformClient interface {
	Process(ctx context.Context, req transform.Request) (*transform.Result, error)
}

type followerLister interface {
	ListNotifiableFollowers(ctx context.Context, followeeID uuid.UUID) ([]uuid.UUID, error)
}

type notifier interface {
	Notify(ctx context.Context, input notifications.NotifyInput) (*models.Notification, error)
}

// Worker polls the task queue and processes media tasks.
type Worker struct {
	queue     taskQueue
	artifacts artifactStore
	transform transformClient
	followers followerLister
	notify    notifier
	metrics   *metrics.PipelineMetrics
	logger    *logger.Logger
	cfg       config.WorkerConfig
}

// New wires a worker over its pipeline dependencies.
func New(
	queue taskQueue,
	artifacts artifactStore,
	transformer transformClient,
	followers followerLister,
	notify notifier,
	pipelineMetrics *metrics.PipelineMetrics,
	cfg config.WorkerConfig,
	logg *logger.Logger,
) (*Worker, error) {
	if queue == nil {
		return nil, fmt.Errorf("task queue required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact store required")
	}
	if transformer == nil {
		return nil, fmt.Errorf("transform client required")
	}
	if followers == nil {
		return nil, fmt.Errorf("follower lister required")
	}
	if notify == nil {
		return nil, fmt.Errorf("notification service required")
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Worker{
		queue:     queue,
		artifacts: artifacts,
		transform: transformer,
		followers: followers,
		notify:    notify,
		metrics:   pipelineMetrics,
		logger:    logg,
		cfg:       cfg,
	}, nil
}

// Run spawns the configured number of poll loops and blocks until the
// context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.pollLoop(ctx, slot)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) pollLoop(ctx context.Context, slot int) {
	loopCtx := w.logger.WithField(ctx, "worker_slot", slot)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain everything that is ready before sleeping again.
		for {
			task, err := w.queue.Dequeue(ctx)
			if err != nil {
				w.logger.Error(loopCtx, "dequeue failed", err)
				break
			}
			if task == nil {
				break
			}
			w.handleClaimed(ctx, task)
		}
	}
}

func (w *Worker) handleClaimed(ctx context.Context, task *models.Task) {
	taskCtx := w.logger.WithTaskID(ctx, task.ID.String())
	taskCtx = w.logger.WithField(taskCtx, "task_kind", string(task.Kind))
	w.metrics.IncClaimed(string(task.Kind))

	var result outcome
	if max := w.queue.MaxAttempts(); max > 0 && task.AttemptCount > max {
		// Every earlier delivery died without reaching Ack or Nack, most
		// likely crashing inside the handler. Dead-letter instead of burning
		// another transform call on a poisoned payload.
		w.logger.Warn(taskCtx, "task exhausted its attempt budget before processing")
		result = retryLater(errors.New("attempt budget exhausted before processing"))
	} else {
		started := time.Now()
		result = w.process(taskCtx, task)
		w.metrics.ObserveTaskDuration(string(task.Kind), time.Since(started))
	}

	if result.retry {
		dead, err := w.queue.Nack(ctx, task, result.cause)
		if err != nil {
			w.logger.Error(taskCtx, "nack failed", err)
			return
		}
		if dead {
			w.metrics.IncDeadLettered(string(task.Kind))
			w.failArtifactAfterExhaustion(taskCtx, task, result.cause)
		}
		return
	}

	if err := w.queue.Ack(ctx, task.ID); err != nil {
		// The visibility window will redeliver; terminal CAS guards keep
		// the second pass harmless.
		w.logger.Error(taskCtx, "ack failed", err)
		return
	}
	w.metrics.IncAcked(string(task.Kind))
}

type outcome struct {
	retry bool
	cause error
}

func done() outcome                { return outcome{} }
func retryLater(err error) outcome { return outcome{retry: true, cause: err} }

func (w *Worker) process(ctx context.Context, task *models.Task) outcome {
	switch task.Kind {
	case enums.TaskKindNewArtifact:
		var payload types.NewArtifactTask
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			w.logger.Error(ctx, "malformed task payload", err)
			return done()
		}
		return w.processArtifact(ctx, payload.ArtifactID, "", nil, true)

	case enums.TaskKindEditJob:
		var payload types.EditJobTask
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			w.logger.Error(ctx, "malformed task payload", err)
			return done()
		}
		return w.processArtifact(ctx, payload.ArtifactID, payload.SourceKey, payload.Parameters, false)

	default:
		w.logger.Warn(ctx, "unhandled task kind")
		return done()
	}
}

// processArtifact moves an artifact through the status machine. The status
// column is the single source of truth: every transition is a compare-and-set
// so redeliveries and racing workers converge on one winner.
// sourceKey overrides the artifact's raw upload as the transform input; edit
// jobs point it at the approved media of the artifact they derive from.
func (w *Worker) processArtifact(ctx context.Context, artifactID uuid.UUID, sourceKey string, parameters map[string]string, fanOut bool) outcome {
	ctx = w.logger.WithArtifactID(ctx, artifactID.String())

	artifact, err := w.artifacts.FindByID(ctx, artifactID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Deleted while queued. Nothing to do.
			w.logger.Warn(ctx, "artifact vanished before processing")
			return done()
		}
		return retryLater(err)
	}

	switch artifact.Status {
	case enums.ArtifactStatusPending:
		claimed, err := w.artifacts.TransitionStatus(ctx, artifactID, enums.ArtifactStatusPending, enums.ArtifactStatusProcessing, nil)
		if err != nil {
			return retryLater(err)
		}
		if !claimed {
			// Someone else won the claim between our read and our CAS.
			w.logger.Info(ctx, "artifact claimed elsewhere")
			return done()
		}

	case enums.ArtifactStatusProcessing:
		// Redelivery after a crash or an expired window. The transform is
		// idempotent, so run it again and let the terminal CAS decide.
		w.logger.Info(ctx, "resuming in-flight artifact")

	case enums.ArtifactStatusApproved, enums.ArtifactStatusFailed:
		// Redelivery after completion: ack without side effects.
		w.logger.Info(ctx, "artifact already terminal")
		return done()
	}

	if sourceKey == "" {
		sourceKey = artifact.RawKey
	}
	result, err := w.transform.Process(ctx, transform.Request{
		SourceKey:    sourceKey,
		OutputPrefix: derivedPrefix(artifact),
		Parameters:   parameters,
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeTransform) {
			w.logger.Error(ctx, "transform rejected artifact", err)
			w.markFailed(ctx, artifactID, err.Error())
			return done()
		}
		return retryLater(err)
	}

	approved, err := w.artifacts.TransitionStatus(ctx, artifactID, enums.ArtifactStatusProcessing, enums.ArtifactStatusApproved, map[string]any{
		"media_key":     result.MediaKey,
		"thumbnail_key": result.ThumbnailKey,
		"duration_ms":   result.DurationMS,
		"width":         result.Width,
		"height":        result.Height,
		"has_audio":     result.HasAudio,
	})
	if err != nil {
		return retryLater(err)
	}
	if !approved {
		// A racing handler already finished the artifact; only the CAS
		// winner fans out.
		w.logger.Info(ctx, "terminal transition lost, skipping fan-out")
		return done()
	}

	w.logger.Info(ctx, "artifact approved")
	if fanOut {
		w.fanOutNewArtifact(ctx, artifact.OwnerID, artifactID)
	}
	return done()
}

// fanOutNewArtifact notifies every opted-in follower. Only the handler that
// won the approved CAS reaches this point, so the fan-out runs once per
// artifact; individual failures are logged and skipped.
func (w *Worker) fanOutNewArtifact(ctx context.Context, ownerID, artifactID uuid.UUID) {
	followerIDs, err := w.followers.ListNotifiableFollowers(ctx, ownerID)
	if err != nil {
		w.logger.Error(ctx, "listing followers failed", err)
		return
	}

	delivered := 0
	for _, followerID := range followerIDs {
		if _, err := w.notify.Notify(ctx, notifications.NotifyInput{
			RecipientID: followerID,
			SenderID:    ownerID,
			Type:        enums.NotificationTypeNewArtifact,
			ArtifactID:  &artifactID,
		}); err != nil {
			w.logger.Error(w.logger.WithUserID(ctx, followerID.String()), "follower notification failed", err)
			continue
		}
		delivered++
	}
	w.logger.Info(w.logger.WithField(ctx, "delivered", delivered), "new-artifact fan-out finished")
}

// failArtifactAfterExhaustion parks the artifact in failed once the task has
// burned through its redelivery budget.
func (w *Worker) failArtifactAfterExhaustion(ctx context.Context, task *models.Task, cause error) {
	artifactID := artifactIDFromPayload(task)
	if artifactID == uuid.Nil {
		return
	}
	reason := "processing attempts exhausted"
	if cause != nil {
		reason = fmt.Sprintf("%s: %s", reason, cause.Error())
	}
	w.markFailed(w.logger.WithArtifactID(ctx, artifactID.String()), artifactID, reason)
}

func (w *Worker) markFailed(ctx context.Context, artifactID uuid.UUID, reason string) {
	reason = strings.TrimSpace(reason)
	for _, from := range []enums.ArtifactStatus{enums.ArtifactStatusProcessing, enums.ArtifactStatusPending} {
		moved, err := w.artifacts.TransitionStatus(ctx, artifactID, from, enums.ArtifactStatusFailed, map[string]any{
			"failure_reason": reason,
		})
		if err != nil {
			w.logger.Error(ctx, "failed-state transition errored", err)
			return
		}
		if moved {
			w.logger.Info(ctx, "artifact marked failed")
			return
		}
	}
}

func artifactIDFromPayload(task *models.Task) uuid.UUID {
	var head struct {
		ArtifactID uuid.UUID `json:"artifact_id"`
	}
	if err := json.Unmarshal(task.Payload, &head); err != nil {
		return uuid.Nil
	}
	return head.ArtifactID
}

func derivedPrefix(artifact *models.Artifact) string {
	return fmt.Sprintf("derived/%s/%s/", artifact.OwnerID.String(), artifact.ID.String())
}
