//go:build db
// +build db

package taskqueue

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/memeline/memeline-backend/pkg/config"
	"github.com/memeline/memeline-backend/pkg/db"
	"github.com/memeline/memeline-backend/pkg/db/models"
	"github.com/memeline/memeline-backend/pkg/enums"
	"github.com/memeline/memeline-backend/pkg/logger"
)

func openTestQueue(t *testing.T, cfg config.QueueConfig) *Queue {
	t.Helper()

	dsn := os.Getenv("MEMELINE_DB_DSN")
	if dsn == "" {
		t.Skip("MEMELINE_DB_DSN is not set")
	}

	logg := logger.New(logger.Options{ServiceName: "taskqueue-test", Level: zerolog.ErrorLevel, Output: io.Discard})

	client, err := db.New(context.Background(), config.DBConfig{DSN: dsn}, logg)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		_ = client.DB().Where("kind = ?", enums.TaskKindOther).Delete(&models.Task{}).Error
		_ = client.Close()
	})

	queue, err := NewQueue(client, cfg, logg)
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	return queue
}

func TestQueueClaimHidesTaskForWindow(t *testing.T) {
	queue := openTestQueue(t, config.QueueConfig{VisibilityWindow: time.Minute, MaxAttempts: 3})
	ctx := context.Background()

	enqueued, err := queue.Enqueue(ctx, enums.TaskKindOther, map[string]string{"case": "visibility"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if claimed == nil || claimed.ID != enqueued.ID {
		t.Fatalf("expected to claim task %s, got %+v", enqueued.ID, claimed)
	}
	if claimed.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", claimed.AttemptCount)
	}

	again, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if again != nil {
		t.Fatalf("claimed task should be hidden, got %+v", again)
	}

	if err := queue.Ack(ctx, claimed.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := queue.Ack(ctx, claimed.ID); err != nil {
		t.Fatalf("second ack should be a no-op: %v", err)
	}
}

func TestQueueNackReleasesForRedelivery(t *testing.T) {
	queue := openTestQueue(t, config.QueueConfig{VisibilityWindow: time.Minute, MaxAttempts: 3})
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, enums.TaskKindOther, map[string]string{"case": "redelivery"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimed task")
	}

	dead, err := queue.Nack(ctx, claimed, errors.New("transient outage"))
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if dead {
		t.Fatal("first failure should not dead-letter")
	}

	redelivered, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("redelivery dequeue: %v", err)
	}
	if redelivered == nil || redelivered.ID != claimed.ID {
		t.Fatalf("expected redelivery of %s, got %+v", claimed.ID, redelivered)
	}
	if redelivered.AttemptCount != 2 {
		t.Fatalf("expected attempt count 2, got %d", redelivered.AttemptCount)
	}
	if redelivered.LastError == nil || *redelivered.LastError != "transient outage" {
		t.Fatalf("expected recorded failure reason, got %+v", redelivered.LastError)
	}

	if err := queue.Ack(ctx, redelivered.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestQueueDeadLettersAfterBudget(t *testing.T) {
	queue := openTestQueue(t, config.QueueConfig{VisibilityWindow: time.Minute, MaxAttempts: 2})
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, enums.TaskKindOther, map[string]string{"case": "dead-letter"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := queue.Dequeue(ctx)
	if err != nil || first == nil {
		t.Fatalf("first dequeue: task=%+v err=%v", first, err)
	}
	if dead, err := queue.Nack(ctx, first, errors.New("boom")); err != nil || dead {
		t.Fatalf("first nack: dead=%v err=%v", dead, err)
	}

	second, err := queue.Dequeue(ctx)
	if err != nil || second == nil {
		t.Fatalf("second dequeue: task=%+v err=%v", second, err)
	}
	if second.AttemptCount != 2 {
		t.Fatalf("expected attempt count 2, got %d", second.AttemptCount)
	}

	dead, err := queue.Nack(ctx, second, errors.New("boom again"))
	if err != nil {
		t.Fatalf("final nack: %v", err)
	}
	if !dead {
		t.Fatal("expected dead-letter after exhausting attempts")
	}

	gone, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("post-dead-letter dequeue: %v", err)
	}
	if gone != nil && gone.ID == second.ID {
		t.Fatalf("dead-lettered task should not be redelivered: %+v", gone)
	}
	if gone != nil {
		_ = queue.Ack(ctx, gone.ID)
	}
}
