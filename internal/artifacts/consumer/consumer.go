// Package consumer ingests GCS OBJECT_FINALIZE notifications and hands the
// finished upload to the media pipeline as a durable queue task.
package consumer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memeline/memeline-backend/pkg/db/models"
	"github.com/memeline/memeline-backend/pkg/enums"
	"github.com/memeline/memeline-backend/pkg/logger"
	"github.com/memeline/memeline-backend/pkg/types"
)

const (
	objectFinalizeEvent  = "OBJECT_FINALIZE"
	payloadFormatJSONAPI = "JSON_API_V1"
)

type repository interface {
	FindByRawKey(ctx context.Context, rawKey string) (*models.Artifact, error)
	MarkUploadedTx(tx *gorm.DB, id uuid.UUID) (int64, error)
}

type enqueuer interface {
	EnqueueTx(tx *gorm.DB, kind enums.TaskKind, payload any) (*models.Task, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Consumer processes GCS OBJECT_FINALIZE notifications from Pub/Sub and
// enqueues a processing task for each newly uploaded artifact.
type Consumer struct {
	repo         repository
	queue        enqueuer
	tx           txRunner
	subscription *pubsub.Subscriber
	logg         *logger.Logger
}

// NewConsumer constructs a consumer that watches the provided subscription.
func NewConsumer(repo repository, queue enqueuer, tx txRunner, subscription *pubsub.Subscriber, logg *logger.Logger) (*Consumer, error) {
	if repo == nil {
		return nil, errors.New("artifact repository is required")
	}
	if queue == nil {
		return nil, errors.New("task queue is required")
	}
	if tx == nil {
		return nil, errors.New("transaction runner is required")
	}
	if subscription == nil {
		return nil, errors.New("upload subscription is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Consumer{
		repo:         repo,
		queue:        queue,
		tx:           tx,
		subscription: subscription,
		logg:         logg,
	}, nil
}

// Run processes messages until the context is canceled or the subscription errors.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	attrs := parseAttributes(msg.Attributes)
	logCtx := c.logg.WithFields(ctx, c.buildLogFields(msg.ID, attrs, nil))

	if attrs.EventType != objectFinalizeEvent {
		c.logg.Info(logCtx, "skipping non-finalize event")
		return processResult{ack: true}
	}
	if attrs.PayloadFormat != payloadFormatJSONAPI {
		c.logg.Warn(logCtx, "unsupported payload format")
		return processResult{ack: true}
	}

	payload, err := decodePayload(msg.Data)
	if err != nil {
		c.logg.Error(logCtx, "failed to decode payload", err)
		return processResult{ack: true}
	}

	var gcs gcsPayload
	if err := json.Unmarshal(payload, &gcs); err != nil {
		fields := c.buildLogFields(msg.ID, attrs, nil)
		fields["payload_preview"] = previewBytes(payload, 800)
		fields["payload_len"] = len(payload)
		c.logg.Error(c.logg.WithFields(ctx, fields), "failed to unmarshal payload", err)
		return processResult{ack: true}
	}

	if strings.TrimSpace(gcs.Name) == "" {
		c.logg.Error(logCtx, "payload missing gcs object name", fmt.Errorf("empty name"))
		return processResult{ack: true}
	}

	logCtx = c.logg.WithFields(ctx, c.buildLogFields(msg.ID, attrs, &gcs))

	// Only raw uploads feed the pipeline; derived objects written by the
	// transform service land in the same bucket and must be ignored.
	if !strings.HasPrefix(gcs.Name, "raw/") {
		c.logg.Debug(logCtx, "ignoring non-raw object")
		return processResult{ack: true}
	}

	artifact, err := c.repo.FindByRawKey(logCtx, gcs.Name)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.logg.Warn(logCtx, "no artifact row for uploaded object")
			return processResult{ack: true}
		}
		return c.handleDBError(logCtx, err)
	}

	logCtx = c.logg.WithArtifactID(logCtx, artifact.ID.String())

	// Upload stamp and task insert share one transaction: a crash between
	// the two would otherwise strand the artifact with uploaded_at set and
	// no task, and redelivery would see the stamp and ack.
	var redelivered bool
	err = c.tx.WithTx(ctx, func(tx *gorm.DB) error {
		changed, err := c.repo.MarkUploadedTx(tx, artifact.ID)
		if err != nil {
			return err
		}
		if changed == 0 {
			redelivered = true
			return nil
		}
		_, err = c.queue.EnqueueTx(tx, enums.TaskKindNewArtifact, types.NewArtifactTask{ArtifactID: artifact.ID})
		return err
	})
	if err != nil {
		c.logg.Error(logCtx, "failed to record upload", err)
		return processResult{nack: true}
	}
	if redelivered {
		// Redelivered event: the upload was already recorded and a task
		// already enqueued.
		c.logg.Info(logCtx, "upload already recorded")
		return processResult{ack: true}
	}

	c.logg.Info(logCtx, "upload recorded and processing task enqueued")
	return processResult{ack: true}
}

func (c *Consumer) handleDBError(ctx context.Context, err error) processResult {
	c.logg.Error(ctx, "artifact persistence error", err)
	if isTransientDBError(err) {
		return processResult{nack: true}
	}
	return processResult{ack: true}
}

func (c *Consumer) buildLogFields(messageID string, attrs gcsAttributes, payload *gcsPayload) map[string]any {
	fields := map[string]any{
		"message_id": messageID,
		"event_type": attrs.EventType,
		"bucket":     firstNonEmpty(attrs.BucketID, gcsBucket(payload)),
	}
	if payload != nil {
		fields["gcs_key"] = payload.Name
	}
	return fields
}

func gcsBucket(p *gcsPayload) string {
	if p == nil {
		return ""
	}
	return p.Bucket
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseAttributes(attrs map[string]string) gcsAttributes {
	return gcsAttributes{
		EventType:     attrs["eventType"],
		BucketID:      attrs["bucketId"],
		ObjectID:      attrs["objectId"],
		PayloadFormat: attrs["payloadFormat"],
	}
}

type gcsAttributes struct {
	EventType     string
	BucketID      string
	ObjectID      string
	PayloadFormat string
}

type gcsPayload struct {
	Name        string `json:"name"`
	Bucket      string `json:"bucket"`
	Generation  string `json:"generation"`
	ContentType string `json:"contentType"`
	Size        string `json:"size"`
}

func decodePayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("payload empty")
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(data)); err == nil {
		return decoded, nil
	}
	return data, nil
}

func isTransientDBError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func previewBytes(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "...(truncated)"
}
