package notifications

import (
	"context"
	"time"
)

// counterCache is the unread-count cache surface backed by Redis.
type counterCache interface {
	GetCounter(ctx context.Context, name string) (int64, error)
	SetCounter(ctx context.Context, name string, value int64, ttl time.Duration) error
	DeleteCounter(ctx context.Context, name string) error
}

func unreadCounterName(recipientID string) string {
	return "unread:" + recipientID
}
