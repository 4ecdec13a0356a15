// Package notify delivers user-facing job notifications. Delivery is fire and forget:
// callers route Notify through besteffort.Run and never act on its error.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Notification is one message for an owner about a job.
type Notification struct {
	OwnerID string    `json:"owner_id"`
	JobID   string    `json:"job_id"`
	Level   string    `json:"level"`
	Text    string    `json:"text"`
	SentAt  time.Time `json:"sent_at"`
}

// Notifier is the notification sink.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// RedisNotifier publishes notifications on a per-owner pub/sub channel. Subscribers that
// are not connected miss the message.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedisNotifier publishes on prefix + owner id.
func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "notify:"
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

// Channel returns the channel an owner's notifications are published on.
func (r *RedisNotifier) Channel(ownerID string) string {
	return r.prefix + ownerID
}

// Notify publishes n.
func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return r.client.Publish(ctx, r.Channel(n.OwnerID), raw).Err()
}

// LogNotifier writes notifications to a logger. Used when no Redis is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs n.
func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch n.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	logger.LogAttrs(ctx, level, "notification",
		slog.String("owner_id", n.OwnerID),
		slog.String("job_id", n.JobID),
		slog.String("text", n.Text))
	return nil
}
