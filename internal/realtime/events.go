package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	eventChannel = "mohlive:events"
	publishTTL   = 5 * time.Second
)

// sessionEvent is the message published to Redis for external consumers.
type sessionEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	At    int64           `json:"at"`
}

// RedisEvents mirrors hub lifecycle events (live, offline, viewer-count) to a
// Redis channel. Publishing is fire-and-forget on a separate goroutine so the
// hub never blocks on Redis while holding its lock.
type RedisEvents struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisEvents creates the Redis event mirror.
func NewRedisEvents(client *redis.Client, logger *zap.Logger) *RedisEvents {
	return &RedisEvents{client: client, logger: logger}
}

// PublishSessionEvent implements EventPublisher. It never blocks the caller;
// publish failures are logged here and the returned error is always nil.
func (r *RedisEvents) PublishSessionEvent(event string, payload []byte) error {
	body, err := json.Marshal(sessionEvent{Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTTL)
		defer cancel()
		if err := r.client.Publish(ctx, eventChannel, body).Err(); err != nil {
			r.logger.Warn("redis publish failed", zap.String("event", event), zap.Error(err))
		}
	}()
	return nil
}
