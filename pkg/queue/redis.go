package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"RegimeTrader/pkg/logger"
)

// RedisQueue publishes messages onto capped Redis lists, one list per
// message type. Consumers (operators, dashboards) read with BRPOP or LRANGE.
type RedisQueue struct {
	logger    *logger.Logger
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	now       func() time.Time
}

// RedisQueueOption configures RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithKeyPrefix sets custom key prefix.
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) {
		r.keyPrefix = prefix
	}
}

// WithMaxLen caps each list; older entries are trimmed on publish.
func WithMaxLen(n int64) RedisQueueOption {
	return func(r *RedisQueue) {
		r.maxLen = n
	}
}

// NewRedisPublisher creates a publisher on an existing client.
func NewRedisPublisher(lgr *logger.Logger, client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	rq := &RedisQueue{
		logger:    lgr,
		client:    client,
		keyPrefix: "regimetrader:queue",
		maxLen:    1000,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(rq)
	}
	return rq
}

// Enqueue pushes one message to the head of the type's list.
func (r *RedisQueue) Enqueue(ctx context.Context, msgType string, payload interface{}) error {
	msgData, err := r.envelope(msgType, payload)
	if err != nil {
		return err
	}

	key := r.QueueKey(msgType)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, msgData)
	if r.maxLen > 0 {
		pipe.LTrim(ctx, key, 0, r.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	r.logger.Debug("message queued", logger.String("key", key))
	return nil
}

// PublishMessage publishes a message (implements QueueService).
func (r *RedisQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	return r.Enqueue(ctx, msgType, payload)
}

// Recent returns up to n newest messages of a type, newest first.
func (r *RedisQueue) Recent(ctx context.Context, msgType string, n int64) ([]Message, error) {
	raw, err := r.client.LRange(ctx, r.QueueKey(msgType), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, s := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			r.logger.Warn("skip malformed queue entry", logger.Error(err))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// QueueKey is the list key for a message type.
func (r *RedisQueue) QueueKey(msgType string) string {
	return fmt.Sprintf("%s:%s", r.keyPrefix, msgType)
}

func (r *RedisQueue) envelope(msgType string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   body,
		Timestamp: r.now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}
