package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueueKey = "notify:queue"

// RedisQueue is a Sink backed by a Redis list. Record LPUSHes; the
// dispatcher BRPOPs, so delivery order is FIFO.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisQueue{client: client, key: defaultQueueKey}, nil
}

func NewRedisQueueWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, key: defaultQueueKey}
}

func (q *RedisQueue) Record(ctx context.Context, p Payload) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueue payload: %w", err)
	}
	return nil
}

// Pop blocks up to timeout for the next payload. A nil payload with nil
// error means the timeout elapsed with the queue empty.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (*Payload, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue payload: %w", err)
	}
	// BRPop returns [key, value].
	var p Payload
	if err := json.Unmarshal([]byte(res[1]), &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &p, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
