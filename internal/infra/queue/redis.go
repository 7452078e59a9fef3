package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-admarket/internal/domain"
)

// RedisEventQueue реализует очередь событий на базе Redis lists.
// Используется в локальных окружениях без RabbitMQ.
type RedisEventQueue struct {
	client *redis.Client
	key    string
}

// NewRedisEventQueue создаёт очередь по указанному ключу.
func NewRedisEventQueue(client *redis.Client, key string) *RedisEventQueue {
	return &RedisEventQueue{client: client, key: key}
}

// Publish публикует событие в очередь.
func (q *RedisEventQueue) Publish(ctx context.Context, event domain.DealEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}

// Pop блокирующе читает событие из очереди.
func (q *RedisEventQueue) Pop(ctx context.Context) (domain.DealEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.DealEvent{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.DealEvent{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.DealEvent{}, err
		}
		if len(res) != 2 {
			return domain.DealEvent{}, errors.New("redis queue: unexpected response")
		}
		var event domain.DealEvent
		if err := json.Unmarshal([]byte(res[1]), &event); err != nil {
			return domain.DealEvent{}, fmt.Errorf("decode event: %w", err)
		}
		return event, nil
	}
}
