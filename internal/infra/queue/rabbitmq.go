package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-admarket/internal/domain"
	"tg-admarket/internal/infra/metrics"
)

// RabbitEventQueue передаёт события сделок через RabbitMQ.
type RabbitEventQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

// NewRabbitEventQueue подключается к брокеру и объявляет очередь.
func NewRabbitEventQueue(url, queue string) (*RabbitEventQueue, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &RabbitEventQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Publish публикует событие в очередь.
func (q *RabbitEventQueue) Publish(ctx context.Context, event domain.DealEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Pop блокирующе читает событие из очереди.
func (q *RabbitEventQueue) Pop(ctx context.Context) (domain.DealEvent, error) {
	deliveries, err := q.consume()
	if err != nil {
		return domain.DealEvent{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return domain.DealEvent{}, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return domain.DealEvent{}, errors.New("amqp: канал доставки закрыт")
			}
			var event domain.DealEvent
			if err := json.Unmarshal(d.Body, &event); err != nil {
				_ = d.Nack(false, false)
				return domain.DealEvent{}, fmt.Errorf("decode event: %w", err)
			}
			if err := d.Ack(false); err != nil {
				return domain.DealEvent{}, fmt.Errorf("ack event: %w", err)
			}
			return event, nil
		}
	}
}

func (q *RabbitEventQueue) consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// Close закрывает канал и соединение.
func (q *RabbitEventQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
