package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"feed-engine/internal/domain"
	"feed-engine/internal/infra/metrics"
)

// RabbitEventPublisher публикует события движка в очередь RabbitMQ.
type RabbitEventPublisher struct {
	conn  *amqp.Connection
	queue string

	mu sync.Mutex
	ch *amqp.Channel
}

var _ domain.EventRecorder = (*RabbitEventPublisher)(nil)

// NewRabbitEventPublisher подключается к брокеру и объявляет устойчивую очередь.
func NewRabbitEventPublisher(amqpURL, queue string) (*RabbitEventPublisher, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	p := &RabbitEventPublisher{conn: conn, queue: queue}
	if err := p.reopen(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *RabbitEventPublisher) reopen() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	p.ch = ch
	return nil
}

// RecordEvent публикует событие как persistent-сообщение.
func (p *RabbitEventPublisher) RecordEvent(ctx context.Context, event domain.EngineEvent) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}
	decoded, _ := decodeEvent(payload)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		if err := p.reopen(); err != nil {
			return err
		}
	}
	start := time.Now()
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    decoded.ID,
		Timestamp:    decoded.OccurredAt,
		Type:         decoded.Event,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", p.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (p *RabbitEventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	return p.conn.Close()
}
