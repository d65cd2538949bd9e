package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"chatpilot/pkg/logx"
)

// AMQPPublisher publishes events to a durable topic exchange. Routing keys
// follow "chat.<tenant_id>.<kind>" so consumers can bind per tenant or per
// event kind.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *logx.Logger
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logx.NewLogger("notify"),
	}, nil
}

// Publish sends one event as a persistent JSON delivery.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	if event.Meta.ID == "" {
		event.Meta.ID = uuid.NewString()
	}
	if event.Meta.OccurredAt.IsZero() {
		event.Meta.OccurredAt = time.Now().UTC()
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := fmt.Sprintf("chat.%s.%s", event.TenantID, event.Kind)
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     event.Meta.ID,
		CorrelationId: event.Meta.CorrelationID,
		Timestamp:     event.Meta.OccurredAt,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}

	p.logger.DebugDomain("notify", "Published %s to %s", key, p.exchange)
	return nil
}

// Close closes the broker connection.
func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}
