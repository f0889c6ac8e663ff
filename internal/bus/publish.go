package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/angeloszaimis/service-mesh/internal/metrics"
)

type PublishOption func(*amqp.Publishing)

// WithMessageID replaces the generated ULID message id.
func WithMessageID(id string) PublishOption {
	return func(p *amqp.Publishing) { p.MessageId = id }
}

func WithHeaders(headers amqp.Table) PublishOption {
	return func(p *amqp.Publishing) { p.Headers = headers }
}

func WithCorrelationID(id string) PublishOption {
	return func(p *amqp.Publishing) { p.CorrelationId = id }
}

// Publish JSON-encodes payload and publishes it to the durable topic exchange
// with the given routing key. It returns once the broker confirmed the
// message, with ErrPublishUnconfirmed if the broker refused it or the channel
// was lost first, and with ErrBrokerDisconnected if no channel is available.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, payload any, opts ...PublishOption) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	s, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	if err := s.declareExchange(exchange); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerDisconnected, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    c.clock.Now().UTC(),
		MessageId:    ulid.Make().String(),
		Body:         body,
	}
	for _, opt := range opts {
		opt(&msg)
	}

	confirmed, seq, err := s.publish(ctx, exchange, routingKey, msg)
	if err != nil {
		if errors.Is(err, ErrBrokerDisconnected) || errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrBrokerDisconnected, err)
		}
		return fmt.Errorf("failed to publish: %w", err)
	}
	c.collector.Emit(metrics.MetricEvent{Type: metrics.EventMessagePublished, Topic: routingKey})

	select {
	case ack := <-confirmed:
		if !ack {
			c.collector.Emit(metrics.MetricEvent{Type: metrics.EventMessageUnconfirmed, Topic: routingKey})
			c.logger.Warn("Publish not confirmed",
				slog.String("exchange", exchange),
				slog.String("routing_key", routingKey),
				slog.String("message_id", msg.MessageId))
			return ErrPublishUnconfirmed
		}
		c.collector.Emit(metrics.MetricEvent{Type: metrics.EventMessageConfirmed, Topic: routingKey})
		c.logger.Debug("Published message",
			slog.String("exchange", exchange),
			slog.String("routing_key", routingKey),
			slog.String("message_id", msg.MessageId))
		return nil
	case <-ctx.Done():
		s.forget(seq)
		return ctx.Err()
	}
}
