package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/angeloszaimis/service-mesh/internal/metrics"
)

// Handler processes one delivery. Returning an error, or panicking, rejects
// the delivery without requeue.
type Handler func(ctx context.Context, d *Delivery) error

// Consume subscribes with b and runs handler on up to b.Prefetch deliveries
// at a time. It keeps retrying the subscription while the broker is
// unreachable and returns nil once ctx is cancelled.
func (c *Client) Consume(ctx context.Context, b Binding, handler Handler) error {
	sub, err := c.subscribeWithRetry(ctx, b)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer sub.Close()

	var wg conc.WaitGroup
	for range b.prefetch() {
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-sub.Messages():
					if !ok {
						return
					}
					c.handle(ctx, sub.Queue(), d, handler)
				}
			}
		})
	}
	wg.Wait()
	return nil
}

func (c *Client) subscribeWithRetry(ctx context.Context, b Binding) (*Subscription, error) {
	for {
		sub, err := c.Subscribe(ctx, b)
		if err == nil {
			return sub, nil
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return nil, err
		}
		if !errors.Is(err, ErrBrokerDisconnected) {
			return nil, err
		}

		c.logger.Warn("Broker unavailable, retrying subscription",
			slog.String("queue", b.Queue),
			slog.Duration("retry_in", c.retryDelay),
			slog.Any("err", err))

		t := c.clock.Timer(c.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) handle(ctx context.Context, queue string, d *Delivery, handler Handler) {
	var (
		pc  panics.Catcher
		err error
	)
	pc.Try(func() { err = handler(ctx, d) })
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}

	if err != nil {
		c.logger.Error("Rejecting message",
			slog.String("queue", queue),
			slog.String("routing_key", d.RoutingKey),
			slog.String("message_id", d.MessageID),
			slog.Any("err", fmt.Errorf("%w: %w", ErrHandlerFailure, err)))

		if nackErr := d.Nack(false); nackErr != nil {
			c.logger.Warn("Failed to nack message", slog.Any("err", nackErr))
		}
		c.collector.Emit(metrics.MetricEvent{Type: metrics.EventMessageConsumed, Topic: queue, Outcome: metrics.OutcomeNacked})
		return
	}

	if ackErr := d.Ack(); ackErr != nil {
		c.logger.Warn("Failed to ack message", slog.Any("err", ackErr))
	}
	c.collector.Emit(metrics.MetricEvent{Type: metrics.EventMessageConsumed, Topic: queue, Outcome: metrics.OutcomeAcked})
}
