package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Binding describes the queue a subscription consumes from and the routing
// keys bound to it.
type Binding struct {
	Exchange    string
	Queue       string
	RoutingKeys []string
	Prefetch    int
	// Transient declares a non-durable queue.
	Transient  bool
	Exclusive  bool
	AutoDelete bool
}

func (b Binding) prefetch() int {
	if b.Prefetch < 1 {
		return 1
	}
	return b.Prefetch
}

// Delivery is one message handed to a subscriber. It must be settled with
// Ack or Nack.
type Delivery struct {
	Body        []byte
	Exchange    string
	RoutingKey  string
	MessageID   string
	ContentType string
	Timestamp   time.Time
	Redelivered bool

	raw amqp.Delivery
}

func (d *Delivery) Decode(v any) error {
	return json.Unmarshal(d.Body, v)
}

func (d *Delivery) Ack() error {
	return d.raw.Ack(false)
}

func (d *Delivery) Nack(requeue bool) error {
	return d.raw.Nack(false, requeue)
}

// Subscription delivers messages from one queue until it is closed. When the
// client reconnects the subscription re-declares its queue and consumes
// again on the new channel.
type Subscription struct {
	client  *Client
	binding Binding
	tag     string
	out     chan *Delivery
	stop    chan struct{}

	mu      sync.Mutex
	session *session
	queue   string
	stopped bool
	pumps   sync.WaitGroup
}

// Subscribe declares the exchange and queue of b, binds every routing key
// and starts consuming with manual acknowledgement.
func (c *Client) Subscribe(ctx context.Context, b Binding) (*Subscription, error) {
	if len(b.RoutingKeys) == 0 {
		return nil, errors.New("binding needs at least one routing key")
	}

	s, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		client:  c,
		binding: b,
		tag:     "mesh-" + uuid.NewString(),
		out:     make(chan *Delivery),
		stop:    make(chan struct{}),
	}

	c.track(sub)
	if err := sub.attach(s); err != nil {
		c.untrack(sub)
		return nil, err
	}
	return sub, nil
}

func (sub *Subscription) Messages() <-chan *Delivery {
	return sub.out
}

// Queue returns the broker-side queue name, which differs from the binding's
// when the broker generated it.
func (sub *Subscription) Queue() string {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.queue
}

func (sub *Subscription) attach(s *session) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.stopped {
		return nil
	}
	if sub.session == s {
		return nil
	}

	b := sub.binding
	if err := s.declareExchange(b.Exchange); err != nil {
		return err
	}

	q, err := s.ch.QueueDeclare(b.Queue, !b.Transient, b.AutoDelete, b.Exclusive, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", b.Queue, err)
	}
	for _, key := range b.RoutingKeys {
		if err := s.ch.QueueBind(q.Name, key, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", q.Name, key, err)
		}
	}

	s.consuming.Lock()
	err = s.ch.Qos(b.prefetch(), 0, false)
	var deliveries <-chan amqp.Delivery
	if err == nil {
		deliveries, err = s.ch.ConsumeWithContext(context.Background(), q.Name, sub.tag, false, b.Exclusive, false, false, nil)
	}
	s.consuming.Unlock()
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", q.Name, err)
	}

	sub.session = s
	sub.queue = q.Name
	sub.pumps.Add(1)
	go sub.pump(deliveries)

	sub.client.logger.Info("Subscribed",
		slog.String("exchange", b.Exchange),
		slog.String("queue", q.Name),
		slog.Any("routing_keys", b.RoutingKeys))
	return nil
}

func (sub *Subscription) resume(s *session) {
	if err := sub.attach(s); err != nil {
		sub.client.logger.Warn("Failed to resume subscription",
			slog.String("queue", sub.binding.Queue),
			slog.Any("err", err))
	}
}

func (sub *Subscription) pump(deliveries <-chan amqp.Delivery) {
	defer sub.pumps.Done()

	for d := range deliveries {
		select {
		case <-sub.stop:
			sub.requeue(d, deliveries)
			return
		default:
		}

		dv := &Delivery{
			Body:        d.Body,
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
			MessageID:   d.MessageId,
			ContentType: d.ContentType,
			Timestamp:   d.Timestamp,
			Redelivered: d.Redelivered,
			raw:         d,
		}

		select {
		case sub.out <- dv:
		case <-sub.stop:
			sub.requeue(d, deliveries)
			return
		}
	}
}

// requeue returns d and everything still buffered for the consumer to the
// broker. The library closes deliveries once the consumer is cancelled or its
// channel goes away.
func (sub *Subscription) requeue(d amqp.Delivery, deliveries <-chan amqp.Delivery) {
	_ = d.Nack(false, true)
	for rest := range deliveries {
		_ = rest.Nack(false, true)
	}
}

// Close cancels the consumer and keeps the queue and its bindings, so a
// durable queue keeps collecting messages for the next consumer. Deliveries
// fetched but not yet handed out are requeued, and Messages() is closed once
// they all went back to the broker.
func (sub *Subscription) Close() error {
	return sub.cancel(false)
}

// Unsubscribe cancels the consumer and removes the queue's bindings. The
// connection stays open.
func (sub *Subscription) Unsubscribe() error {
	return sub.cancel(true)
}

func (sub *Subscription) cancel(unbind bool) error {
	sub.mu.Lock()
	if sub.stopped {
		sub.mu.Unlock()
		return nil
	}
	sub.stopped = true
	s, queue := sub.session, sub.queue
	close(sub.stop)
	sub.mu.Unlock()

	sub.client.untrack(sub)

	var errs []error
	if s != nil && !s.isLost() {
		if err := s.ch.Cancel(sub.tag, false); err != nil {
			errs = append(errs, fmt.Errorf("failed to cancel consumer: %w", err))
		}
		if unbind {
			for _, key := range sub.binding.RoutingKeys {
				if err := s.ch.QueueUnbind(queue, key, sub.binding.Exchange, nil); err != nil {
					errs = append(errs, fmt.Errorf("failed to unbind %s: %w", key, err))
				}
			}
		}
	}

	go func() {
		sub.pumps.Wait()
		close(sub.out)
	}()

	return errors.Join(errs...)
}
