package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type EventType string

const (
	EventRequestReceived    EventType = "request_received"
	EventResponseCompleted  EventType = "response_completed"
	EventCircuitRejected    EventType = "circuit_rejected"
	EventHealthChanged      EventType = "health_changed"
	EventMessagePublished   EventType = "message_published"
	EventMessageConfirmed   EventType = "message_confirmed"
	EventMessageUnconfirmed EventType = "message_unconfirmed"
	EventMessageConsumed    EventType = "message_consumed"
)

// Consumption outcomes carried by EventMessageConsumed.
const (
	OutcomeAcked  = "acked"
	OutcomeNacked = "nacked"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Service    string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
	// Topic is the routing key for publish events and the queue for
	// consume events.
	Topic   string
	Outcome string
}

type Collector struct {
	eventCh  chan MetricEvent
	metrics  *Metrics
	series   *promSeries
	registry *prometheus.Registry
	dropped  atomic.Int64
	logger   *slog.Logger
}

type Option func(*Collector)

// WithRegistry exposes the Prometheus series through reg instead of a
// private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *Collector) { c.registry = reg }
}

func NewCollector(bufferSize int, logger *slog.Logger, opts ...Option) (*Collector, error) {
	c := &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		series:  newPromSeries(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
	}

	if err := c.series.register(c.registry); err != nil {
		return nil, err
	}
	return c, nil
}

// Emit queues event without blocking. Events are dropped when the buffer is
// full. A nil collector ignores every event.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
		c.dropped.Add(1)
	}
}

// Dropped reports how many events Emit discarded.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(event.Service)
		c.series.requests.WithLabelValues(event.Service).Inc()

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Service, event.Duration, event.StatusCode)
		c.series.duration.WithLabelValues(event.Service, strconv.Itoa(event.StatusCode)).
			Observe(event.Duration.Seconds())

	case EventCircuitRejected:
		c.metrics.RecordRejection(event.Service)
		c.series.rejections.WithLabelValues(event.Service).Inc()

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Service, event.Healthy)
		value := 0.0
		if event.Healthy {
			value = 1
		}
		c.series.healthy.WithLabelValues(event.Service).Set(value)

	case EventMessagePublished:
		c.metrics.RecordMessage(event.Topic, func(m *MessageMetrics) { m.Published++ })
		c.series.published.WithLabelValues(event.Topic).Inc()

	case EventMessageConfirmed:
		c.metrics.RecordMessage(event.Topic, func(m *MessageMetrics) { m.Confirmed++ })
		c.series.confirmations.WithLabelValues(event.Topic, "confirmed").Inc()

	case EventMessageUnconfirmed:
		c.metrics.RecordMessage(event.Topic, func(m *MessageMetrics) { m.Unconfirmed++ })
		c.series.confirmations.WithLabelValues(event.Topic, "unconfirmed").Inc()

	case EventMessageConsumed:
		c.metrics.RecordMessage(event.Topic, func(m *MessageMetrics) {
			if event.Outcome == OutcomeAcked {
				m.Acked++
			} else {
				m.Nacked++
			}
		})
		c.series.consumed.WithLabelValues(event.Topic, event.Outcome).Inc()
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}

// Handler serves the JSON snapshot.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (c *Collector) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
