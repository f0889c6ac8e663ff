package healthcheck

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc"

	"github.com/angeloszaimis/service-mesh/internal/metrics"
	"github.com/angeloszaimis/service-mesh/internal/registry"
	"github.com/angeloszaimis/service-mesh/pkg/logger"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultTimeout      = 4 * time.Second
	DefaultInitialDelay = 3 * time.Second
)

type Config struct {
	Interval     time.Duration
	Timeout      time.Duration
	InitialDelay time.Duration
}

// Monitor probes every registered service and writes the outcome back to the
// registry.
type Monitor struct {
	registry  *registry.Registry
	client    *http.Client
	clock     clock.Clock
	collector *metrics.Collector
	logger    *slog.Logger
	config    Config
}

type Option func(*Monitor)

func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

func WithCollector(c *metrics.Collector) Option {
	return func(m *Monitor) { m.collector = c }
}

func New(reg *registry.Registry, cfg Config, log *slog.Logger, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}

	m := &Monitor{
		registry: reg,
		client:   &http.Client{},
		clock:    clock.New(),
		logger:   logger.WithComponent(log, "healthcheck"),
		config:   cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the check loop in the background until ctx is cancelled. The
// first pass happens after the initial delay, later passes every interval.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	m.logger.Info("Health monitor started",
		slog.Duration("interval", m.config.Interval),
		slog.Duration("initial_delay", m.config.InitialDelay))

	delay := m.clock.Timer(m.config.InitialDelay)
	select {
	case <-ctx.Done():
		delay.Stop()
		m.logger.Info("Health monitor stopped")
		return
	case <-delay.C:
	}

	m.PerformHealthChecks(ctx)

	ticker := m.clock.Ticker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			return
		case <-ticker.C:
			m.PerformHealthChecks(ctx)
		}
	}
}

// PerformHealthChecks probes every registered service concurrently and
// returns once all probes finished or timed out.
func (m *Monitor) PerformHealthChecks(ctx context.Context) {
	records, err := m.registry.Records(ctx)
	if err != nil {
		m.logger.Error("Failed to list services", slog.Any("err", err))
		return
	}

	var wg conc.WaitGroup
	for _, rec := range records {
		wg.Go(func() {
			m.check(ctx, rec)
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		m.logger.Error("Health probe panicked", slog.String("panic", r.String()))
	}
}

func (m *Monitor) check(ctx context.Context, rec registry.Record) {
	healthy := m.probe(ctx, rec)
	if ctx.Err() != nil {
		return
	}

	changed, err := m.registry.UpdateHealth(ctx, rec.Name, healthy)
	if err != nil {
		m.logger.Error("Failed to update health",
			slog.String("service", rec.Name),
			slog.Any("err", err))
		return
	}
	if !changed {
		return
	}

	m.collector.Emit(metrics.MetricEvent{
		Type:    metrics.EventHealthChanged,
		Service: rec.Name,
		Healthy: healthy,
	})

	if healthy {
		m.logger.Info("Service is back up",
			slog.String("service", rec.Name),
			slog.String("url", rec.URL))
	} else {
		m.logger.Warn("Service is down",
			slog.String("service", rec.Name),
			slog.String("url", rec.URL))
	}
}

func (m *Monitor) probe(ctx context.Context, rec registry.Record) bool {
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	healthURL := strings.TrimSuffix(rec.URL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return false
	}

	res, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("Health probe failed",
			slog.String("service", rec.Name),
			slog.Any("err", err))
		return false
	}
	defer res.Body.Close()

	return res.StatusCode >= 200 && res.StatusCode < 300
}
