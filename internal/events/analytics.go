package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/angeloszaimis/service-mesh/internal/bus"
	"github.com/angeloszaimis/service-mesh/pkg/logger"
)

// Analytics keeps running checkout totals for the dashboard.
type Analytics struct {
	logger *slog.Logger

	mu        sync.Mutex
	checkouts int
	revenue   map[string]float64
}

func NewAnalytics(log *slog.Logger) *Analytics {
	return &Analytics{
		logger:  logger.WithComponent(log, "analytics-worker"),
		revenue: make(map[string]float64),
	}
}

func (a *Analytics) Handle(_ context.Context, d *bus.Delivery) error {
	e, err := decodeCheckout(d)
	if err != nil {
		return err
	}

	total := e.Total()
	currency := e.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	a.mu.Lock()
	a.checkouts++
	a.revenue[currency] += total
	a.mu.Unlock()

	a.logger.Info("Updating list dashboard",
		slog.String("list_id", e.ListID),
		slog.Int("item_count", e.Count()),
		slog.String("total", fmt.Sprintf("%.2f", total)),
		slog.String("currency", currency),
		slog.String("routing_key", d.RoutingKey))
	return nil
}

// Totals returns the number of checkouts seen and the revenue per currency.
func (a *Analytics) Totals() (int, map[string]float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	revenue := make(map[string]float64, len(a.revenue))
	for k, v := range a.revenue {
		revenue[k] = v
	}
	return a.checkouts, revenue
}
