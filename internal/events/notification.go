package events

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/angeloszaimis/service-mesh/internal/bus"
	"github.com/angeloszaimis/service-mesh/pkg/logger"
)

// Notifier sends checkout receipts. Delivery is a log line for now.
type Notifier struct {
	logger *slog.Logger
	sent   atomic.Int64
}

func NewNotifier(log *slog.Logger) *Notifier {
	return &Notifier{logger: logger.WithComponent(log, "notification-worker")}
}

func (n *Notifier) Handle(_ context.Context, d *bus.Delivery) error {
	e, err := decodeCheckout(d)
	if err != nil {
		return err
	}

	listID := e.ListID
	if listID == "" {
		listID = "unknown"
	}
	email := e.UserEmail
	if email == "" {
		email = "not provided"
	}

	n.sent.Add(1)
	n.logger.Info("Sending checkout receipt",
		slog.String("list_id", listID),
		slog.String("email", email),
		slog.String("event_id", e.EventID))
	return nil
}

func (n *Notifier) Sent() int64 {
	return n.sent.Load()
}
