// Package events defines the shopping events carried on the bus and the
// worker handlers that react to them.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/angeloszaimis/service-mesh/internal/bus"
)

const (
	DefaultExchange          = "shopping_events"
	DefaultCurrency          = "BRL"
	DefaultAnalyticsQueue    = "list.checkout.analytics"
	DefaultNotificationQueue = "list.checkout.notifications"

	RoutingKeyCheckoutCompleted = "list.checkout.completed"
	// CheckoutBinding is the pattern workers bind so that every checkout
	// event reaches them.
	CheckoutBinding = "list.checkout.#"
)

var ErrMalformedEvent = errors.New("malformed event")

type Item struct {
	Name           string     `json:"name"`
	Quantity       float64    `json:"quantity"`
	EstimatedPrice float64    `json:"estimatedPrice"`
	Purchased      bool       `json:"purchased"`
	PurchasedAt    *time.Time `json:"purchasedAt,omitempty"`
}

// CheckoutCompleted is published by the list service once a shopping list
// has been checked out. TotalSpent and ItemCount may be absent on events from
// older producers.
type CheckoutCompleted struct {
	EventID    string    `json:"eventId"`
	EventType  string    `json:"eventType"`
	OccurredAt time.Time `json:"occurredAt"`
	ListID     string    `json:"listId"`
	ListName   string    `json:"listName"`
	UserID     string    `json:"userId,omitempty"`
	UserEmail  string    `json:"userEmail,omitempty"`
	ItemCount  *int      `json:"itemCount,omitempty"`
	TotalSpent *float64  `json:"totalSpent,omitempty"`
	Currency   string    `json:"currency"`
	Items      []Item    `json:"items"`
}

type Checkout struct {
	ListID    string
	ListName  string
	UserID    string
	UserEmail string
	Currency  string
	Items     []Item
}

// NewCheckoutCompleted marks every item purchased at the given time and
// computes the totals.
func NewCheckoutCompleted(c Checkout, at time.Time) CheckoutCompleted {
	at = at.UTC()
	items := make([]Item, len(c.Items))
	for i, it := range c.Items {
		it.Purchased = true
		if it.PurchasedAt == nil {
			it.PurchasedAt = &at
		}
		items[i] = it
	}

	currency := c.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	count := len(items)
	total := itemsTotal(items)
	return CheckoutCompleted{
		EventID:    ulid.Make().String(),
		EventType:  RoutingKeyCheckoutCompleted,
		OccurredAt: at,
		ListID:     c.ListID,
		ListName:   c.ListName,
		UserID:     c.UserID,
		UserEmail:  c.UserEmail,
		ItemCount:  &count,
		TotalSpent: &total,
		Currency:   currency,
		Items:      items,
	}
}

// Total returns TotalSpent when the producer set it and the sum of the item
// estimates otherwise.
func (e CheckoutCompleted) Total() float64 {
	if e.TotalSpent != nil {
		return *e.TotalSpent
	}
	return itemsTotal(e.Items)
}

func (e CheckoutCompleted) Count() int {
	if e.ItemCount != nil {
		return *e.ItemCount
	}
	return len(e.Items)
}

func itemsTotal(items []Item) float64 {
	var total float64
	for _, it := range items {
		total += it.EstimatedPrice * it.Quantity
	}
	return total
}

// PublishCheckout publishes e under its event id so consumers can
// deduplicate redeliveries.
func PublishCheckout(ctx context.Context, client *bus.Client, exchange string, e CheckoutCompleted) error {
	if exchange == "" {
		exchange = DefaultExchange
	}
	key := e.EventType
	if key == "" {
		key = RoutingKeyCheckoutCompleted
	}
	return client.Publish(ctx, exchange, key, e, bus.WithMessageID(e.EventID))
}

func decodeCheckout(d *bus.Delivery) (CheckoutCompleted, error) {
	var e CheckoutCompleted
	if err := d.Decode(&e); err != nil {
		return CheckoutCompleted{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return e, nil
}
