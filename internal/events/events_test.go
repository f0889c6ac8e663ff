package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/service-mesh/internal/bus"
	"github.com/angeloszaimis/service-mesh/internal/events"
	"github.com/angeloszaimis/service-mesh/pkg/logger"
)

func delivery(body string) *bus.Delivery {
	return &bus.Delivery{
		Body:        []byte(body),
		Exchange:    events.DefaultExchange,
		RoutingKey:  events.RoutingKeyCheckoutCompleted,
		ContentType: "application/json",
	}
}

var _ = Describe("CheckoutCompleted", func() {
	at := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	It("should build a completed checkout with computed totals", func() {
		e := events.NewCheckoutCompleted(events.Checkout{
			ListID:    "list-1",
			ListName:  "Weekly groceries",
			UserEmail: "ana@example.com",
			Items: []events.Item{
				{Name: "Rice", Quantity: 2, EstimatedPrice: 7.5},
				{Name: "Beans", Quantity: 1, EstimatedPrice: 9},
			},
		}, at)

		Expect(e.EventID).To(HaveLen(26))
		Expect(e.EventType).To(Equal(events.RoutingKeyCheckoutCompleted))
		Expect(e.OccurredAt).To(Equal(at))
		Expect(e.Currency).To(Equal("BRL"))
		Expect(e.Count()).To(Equal(2))
		Expect(e.Total()).To(BeNumerically("~", 24.0))
		for _, it := range e.Items {
			Expect(it.Purchased).To(BeTrue())
			Expect(*it.PurchasedAt).To(Equal(at))
		}
	})

	It("should give every event its own id", func() {
		a := events.NewCheckoutCompleted(events.Checkout{ListID: "l"}, at)
		b := events.NewCheckoutCompleted(events.Checkout{ListID: "l"}, at)
		Expect(a.EventID).NotTo(Equal(b.EventID))
	})

	It("should use the camelCase wire names", func() {
		e := events.NewCheckoutCompleted(events.Checkout{ListID: "list-1", Currency: "EUR"}, at)
		body, err := json.Marshal(e)
		Expect(err).NotTo(HaveOccurred())

		var wire map[string]any
		Expect(json.Unmarshal(body, &wire)).To(Succeed())
		Expect(wire).To(HaveKeyWithValue("listId", "list-1"))
		Expect(wire).To(HaveKeyWithValue("currency", "EUR"))
		Expect(wire).To(HaveKeyWithValue("totalSpent", 0.0))
		Expect(wire).To(HaveKeyWithValue("itemCount", 0.0))
		Expect(wire).To(HaveKey("occurredAt"))
	})

	It("should fall back to the item estimates when totalSpent is absent", func() {
		var e events.CheckoutCompleted
		Expect(json.Unmarshal([]byte(`{"listId":"l","items":[{"quantity":3,"estimatedPrice":2.5},{"quantity":1,"estimatedPrice":4}]}`), &e)).To(Succeed())

		Expect(e.Total()).To(BeNumerically("~", 11.5))
		Expect(e.Count()).To(Equal(2))
	})

	It("should prefer totalSpent when present, even if zero", func() {
		var e events.CheckoutCompleted
		Expect(json.Unmarshal([]byte(`{"totalSpent":0,"items":[{"quantity":3,"estimatedPrice":2.5}]}`), &e)).To(Succeed())
		Expect(e.Total()).To(BeZero())
	})
})

var _ = Describe("Analytics", func() {
	var (
		ctx       context.Context
		buf       *bytes.Buffer
		analytics *events.Analytics
	)

	BeforeEach(func() {
		ctx = context.Background()
		buf = &bytes.Buffer{}
		analytics = events.NewAnalytics(logger.NewWithWriter(buf, "info", false, "dev"))
	})

	It("should accumulate totals per currency", func() {
		Expect(analytics.Handle(ctx, delivery(`{"listId":"a","totalSpent":10,"currency":"BRL"}`))).To(Succeed())
		Expect(analytics.Handle(ctx, delivery(`{"listId":"b","items":[{"quantity":2,"estimatedPrice":5}],"currency":"BRL"}`))).To(Succeed())
		Expect(analytics.Handle(ctx, delivery(`{"listId":"c","totalSpent":3,"currency":"EUR"}`))).To(Succeed())

		count, revenue := analytics.Totals()
		Expect(count).To(Equal(3))
		Expect(revenue).To(HaveKeyWithValue("BRL", BeNumerically("~", 20.0)))
		Expect(revenue).To(HaveKeyWithValue("EUR", BeNumerically("~", 3.0)))
	})

	It("should log the dashboard update", func() {
		Expect(analytics.Handle(ctx, delivery(`{"listId":"list-7","itemCount":4,"totalSpent":42}`))).To(Succeed())

		Expect(buf.String()).To(ContainSubstring("Updating list dashboard"))
		Expect(buf.String()).To(ContainSubstring("list_id=list-7"))
		Expect(buf.String()).To(ContainSubstring("item_count=4"))
		Expect(buf.String()).To(ContainSubstring("total=42.00"))
	})

	It("should reject malformed payloads", func() {
		err := analytics.Handle(ctx, delivery(`not json`))
		Expect(err).To(MatchError(events.ErrMalformedEvent))

		count, _ := analytics.Totals()
		Expect(count).To(BeZero())
	})
})

var _ = Describe("Notifier", func() {
	var (
		buf      *bytes.Buffer
		notifier *events.Notifier
	)

	BeforeEach(func() {
		buf = &bytes.Buffer{}
		notifier = events.NewNotifier(logger.NewWithWriter(buf, "info", false, "dev"))
	})

	It("should send a receipt to the user's email", func() {
		Expect(notifier.Handle(context.Background(), delivery(`{"listId":"list-3","userEmail":"ana@example.com"}`))).To(Succeed())

		Expect(notifier.Sent()).To(BeEquivalentTo(1))
		Expect(buf.String()).To(ContainSubstring("Sending checkout receipt"))
		Expect(buf.String()).To(ContainSubstring("email=ana@example.com"))
	})

	It("should tolerate missing list and email", func() {
		Expect(notifier.Handle(context.Background(), delivery(`{"userEmail":null}`))).To(Succeed())

		Expect(buf.String()).To(ContainSubstring("list_id=unknown"))
		Expect(buf.String()).To(ContainSubstring(`email="not provided"`))
	})

	It("should reject malformed payloads", func() {
		Expect(notifier.Handle(context.Background(), delivery(`[`))).To(MatchError(events.ErrMalformedEvent))
		Expect(notifier.Sent()).To(BeZero())
	})
})
