package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/service-mesh/internal/events"
)

func newPublishCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish events to the broker",
	}
	cmd.AddCommand(newPublishCheckoutCmd(a))
	return cmd
}

func newPublishCheckoutCmd(a *app) *cobra.Command {
	var (
		checkout events.Checkout
		items    []string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Publish a list.checkout.completed event",
		Example: `  mesh publish checkout --list-id 42 --user-email ana@example.com \
    --item "Rice:2:7.50" --item "Beans:1:9"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, raw := range items {
				it, err := parseItem(raw)
				if err != nil {
					return err
				}
				checkout.Items = append(checkout.Items, it)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := a.newBus(nil)
			defer client.Close()

			e := events.NewCheckoutCompleted(checkout, time.Now())
			if err := events.PublishCheckout(ctx, client, a.cfg.Broker.Exchange, e); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s %s (total %.2f %s)\n", e.EventType, e.EventID, e.Total(), e.Currency)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&checkout.ListID, "list-id", "", "id of the checked out list")
	f.StringVar(&checkout.ListName, "list-name", "", "name of the list")
	f.StringVar(&checkout.UserID, "user-id", "", "id of the list owner")
	f.StringVar(&checkout.UserEmail, "user-email", "", "email the receipt goes to")
	f.StringVar(&checkout.Currency, "currency", events.DefaultCurrency, "currency of the estimates")
	f.StringArrayVar(&items, "item", nil, "item as name:quantity:price, repeatable")
	f.DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the broker")
	_ = cmd.MarkFlagRequired("list-id")
	return cmd
}

// parseItem reads "name:quantity:price". Quantity and price default to 1 and
// 0 when omitted.
func parseItem(raw string) (events.Item, error) {
	parts := strings.Split(raw, ":")
	if len(parts) > 3 || strings.TrimSpace(parts[0]) == "" {
		return events.Item{}, fmt.Errorf("invalid item %q, want name:quantity:price", raw)
	}

	it := events.Item{Name: strings.TrimSpace(parts[0]), Quantity: 1}
	if len(parts) > 1 {
		q, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || q < 0 {
			return events.Item{}, fmt.Errorf("invalid quantity in %q", raw)
		}
		it.Quantity = q
	}
	if len(parts) > 2 {
		p, err := strconv.ParseFloat(parts[2], 64)
		if err != nil || p < 0 {
			return events.Item{}, fmt.Errorf("invalid price in %q", raw)
		}
		it.EstimatedPrice = p
	}
	return it, nil
}
