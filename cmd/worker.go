package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/service-mesh/internal/bus"
	"github.com/angeloszaimis/service-mesh/internal/events"
	"github.com/angeloszaimis/service-mesh/internal/httpserver"
)

const (
	workerAnalytics    = "analytics"
	workerNotification = "notification"
)

func newWorkerCmd(a *app) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:       "worker analytics|notification",
		Short:     "Consume checkout events",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{workerAnalytics, workerNotification},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), a, args[0], metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// workerBinding returns the queue binding and handler of the named worker.
func workerBinding(a *app, kind string) (bus.Binding, bus.Handler, error) {
	b := bus.Binding{
		Exchange:    a.cfg.Broker.Exchange,
		RoutingKeys: []string{events.CheckoutBinding},
		Prefetch:    a.cfg.Broker.Prefetch,
	}

	switch kind {
	case workerAnalytics:
		b.Queue = a.cfg.Workers.AnalyticsQueue
		return b, events.NewAnalytics(a.log).Handle, nil
	case workerNotification:
		b.Queue = a.cfg.Workers.NotificationQueue
		return b, events.NewNotifier(a.log).Handle, nil
	default:
		return bus.Binding{}, nil, fmt.Errorf("unknown worker %q", kind)
	}
}

func runWorker(ctx context.Context, a *app, kind, metricsAddr string) error {
	binding, handler, err := workerBinding(a, kind)
	if err != nil {
		return err
	}

	collector, err := newCollector(a.log)
	if err != nil {
		return err
	}
	collector.Start(ctx)

	client := a.newBus(collector)
	defer client.Close()

	g, ctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		srv, err := httpserver.New(metricsAddr, collector.PrometheusHandler(), httpserver.WithLogger(a.log))
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Run(ctx) })
	}

	g.Go(func() error {
		if err := client.Connect(ctx); err != nil {
			a.log.Warn("Broker not reachable yet, retrying in the background", slog.Any("err", err))
		}
		a.log.Info("Waiting for messages",
			slog.String("worker", kind),
			slog.String("exchange", binding.Exchange),
			slog.String("queue", binding.Queue))
		return client.Consume(ctx, binding, handler)
	})

	return g.Wait()
}
