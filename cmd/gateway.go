package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/service-mesh/internal/healthcheck"
	"github.com/angeloszaimis/service-mesh/internal/httpserver"
)

func newGatewayCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the API gateway and the registry health monitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Address
			}
			return runGateway(cmd.Context(), a, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.address)")
	return cmd
}

func runGateway(ctx context.Context, a *app, addr string) error {
	reg, err := a.openRegistry()
	if err != nil {
		a.log.Error("Failed to open registry", slog.Any("err", err))
		return err
	}
	defer reg.Close()

	collector, err := newCollector(a.log)
	if err != nil {
		return err
	}
	collector.Start(ctx)

	monitor := healthcheck.New(reg, healthcheck.Config{
		Interval:     a.cfg.HealthCheck.IntervalDuration(),
		Timeout:      a.cfg.HealthCheck.TimeoutDuration(),
		InitialDelay: a.cfg.HealthCheck.InitialDelayDuration(),
	}, a.log, healthcheck.WithCollector(collector))
	monitor.Start(ctx)

	gw := setupGateway(a.cfg, reg, collector, a.log)

	srv, err := httpserver.New(addr, gw,
		httpserver.WithWriteTimeout(a.cfg.Gateway.RequestTimeoutDuration()+5*time.Second),
		httpserver.WithLogger(a.log))
	if err != nil {
		a.log.Error("Failed to create server", slog.Any("err", err))
		return err
	}

	a.log.Info("Starting API gateway", slog.String("address", addr))
	if err := srv.Run(ctx); err != nil {
		a.log.Error("Error running API gateway", slog.Any("err", err))
		return err
	}
	a.log.Info("API gateway stopped")
	return nil
}
