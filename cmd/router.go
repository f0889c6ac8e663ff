package main

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angeloszaimis/service-mesh/config"
	"github.com/angeloszaimis/service-mesh/internal/circuitbreaker"
	"github.com/angeloszaimis/service-mesh/internal/gateway"
	"github.com/angeloszaimis/service-mesh/internal/metrics"
	"github.com/angeloszaimis/service-mesh/internal/registry"
	"github.com/angeloszaimis/service-mesh/pkg/logger"
)

const metricsBuffer = 1024

// newCollector builds a collector whose Prometheus registry also exposes the
// Go runtime and process series.
func newCollector(log *slog.Logger) (*metrics.Collector, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(metricsBuffer, logger.WithComponent(log, "metrics"), metrics.WithRegistry(reg))
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		Routes:         cfg.Gateway.Routes,
		Aggregates:     cfg.Gateway.Aggregates,
		RequestTimeout: cfg.Gateway.RequestTimeoutDuration(),
	}
}

func setupGateway(cfg *config.Config, reg *registry.Registry, collector *metrics.Collector, log *slog.Logger) *gateway.Gateway {
	breakers := circuitbreaker.NewRegistry(
		cfg.CircuitBreaker.FailureThreshold,
		cfg.CircuitBreaker.CooldownDuration(),
		nil,
	)
	return gateway.New(reg, breakers, gatewayConfig(cfg), log, gateway.WithCollector(collector))
}
