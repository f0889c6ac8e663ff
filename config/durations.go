package config

import (
	"time"

	"github.com/angeloszaimis/service-mesh/internal/registry"
)

// Durations are validated by Load, so parse errors cannot happen here.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (h HealthCheckConfig) IntervalDuration() time.Duration     { return duration(h.Interval) }
func (h HealthCheckConfig) TimeoutDuration() time.Duration      { return duration(h.Timeout) }
func (h HealthCheckConfig) InitialDelayDuration() time.Duration { return duration(h.InitialDelay) }

func (c CircuitBreakerConfig) CooldownDuration() time.Duration { return duration(c.Cooldown) }

func (g GatewayConfig) RequestTimeoutDuration() time.Duration { return duration(g.RequestTimeout) }

func (b BrokerConfig) RetryDelayDuration() time.Duration { return duration(b.RetryDelay) }

func (r RegistryConfig) StoreOptions() registry.StoreOptions {
	return registry.StoreOptions{
		Driver:        r.Driver,
		Path:          r.Path,
		EtcdEndpoints: r.EtcdEndpoints,
		EtcdPrefix:    r.EtcdPrefix,
		DialTimeout:   duration(r.DialTimeout),
	}
}
