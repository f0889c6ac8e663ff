// Package metrics collects gateway, registry and message bus statistics.
//
// Producers hand MetricEvent values to a Collector, which applies them on its
// own goroutine. Emit never blocks: when the buffer is full the event is
// dropped and counted. The collected state is exposed two ways:
//
//   - Snapshot / Handler: a JSON document with per-service request counts,
//     response time percentiles, status codes and health, plus per-topic
//     publish and consume counters.
//   - PrometheusHandler: the same signals as mesh_* series.
//
// Example usage:
//
//	collector, err := metrics.NewCollector(1000, logger)
//	if err != nil {
//		return err
//	}
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Service:    "item-service",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
package metrics
