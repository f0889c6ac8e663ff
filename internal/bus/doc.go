// Package bus is the message bus client used by services and workers to
// exchange domain events over AMQP 0-9-1.
//
// A Client owns one connection and one confirm-mode channel. The channel is
// obtained lazily: concurrent callers share a single connection attempt, and
// when the connection or channel is lost the client schedules exactly one
// reconnect after RetryDelay and keeps retrying until Close.
//
// Publish JSON-encodes a payload onto a durable topic exchange and returns
// only after the broker confirmed it. Subscribe declares a durable queue,
// binds it and yields deliveries that the caller acknowledges explicitly;
// subscriptions follow the client across reconnects. Consume wraps a
// subscription with a bounded pool of handler goroutines that ack on success
// and nack without requeue on failure.
package bus
