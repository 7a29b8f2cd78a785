// Package rabbitmq provides a broker-backed broadcast channel on top of a
// RabbitMQ fanout exchange.
//
// FanoutChannel implements channels.SubscribableChannel: Send publishes the
// JSON envelope to the exchange, and every subscription consumes from its own
// exclusive auto-delete queue bound to it. That mirrors the in-memory
// PublishSubscribeChannel closely enough that a bridge and its flow can move
// from a single process to separate ones without touching the correlation
// logic.
//
// Two differences from the in-memory channel are inherent to the broker:
// Send returns once the publish is accepted rather than after subscribers
// ran, and a remote handler failure cannot travel back through Send. Flows
// deployed behind a FanoutChannel answer failures by publishing error
// envelopes, which the bridge's listener already matches.
//
// Connections are owned by an internal connection manager that re-dials with
// backoff, so a broker restart drops subscriptions but not the process.
package rabbitmq
