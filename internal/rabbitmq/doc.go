// Package rabbitmq manages the AMQP connection used by the RabbitMQ
// transport channel.
//
// ConnectionManager owns a single connection, re-dials with exponential
// backoff and jitter when the broker drops it, and hands out fresh
// channels to callers. Credentials never reach the logs; URLs are
// sanitized first.
package rabbitmq
