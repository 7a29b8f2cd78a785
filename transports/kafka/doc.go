// Package kafka provides a broker-backed broadcast channel on top of a
// Kafka topic.
//
// TopicChannel implements channels.SubscribableChannel: Send produces the
// JSON envelope to the topic keyed by correlation key, and every
// subscription reads through its own single-use consumer group starting at
// the latest offset. Kafka load-balances within a group, so giving each
// subscription a fresh group is what yields fanout semantics.
//
// The same caveats as the RabbitMQ transport apply: Send returns on broker
// acknowledgement rather than after subscribers ran, and remote handler
// failures come back as error envelopes published by the flow.
package kafka
