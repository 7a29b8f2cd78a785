// Package channels provides the channel abstractions envelopes move through
// and in-memory implementations of each.
//
// Key features:
//   - MessageChannel: blocking Send with per-call timeout and ctx cancellation
//   - SubscribableChannel: concurrent-safe Subscribe/Unsubscribe keyed by id
//   - DirectChannel: point-to-point delivery, round-robin over handlers, the
//     sender blocks for the full downstream processing
//   - PublishSubscribeChannel: broadcast to a snapshot of subscribers, no lock
//     held during handler execution
//   - QueueChannel: buffered, pollable; NullChannel: discards
//
// Failures surface as *DispatchError carrying the envelope whose processing
// failed. A DispatchError raised by a nested channel propagates through outer
// sends unchanged, so the failure stays attributable to the conversation it
// belongs to no matter how many channels it crossed on the way up.
//
// Broker-backed equivalents of SubscribableChannel live in the transports
// packages.
package channels
