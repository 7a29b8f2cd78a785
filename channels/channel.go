package channels

import (
	"context"
	"time"

	"github.com/glimte/flowbridge-go/contracts"
)

// MessageHandler consumes envelopes delivered by a channel.
type MessageHandler interface {
	OnMessage(ctx context.Context, env *contracts.Envelope) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// OnMessage implements MessageHandler
func (f MessageHandlerFunc) OnMessage(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// MessageChannel accepts envelopes for delivery.
type MessageChannel interface {
	// Name returns the channel name used in diagnostics and failure reports.
	Name() string

	// Send delivers an envelope, blocking until delivery and any synchronous
	// downstream processing complete. A positive timeout bounds the wait; zero
	// means wait until ctx is done. Failures are reported as *DispatchError.
	Send(ctx context.Context, env *contracts.Envelope, timeout time.Duration) error
}

// SubscribableChannel is a channel that delivers every sent envelope to all
// currently subscribed handlers. Subscribe and Unsubscribe are safe to call
// concurrently with Send and with each other.
type SubscribableChannel interface {
	MessageChannel

	// Subscribe registers a handler under the given subscription id.
	Subscribe(id string, handler MessageHandler) error

	// Unsubscribe removes the handler registered under the given id.
	Unsubscribe(id string) error

	// SubscriberCount returns the number of active subscriptions.
	SubscriberCount() int
}

// PollableChannel is a channel whose envelopes are consumed by polling rather
// than by subscription.
type PollableChannel interface {
	MessageChannel

	// Receive returns the next buffered envelope, blocking up to timeout.
	Receive(ctx context.Context, timeout time.Duration) (*contracts.Envelope, error)
}
