package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/flowbridge-go/contracts"
)

// QueueChannel buffers envelopes for polling consumers. It backs error sinks
// and tests, where the interesting assertion is what arrived rather than who
// was subscribed.
type QueueChannel struct {
	name   string
	buffer chan *contracts.Envelope
	logger *slog.Logger
}

// NewQueueChannel creates a pollable channel holding up to capacity envelopes.
func NewQueueChannel(name string, capacity int, options ...Option) *QueueChannel {
	if capacity <= 0 {
		capacity = 1
	}
	cfg := newConfig(options)
	return &QueueChannel{
		name:   name,
		buffer: make(chan *contracts.Envelope, capacity),
		logger: cfg.logger,
	}
}

// Name returns the channel name
func (c *QueueChannel) Name() string {
	return c.name
}

// Send enqueues the envelope, blocking while the buffer is full.
func (c *QueueChannel) Send(ctx context.Context, env *contracts.Envelope, timeout time.Duration) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case c.buffer <- env:
		return nil
	case <-timeoutC:
		return &DispatchError{Channel: c.name, Failed: env, Err: ErrSendTimeout}
	case <-ctx.Done():
		return &DispatchError{Channel: c.name, Failed: env, Err: ctx.Err()}
	}
}

// Receive returns the next buffered envelope, blocking up to timeout.
func (c *QueueChannel) Receive(ctx context.Context, timeout time.Duration) (*contracts.Envelope, error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case env := <-c.buffer:
		return env, nil
	case <-timeoutC:
		return nil, ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of envelopes currently buffered.
func (c *QueueChannel) Len() int {
	return len(c.buffer)
}

// NullChannel discards everything sent to it. Useful as a stand-in where a
// channel is required but nobody cares about the traffic.
type NullChannel struct {
	name   string
	logger *slog.Logger
}

// NewNullChannel creates a channel that drops all envelopes.
func NewNullChannel(options ...Option) *NullChannel {
	cfg := newConfig(options)
	return &NullChannel{
		name:   "nullChannel",
		logger: cfg.logger,
	}
}

// Name returns the channel name
func (c *NullChannel) Name() string {
	return c.name
}

// Send drops the envelope.
func (c *NullChannel) Send(ctx context.Context, env *contracts.Envelope, timeout time.Duration) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}
	c.logger.Debug("envelope dropped", slog.String("messageId", env.ID), slog.String("type", env.Type))
	return nil
}
