package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/flowbridge-go/contracts"
)

// PublishSubscribeChannel delivers every sent envelope to all currently
// subscribed handlers. Subscriptions come and go while sends are in flight:
// each send works on a snapshot of the subscriber set taken at entry, and the
// subscriber map is never locked during handler execution.
type PublishSubscribeChannel struct {
	name   string
	mu     sync.RWMutex
	subs   map[string]MessageHandler
	logger *slog.Logger
}

// NewPublishSubscribeChannel creates a broadcast channel with the given name.
func NewPublishSubscribeChannel(name string, options ...Option) *PublishSubscribeChannel {
	cfg := newConfig(options)
	return &PublishSubscribeChannel{
		name:   name,
		subs:   make(map[string]MessageHandler),
		logger: cfg.logger,
	}
}

// Name returns the channel name
func (c *PublishSubscribeChannel) Name() string {
	return c.name
}

// Subscribe registers a handler under the given subscription id.
func (c *PublishSubscribeChannel) Subscribe(id string, handler MessageHandler) error {
	if id == "" {
		return fmt.Errorf("subscription id cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[id]; exists {
		return fmt.Errorf("subscription %s already exists on channel %s", id, c.name)
	}
	c.subs[id] = handler
	return nil
}

// Unsubscribe removes the handler registered under the given id.
func (c *PublishSubscribeChannel) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[id]; !exists {
		return fmt.Errorf("no subscription %s on channel %s", id, c.name)
	}
	delete(c.subs, id)
	return nil
}

// SubscriberCount returns the number of active subscriptions.
func (c *PublishSubscribeChannel) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Send broadcasts the envelope to every subscriber present when the send
// began. Handlers run sequentially on the sending goroutine; a failing
// handler does not stop delivery to the rest. A single handler failure is
// propagated as-is, several are joined.
func (c *PublishSubscribeChannel) Send(ctx context.Context, env *contracts.Envelope, timeout time.Duration) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	done := make(chan error, 1)
	go func() {
		done <- c.broadcast(ctx, env)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutC:
		return &DispatchError{Channel: c.name, Failed: env, Err: ErrSendTimeout}
	case <-ctx.Done():
		return &DispatchError{Channel: c.name, Failed: env, Err: ctx.Err()}
	}
}

func (c *PublishSubscribeChannel) broadcast(ctx context.Context, env *contracts.Envelope) error {
	c.mu.RLock()
	snapshot := make([]MessageHandler, 0, len(c.subs))
	for _, handler := range c.subs {
		snapshot = append(snapshot, handler)
	}
	c.mu.RUnlock()

	if len(snapshot) == 0 {
		c.logger.Debug("no subscribers, envelope dropped",
			slog.String("channel", c.name),
			slog.String("messageId", env.ID))
		return nil
	}

	var failures []error
	for _, handler := range snapshot {
		if err := handler.OnMessage(ctx, env); err != nil {
			failures = append(failures, wrapDispatch(c.name, env, err))
		}
	}

	switch len(failures) {
	case 0:
		return nil
	case 1:
		return failures[0]
	default:
		return &DispatchError{Channel: c.name, Failed: env, Err: errors.Join(failures...)}
	}
}
