package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/flowbridge-go/contracts"
)

// DirectChannel delivers each envelope to exactly one subscribed handler and
// blocks the sender until that handler finishes. With several handlers
// subscribed, deliveries rotate round-robin. The sender therefore experiences
// the full downstream processing synchronously, which is what makes a
// blocking request/reply round trip possible over it.
type DirectChannel struct {
	name   string
	mu     sync.RWMutex
	subs   []directSubscription
	next   atomic.Uint64
	logger *slog.Logger
}

type directSubscription struct {
	id      string
	handler MessageHandler
}

// NewDirectChannel creates a point-to-point channel with the given name.
func NewDirectChannel(name string, options ...Option) *DirectChannel {
	cfg := newConfig(options)
	return &DirectChannel{
		name:   name,
		logger: cfg.logger,
	}
}

// Name returns the channel name
func (c *DirectChannel) Name() string {
	return c.name
}

// Subscribe registers a handler under the given subscription id.
func (c *DirectChannel) Subscribe(id string, handler MessageHandler) error {
	if id == "" {
		return fmt.Errorf("subscription id cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if sub.id == id {
			return fmt.Errorf("subscription %s already exists on channel %s", id, c.name)
		}
	}
	c.subs = append(c.subs, directSubscription{id: id, handler: handler})
	return nil
}

// Unsubscribe removes the handler registered under the given id.
func (c *DirectChannel) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, sub := range c.subs {
		if sub.id == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no subscription %s on channel %s", id, c.name)
}

// SubscriberCount returns the number of active subscriptions.
func (c *DirectChannel) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Send delivers the envelope to the next handler in rotation and waits for it
// to finish. The wait is bounded by timeout when positive and aborts when ctx
// is done; in both cases the handler may still be running, and its eventual
// result is discarded.
func (c *DirectChannel) Send(ctx context.Context, env *contracts.Envelope, timeout time.Duration) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	handler := c.nextHandler()
	if handler == nil {
		return &DispatchError{Channel: c.name, Failed: env, Err: ErrNoHandler}
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	done := make(chan error, 1)
	go func() {
		done <- c.deliver(ctx, handler, env)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutC:
		c.logger.Debug("send timed out", slog.String("channel", c.name), slog.String("messageId", env.ID))
		return &DispatchError{Channel: c.name, Failed: env, Err: ErrSendTimeout}
	case <-ctx.Done():
		return &DispatchError{Channel: c.name, Failed: env, Err: ctx.Err()}
	}
}

func (c *DirectChannel) deliver(ctx context.Context, handler MessageHandler, env *contracts.Envelope) error {
	if err := handler.OnMessage(ctx, env); err != nil {
		return wrapDispatch(c.name, env, err)
	}
	return nil
}

func (c *DirectChannel) nextHandler() MessageHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.subs) == 0 {
		return nil
	}
	n := c.next.Add(1) - 1
	return c.subs[int(n%uint64(len(c.subs)))].handler
}
