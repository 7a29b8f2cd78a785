package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/flowbridge-go/channels"
	"github.com/glimte/flowbridge-go/contracts"
	"github.com/glimte/flowbridge-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrChannelClosed is returned by operations on a closed FanoutChannel.
var ErrChannelClosed = errors.New("rabbitmq: channel is closed")

// FanoutChannel is a broadcast channel backed by a RabbitMQ fanout
// exchange. Every subscriber gets its own exclusive auto-delete queue
// bound to the exchange, so each published envelope reaches all live
// subscribers and none of them compete for deliveries.
//
// Unlike the in-memory channels, subscriber failures cannot surface
// through Send: the publish has completed by the time a remote handler
// runs. Failures on the consuming side are logged, and flows running
// behind a FanoutChannel report errors by publishing error envelopes.
type FanoutChannel struct {
	name     string
	exchange string
	manager  *rabbitmq.ConnectionManager
	logger   *slog.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	channel *amqp.Channel
	queue   string
	cancel  context.CancelFunc
}

// FanoutOption configures a FanoutChannel.
type FanoutOption func(*FanoutChannel)

// WithExchange overrides the exchange name. The default is the channel
// name prefixed with "flowbridge.".
func WithExchange(exchange string) FanoutOption {
	return func(c *FanoutChannel) {
		if exchange != "" {
			c.exchange = exchange
		}
	}
}

// WithChannelLogger sets the logger.
func WithChannelLogger(logger *slog.Logger) FanoutOption {
	return func(c *FanoutChannel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewFanoutChannel declares the fanout exchange and returns a channel
// publishing to it. The connection manager must already be connected and
// stays owned by the caller.
func NewFanoutChannel(name string, manager *rabbitmq.ConnectionManager, opts ...FanoutOption) (*FanoutChannel, error) {
	if name == "" {
		return nil, fmt.Errorf("channel name cannot be empty")
	}
	if manager == nil {
		return nil, fmt.Errorf("connection manager cannot be nil")
	}

	c := &FanoutChannel{
		name:     name,
		exchange: "flowbridge." + name,
		manager:  manager,
		logger:   slog.Default(),
		subs:     make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.declareExchange(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FanoutChannel) declareExchange() error {
	amqpCh, err := c.manager.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer amqpCh.Close()

	err = amqpCh.ExchangeDeclare(
		c.exchange,
		"fanout",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", c.exchange, err)
	}
	return nil
}

// Name returns the channel name.
func (c *FanoutChannel) Name() string {
	return c.name
}

// Send publishes the envelope to the exchange. A positive timeout bounds
// the publish; broker failures are reported as *channels.DispatchError
// naming the sent envelope.
func (c *FanoutChannel) Send(ctx context.Context, env *contracts.Envelope, timeout time.Duration) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrChannelClosed
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   env.ID,
		Type:        env.Type,
		Timestamp:   env.Timestamp,
		Body:        body,
	}
	if len(env.Headers) > 0 {
		msg.Headers = make(amqp.Table, len(env.Headers))
		for k, v := range env.Headers {
			msg.Headers[k] = v
		}
	}

	if err := c.publish(ctx, msg); err != nil {
		return &channels.DispatchError{Channel: c.name, Failed: env, Err: err}
	}
	return nil
}

// publish reuses a single publisher channel, reopening it after broker
// initiated closes. AMQP channels cannot be shared by concurrent
// publishers, hence the mutex.
func (c *FanoutChannel) publish(ctx context.Context, msg amqp.Publishing) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if c.pubCh == nil || c.pubCh.IsClosed() {
		amqpCh, err := c.manager.Channel()
		if err != nil {
			return err
		}
		c.pubCh = amqpCh
	}
	return c.pubCh.PublishWithContext(ctx, c.exchange, "", false, false, msg)
}

// Subscribe binds a fresh exclusive auto-delete queue to the exchange and
// feeds its deliveries to the handler until Unsubscribe or Close.
func (c *FanoutChannel) Subscribe(id string, handler channels.MessageHandler) error {
	if id == "" {
		return fmt.Errorf("subscription id cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if _, exists := c.subs[id]; exists {
		return fmt.Errorf("subscription %s already exists", id)
	}

	amqpCh, err := c.manager.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	// Broker-named exclusive queue, dropped automatically when the
	// subscription's channel goes away.
	queue, err := amqpCh.QueueDeclare(
		"",    // name, broker generated
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		amqpCh.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := amqpCh.QueueBind(queue.Name, "", c.exchange, false, nil); err != nil {
		amqpCh.Close()
		return fmt.Errorf("failed to bind queue %s: %w", queue.Name, err)
	}

	deliveries, err := amqpCh.Consume(
		queue.Name,
		id,    // consumer tag
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		amqpCh.Close()
		return fmt.Errorf("failed to consume from %s: %w", queue.Name, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	c.subs[id] = &subscription{channel: amqpCh, queue: queue.Name, cancel: cancel}

	go c.pump(subCtx, id, handler, amqpCh, deliveries)

	c.logger.Debug("subscribed to fanout exchange",
		slog.String("channel", c.name),
		slog.String("subscription", id),
		slog.String("queue", queue.Name))
	return nil
}

// pump feeds deliveries to the handler until the subscription is
// cancelled or the broker closes the delivery stream.
func (c *FanoutChannel) pump(ctx context.Context, id string, handler channels.MessageHandler, amqpCh *amqp.Channel, deliveries <-chan amqp.Delivery) {
	defer amqpCh.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			var env contracts.Envelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				c.logger.Warn("discarding undecodable delivery",
					slog.String("channel", c.name),
					slog.String("subscription", id),
					slog.String("error", err.Error()))
				continue
			}

			if err := handler.OnMessage(ctx, &env); err != nil {
				c.logger.Warn("subscriber handler failed",
					slog.String("channel", c.name),
					slog.String("subscription", id),
					slog.String("messageId", env.ID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Unsubscribe cancels the subscription and lets the broker drop its
// queue.
func (c *FanoutChannel) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subs[id]
	if !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(c.subs, id)
	sub.cancel()
	return nil
}

// SubscriberCount returns the number of active subscriptions.
func (c *FanoutChannel) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Close cancels all subscriptions and releases the publisher channel.
// The shared connection manager stays open; it is owned by the caller.
func (c *FanoutChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, sub := range c.subs {
		sub.cancel()
		delete(c.subs, id)
	}
	c.mu.Unlock()

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.pubCh != nil && !c.pubCh.IsClosed() {
		return c.pubCh.Close()
	}
	return nil
}
