package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/flowbridge-go/channels"
	"github.com/glimte/flowbridge-go/contracts"
	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
)

// ErrChannelClosed is returned by operations on a closed TopicChannel.
var ErrChannelClosed = errors.New("kafka: channel is closed")

// TopicChannel is a broadcast channel backed by a Kafka topic. Every
// subscription consumes through its own single-use consumer group, so
// each produced envelope reaches all live subscribers instead of being
// load-balanced between them.
//
// Like the RabbitMQ transport, Send returns once the broker accepts the
// record; remote handler failures are logged on the consuming side and
// reported back as error envelopes by the flow, not through Send.
type TopicChannel struct {
	name    string
	topic   string
	brokers []string
	writer  *kafka.Writer
	logger  *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	reader *kafka.Reader
	cancel context.CancelFunc
}

// TopicOption configures a TopicChannel.
type TopicOption func(*TopicChannel)

// WithTopic overrides the topic name. The default is the channel name
// prefixed with "flowbridge.".
func WithTopic(topic string) TopicOption {
	return func(c *TopicChannel) {
		if topic != "" {
			c.topic = topic
		}
	}
}

// WithTopicLogger sets the logger.
func WithTopicLogger(logger *slog.Logger) TopicOption {
	return func(c *TopicChannel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewTopicChannel returns a channel producing to and consuming from a
// Kafka topic. The writer dials lazily, so no broker is contacted until
// the first Send or Subscribe.
func NewTopicChannel(name string, brokers []string, opts ...TopicOption) (*TopicChannel, error) {
	if name == "" {
		return nil, fmt.Errorf("channel name cannot be empty")
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("brokers cannot be empty")
	}

	c := &TopicChannel{
		name:    name,
		topic:   "flowbridge." + name,
		brokers: brokers,
		logger:  slog.Default(),
		subs:    make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        c.topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		// Request/reply traffic is latency sensitive, don't sit on batches.
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return c, nil
}

// Name returns the channel name.
func (c *TopicChannel) Name() string {
	return c.name
}

// Send produces the envelope to the topic, keyed by correlation key so a
// conversation's messages stay ordered within a partition. A positive
// timeout bounds the produce; broker failures are reported as
// *channels.DispatchError naming the sent envelope.
func (c *TopicChannel) Send(ctx context.Context, env *contracts.Envelope, timeout time.Duration) error {
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

	msg := kafka.Message{
		Key:     []byte(env.CorrelationKey()),
		Value:   body,
		Time:    env.Timestamp,
		Headers: envelopeHeaders(env),
	}

	if err := c.writer.WriteMessages(ctx, msg); err != nil {
		return &channels.DispatchError{Channel: c.name, Failed: env, Err: err}
	}
	return nil
}

// envelopeHeaders mirrors the envelope headers onto the record so they
// stay visible to broker-side tooling. Consumers decode the envelope
// from the record value, headers included.
func envelopeHeaders(env *contracts.Envelope) []kafka.Header {
	if len(env.Headers) == 0 {
		return nil
	}
	headers := make([]kafka.Header, 0, len(env.Headers))
	for k, v := range env.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(fmt.Sprint(v))})
	}
	return headers
}

// Subscribe starts a reader in a fresh consumer group and feeds its
// records to the handler until Unsubscribe or Close. The group id is
// unique per subscription, which is what turns a load-balanced topic
// into a broadcast.
func (c *TopicChannel) Subscribe(id string, handler channels.MessageHandler) error {
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

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.brokers,
		Topic:          c.topic,
		GroupID:        fmt.Sprintf("%s.%s.%s", c.topic, id, uuid.New().String()),
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
		StartOffset:    kafka.LastOffset,
	})

	subCtx, cancel := context.WithCancel(context.Background())
	c.subs[id] = &subscription{reader: reader, cancel: cancel}

	go c.pump(subCtx, id, handler, reader)

	c.logger.Debug("subscribed to topic",
		slog.String("channel", c.name),
		slog.String("subscription", id),
		slog.String("topic", c.topic))
	return nil
}

// pump fetches records until the subscription is cancelled or the reader
// is closed, committing each record after its handler ran.
func (c *TopicChannel) pump(ctx context.Context, id string, handler channels.MessageHandler, reader *kafka.Reader) {
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			c.logger.Error("failed to fetch record",
				slog.String("channel", c.name),
				slog.String("subscription", id),
				slog.String("error", err.Error()))
			continue
		}

		var env contracts.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			c.logger.Warn("discarding undecodable record",
				slog.String("channel", c.name),
				slog.String("subscription", id),
				slog.String("error", err.Error()))
		} else if err := handler.OnMessage(ctx, &env); err != nil {
			c.logger.Warn("subscriber handler failed",
				slog.String("channel", c.name),
				slog.String("subscription", id),
				slog.String("messageId", env.ID),
				slog.String("error", err.Error()))
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Warn("failed to commit offset",
				slog.String("channel", c.name),
				slog.String("subscription", id),
				slog.String("error", err.Error()))
		}
	}
}

// Unsubscribe cancels the subscription; its consumer group is abandoned.
func (c *TopicChannel) Unsubscribe(id string) error {
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
func (c *TopicChannel) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Close cancels all subscriptions and closes the writer.
func (c *TopicChannel) Close() error {
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

	return c.writer.Close()
}
