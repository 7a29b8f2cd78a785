package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/flowbridge-go/channels"
	"github.com/glimte/flowbridge-go/contracts"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler() channels.MessageHandler {
	return channels.MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		return nil
	})
}

func TestNewTopicChannel(t *testing.T) {
	t.Run("rejects empty name", func(t *testing.T) {
		_, err := NewTopicChannel("", []string{"localhost:9092"})

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "name cannot be empty")
	})

	t.Run("rejects empty broker list", func(t *testing.T) {
		_, err := NewTopicChannel("replies", nil)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "brokers cannot be empty")
	})

	t.Run("derives the topic from the channel name", func(t *testing.T) {
		c, err := NewTopicChannel("replies", []string{"localhost:9092"})
		require.NoError(t, err)

		assert.Equal(t, "replies", c.Name())
		assert.Equal(t, "flowbridge.replies", c.topic)
		assert.Equal(t, "flowbridge.replies", c.writer.Topic)
	})

	t.Run("configures the writer for acknowledged low latency produces", func(t *testing.T) {
		c, err := NewTopicChannel("replies", []string{"localhost:9092"})
		require.NoError(t, err)

		assert.Equal(t, kafka.RequireAll, c.writer.RequiredAcks)
		assert.IsType(t, &kafka.LeastBytes{}, c.writer.Balancer)
		assert.Equal(t, 10*time.Millisecond, c.writer.BatchTimeout)
		assert.False(t, c.writer.Async)
	})

	t.Run("WithTopic overrides the derived topic", func(t *testing.T) {
		c, err := NewTopicChannel("replies", []string{"localhost:9092"}, WithTopic("replies.bus"))
		require.NoError(t, err)

		assert.Equal(t, "replies.bus", c.topic)
		assert.Equal(t, "replies.bus", c.writer.Topic)
	})

	t.Run("WithTopicLogger sets the logger", func(t *testing.T) {
		logger := slog.Default()
		c, err := NewTopicChannel("replies", []string{"localhost:9092"}, WithTopicLogger(logger))
		require.NoError(t, err)

		assert.Equal(t, logger, c.logger)
	})
}

func TestEnvelopeHeaders(t *testing.T) {
	t.Run("converts envelope headers to record headers", func(t *testing.T) {
		env := contracts.NewEnvelope("test.request", nil).
			WithHeader("x-flow-output-port", "output").
			WithHeader("attempt", 3)

		headers := envelopeHeaders(env)

		require.Len(t, headers, 2)
		byKey := map[string]string{}
		for _, h := range headers {
			byKey[h.Key] = string(h.Value)
		}
		assert.Equal(t, "output", byKey["x-flow-output-port"])
		assert.Equal(t, "3", byKey["attempt"])
	})

	t.Run("returns nil for headerless envelopes", func(t *testing.T) {
		env := contracts.NewEnvelope("test.request", nil)

		assert.Nil(t, envelopeHeaders(env))
	})
}

func TestTopicChannelClosed(t *testing.T) {
	t.Run("Send on a closed channel fails", func(t *testing.T) {
		c := &TopicChannel{name: "replies", closed: true, writer: &kafka.Writer{}}
		env := contracts.NewEnvelope("test.request", json.RawMessage(`{}`))

		err := c.Send(context.Background(), env, time.Second)

		assert.ErrorIs(t, err, ErrChannelClosed)
	})

	t.Run("Subscribe on a closed channel fails", func(t *testing.T) {
		c := &TopicChannel{name: "replies", closed: true, subs: map[string]*subscription{}}

		err := c.Subscribe("listener", noopHandler())

		assert.ErrorIs(t, err, ErrChannelClosed)
	})

	t.Run("Close is idempotent", func(t *testing.T) {
		c, err := NewTopicChannel("replies", []string{"localhost:9092"})
		require.NoError(t, err)

		assert.NoError(t, c.Close())
		assert.NoError(t, c.Close())
	})
}

func TestTopicSubscriptionGuards(t *testing.T) {
	t.Run("Send rejects nil envelope", func(t *testing.T) {
		c := &TopicChannel{name: "replies"}

		err := c.Send(context.Background(), nil, time.Second)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "envelope cannot be nil")
	})

	t.Run("Subscribe rejects empty id", func(t *testing.T) {
		c := &TopicChannel{name: "replies", subs: map[string]*subscription{}}

		err := c.Subscribe("", noopHandler())

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "id cannot be empty")
	})

	t.Run("Subscribe rejects nil handler", func(t *testing.T) {
		c := &TopicChannel{name: "replies", subs: map[string]*subscription{}}

		err := c.Subscribe("listener", nil)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("Subscribe rejects duplicate id", func(t *testing.T) {
		c := &TopicChannel{name: "replies", subs: map[string]*subscription{
			"listener": {},
		}}

		err := c.Subscribe("listener", noopHandler())

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("Unsubscribe rejects unknown id", func(t *testing.T) {
		c := &TopicChannel{name: "replies", subs: map[string]*subscription{}}

		err := c.Unsubscribe("ghost")

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("SubscriberCount reflects registered subscriptions", func(t *testing.T) {
		c := &TopicChannel{name: "replies", subs: map[string]*subscription{
			"a": {},
			"b": {},
		}}

		assert.Equal(t, 2, c.SubscriberCount())
	})
}
