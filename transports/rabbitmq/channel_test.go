package rabbitmq

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/flowbridge-go/channels"
	"github.com/glimte/flowbridge-go/contracts"
	"github.com/glimte/flowbridge-go/internal/rabbitmq"
	"github.com/stretchr/testify/assert"
)

func noopHandler() channels.MessageHandler {
	return channels.MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		return nil
	})
}

func TestNewFanoutChannel(t *testing.T) {
	t.Run("rejects empty name", func(t *testing.T) {
		manager := rabbitmq.NewConnectionManager("amqp://localhost:5672")

		_, err := NewFanoutChannel("", manager)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "name cannot be empty")
	})

	t.Run("rejects nil manager", func(t *testing.T) {
		_, err := NewFanoutChannel("replies", nil)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "manager cannot be nil")
	})

	t.Run("fails when the manager is not connected", func(t *testing.T) {
		manager := rabbitmq.NewConnectionManager("amqp://localhost:5672")

		_, err := NewFanoutChannel("replies", manager)

		assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)
	})
}

func TestFanoutOptions(t *testing.T) {
	t.Run("WithExchange overrides the default name", func(t *testing.T) {
		c := &FanoutChannel{exchange: "flowbridge.replies"}

		WithExchange("replies.bus")(c)

		assert.Equal(t, "replies.bus", c.exchange)
	})

	t.Run("WithExchange ignores empty names", func(t *testing.T) {
		c := &FanoutChannel{exchange: "flowbridge.replies"}

		WithExchange("")(c)

		assert.Equal(t, "flowbridge.replies", c.exchange)
	})

	t.Run("WithChannelLogger sets the logger", func(t *testing.T) {
		logger := slog.Default()
		c := &FanoutChannel{}

		WithChannelLogger(logger)(c)

		assert.Equal(t, logger, c.logger)
	})
}

func TestFanoutChannelClosed(t *testing.T) {
	t.Run("Send on a closed channel fails", func(t *testing.T) {
		c := &FanoutChannel{name: "replies", closed: true}
		env := contracts.NewEnvelope("test.request", nil)

		err := c.Send(context.Background(), env, time.Second)

		assert.ErrorIs(t, err, ErrChannelClosed)
	})

	t.Run("Subscribe on a closed channel fails", func(t *testing.T) {
		c := &FanoutChannel{name: "replies", closed: true, subs: map[string]*subscription{}}

		err := c.Subscribe("listener", noopHandler())

		assert.ErrorIs(t, err, ErrChannelClosed)
	})

	t.Run("Close is idempotent", func(t *testing.T) {
		c := &FanoutChannel{name: "replies", subs: map[string]*subscription{}}

		assert.NoError(t, c.Close())
		assert.NoError(t, c.Close())
	})
}

func TestFanoutSubscriptionGuards(t *testing.T) {
	t.Run("Send rejects nil envelope", func(t *testing.T) {
		c := &FanoutChannel{name: "replies"}

		err := c.Send(context.Background(), nil, time.Second)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "envelope cannot be nil")
	})

	t.Run("Subscribe rejects empty id", func(t *testing.T) {
		c := &FanoutChannel{name: "replies", subs: map[string]*subscription{}}

		err := c.Subscribe("", noopHandler())

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "id cannot be empty")
	})

	t.Run("Subscribe rejects nil handler", func(t *testing.T) {
		c := &FanoutChannel{name: "replies", subs: map[string]*subscription{}}

		err := c.Subscribe("listener", nil)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("Subscribe rejects duplicate id", func(t *testing.T) {
		c := &FanoutChannel{name: "replies", subs: map[string]*subscription{
			"listener": {},
		}}

		err := c.Subscribe("listener", noopHandler())

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("Unsubscribe rejects unknown id", func(t *testing.T) {
		c := &FanoutChannel{name: "replies", subs: map[string]*subscription{}}

		err := c.Unsubscribe("ghost")

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("SubscriberCount reflects registered subscriptions", func(t *testing.T) {
		c := &FanoutChannel{name: "replies", subs: map[string]*subscription{
			"a": {},
			"b": {},
		}}

		assert.Equal(t, 2, c.SubscriberCount())
	})
}
