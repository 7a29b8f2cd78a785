package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/glimte/flowbridge-go/channels"
	"github.com/glimte/flowbridge-go/contracts"
	"github.com/stretchr/testify/assert"
)

func TestNewFlow(t *testing.T) {
	t.Run("requires a name", func(t *testing.T) {
		_, err := NewFlow("", channels.NewNullChannel())

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "name cannot be empty")
	})

	t.Run("requires an output channel", func(t *testing.T) {
		_, err := NewFlow("echo", nil)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be nil")
	})
}

func TestFlowProcessing(t *testing.T) {
	t.Run("runs stages in order and publishes tagged response", func(t *testing.T) {
		output := channels.NewQueueChannel("flow.output", 4)
		f, err := NewFlow("transform", output)
		assert.NoError(t, err)

		f.AddStage("upper", ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
			var text string
			json.Unmarshal(env.Body, &text)
			body, _ := json.Marshal(strings.ToUpper(text))
			return env.Derive("text.upper", body), nil
		}))
		f.AddStage("exclaim", ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
			var text string
			json.Unmarshal(env.Body, &text)
			body, _ := json.Marshal(text + "!")
			return env.Derive("text.final", body), nil
		}))

		request := contracts.NewEnvelope("text.raw", mustJSON(t, "hello"))
		assert.NoError(t, f.OnMessage(context.Background(), request))

		response, err := output.Receive(context.Background(), time.Second)
		assert.NoError(t, err)
		assert.Equal(t, "text.final", response.Type)
		assert.JSONEq(t, `"HELLO!"`, string(response.Body))

		port, ok := response.Header(contracts.HeaderOutputPort)
		assert.True(t, ok)
		assert.Equal(t, DefaultOutputPort, port)
	})

	t.Run("keeps the conversation marker across stages", func(t *testing.T) {
		output := channels.NewQueueChannel("flow.output", 4)
		f, _ := NewFlow("echo", output)

		f.AddStage("rebuild", ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
			// Fresh envelope with no correlation of its own.
			return contracts.NewEnvelope("echo.response", env.Body), nil
		}))

		request := contracts.NewEnvelope("echo.request", mustJSON(t, "hi")).PushSequence("conv-1", 0, 0)
		assert.NoError(t, f.OnMessage(context.Background(), request))

		response, err := output.Receive(context.Background(), time.Second)
		assert.NoError(t, err)
		assert.Equal(t, "conv-1", response.CorrelationKey())
	})

	t.Run("nil stage result filters the envelope out", func(t *testing.T) {
		output := channels.NewQueueChannel("flow.output", 4)
		f, _ := NewFlow("filter", output)

		f.AddStage("drop", ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
			return nil, nil
		}))

		assert.NoError(t, f.OnMessage(context.Background(), contracts.NewEnvelope("test", nil)))
		assert.Equal(t, 0, output.Len())
	})

	t.Run("custom output port is stamped on responses", func(t *testing.T) {
		output := channels.NewQueueChannel("flow.output", 4)
		f, _ := NewFlow("echo", output, WithOutputPort("done"))

		f.AddStage("identity", ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
			return env, nil
		}))

		assert.NoError(t, f.OnMessage(context.Background(), contracts.NewEnvelope("test", nil)))

		response, err := output.Receive(context.Background(), time.Second)
		assert.NoError(t, err)
		port, _ := response.Header(contracts.HeaderOutputPort)
		assert.Equal(t, "done", port)
	})
}

func TestFlowFailures(t *testing.T) {
	t.Run("stage failure without error exit becomes a dispatch failure", func(t *testing.T) {
		output := channels.NewQueueChannel("flow.output", 4)
		f, _ := NewFlow("fragile", output)

		boom := errors.New("boom")
		f.AddStage("explode", ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
			return nil, boom
		}))

		request := contracts.NewEnvelope("test", nil).PushSequence("conv-1", 0, 0)
		err := f.OnMessage(context.Background(), request)

		var de *channels.DispatchError
		assert.ErrorAs(t, err, &de)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, "fragile", de.Channel)
		assert.Equal(t, "conv-1", de.Failed.CorrelationKey())
		assert.Equal(t, 0, output.Len())
	})

	t.Run("stage failure with error exit publishes a tagged error envelope", func(t *testing.T) {
		output := channels.NewQueueChannel("flow.output", 4)
		f, _ := NewFlow("fragile", output, WithErrorExit("errors"))

		f.AddStage("explode", ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
			return nil, errors.New("boom")
		}))

		request := contracts.NewEnvelope("test", nil).PushSequence("conv-1", 0, 0)
		assert.NoError(t, f.OnMessage(context.Background(), request))

		errEnv, err := output.Receive(context.Background(), time.Second)
		assert.NoError(t, err)
		assert.True(t, errEnv.IsError())
		assert.Equal(t, "boom", errEnv.Failure.Message)
		assert.Equal(t, "explode", errEnv.Failure.Component)
		assert.Equal(t, "conv-1", errEnv.Failure.Failed.CorrelationKey())

		port, _ := errEnv.Header(contracts.HeaderOutputPort)
		assert.Equal(t, "errors", port)
	})

	t.Run("failure in a later stage references the intermediate envelope", func(t *testing.T) {
		output := channels.NewQueueChannel("flow.output", 4)
		f, _ := NewFlow("fragile", output)

		f.AddStage("relabel", ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
			return env.Derive("intermediate", env.Body), nil
		}))
		f.AddStage("explode", ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
			return nil, errors.New("boom")
		}))

		request := contracts.NewEnvelope("test", nil).PushSequence("conv-1", 0, 0)
		err := f.OnMessage(context.Background(), request)

		var de *channels.DispatchError
		assert.ErrorAs(t, err, &de)
		assert.Equal(t, "intermediate", de.Failed.Type)
		assert.Equal(t, "conv-1", de.Failed.CorrelationKey())
	})
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	assert.NoError(t, err)
	return data
}
