package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/flowbridge-go/channels"
	"github.com/glimte/flowbridge-go/contracts"
)

// FlowBridge turns an asynchronous flow into a synchronous request/reply
// call. Handle forwards a request into the flow's input channel and blocks
// until the flow's answer comes back over the shared broadcast output
// channel, correlated to this request and to no other caller's.
//
// Many Handle calls may run concurrently against one bridge. Each installs
// its own short-lived listener on the output channel before dispatching, so a
// response published at any point after dispatch begins cannot be missed, and
// removes it on every exit path.
type FlowBridge struct {
	input          channels.MessageChannel
	output         channels.SubscribableChannel
	timeout        time.Duration
	receiveTimeout time.Duration
	errorSink      atomic.Pointer[errorSink]
	logger         *slog.Logger
	stats          bridgeStats
}

type errorSink struct {
	channel channels.MessageChannel
}

type bridgeStats struct {
	handled         atomic.Int64
	replies         atomic.Int64
	ownFailures     atomic.Int64
	foreignFailures atomic.Int64
}

// Stats is a snapshot of bridge activity counters.
type Stats struct {
	Handled         int64
	Replies         int64
	OwnFailures     int64
	ForeignFailures int64
}

// BridgeOption configures the bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	Timeout        time.Duration
	ReceiveTimeout time.Duration
	ErrorChannel   channels.MessageChannel
	Logger         *slog.Logger
}

// WithTimeout sets the dispatch timeout.
func WithTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.Timeout = timeout
	}
}

// WithReceiveTimeout sets how long Handle waits for a response after dispatch
// returns. The in-process channels deliver responses before dispatch
// completes, so the default of zero suits them; broker-backed output channels
// deliver asynchronously and need a grace period.
func WithReceiveTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.ReceiveTimeout = timeout
	}
}

// WithErrorChannel sets the channel receiving error envelopes for dispatch
// failures that belong to this bridge's own conversations.
func WithErrorChannel(ch channels.MessageChannel) BridgeOption {
	return func(c *BridgeConfig) {
		c.ErrorChannel = ch
	}
}

// WithBridgeLogger sets the logger
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// NewFlowBridge creates a bridge between a flow's input channel and its
// shared broadcast output channel.
func NewFlowBridge(input channels.MessageChannel, output channels.SubscribableChannel, opts ...BridgeOption) (*FlowBridge, error) {
	if input == nil {
		return nil, fmt.Errorf("input channel cannot be nil")
	}
	if output == nil {
		return nil, fmt.Errorf("output channel cannot be nil")
	}

	config := &BridgeConfig{
		Timeout: 30 * time.Second,
		Logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(config)
	}

	b := &FlowBridge{
		input:          input,
		output:         output,
		timeout:        config.Timeout,
		receiveTimeout: config.ReceiveTimeout,
		logger:         config.Logger,
	}

	if config.ErrorChannel != nil {
		b.errorSink.Store(&errorSink{channel: config.ErrorChannel})
	}

	return b, nil
}

// SetErrorChannel installs the error sink after construction. The sink can be
// set at most once and is read concurrently by in-flight Handle calls.
func (b *FlowBridge) SetErrorChannel(ch channels.MessageChannel) error {
	if ch == nil {
		return fmt.Errorf("error channel cannot be nil")
	}
	if !b.errorSink.CompareAndSwap(nil, &errorSink{channel: ch}) {
		return fmt.Errorf("error channel already set")
	}
	return nil
}

// Handle sends the request into the flow and returns the correlated response.
//
// The request's own ID becomes the conversation ID for this round trip. The
// returned envelope is either the flow's normal response with the
// conversation marker popped, or an error envelope the flow routed out an
// error exit for this conversation. A nil response with a nil error means the
// flow produced nothing for this conversation, or a dispatch failure owned by
// this conversation was recovered into the error sink (or silently swallowed
// when no sink is configured). A dispatch failure owned by a different
// conversation is returned unchanged.
func (b *FlowBridge) Handle(ctx context.Context, request *contracts.Envelope) (*contracts.Envelope, error) {
	if request == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	conversationID := request.ID
	outbound := request.PushSequence(conversationID, 0, 0)

	// Subscribe before dispatching: a flow that answers synchronously
	// publishes the response during the Send call below.
	listener := newConversationListener(conversationID, b.logger)
	if err := b.output.Subscribe(conversationID, listener); err != nil {
		return nil, fmt.Errorf("failed to subscribe conversation listener: %w", err)
	}
	defer func() {
		if err := b.output.Unsubscribe(conversationID); err != nil {
			b.logger.Warn("failed to remove conversation listener",
				slog.String("conversationId", conversationID),
				slog.String("error", err.Error()))
		}
	}()

	b.stats.handled.Add(1)
	b.logger.Debug("conversation started",
		slog.String("conversationId", conversationID),
		slog.String("type", request.Type))

	if err := b.input.Send(ctx, outbound, b.timeout); err != nil {
		return b.recoverDispatchFailure(ctx, conversationID, outbound, err)
	}

	response := listener.Captured(ctx, b.receiveTimeout)
	if response == nil {
		b.logger.Debug("conversation ended without response",
			slog.String("conversationId", conversationID))
		return nil, nil
	}

	b.stats.replies.Add(1)
	return response, nil
}

// recoverDispatchFailure decides whether a failed dispatch belongs to this
// conversation. The failure's embedded envelope names its owner; a failure
// without one can only concern the request just sent.
func (b *FlowBridge) recoverDispatchFailure(ctx context.Context, conversationID string, outbound *contracts.Envelope, err error) (*contracts.Envelope, error) {
	failed := outbound
	var de *channels.DispatchError
	if errors.As(err, &de) && de.Failed != nil {
		failed = de.Failed
	}

	if failed.CorrelationKey() != conversationID {
		// Some other in-flight conversation's failure surfaced through our
		// dispatch call. Hand it back untouched so its owner can claim it.
		b.stats.foreignFailures.Add(1)
		b.logger.Debug("dispatch failure belongs to another conversation",
			slog.String("conversationId", conversationID),
			slog.String("owner", failed.CorrelationKey()))
		return nil, err
	}

	b.stats.ownFailures.Add(1)
	sink := b.errorSink.Load()
	if sink == nil {
		b.logger.Debug("dispatch failed with no error channel configured",
			slog.String("conversationId", conversationID),
			slog.String("error", err.Error()))
		return nil, nil
	}

	errEnv := contracts.NewErrorEnvelope(err.Error(), "bridge", failed).
		WithHeader(contracts.HeaderOutputPort, contracts.PortBridgeError)

	// Deliver even when the dispatch failed because ctx was cancelled.
	sinkCtx := context.WithoutCancel(ctx)
	if sendErr := sink.channel.Send(sinkCtx, errEnv, b.timeout); sendErr != nil {
		b.logger.Error("failed to deliver error envelope",
			slog.String("conversationId", conversationID),
			slog.String("error", sendErr.Error()))
	}
	return nil, nil
}

// Handler adapts the bridge to channels.MessageHandler so it can serve a
// request channel directly, forwarding responses to the given reply channel.
// Several bridges subscribed to one direct channel form a pool; a foreign
// dispatch failure re-raised by one member propagates through the request
// channel to the sender that owns it.
func (b *FlowBridge) Handler(replies channels.MessageChannel) channels.MessageHandler {
	return channels.MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		response, err := b.Handle(ctx, env)
		if err != nil {
			return err
		}
		if response == nil || replies == nil {
			return nil
		}
		return replies.Send(ctx, response, b.timeout)
	})
}

// Stats returns a snapshot of bridge activity counters.
func (b *FlowBridge) Stats() Stats {
	return Stats{
		Handled:         b.stats.handled.Load(),
		Replies:         b.stats.replies.Load(),
		OwnFailures:     b.stats.ownFailures.Load(),
		ForeignFailures: b.stats.foreignFailures.Load(),
	}
}
