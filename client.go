// Copyright 2025 Flowbridge Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flowbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/flowbridge-go/bridge"
	"github.com/glimte/flowbridge-go/channels"
	"github.com/glimte/flowbridge-go/contracts"
	"github.com/glimte/flowbridge-go/flow"
)

const flowSubscriptionID = "flow"

// Client wires a flow, its channels, and a request/reply bridge into one
// ready-to-use unit: requests go in through Request, the flow's answers come
// back as return values.
type Client struct {
	input  *channels.DirectChannel
	output *channels.PublishSubscribeChannel
	flow   *flow.Flow
	bridge *bridge.FlowBridge
	logger *slog.Logger
}

// clientConfig holds client configuration
type clientConfig struct {
	name           string
	timeout        time.Duration
	receiveTimeout time.Duration
	outputPort     string
	errorPort      string
	errorSink      channels.MessageChannel
	logger         *slog.Logger
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithServiceName names the flow and its channels.
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.name = name
	}
}

// WithTimeout sets the dispatch timeout for requests.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = timeout
	}
}

// WithReceiveTimeout sets how long a request waits for a late response after
// dispatch returns. Only needed when the output channel delivers
// asynchronously, such as over a broker.
func WithReceiveTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.receiveTimeout = timeout
	}
}

// WithOutputPort sets the port name stamped on the flow's responses.
func WithOutputPort(port string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.outputPort = port
	}
}

// WithErrorExit binds the flow's error exit to the given port: stage failures
// come back as error envelope responses instead of vanishing into the
// dispatch failure path.
func WithErrorExit(port string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.errorPort = port
	}
}

// WithErrorSink sets the channel receiving error envelopes for dispatch
// failures owned by this client's requests.
func WithErrorSink(sink channels.MessageChannel) ClientOption {
	return func(cfg *clientConfig) {
		cfg.errorSink = sink
	}
}

// NewClient assembles an in-process flow with a request/reply bridge in
// front of it. Add stages with AddStage before sending requests.
func NewClient(options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		name:    "flowbridge",
		timeout: 30 * time.Second,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	input := channels.NewDirectChannel(cfg.name+".input", channels.WithLogger(cfg.logger))
	output := channels.NewPublishSubscribeChannel(cfg.name+".output", channels.WithLogger(cfg.logger))

	flowOpts := []flow.FlowOption{flow.WithLogger(cfg.logger)}
	if cfg.outputPort != "" {
		flowOpts = append(flowOpts, flow.WithOutputPort(cfg.outputPort))
	}
	if cfg.errorPort != "" {
		flowOpts = append(flowOpts, flow.WithErrorExit(cfg.errorPort))
	}

	f, err := flow.NewFlow(cfg.name, output, flowOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow: %w", err)
	}
	if err := input.Subscribe(flowSubscriptionID, f); err != nil {
		return nil, fmt.Errorf("failed to attach flow to input channel: %w", err)
	}

	bridgeOpts := []bridge.BridgeOption{
		bridge.WithTimeout(cfg.timeout),
		bridge.WithBridgeLogger(cfg.logger),
	}
	if cfg.receiveTimeout > 0 {
		bridgeOpts = append(bridgeOpts, bridge.WithReceiveTimeout(cfg.receiveTimeout))
	}
	if cfg.errorSink != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithErrorChannel(cfg.errorSink))
	}

	b, err := bridge.NewFlowBridge(input, output, bridgeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	return &Client{
		input:  input,
		output: output,
		flow:   f,
		bridge: b,
		logger: cfg.logger,
	}, nil
}

// AddStage appends a named processing stage to the flow.
func (c *Client) AddStage(name string, processor flow.Processor) *Client {
	c.flow.AddStage(name, processor)
	return c
}

// Request marshals the payload into an envelope and round trips it through
// the flow, returning the correlated response.
func (c *Client) Request(ctx context.Context, messageType string, payload interface{}) (*contracts.Envelope, error) {
	var body json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = data
	}
	return c.bridge.Handle(ctx, contracts.NewEnvelope(messageType, body))
}

// Handle round trips an already-built envelope through the flow.
func (c *Client) Handle(ctx context.Context, request *contracts.Envelope) (*contracts.Envelope, error) {
	return c.bridge.Handle(ctx, request)
}

// Bridge returns the request/reply bridge.
func (c *Client) Bridge() *bridge.FlowBridge {
	return c.bridge
}

// Flow returns the flow served by this client.
func (c *Client) Flow() *flow.Flow {
	return c.flow
}

// Input returns the flow's input channel.
func (c *Client) Input() *channels.DirectChannel {
	return c.input
}

// Output returns the shared broadcast output channel.
func (c *Client) Output() *channels.PublishSubscribeChannel {
	return c.output
}

// Close detaches the flow from its input channel.
func (c *Client) Close() error {
	if err := c.input.Unsubscribe(flowSubscriptionID); err != nil {
		return fmt.Errorf("failed to detach flow: %w", err)
	}
	return nil
}
