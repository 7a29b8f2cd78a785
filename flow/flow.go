package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/flowbridge-go/channels"
	"github.com/glimte/flowbridge-go/contracts"
)

// DefaultOutputPort is the port name stamped on responses when none is
// configured.
const DefaultOutputPort = "output"

// Processor is one step of a flow. It receives the current envelope and
// returns its successor. Returning nil without an error filters the envelope
// out: the flow produces no response for it.
type Processor interface {
	Process(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error)
}

// ProcessorFunc is a function adapter for Processor
type ProcessorFunc func(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error)

// Process implements Processor
func (f ProcessorFunc) Process(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	return f(ctx, env)
}

type stage struct {
	name      string
	processor Processor
}

// Flow runs envelopes through an ordered sequence of processors and publishes
// the outcome on its output channel, tagged with the port it left through.
//
// A stage failure is routed out the error exit when one is bound: the flow
// publishes an error envelope referencing the envelope that failed, tagged
// with the error port, and the inbound delivery still counts as successful.
// Without an error exit the failure propagates to the sender as a dispatch
// failure carrying the in-flight envelope.
//
// Flow implements channels.MessageHandler, so subscribing it to a channel
// wires that channel up as the flow's input.
type Flow struct {
	name        string
	stages      []stage
	output      channels.MessageChannel
	outputPort  string
	errorPort   string
	sendTimeout time.Duration
	logger      *slog.Logger
}

// FlowOption configures a Flow
type FlowOption func(*Flow)

// WithOutputPort sets the port name stamped on normal responses.
func WithOutputPort(port string) FlowOption {
	return func(f *Flow) {
		f.outputPort = port
	}
}

// WithErrorExit binds an error exit: stage failures are published on the
// output channel as error envelopes tagged with the given port instead of
// propagating to the sender.
func WithErrorExit(port string) FlowOption {
	return func(f *Flow) {
		f.errorPort = port
	}
}

// WithSendTimeout bounds publishing a response to the output channel.
func WithSendTimeout(timeout time.Duration) FlowOption {
	return func(f *Flow) {
		f.sendTimeout = timeout
	}
}

// WithLogger sets the flow logger.
func WithLogger(logger *slog.Logger) FlowOption {
	return func(f *Flow) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFlow creates a flow publishing to the given output channel.
func NewFlow(name string, output channels.MessageChannel, options ...FlowOption) (*Flow, error) {
	if name == "" {
		return nil, fmt.Errorf("flow name cannot be empty")
	}
	if output == nil {
		return nil, fmt.Errorf("output channel cannot be nil")
	}

	f := &Flow{
		name:       name,
		output:     output,
		outputPort: DefaultOutputPort,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(f)
	}

	return f, nil
}

// AddStage appends a named processing stage. Stages run in the order added.
func (f *Flow) AddStage(name string, processor Processor) *Flow {
	f.stages = append(f.stages, stage{name: name, processor: processor})
	return f
}

// Name returns the flow name
func (f *Flow) Name() string {
	return f.name
}

// OnMessage runs the envelope through all stages and publishes the result.
func (f *Flow) OnMessage(ctx context.Context, env *contracts.Envelope) error {
	current := env

	for _, s := range f.stages {
		next, err := s.processor.Process(ctx, current)
		if err != nil {
			return f.handleStageFailure(ctx, s.name, current, err)
		}
		if next == nil {
			f.logger.Debug("envelope filtered out",
				slog.String("flow", f.name),
				slog.String("stage", s.name),
				slog.String("messageId", current.ID))
			return nil
		}
		current = carryCorrelation(current, next)
	}

	response := current.WithHeader(contracts.HeaderOutputPort, f.outputPort)
	return f.output.Send(ctx, response, f.sendTimeout)
}

func (f *Flow) handleStageFailure(ctx context.Context, stageName string, failed *contracts.Envelope, err error) error {
	if f.errorPort == "" {
		return &channels.DispatchError{
			Channel: f.name,
			Failed:  failed,
			Err:     fmt.Errorf("stage %s failed: %w", stageName, err),
		}
	}

	f.logger.Debug("stage failed, routing to error exit",
		slog.String("flow", f.name),
		slog.String("stage", stageName),
		slog.String("port", f.errorPort),
		slog.String("error", err.Error()))

	errEnv := contracts.NewErrorEnvelope(err.Error(), stageName, failed).
		WithHeader(contracts.HeaderOutputPort, f.errorPort).
		WithHeader(contracts.HeaderSource, f.name)

	if sendErr := f.output.Send(ctx, errEnv, f.sendTimeout); sendErr != nil {
		f.logger.Error("failed to publish on error exit",
			slog.String("flow", f.name),
			slog.String("port", f.errorPort),
			slog.String("error", sendErr.Error()))
		return sendErr
	}
	return nil
}

// carryCorrelation keeps a conversation matchable across stages: a stage that
// produced a fresh, uncorrelated envelope inherits the marker of the envelope
// it consumed.
func carryCorrelation(from, to *contracts.Envelope) *contracts.Envelope {
	if to.CorrelationID != "" || from.CorrelationID == "" {
		return to
	}
	c := to.Clone()
	c.CorrelationID = from.CorrelationID
	c.SequenceNumber = from.SequenceNumber
	c.SequenceSize = from.SequenceSize
	if from.SequenceStack != nil {
		c.SequenceStack = make([]contracts.SequenceDetail, len(from.SequenceStack))
		copy(c.SequenceStack, from.SequenceStack)
	}
	return c
}
