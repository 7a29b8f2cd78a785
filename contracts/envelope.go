package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Header keys stamped onto envelopes by the flow runtime.
const (
	// HeaderOutputPort names the flow exit that produced a response.
	HeaderOutputPort = "x-flow-output-port"

	// HeaderSource identifies the component that created the envelope.
	HeaderSource = "x-flow-source"
)

// PortBridgeError is the output port value used for error envelopes raised by
// the bridge's own dispatch path. Errors routed out of a flow's error exit
// carry the exit's configured port name instead, so the two origins stay
// distinguishable to consumers.
const PortBridgeError = "bridge-error"

// SequenceDetail is a saved correlation marker. PushSequence stores the
// envelope's current marker here before replacing it; PopSequence restores it.
type SequenceDetail struct {
	CorrelationID string `json:"correlationId"`
	Number        int    `json:"number"`
	Size          int    `json:"size"`
}

// Envelope wraps a payload with identity, correlation, and routing metadata.
// Envelopes are treated as immutable: methods that change state return a copy,
// so an envelope already handed to a channel is never mutated in place.
type Envelope struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Timestamp      time.Time              `json:"timestamp"`
	CorrelationID  string                 `json:"correlationId,omitempty"`
	SequenceNumber int                    `json:"sequenceNumber,omitempty"`
	SequenceSize   int                    `json:"sequenceSize,omitempty"`
	SequenceStack  []SequenceDetail       `json:"sequenceStack,omitempty"`
	Headers        map[string]interface{} `json:"headers,omitempty"`
	Body           json.RawMessage        `json:"body,omitempty"`
	Failure        *Failure               `json:"failure,omitempty"`
}

// NewEnvelope creates an envelope with a generated ID and current timestamp.
func NewEnvelope(messageType string, body json.RawMessage) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Body:      body,
	}
}

// CorrelationKey returns the envelope's correlation ID, falling back to the
// envelope's own ID when none was set. An envelope without an explicit
// correlation ID is its own correlation key.
func (e *Envelope) CorrelationKey() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.ID
}

// IsError reports whether the envelope carries a failure payload.
func (e *Envelope) IsError() bool {
	return e.Failure != nil
}

// Header returns the named header value.
func (e *Envelope) Header(key string) (interface{}, bool) {
	if e.Headers == nil {
		return nil, false
	}
	v, ok := e.Headers[key]
	return v, ok
}

// Clone returns a copy of the envelope. Headers and the sequence stack are
// copied so changes to the clone never leak into the original.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Headers != nil {
		c.Headers = make(map[string]interface{}, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	if e.SequenceStack != nil {
		c.SequenceStack = make([]SequenceDetail, len(e.SequenceStack))
		copy(c.SequenceStack, e.SequenceStack)
	}
	return &c
}

// WithCorrelationID returns a copy with the correlation ID set.
func (e *Envelope) WithCorrelationID(correlationID string) *Envelope {
	c := e.Clone()
	c.CorrelationID = correlationID
	return c
}

// WithHeader returns a copy with the given header set.
func (e *Envelope) WithHeader(key string, value interface{}) *Envelope {
	c := e.Clone()
	if c.Headers == nil {
		c.Headers = make(map[string]interface{}, 1)
	}
	c.Headers[key] = value
	return c
}

// PushSequence returns a copy whose current correlation marker is saved on the
// sequence stack and replaced by the given one. An envelope with no current
// correlation ID has nothing to save, so only the new marker is applied.
func (e *Envelope) PushSequence(correlationID string, number, size int) *Envelope {
	c := e.Clone()
	if c.CorrelationID != "" {
		c.SequenceStack = append(c.SequenceStack, SequenceDetail{
			CorrelationID: c.CorrelationID,
			Number:        c.SequenceNumber,
			Size:          c.SequenceSize,
		})
	}
	c.CorrelationID = correlationID
	c.SequenceNumber = number
	c.SequenceSize = size
	return c
}

// PopSequence returns a copy with the current correlation marker removed and
// the previous one, if any, restored from the sequence stack. Popping with an
// empty stack clears the marker entirely, returning the envelope to its
// pre-push correlation state.
func (e *Envelope) PopSequence() *Envelope {
	c := e.Clone()
	if n := len(c.SequenceStack); n > 0 {
		top := c.SequenceStack[n-1]
		c.SequenceStack = c.SequenceStack[:n-1]
		if len(c.SequenceStack) == 0 {
			c.SequenceStack = nil
		}
		c.CorrelationID = top.CorrelationID
		c.SequenceNumber = top.Number
		c.SequenceSize = top.Size
		return c
	}
	c.CorrelationID = ""
	c.SequenceNumber = 0
	c.SequenceSize = 0
	return c
}

// Derive creates a response envelope from this one: fresh identity and
// timestamp, with the correlation marker, sequence stack, and headers carried
// over so the response stays matchable to the originating conversation.
func (e *Envelope) Derive(messageType string, body json.RawMessage) *Envelope {
	c := e.Clone()
	c.ID = uuid.New().String()
	c.Type = messageType
	c.Timestamp = time.Now().UTC()
	c.Body = body
	c.Failure = nil
	return c
}
