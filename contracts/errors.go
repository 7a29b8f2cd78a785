package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TypeError is the envelope type assigned to error envelopes.
const TypeError = "flow.error"

// Failure describes an error raised while processing an envelope. Failed
// holds the envelope that was being processed when the error occurred; its
// correlation key identifies which conversation the failure belongs to.
type Failure struct {
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	Failed    *Envelope `json:"failed,omitempty"`
}

// GetError returns the failure as an error value.
func (f *Failure) GetError() error {
	if f.Component != "" {
		return fmt.Errorf("%s: %s", f.Component, f.Message)
	}
	return fmt.Errorf("%s", f.Message)
}

// NewErrorEnvelope creates an error envelope wrapping a failure. The envelope
// gets a fresh identity and no correlation ID of its own: consumers correlate
// it through the embedded failed envelope, never through the error envelope
// itself.
func NewErrorEnvelope(message, component string, failed *Envelope) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      TypeError,
		Timestamp: time.Now().UTC(),
		Failure: &Failure{
			Message:   message,
			Component: component,
			Failed:    failed,
		},
	}
}
