package channels

import (
	"errors"
	"fmt"

	"github.com/glimte/flowbridge-go/contracts"
)

var (
	// ErrNoHandler is returned when a send finds no subscribed handler.
	ErrNoHandler = errors.New("no handler subscribed")

	// ErrSendTimeout is returned when a send does not complete in time.
	ErrSendTimeout = errors.New("send timed out")

	// ErrReceiveTimeout is returned when a receive does not complete in time.
	ErrReceiveTimeout = errors.New("receive timed out")
)

// DispatchError reports a failed send. Failed carries the envelope whose
// processing raised the error; its correlation key identifies the
// conversation the failure belongs to, which may differ from the envelope
// originally handed to Send when the failure surfaced from a nested channel.
type DispatchError struct {
	Channel string
	Failed  *contracts.Envelope
	Err     error
}

// Error implements the error interface
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch on channel %s failed: %v", e.Channel, e.Err)
}

// Unwrap returns the underlying error
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// wrapDispatch converts a handler error into a DispatchError for the given
// channel and envelope. An error that already is a DispatchError passes
// through untouched so the envelope it originally failed on keeps flowing
// upward to whoever owns that conversation.
func wrapDispatch(channel string, env *contracts.Envelope, err error) error {
	var de *DispatchError
	if errors.As(err, &de) {
		return err
	}
	return &DispatchError{Channel: channel, Failed: env, Err: err}
}
