// Package bridge provides synchronous request-response over an asynchronous
// flow whose responses come back on a shared broadcast channel.
//
// A FlowBridge fronts a flow: Handle forwards the request into the flow's
// input channel and blocks until the flow's answer arrives on the output
// channel. The output channel is shared by every concurrent caller, so each
// Handle call installs its own conversation-scoped listener before
// dispatching and filters the broadcast traffic down to its own response.
//
// Key features:
//   - Blocking Handle call with dispatch timeout and context cancellation
//   - Subscribe-before-dispatch, unsubscribe on every exit path
//   - Response matching by correlation key; error envelopes matched through
//     their embedded failed envelope
//   - Dispatch failures classified as own or foreign: own failures are
//     recovered into an optional error channel, foreign ones re-raised
//     unchanged for the conversation that owns them
//
// Basic usage:
//
//	b, err := bridge.NewFlowBridge(input, output, bridge.WithTimeout(10*time.Second))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	response, err := b.Handle(ctx, request)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// A nil response with a nil error means the flow produced nothing for this
// conversation, or an owned dispatch failure was recovered into the error
// channel (silently, when none is configured).
package bridge
