// Package flow provides a small pipeline runner: envelopes enter, pass
// through an ordered sequence of processors, and leave through a named output
// port on the flow's output channel.
//
// Stage failures either leave through a bound error exit as error envelopes,
// tagged with the exit's port, or propagate back to the sender as dispatch
// failures when no exit is configured. Correlation markers are carried from
// stage to stage automatically, so responses stay matchable to the request
// that produced them.
package flow
