// Package contracts provides the envelope and failure types shared by every
// part of the flowbridge framework.
//
// An Envelope wraps a payload with identity, correlation, and routing
// metadata. Envelopes are value-oriented: mutating helpers (Clone, WithHeader,
// PushSequence, PopSequence, Derive) return copies, so an envelope already in
// flight is never changed underneath a consumer.
//
// Correlation follows one rule everywhere: CorrelationKey returns the explicit
// correlation ID when present and the envelope's own ID otherwise, making an
// uncorrelated envelope its own correlation key.
//
// Error envelopes carry a Failure payload whose Failed field references the
// envelope being processed when the error occurred. Consumers correlate error
// envelopes through that embedded envelope, not through the error envelope's
// own identity.
package contracts
