// Package errors provides the error handling conventions shared by every
// pipeline component.
//
// Errors are classified into three classes that drive handling policy:
//
//   - Transient: temporary faults (broker unreachable, timeouts, rate
//     limits) that a caller may retry.
//   - Invalid: bad input (malformed messages, unparseable payloads) that
//     will never succeed on retry.
//   - Fatal: unrecoverable conditions (bad configuration) that should stop
//     the component.
//
// Components wrap errors at the boundary where they occur:
//
//	return errors.WrapTransient(err, "Relay", "Publish", "stream ack")
//
// which yields "Relay.Publish: stream ack failed: <cause>" and preserves the
// cause chain for errors.Is/errors.As. The sink capability uses
// errors.IsTransient to decide whether an issue-tracker failure is worth
// retrying.
package errors
