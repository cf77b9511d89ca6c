// Package errors provides standardized error handling for the agent control plane.
//
// # Error Classification
//
// Errors fall into three classes:
//
//   - Transient: connect or command timeouts, link loss, persistence hiccups (retry)
//   - Invalid: malformed OIDs, missing children, unknown connections (do not retry)
//   - Fatal: store misuse, unknown pools, bad configuration (programmer error)
//
// # Sentinels
//
// The control plane reports its failure taxonomy through sentinel variables so
// callers can match with errors.Is regardless of how much context was added:
//
//	if errors.Is(err, errors.ErrNoSuchConnection) {
//	    // the CVID was never established or already closed
//	}
//
// # Wrapping Pattern
//
// All wrapping follows "component.method: action failed: %w":
//
//	return errors.WrapTransient(err, "ConnectionStore", "Connect", "dial transport")
//
// Authentication failure is deliberately absent from this package: it is an
// Outcome with Success=false, not an error.
package errors
