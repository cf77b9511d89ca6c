// Package command sends requests over connections and routes the replies.
//
// Send returns a future that completes with the peer's Outcome. Requests
// are correlated by the envelope ID. Every request carries a timeout,
// 10 seconds unless overridden with WithTimeout, enforced by a timer on the
// injected clock. Sending to a CVID that is not established fails at once
// with errors.ErrNoSuchConnection. When a connection is lost or closed,
// requests still waiting on it fail with errors.ErrConnectionLost.
//
// HandleMessage is installed as the connection store's message handler.
// Responses complete pending requests; requests are passed to the
// RequestHandler, normally the exelet store, and answered with its Outcome
// once that completes; the incoming worker does not wait for it.
package command
