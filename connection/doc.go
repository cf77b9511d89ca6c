// Package connection manages the lifecycle of transport connections.
//
// Connect returns a Connection in StatusConnecting and dials on the
// outgoing pool. The state machine is:
//
//	CONNECTING  -> ESTABLISHED   dial succeeded; CVID assigned and indexed
//	CONNECTING  -> DISCONNECTED  dial failed or timed out; never retried here
//	CONNECTING  -> CLOSED        Close before the dial finished
//	ESTABLISHED -> CLOSED        Close or Store.Close(cvid)
//	ESTABLISHED -> LOST          the transport ended without Close
//
// CLOSED, LOST and DISCONNECTED are terminal. Every transition out of
// ESTABLISHED removes the connection from the CVID index and its document
// from the /connection collection, then publishes an Event on the
// connection bus. Inbound envelopes are handed to the message handler on
// the incoming pool.
package connection
