// Package message defines the request/response envelope exchanged with the
// server and the Outcome every command resolves to.
//
// Requests carry a UUID correlation ID; the matching response reuses it.
// The JSON form is an internal detail of the bundled transports and is not a
// compatibility contract.
package message
