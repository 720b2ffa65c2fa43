// Package correlate matches asynchronous tool responses back to the
// requests that produced them.
//
// Begin sends a tool_request with a fresh request id and returns a
// buffered channel that receives exactly one Outcome: the correlated
// response, a timeout, or a connection failure. Resolution is
// at-most-once; late or duplicate responses are logged and discarded.
// Waiting on one pending request never blocks any other.
package correlate
