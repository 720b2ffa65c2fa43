// Package envelope defines the wire protocol shared by the hub, agents,
// and UI clients.
//
// An Envelope is a discriminated union: the Type tag names the message
// kind and exactly one payload field is set. Decode validates that the
// tag is known and its payload is present, so downstream code can
// dereference the variant without nil checks.
//
// Message kinds:
//
//   - tool_request / tool_response: correlated tool invocations
//   - register_agent: an agent's capability card handshake
//   - register_ui: a UI client's authenticated handshake
//   - ui_event / ui_render: UI actions and rendered output
//   - agent_joined, retry_notice, error: hub-originated notices
//
// A tool_response error omitting the retryable flag is retryable: the
// transport delivered the call, only the operation failed.
package envelope
