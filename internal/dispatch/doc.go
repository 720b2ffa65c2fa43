// Package dispatch routes one tool call to the agent that owns it and
// applies the retry policy.
//
// Failures split into two classes. Caller errors (unknown tool, the
// agent vanished) fail immediately and are never retried. Retryable
// failures (timeouts, dead connections, tool business errors) are
// re-attempted with exponential backoff up to the configured maximum,
// with a retry_notice broadcast before each re-attempt so UI sessions
// are not left waiting silently.
package dispatch
