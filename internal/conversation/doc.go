// Package conversation implements the Re-Act loop that turns a user chat
// message into a final answer.
//
// # Overview
//
// The Engine sits between the UI layer and the tool dispatcher. Each call to
// Run seeds a turn list with the system prompt, recent persisted history, and
// the new user message, then alternates between model completions and tool
// execution until the model answers without requesting tools or the turn
// budget runs out.
//
// # Turn structure
//
// Within a single turn the model may request any number of tool calls.
// Multiple calls fan out in parallel and the loop waits for all of them
// before the next model call; each outcome is folded back into the turn list
// tagged with its originating call id, matched by id and never by position.
//
// # Failure discipline
//
// Transient model-provider errors are retried with exponential backoff;
// fatal ones (bad credentials, unknown model) abort with a user-facing
// message. Tool failures become tool-result turns the model can react to,
// plus an immediate UI alert. The loop itself never crashes on a tool or
// model failure, and it tolerates a closed UI session by finishing its
// bookkeeping with further renders suppressed.
package conversation
