// ABOUTME: Language model abstraction for the conversation loop.
// ABOUTME: Providers translate conversation turns plus a tool catalog into completions.

package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/2389/agenthub/internal/envelope"
)

// Role tags one conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one structured tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Turn is one exchange in the conversation: a system/user/assistant message
// or a tool-result message. Tool-result turns carry the originating call's
// identifier so the model can correlate results to calls.
type Turn struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall // assistant turns that requested tools
	ToolCallID string     // tool turns: id of the call this result answers
}

// Completion is the model's answer: either final text or a set of tool calls.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
}

// Model is the opaque language-model capability the hub consumes: given a
// message history and a tool catalog, it returns either a final textual
// answer or structured tool invocation requests. Calls may block; always
// invoke under a context.
type Model interface {
	Complete(ctx context.Context, turns []Turn, catalog []envelope.Skill) (*Completion, error)
	Info() Info
}

// Info identifies a model implementation.
type Info struct {
	Name     string
	Provider string
}

// transientMarkers are substrings of provider error text that indicate a
// failure worth retrying: server overload, rate limits, gateway and
// timeout conditions.
var transientMarkers = []string{
	"overloaded",
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
	"529",
	"bad gateway",
	"gateway timeout",
	"service unavailable",
	"timeout",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"temporary failure",
}

// fatalMarkers indicate provider errors no retry can fix: bad credentials
// or a model that does not exist.
var fatalMarkers = []string{
	"401",
	"403",
	"unauthorized",
	"authentication",
	"invalid api key",
	"invalid x-api-key",
	"permission denied",
	"model not found",
	"model_not_found",
	"unknown model",
	"does not exist",
}

// IsTransient reports whether a provider error should be retried with
// backoff. Fatal markers win when both match.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// schemaToMap converts a skill's JSON schema into the map form the provider
// SDKs expect. A missing or malformed schema degrades to a bare object.
func schemaToMap(schema json.RawMessage) map[string]any {
	params := map[string]any{"type": "object"}
	if len(schema) == 0 {
		return params
	}
	var parsed map[string]any
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return params
	}
	return parsed
}
