// ABOUTME: Wire-level envelope types for hub <-> agent and hub <-> UI traffic.
// ABOUTME: A tagged JSON union with one payload struct per message kind.

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType indicates a decoded envelope carried an unrecognized type tag.
var ErrUnknownType = errors.New("unknown envelope type")

// ErrMissingPayload indicates the envelope's type tag had no matching payload.
var ErrMissingPayload = errors.New("missing envelope payload")

// Type discriminates envelope variants on the wire.
type Type string

const (
	TypeToolRequest   Type = "tool_request"
	TypeToolResponse  Type = "tool_response"
	TypeUIEvent       Type = "ui_event"
	TypeUIRender      Type = "ui_render"
	TypeRegisterAgent Type = "register_agent"
	TypeRegisterUI    Type = "register_ui"
	TypeAgentJoined   Type = "agent_joined"
	TypeRetryNotice   Type = "retry_notice"
	TypeError         Type = "error"
)

// Method values carried by tool_request envelopes.
const (
	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"
)

// Envelope is the wire message. Exactly one payload field is set, selected by Type.
type Envelope struct {
	Type Type `json:"type"`

	ToolRequest   *ToolRequest   `json:"tool_request,omitempty"`
	ToolResponse  *ToolResponse  `json:"tool_response,omitempty"`
	UIEvent       *UIEvent       `json:"ui_event,omitempty"`
	UIRender      *UIRender      `json:"ui_render,omitempty"`
	RegisterAgent *RegisterAgent `json:"register_agent,omitempty"`
	RegisterUI    *RegisterUI    `json:"register_ui,omitempty"`
	AgentJoined   *AgentJoined   `json:"agent_joined,omitempty"`
	RetryNotice   *RetryNotice   `json:"retry_notice,omitempty"`
	Error         *ErrorNotice   `json:"error,omitempty"`
}

// ToolRequest asks an agent to run a tool (or list its tools).
type ToolRequest struct {
	RequestID string     `json:"request_id"`
	Method    string     `json:"method"`
	Params    CallParams `json:"params"`
}

// CallParams carries the tool name and its JSON-encoded arguments.
type CallParams struct {
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResponse is an agent's answer to one ToolRequest, correlated by RequestID.
// Exactly one of Result or Error is set.
type ToolResponse struct {
	RequestID   string          `json:"request_id"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ToolError      `json:"error,omitempty"`
	UIFragments []UIFragment    `json:"ui_fragments,omitempty"`
}

// ToolError describes a failed tool execution. Retryable marks transient
// failures the hub may re-attempt; a tool that omits the flag gets the
// default: the transport succeeded, the operation failed, so retry.
type ToolError struct {
	Message   string `json:"message"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// IsRetryable reports whether the hub may re-attempt the call.
func (e *ToolError) IsRetryable() bool {
	return e == nil || e.Retryable == nil || *e.Retryable
}

// BoolPtr is a convenience for setting the Retryable flag explicitly.
func BoolPtr(b bool) *bool { return &b }

// UIFragment is an opaque renderable unit produced by a tool.
type UIFragment struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// UIEvent is an action sent by a UI client, dispatched by its Action tag.
type UIEvent struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// ChatMessage is the UIEvent payload for the "chat_message" action.
// MessageID is a client-chosen nonce identifying one send; redeliveries of
// the same send reuse it, while a user repeating the same text mints a
// fresh one.
type ChatMessage struct {
	Text      string `json:"text"`
	ChatID    string `json:"chat_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// UIRender is a fire-and-forget push of components to a UI session.
type UIRender struct {
	Components []UIFragment `json:"components"`
	// Alert carries an immediately-surfaced failure message rather than a
	// batched result.
	Alert string `json:"alert,omitempty"`
	// Final marks the conversation loop's final answer.
	Final bool `json:"final,omitempty"`
	// Text carries a plain-text message when no structured components exist.
	Text string `json:"text,omitempty"`
}

// RegisterAgent must be the first message an agent connection sends.
type RegisterAgent struct {
	Card CapabilityCard `json:"capability_card"`
}

// CapabilityCard describes one agent and the tools it exposes.
type CapabilityCard struct {
	AgentID     string  `json:"agent_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Skills      []Skill `json:"skills"`
}

// Skill is one named, schema-described tool on a capability card.
type Skill struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// RegisterUI must be the first message a UI connection sends.
type RegisterUI struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id,omitempty"`
}

// AgentJoined is a best-effort notice pushed to UI sessions on registration.
type AgentJoined struct {
	AgentID string   `json:"agent_id"`
	Name    string   `json:"name"`
	Tools   []string `json:"tools"`
}

// RetryNotice is a best-effort progress notice while a tool call is retried.
type RetryNotice struct {
	Tool        string `json:"tool"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
}

// ErrorNotice reports a handshake or request failure to a client without
// closing the connection.
type ErrorNotice struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("%w: empty type tag", ErrUnknownType)
	}
	return json.Marshal(env)
}

// Decode parses a wire message and validates the type tag matches a payload.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	var ok bool
	switch env.Type {
	case TypeToolRequest:
		ok = env.ToolRequest != nil
	case TypeToolResponse:
		ok = env.ToolResponse != nil
	case TypeUIEvent:
		ok = env.UIEvent != nil
	case TypeUIRender:
		ok = env.UIRender != nil
	case TypeRegisterAgent:
		ok = env.RegisterAgent != nil
	case TypeRegisterUI:
		ok = env.RegisterUI != nil
	case TypeAgentJoined:
		ok = env.AgentJoined != nil
	case TypeRetryNotice:
		ok = env.RetryNotice != nil
	case TypeError:
		ok = env.Error != nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if !ok {
		return nil, fmt.Errorf("%w: type %q", ErrMissingPayload, env.Type)
	}
	return &env, nil
}
