// ABOUTME: Integration-style tests for the hub over real websockets
// ABOUTME: Covers agent handshake, UI auth retry, chat flow, and dedupe

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agenthub/internal/agent"
	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/config"
	"github.com/2389/agenthub/internal/conversation"
	"github.com/2389/agenthub/internal/correlate"
	"github.com/2389/agenthub/internal/dispatch"
	"github.com/2389/agenthub/internal/envelope"
	"github.com/2389/agenthub/internal/llm"
	"github.com/2389/agenthub/internal/store"
)

// scriptedModel replays a fixed sequence of completions.
type scriptedModel struct {
	mu    sync.Mutex
	steps []*llm.Completion
	calls int
}

func (m *scriptedModel) Complete(_ context.Context, _ []llm.Turn, _ []envelope.Skill) (*llm.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.steps) == 0 {
		return &llm.Completion{Text: "out of script"}, nil
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	return step, nil
}

func (m *scriptedModel) Info() llm.Info { return llm.Info{Name: "scripted", Provider: "test"} }

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// memHistory is a minimal in-memory HistoryStore.
type memHistory struct {
	mu    sync.Mutex
	turns map[string][]store.ChatTurn
}

func (h *memHistory) Append(_ context.Context, chatID, role, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.turns == nil {
		h.turns = make(map[string][]store.ChatTurn)
	}
	h.turns[chatID] = append(h.turns[chatID], store.ChatTurn{ChatID: chatID, Role: role, Content: content})
	return nil
}

func (h *memHistory) Recent(_ context.Context, chatID string, limit int) ([]store.ChatTurn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := h.turns[chatID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]store.ChatTurn, len(all))
	copy(out, all)
	return out, nil
}

func (h *memHistory) Close() error { return nil }

type testHub struct {
	hub       *Hub
	server    *httptest.Server
	registry  *agent.Registry
	model     *scriptedModel
	validator *auth.JWTValidator
}

func newTestHub(t *testing.T, model *scriptedModel) *testHub {
	t.Helper()
	logger := slog.Default()

	registry := agent.NewRegistry(logger)
	table := correlate.NewTable(2*time.Second, logger)
	sessions := NewSessions(logger)
	registry.SetNotifier(sessions)

	dispatcher := dispatch.New(registry, table, dispatch.Config{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
	}, logger)
	dispatcher.SetNotifier(sessions)

	history := &memHistory{}
	engine := conversation.New(model, dispatcher, registry, history, sessions, conversation.Config{
		ModelBackoff: time.Millisecond,
	}, logger)

	validator := auth.NewJWTValidator([]byte("test-secret"))

	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
	}
	h := New(cfg, registry, table, sessions, engine, history, validator, logger)

	server := httptest.NewServer(h.Handler())
	t.Cleanup(server.Close)
	t.Cleanup(func() { h.dedupe.Close() })

	return &testHub{hub: h, server: server, registry: registry, model: model, validator: validator}
}

func (th *testHub) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(th.server.URL, "http") + path
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, env *envelope.Envelope) {
	t.Helper()
	data, err := envelope.Encode(env)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *envelope.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := envelope.Decode(data)
	require.NoError(t, err)
	return env
}

func registerAgent(t *testing.T, ws *websocket.Conn, agentID string, skills ...envelope.Skill) {
	t.Helper()
	sendEnvelope(t, ws, &envelope.Envelope{
		Type: envelope.TypeRegisterAgent,
		RegisterAgent: &envelope.RegisterAgent{
			Card: envelope.CapabilityCard{AgentID: agentID, Name: agentID, Skills: skills},
		},
	})
}

func registerUI(t *testing.T, th *testHub, ws *websocket.Conn, sessionID string) {
	t.Helper()
	token, err := th.validator.Generate("tester", time.Minute)
	require.NoError(t, err)
	sendEnvelope(t, ws, &envelope.Envelope{
		Type:       envelope.TypeRegisterUI,
		RegisterUI: &envelope.RegisterUI{Token: token, SessionID: sessionID},
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAgentHandshakeRegistersAndDisconnectDeregisters(t *testing.T) {
	th := newTestHub(t, &scriptedModel{})

	ws := dialWS(t, th.wsURL("/agent"))
	registerAgent(t, ws, "echo-agent", envelope.Skill{Name: "echo"})

	waitFor(t, func() bool { return len(th.registry.Snapshot()) == 1 }, "agent never registered")
	_, ok := th.registry.Resolve("echo")
	assert.True(t, ok)

	ws.Close()
	waitFor(t, func() bool { return len(th.registry.Snapshot()) == 0 }, "agent never deregistered")
	_, ok = th.registry.Resolve("echo")
	assert.False(t, ok)
}

func TestAgentHandshakeRejectsNonRegistration(t *testing.T) {
	th := newTestHub(t, &scriptedModel{})

	ws := dialWS(t, th.wsURL("/agent"))
	sendEnvelope(t, ws, &envelope.Envelope{
		Type:    envelope.TypeUIEvent,
		UIEvent: &envelope.UIEvent{Action: "dashboard"},
	})

	env := readEnvelope(t, ws)
	require.Equal(t, envelope.TypeError, env.Type)
	assert.Equal(t, "protocol_error", env.Error.Code)
	assert.Empty(t, th.registry.Snapshot())
}

func TestUIAuthFailureKeepsConnectionOpen(t *testing.T) {
	th := newTestHub(t, &scriptedModel{})

	ws := dialWS(t, th.wsURL("/ws"))
	sendEnvelope(t, ws, &envelope.Envelope{
		Type:       envelope.TypeRegisterUI,
		RegisterUI: &envelope.RegisterUI{Token: "garbage"},
	})

	env := readEnvelope(t, ws)
	require.Equal(t, envelope.TypeError, env.Type)
	assert.Equal(t, "unauthorized", env.Error.Code)
	assert.Contains(t, env.Error.Message, "not authorized")

	// Same connection retries with a valid token and gets the dashboard.
	registerUI(t, th, ws, "sess-1")
	env = readEnvelope(t, ws)
	require.Equal(t, envelope.TypeUIRender, env.Type)
	require.Len(t, env.UIRender.Components, 1)
	assert.Equal(t, "dashboard", env.UIRender.Components[0].Kind)
}

func TestUIUnknownActionGetsError(t *testing.T) {
	th := newTestHub(t, &scriptedModel{})

	ws := dialWS(t, th.wsURL("/ws"))
	registerUI(t, th, ws, "sess-1")
	readEnvelope(t, ws) // dashboard

	sendEnvelope(t, ws, &envelope.Envelope{
		Type:    envelope.TypeUIEvent,
		UIEvent: &envelope.UIEvent{Action: "bogus"},
	})

	env := readEnvelope(t, ws)
	require.Equal(t, envelope.TypeError, env.Type)
	assert.Equal(t, "unknown_action", env.Error.Code)
}

func TestChatMessageFlowsThroughAgentToFinalRender(t *testing.T) {
	model := &scriptedModel{steps: []*llm.Completion{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "get_time", Arguments: json.RawMessage(`{}`)}}},
		{Text: "it is noon"},
	}}
	th := newTestHub(t, model)

	// Agent that answers every tool_request.
	agentWS := dialWS(t, th.wsURL("/agent"))
	registerAgent(t, agentWS, "clock-agent", envelope.Skill{Name: "get_time"})
	waitFor(t, func() bool { return len(th.registry.Snapshot()) == 1 }, "agent never registered")

	go func() {
		for {
			_, data, err := agentWS.ReadMessage()
			if err != nil {
				return
			}
			env, err := envelope.Decode(data)
			if err != nil || env.Type != envelope.TypeToolRequest {
				continue
			}
			reply, _ := envelope.Encode(&envelope.Envelope{
				Type: envelope.TypeToolResponse,
				ToolResponse: &envelope.ToolResponse{
					RequestID:   env.ToolRequest.RequestID,
					Result:      json.RawMessage(`{"time":"12:00"}`),
					UIFragments: []envelope.UIFragment{{Kind: "clock", Data: json.RawMessage(`{}`)}},
				},
			})
			_ = agentWS.WriteMessage(websocket.TextMessage, reply)
		}
	}()

	uiWS := dialWS(t, th.wsURL("/ws"))
	registerUI(t, th, uiWS, "sess-1")
	readEnvelope(t, uiWS) // dashboard

	payload, _ := json.Marshal(envelope.ChatMessage{Text: "what time is it", ChatID: "chat-1"})
	sendEnvelope(t, uiWS, &envelope.Envelope{
		Type:    envelope.TypeUIEvent,
		UIEvent: &envelope.UIEvent{Action: "chat_message", Payload: payload},
	})

	// One batched tool render, then the final answer.
	first := readEnvelope(t, uiWS)
	require.Equal(t, envelope.TypeUIRender, first.Type)
	require.Len(t, first.UIRender.Components, 1)
	assert.Equal(t, "clock", first.UIRender.Components[0].Kind)

	second := readEnvelope(t, uiWS)
	require.Equal(t, envelope.TypeUIRender, second.Type)
	assert.True(t, second.UIRender.Final)
	assert.Equal(t, "it is noon", second.UIRender.Text)
}

func TestDuplicateChatMessageDropped(t *testing.T) {
	model := &scriptedModel{steps: []*llm.Completion{
		{Text: "answered once"},
		{Text: "answered twice"},
	}}
	th := newTestHub(t, model)

	ws := dialWS(t, th.wsURL("/ws"))
	registerUI(t, th, ws, "sess-1")
	readEnvelope(t, ws) // dashboard

	payload, _ := json.Marshal(envelope.ChatMessage{Text: "hello", ChatID: "chat-1"})
	ev := &envelope.Envelope{
		Type:    envelope.TypeUIEvent,
		UIEvent: &envelope.UIEvent{Action: "chat_message", Payload: payload},
	}
	sendEnvelope(t, ws, ev)
	sendEnvelope(t, ws, ev)

	env := readEnvelope(t, ws)
	require.Equal(t, envelope.TypeUIRender, env.Type)
	assert.Equal(t, "answered once", env.UIRender.Text)

	// The duplicate never reaches the model.
	waitFor(t, func() bool { return model.callCount() == 1 }, "model never called")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, model.callCount())
}

func TestAgentJoinedBroadcastToUISessions(t *testing.T) {
	th := newTestHub(t, &scriptedModel{})

	ws := dialWS(t, th.wsURL("/ws"))
	registerUI(t, th, ws, "sess-1")
	readEnvelope(t, ws) // dashboard

	agentWS := dialWS(t, th.wsURL("/agent"))
	registerAgent(t, agentWS, "late-agent", envelope.Skill{Name: "ping"})

	env := readEnvelope(t, ws)
	require.Equal(t, envelope.TypeAgentJoined, env.Type)
	assert.Equal(t, "late-agent", env.AgentJoined.AgentID)
	assert.Equal(t, []string{"ping"}, env.AgentJoined.Tools)
}

func TestUIReconnectWithSameSessionKeepsReplacement(t *testing.T) {
	th := newTestHub(t, &scriptedModel{})

	first := dialWS(t, th.wsURL("/ws"))
	registerUI(t, th, first, "sess-x")
	readEnvelope(t, first) // dashboard

	// Reconnect under the same session id; the hub closes the first
	// connection in favor of this one.
	second := dialWS(t, th.wsURL("/ws"))
	registerUI(t, th, second, "sess-x")
	readEnvelope(t, second) // dashboard

	// Drain the first connection until the server-side close lands, then
	// give its goroutine a moment to run its deferred cleanup.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)

	// The departing goroutine must not drop its live replacement.
	assert.Equal(t, 1, th.hub.sessions.Count())

	agentWS := dialWS(t, th.wsURL("/agent"))
	registerAgent(t, agentWS, "late-agent", envelope.Skill{Name: "ping"})

	env := readEnvelope(t, second)
	require.Equal(t, envelope.TypeAgentJoined, env.Type)
	assert.Equal(t, "late-agent", env.AgentJoined.AgentID)
}

func TestRepeatedTextWithFreshMessageIDNotDropped(t *testing.T) {
	model := &scriptedModel{steps: []*llm.Completion{
		{Text: "first yes"},
		{Text: "second yes"},
	}}
	th := newTestHub(t, model)

	ws := dialWS(t, th.wsURL("/ws"))
	registerUI(t, th, ws, "sess-1")
	readEnvelope(t, ws) // dashboard

	send := func(messageID string) {
		payload, _ := json.Marshal(envelope.ChatMessage{Text: "yes", ChatID: "chat-1", MessageID: messageID})
		sendEnvelope(t, ws, &envelope.Envelope{
			Type:    envelope.TypeUIEvent,
			UIEvent: &envelope.UIEvent{Action: "chat_message", Payload: payload},
		})
	}

	// The same text sent twice under distinct message ids is two messages.
	send("m1")
	env := readEnvelope(t, ws)
	assert.Equal(t, "first yes", env.UIRender.Text)

	send("m2")
	env = readEnvelope(t, ws)
	assert.Equal(t, "second yes", env.UIRender.Text)
	assert.Equal(t, 2, model.callCount())

	// A redelivery of an already-seen id is dropped.
	send("m2")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, model.callCount())
}

func TestChatLockPrunedAfterLoopCompletes(t *testing.T) {
	model := &scriptedModel{steps: []*llm.Completion{{Text: "done"}}}
	th := newTestHub(t, model)

	ws := dialWS(t, th.wsURL("/ws"))
	registerUI(t, th, ws, "sess-1")
	readEnvelope(t, ws) // dashboard

	payload, _ := json.Marshal(envelope.ChatMessage{Text: "hi", ChatID: "chat-gone"})
	sendEnvelope(t, ws, &envelope.Envelope{
		Type:    envelope.TypeUIEvent,
		UIEvent: &envelope.UIEvent{Action: "chat_message", Payload: payload},
	})
	readEnvelope(t, ws) // final render

	waitFor(t, func() bool { return th.hub.chatLockCount() == 0 }, "per-chat lock never pruned")
}

func TestUIHandshakeTimesOutIdleConnection(t *testing.T) {
	th := newTestHub(t, &scriptedModel{})
	th.hub.handshakeTimeout = 100 * time.Millisecond

	ws := dialWS(t, th.wsURL("/ws"))

	// Never send register_ui; the hub must close the connection rather
	// than pin the goroutine forever.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 0, th.hub.sessions.Count())
}

func TestHistoryActionReturnsRecentTurns(t *testing.T) {
	model := &scriptedModel{steps: []*llm.Completion{{Text: "fine thanks"}}}
	th := newTestHub(t, model)

	ws := dialWS(t, th.wsURL("/ws"))
	registerUI(t, th, ws, "sess-1")
	readEnvelope(t, ws) // dashboard

	payload, _ := json.Marshal(envelope.ChatMessage{Text: "how are you", ChatID: "chat-h"})
	sendEnvelope(t, ws, &envelope.Envelope{
		Type:    envelope.TypeUIEvent,
		UIEvent: &envelope.UIEvent{Action: "chat_message", Payload: payload},
	})
	readEnvelope(t, ws) // final render

	histPayload, _ := json.Marshal(map[string]any{"chat_id": "chat-h"})
	sendEnvelope(t, ws, &envelope.Envelope{
		Type:    envelope.TypeUIEvent,
		UIEvent: &envelope.UIEvent{Action: "history", Payload: histPayload},
	})

	env := readEnvelope(t, ws)
	require.Equal(t, envelope.TypeUIRender, env.Type)
	require.Len(t, env.UIRender.Components, 1)
	assert.Equal(t, "history", env.UIRender.Components[0].Kind)

	var turns []store.ChatTurn
	require.NoError(t, json.Unmarshal(env.UIRender.Components[0].Data, &turns))
	require.Len(t, turns, 2)
	assert.Equal(t, "how are you", turns[0].Content)
	assert.Equal(t, "fine thanks", turns[1].Content)
}
