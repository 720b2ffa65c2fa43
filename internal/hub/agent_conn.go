// ABOUTME: Agent connection lifecycle: handshake, receive loop, and discovery dialer
// ABOUTME: First inbound message must be register_agent; tool_responses resolve correlations

package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/agenthub/internal/agent"
	"github.com/2389/agenthub/internal/correlate"
	"github.com/2389/agenthub/internal/envelope"
)

const handshakeTimeout = 30 * time.Second

var (
	errUnexpectedEnvelope = errors.New("first message must be register_agent")
	errMissingAgentID     = errors.New("capability card requires agent_id")
)

// handleAgentWebsocket accepts an inbound agent connection. The handshake is
// identical to the outbound-dial path.
func (h *Hub) handleAgentWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("agent websocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err)
		return
	}
	go h.serveAgent(ws, r.RemoteAddr)
}

// discoveryLoop dials every configured agent endpoint that is not currently
// connected, then redials on an interval so agents that start later are
// picked up without restarting the hub.
func (h *Hub) discoveryLoop(ctx context.Context) {
	if len(h.cfg.Agents.Endpoints) == 0 {
		return
	}

	interval := h.cfg.Agents.DiscoveryInterval
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}

	h.dialAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.dialAll(ctx)
		}
	}
}

// dialAll attempts one connection to each endpoint without a live agent.
func (h *Hub) dialAll(ctx context.Context) {
	for _, endpoint := range h.cfg.Agents.Endpoints {
		h.dialMu.Lock()
		busy := h.connected[endpoint]
		h.dialMu.Unlock()
		if busy {
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, h.handshakeTimeout)
		ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
		cancel()
		if err != nil {
			h.logger.Debug("agent endpoint unreachable, will retry",
				"endpoint", endpoint,
				"error", err)
			continue
		}

		h.dialMu.Lock()
		h.connected[endpoint] = true
		h.dialMu.Unlock()

		go func(endpoint string, ws *websocket.Conn) {
			h.serveAgent(ws, endpoint)
			h.dialMu.Lock()
			delete(h.connected, endpoint)
			h.dialMu.Unlock()
		}(endpoint, ws)
	}
}

// serveAgent runs one agent connection to completion: registration
// handshake, then the receive loop. On any exit the agent is deregistered
// and its in-flight requests failed as retryable.
func (h *Hub) serveAgent(ws *websocket.Conn, source string) {
	connID := uuid.New().String()
	conn := agent.NewConn(connID, ws)
	defer conn.Close()

	card, err := h.agentHandshake(ws, conn)
	if err != nil {
		h.logger.Warn("agent handshake failed",
			"source", source,
			"error", err)
		return
	}

	h.registry.Register(*card, conn)

	h.logger.Info("agent connection established",
		"agent_id", card.AgentID,
		"conn_id", connID,
		"source", source)

	h.agentReceiveLoop(ws, conn, card.AgentID)

	// A reconnected agent may have re-registered on a fresh connection
	// already; only deregister while this connection still owns the entry.
	if current, ok := h.registry.Connection(card.AgentID); ok && current.ConnID() == connID {
		h.registry.Deregister(card.AgentID)
	}
	h.table.FailConnection(connID, "agent disconnected")
}

// agentHandshake reads the first message, which must be register_agent with
// a usable capability card.
func (h *Hub) agentHandshake(ws *websocket.Conn, conn *agent.Conn) (*envelope.CapabilityCard, error) {
	if err := ws.SetReadDeadline(time.Now().Add(h.handshakeTimeout)); err != nil {
		return nil, err
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if err := ws.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	env, err := envelope.Decode(data)
	if err != nil {
		return nil, err
	}
	if env.Type != envelope.TypeRegisterAgent {
		_ = conn.Send(&envelope.Envelope{
			Type: envelope.TypeError,
			Error: &envelope.ErrorNotice{
				Code:    "protocol_error",
				Message: "first message must be register_agent",
			},
		})
		return nil, errUnexpectedEnvelope
	}

	card := env.RegisterAgent.Card
	if card.AgentID == "" {
		_ = conn.Send(&envelope.Envelope{
			Type: envelope.TypeError,
			Error: &envelope.ErrorNotice{
				Code:    "protocol_error",
				Message: "capability card requires agent_id",
			},
		})
		return nil, errMissingAgentID
	}
	return &card, nil
}

// agentReceiveLoop relays inbound envelopes until the transport closes.
// tool_response envelopes resolve pending correlations; anything else from
// an agent is unexpected and logged.
func (h *Hub) agentReceiveLoop(ws *websocket.Conn, conn *agent.Conn, agentID string) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			h.logger.Info("agent connection closed",
				"agent_id", agentID,
				"error", err)
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			h.logger.Warn("undecodable envelope from agent",
				"agent_id", agentID,
				"error", err)
			continue
		}

		switch env.Type {
		case envelope.TypeToolResponse:
			resp := env.ToolResponse
			h.table.Resolve(resp.RequestID, correlate.FromResponse(resp))
		case envelope.TypeRegisterAgent:
			// Mid-stream re-registration updates the card in place.
			h.registry.Register(env.RegisterAgent.Card, conn)
		default:
			h.logger.Warn("unexpected envelope type from agent",
				"agent_id", agentID,
				"type", env.Type)
		}
	}
}
