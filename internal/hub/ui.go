// ABOUTME: UI session handling: register_ui auth handshake and action dispatch
// ABOUTME: Sessions holds the broadcast map consumed by registry, dispatcher, and engine

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/agenthub/internal/agent"
	"github.com/2389/agenthub/internal/envelope"
)

// ErrNoSession indicates the chat has no live UI session to render to.
var ErrNoSession = errors.New("no ui session for chat")

// uiSession is one authenticated UI connection.
type uiSession struct {
	id       string
	identity string
	conn     *agent.Conn
}

// Sessions is the mutex-guarded UI session map. It implements the broadcast
// sink for the registry and dispatcher (NotifyAll) and the render sink for
// the conversation engine (Render). All sends are non-blocking best-effort:
// a dead session is logged and skipped, never waited on.
type Sessions struct {
	mu     sync.Mutex
	byID   map[string]*uiSession
	owners map[string]string // chat id -> session id
	logger *slog.Logger
}

// NewSessions creates an empty session map.
func NewSessions(logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		byID:   make(map[string]*uiSession),
		owners: make(map[string]string),
		logger: logger.With("component", "ui-sessions"),
	}
}

// add registers an authenticated session, replacing any prior session with
// the same id.
func (s *Sessions) add(sess *uiSession) {
	s.mu.Lock()
	prior := s.byID[sess.id]
	s.byID[sess.id] = sess
	s.mu.Unlock()

	if prior != nil {
		prior.conn.Close()
	}
	s.logger.Info("=== UI SESSION CONNECTED ===",
		"session_id", sess.id,
		"identity", sess.identity)
}

// remove drops a session and its chat ownerships. A reconnect with the same
// session id may have replaced the entry already; only the connection that
// still owns the id removes it, so a departing goroutine cannot drop its
// live replacement.
func (s *Sessions) remove(sess *uiSession) {
	s.mu.Lock()
	if s.byID[sess.id] != sess {
		s.mu.Unlock()
		return
	}
	delete(s.byID, sess.id)
	for chatID, owner := range s.owners {
		if owner == sess.id {
			delete(s.owners, chatID)
		}
	}
	s.mu.Unlock()

	s.logger.Info("ui session disconnected", "session_id", sess.id)
}

// claimChat records sessionID as the render target for chatID.
func (s *Sessions) claimChat(chatID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[chatID] = sessionID
}

// Render delivers a ui_render to the session that owns chatID. Implements
// the conversation engine's UI sink.
func (s *Sessions) Render(chatID string, render *envelope.UIRender) error {
	s.mu.Lock()
	owner, ok := s.owners[chatID]
	sess := s.byID[owner]
	s.mu.Unlock()

	if !ok || sess == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, chatID)
	}
	return sess.conn.Send(&envelope.Envelope{
		Type:     envelope.TypeUIRender,
		UIRender: render,
	})
}

// NotifyAll broadcasts an envelope to every session, best-effort.
func (s *Sessions) NotifyAll(env *envelope.Envelope) {
	s.mu.Lock()
	targets := make([]*uiSession, 0, len(s.byID))
	for _, sess := range s.byID {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		if err := sess.conn.Send(env); err != nil {
			s.logger.Debug("broadcast to session failed",
				"session_id", sess.id,
				"error", err)
		}
	}
}

// CloseAll closes every session's transport.
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	targets := make([]*uiSession, 0, len(s.byID))
	for _, sess := range s.byID {
		targets = append(targets, sess)
	}
	s.byID = make(map[string]*uiSession)
	s.owners = make(map[string]string)
	s.mu.Unlock()

	for _, sess := range targets {
		sess.conn.Close()
	}
}

// Count reports the number of live sessions.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// handleUIWebsocket runs one UI connection: an authenticated register_ui
// handshake, then action dispatch until the transport closes. A failed
// token validation sends an error envelope without closing, so the client
// can retry with a fresh token.
func (h *Hub) handleUIWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ui websocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err)
		return
	}

	go h.serveUI(ws)
}

func (h *Hub) serveUI(ws *websocket.Conn) {
	conn := agent.NewConn(uuid.New().String(), ws)
	defer conn.Close()

	sess, err := h.uiHandshake(ws, conn)
	if err != nil {
		h.logger.Info("ui connection closed before authentication", "error", err)
		return
	}

	h.sessions.add(sess)
	defer h.sessions.remove(sess)

	h.sendDashboard(sess)

	ctx := context.Background()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			h.sendError(sess, "bad_envelope", "could not decode message")
			continue
		}
		if env.Type != envelope.TypeUIEvent {
			h.sendError(sess, "bad_envelope", "expected a ui_event")
			continue
		}

		handler, ok := h.handlers[env.UIEvent.Action]
		if !ok {
			h.sendError(sess, "unknown_action", "unknown action "+env.UIEvent.Action)
			continue
		}
		handler(ctx, sess, env.UIEvent)
	}
}

// uiHandshake loops until a register_ui with a valid token arrives or the
// transport closes. Invalid tokens get an error envelope and another chance.
func (h *Hub) uiHandshake(ws *websocket.Conn, conn *agent.Conn) (*uiSession, error) {
	for {
		// Each attempt gets a fresh deadline so an idle unauthenticated
		// connection cannot pin its goroutine forever.
		if err := ws.SetReadDeadline(time.Now().Add(h.handshakeTimeout)); err != nil {
			return nil, err
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}

		env, err := envelope.Decode(data)
		if err != nil || env.Type != envelope.TypeRegisterUI {
			_ = conn.Send(&envelope.Envelope{
				Type: envelope.TypeError,
				Error: &envelope.ErrorNotice{
					Code:    "protocol_error",
					Message: "first message must be register_ui",
				},
			})
			continue
		}

		identity, err := h.validator.Validate(env.RegisterUI.Token)
		if err != nil {
			h.logger.Warn("ui token rejected", "error", err)
			_ = conn.Send(&envelope.Envelope{
				Type: envelope.TypeError,
				Error: &envelope.ErrorNotice{
					Code:    "unauthorized",
					Message: "you are not authorized",
				},
			})
			continue
		}

		if err := ws.SetReadDeadline(time.Time{}); err != nil {
			return nil, err
		}
		sessionID := env.RegisterUI.SessionID
		if sessionID == "" {
			sessionID = uuid.New().String()
		}
		return &uiSession{id: sessionID, identity: identity, conn: conn}, nil
	}
}

// handleChatMessage drives the conversation loop for one user message.
// Duplicate deliveries within the dedupe window are dropped.
func (h *Hub) handleChatMessage(ctx context.Context, sess *uiSession, ev *envelope.UIEvent) {
	var msg envelope.ChatMessage
	if err := json.Unmarshal(ev.Payload, &msg); err != nil || msg.Text == "" {
		h.sendError(sess, "bad_payload", "chat_message requires text")
		return
	}

	chatID := msg.ChatID
	if chatID == "" {
		chatID = sess.id
	}

	// Clients that mint a message_id get exact redelivery suppression; a
	// user deliberately repeating the same text arrives under a fresh id
	// and goes through. The text key only catches id-less retransmits.
	key := sess.id + "|" + chatID + "|" + msg.MessageID
	if msg.MessageID == "" {
		key = sess.id + "|" + chatID + "|" + msg.Text
	}
	if h.dedupe.CheckAndMark(key) {
		h.logger.Debug("duplicate chat message dropped",
			"session_id", sess.id,
			"chat_id", chatID)
		return
	}

	h.sessions.claimChat(chatID, sess.id)

	go func() {
		lock := h.lockChat(chatID)
		defer h.unlockChat(chatID, lock)

		if err := h.engine.Run(ctx, chatID, msg.Text); err != nil {
			h.logger.Error("conversation loop failed",
				"chat_id", chatID,
				"error", err)
		}
	}()
}

// handleDashboard re-sends the dashboard snapshot on demand.
func (h *Hub) handleDashboard(_ context.Context, sess *uiSession, _ *envelope.UIEvent) {
	h.sendDashboard(sess)
}

// historyRequest is the payload of a history action.
type historyRequest struct {
	ChatID string `json:"chat_id"`
	Limit  int    `json:"limit,omitempty"`
}

// handleHistory loads recent turns for a chat and renders them.
func (h *Hub) handleHistory(ctx context.Context, sess *uiSession, ev *envelope.UIEvent) {
	var req historyRequest
	if err := json.Unmarshal(ev.Payload, &req); err != nil || req.ChatID == "" {
		h.sendError(sess, "bad_payload", "history requires chat_id")
		return
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	turns, err := h.history.Recent(loadCtx, req.ChatID, req.Limit)
	if err != nil {
		h.sendError(sess, "history_failed", "could not load history")
		return
	}

	data, err := json.Marshal(turns)
	if err != nil {
		h.sendError(sess, "history_failed", "could not encode history")
		return
	}
	h.send(sess, &envelope.Envelope{
		Type: envelope.TypeUIRender,
		UIRender: &envelope.UIRender{
			Components: []envelope.UIFragment{{Kind: "history", Data: data}},
		},
	})
}

// sendDashboard pushes the current agent snapshot to one session.
func (h *Hub) sendDashboard(sess *uiSession) {
	data, err := json.Marshal(h.registry.Snapshot())
	if err != nil {
		h.logger.Error("dashboard snapshot encode failed", "error", err)
		return
	}
	h.send(sess, &envelope.Envelope{
		Type: envelope.TypeUIRender,
		UIRender: &envelope.UIRender{
			Components: []envelope.UIFragment{{Kind: "dashboard", Data: data}},
		},
	})
}

func (h *Hub) sendError(sess *uiSession, code, message string) {
	h.send(sess, &envelope.Envelope{
		Type:  envelope.TypeError,
		Error: &envelope.ErrorNotice{Code: code, Message: message},
	})
}

// send is a best-effort push to one session.
func (h *Hub) send(sess *uiSession, env *envelope.Envelope) {
	if err := sess.conn.Send(env); err != nil {
		h.logger.Debug("send to ui session failed",
			"session_id", sess.id,
			"error", err)
	}
}
