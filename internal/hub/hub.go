// ABOUTME: Hub orchestrator that coordinates the websocket server and agent discovery
// ABOUTME: Manages registry, correlation table, UI sessions, and health endpoints lifecycle

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/agenthub/internal/agent"
	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/config"
	"github.com/2389/agenthub/internal/conversation"
	"github.com/2389/agenthub/internal/correlate"
	"github.com/2389/agenthub/internal/dedupe"
	"github.com/2389/agenthub/internal/envelope"
	"github.com/2389/agenthub/internal/store"
)

const (
	// DefaultDiscoveryInterval is how often unreachable agent endpoints
	// are redialed.
	DefaultDiscoveryInterval = 30 * time.Second

	// dedupeTTL is deliberately short: it covers the retransmit window
	// of a flaky connection without swallowing a user who repeats the
	// same text a little later.
	dedupeTTL     = 30 * time.Second
	dedupeMaxSize = 100_000
)

// uiHandler processes one inbound UI event for a session.
type uiHandler func(ctx context.Context, s *uiSession, ev *envelope.UIEvent)

// Hub owns the websocket server and all connection lifecycles: outbound
// dials to configured agent endpoints, inbound agent connections, and
// authenticated UI sessions.
type Hub struct {
	cfg       *config.Config
	registry  *agent.Registry
	table     *correlate.Table
	sessions  *Sessions
	engine    *conversation.Engine
	history   store.HistoryStore
	validator auth.Validator
	dedupe    *dedupe.Cache
	logger    *slog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server

	// handlers maps UI event action tags to their handlers, resolved once
	// at construction.
	handlers map[string]uiHandler

	// dialing tracks which configured endpoints currently hold a live
	// agent connection, so the discovery task skips them.
	dialMu    sync.Mutex
	connected map[string]bool

	// handshakeTimeout bounds the wait for a connection's first
	// registration message.
	handshakeTimeout time.Duration

	// chatLocks serializes conversation loops per chat id. Different
	// chats run concurrently. Entries are reference-counted and dropped
	// once no loop holds or waits on them.
	locksMu   sync.Mutex
	chatLocks map[string]*chatLock
}

// New creates a Hub. The sessions sink must be the same one wired into the
// registry, dispatcher, and conversation engine.
func New(cfg *config.Config, registry *agent.Registry, table *correlate.Table, sessions *Sessions, engine *conversation.Engine, history store.HistoryStore, validator auth.Validator, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		cfg:       cfg,
		registry:  registry,
		table:     table,
		sessions:  sessions,
		engine:    engine,
		history:   history,
		validator: validator,
		dedupe:    dedupe.New(dedupeTTL, dedupeMaxSize),
		logger:    logger.With("component", "hub"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		connected:        make(map[string]bool),
		handshakeTimeout: handshakeTimeout,
		chatLocks:        make(map[string]*chatLock),
	}

	h.handlers = map[string]uiHandler{
		"chat_message": h.handleChatMessage,
		"dashboard":    h.handleDashboard,
		"history":      h.handleHistory,
	}

	h.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return h
}

// Handler returns the hub's HTTP routes.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleUIWebsocket)
	mux.HandleFunc("/agent", h.handleAgentWebsocket)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReady)
	return mux
}

// Run starts the hub server and agent discovery, blocking until the context
// is canceled or the server fails. Returns nil on graceful shutdown.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.cfg.Server.ListenAddr, err)
	}

	h.logger.Info("=== HUB STARTING ===",
		"listen_addr", ln.Addr().String(),
		"agent_endpoints", len(h.cfg.Agents.Endpoints),
	)

	discoveryCtx, stopDiscovery := context.WithCancel(ctx)
	defer stopDiscovery()
	go h.discoveryLoop(discoveryCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := h.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		h.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		h.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := h.shutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// shutdown closes the server, all UI sessions, and background caches.
func (h *Hub) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := h.httpServer.Shutdown(shutdownCtx)

	h.sessions.CloseAll()
	h.dedupe.Close()

	h.logger.Info("=== HUB STOPPED ===")
	return err
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"status":"ok"}`)
}

func (h *Hub) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ready","agents":%d}`+"\n", len(h.registry.Snapshot()))
}

// chatLock serializes conversation loops for one chat id.
type chatLock struct {
	mu   sync.Mutex
	refs int
}

// lockChat acquires the per-chat mutex, creating it on first use.
func (h *Hub) lockChat(chatID string) *chatLock {
	h.locksMu.Lock()
	l, ok := h.chatLocks[chatID]
	if !ok {
		l = &chatLock{}
		h.chatLocks[chatID] = l
	}
	l.refs++
	h.locksMu.Unlock()

	l.mu.Lock()
	return l
}

// unlockChat releases the per-chat mutex and prunes the entry once no loop
// holds or waits on it, so the map does not grow with every chat id ever
// seen.
func (h *Hub) unlockChat(chatID string, l *chatLock) {
	l.mu.Unlock()

	h.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(h.chatLocks, chatID)
	}
	h.locksMu.Unlock()
}

// chatLockCount reports the number of live per-chat locks.
func (h *Hub) chatLockCount() int {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	return len(h.chatLocks)
}
