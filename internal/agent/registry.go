// ABOUTME: Thread-safe registry of connected agents and the tools they expose.
// ABOUTME: Maps tool names to owning agents with last-write-wins shadowing.

package agent

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/agenthub/internal/envelope"
)

// ErrAgentNotFound indicates the specified agent is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// ErrToolNotFound indicates no registered agent exposes the tool.
var ErrToolNotFound = errors.New("tool not found")

// Notifier receives best-effort broadcast notices for UI sessions.
// Implementations must not block; delivery failures are swallowed.
type Notifier interface {
	NotifyAll(env *envelope.Envelope)
}

// entry pairs an agent's capability card with its live connection.
type entry struct {
	card envelope.CapabilityCard
	conn Sender
}

// toolEntry records which agent currently owns a tool name, with its skill.
type toolEntry struct {
	agentID string
	skill   envelope.Skill
}

// Registry tracks connected agents and routes tool names to them.
// State is entirely in-memory and rebuilt as agents reconnect.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*entry
	tools    map[string]toolEntry
	notifier Notifier
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		tools:  make(map[string]toolEntry),
		logger: logger,
	}
}

// SetNotifier wires the UI broadcast sink. May be left unset in tests.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// Register installs or replaces the capability card for card.AgentID and
// records a tool-name mapping for every skill. A skill name already owned by
// a different agent is shadowed last-write-wins; the shadowing is logged.
// Connected UI sessions receive a best-effort agent_joined notice.
func (r *Registry) Register(card envelope.CapabilityCard, conn Sender) {
	r.mu.Lock()

	// A replacement drops the prior card's mappings before installing the
	// new ones, so tools present only in the old card stop resolving.
	if _, exists := r.agents[card.AgentID]; exists {
		r.removeToolsLocked(card.AgentID)
		r.logger.Info("agent re-registered, replacing card", "agent_id", card.AgentID)
	}

	r.agents[card.AgentID] = &entry{card: card, conn: conn}

	toolNames := make([]string, 0, len(card.Skills))
	for _, skill := range card.Skills {
		if prev, ok := r.tools[skill.Name]; ok && prev.agentID != card.AgentID {
			r.logger.Warn("tool name shadowed by newly registered agent",
				"tool", skill.Name,
				"previous_agent", prev.agentID,
				"new_agent", card.AgentID,
			)
		}
		r.tools[skill.Name] = toolEntry{agentID: card.AgentID, skill: skill}
		toolNames = append(toolNames, skill.Name)
	}

	notifier := r.notifier
	total := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", card.AgentID,
		"name", card.Name,
		"tools", toolNames,
		"total_agents", total,
	)

	if notifier != nil {
		notifier.NotifyAll(&envelope.Envelope{
			Type: envelope.TypeAgentJoined,
			AgentJoined: &envelope.AgentJoined{
				AgentID: card.AgentID,
				Name:    card.Name,
				Tools:   toolNames,
			},
		})
	}
}

// Deregister removes the card and all tool mappings still owned by agentID.
// Tool names this agent shadowed earlier do not revert to their prior owner.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; !exists {
		return
	}

	r.removeToolsLocked(agentID)
	delete(r.agents, agentID)

	r.logger.Info("=== AGENT DEREGISTERED ===",
		"agent_id", agentID,
		"total_agents", len(r.agents),
	)
}

// removeToolsLocked drops every tool mapping owned by agentID. Caller holds mu.
func (r *Registry) removeToolsLocked(agentID string) {
	for name, te := range r.tools {
		if te.agentID == agentID {
			delete(r.tools, name)
		}
	}
}

// Resolve returns the agent that currently owns toolName.
func (r *Registry) Resolve(toolName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	te, ok := r.tools[toolName]
	if !ok {
		return "", false
	}
	return te.agentID, true
}

// Connection returns the live connection for agentID.
func (r *Registry) Connection(agentID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Summary describes one registered agent for dashboards and catalogs.
type Summary struct {
	AgentID string
	Name    string
	Tools   []string
}

// Snapshot returns a stable-ordered view of all registered agents and the
// tool names they currently own.
func (r *Registry) Snapshot() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]Summary, 0, len(r.agents))
	for id, e := range r.agents {
		var tools []string
		for name, te := range r.tools {
			if te.agentID == id {
				tools = append(tools, name)
			}
		}
		sort.Strings(tools)
		summaries = append(summaries, Summary{AgentID: id, Name: e.card.Name, Tools: tools})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].AgentID < summaries[j].AgentID })
	return summaries
}

// Catalog returns every currently-resolvable skill, for the per-turn tool
// catalog offered to the language model. Shadowed skills are excluded.
func (r *Registry) Catalog() []envelope.Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	skills := make([]envelope.Skill, 0, len(names))
	for _, name := range names {
		skills = append(skills, r.tools[name].skill)
	}
	return skills
}
