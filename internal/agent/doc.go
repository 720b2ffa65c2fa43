// Package agent tracks connected agent processes and the tools they expose.
//
// # Registry
//
// The Registry is the single source of truth for which agents are online and
// which agent owns each tool name:
//
//	reg := agent.NewRegistry(logger)
//
// Key operations:
//
//   - Register(card, conn): Install or replace an agent's capability card
//   - Deregister(agentID): Remove an agent and its tool mappings
//   - Resolve(toolName): Find the agent that owns a tool
//   - Snapshot(): List agents and tools for dashboards
//   - Catalog(): Skills offered to the language model each turn
//
// Registry state is entirely in-memory and rebuilt as agents reconnect;
// nothing is persisted across a hub restart.
//
// # Tool Name Shadowing
//
// Tool name collisions resolve last-write-wins: a later registration
// silently shadows an earlier agent's tool of the same name, and the
// shadowing is logged. Deregistration removes only mappings the departing
// agent still owns, so shadowed names do not revert.
//
// # Connections
//
// Conn wraps an agent's websocket with a write lock. The Registry and the
// correlation table reference connections through the Sender interface; the
// hub owns the transport and tears registry state down on disconnect.
//
// # Thread Safety
//
// Registry and Conn are safe for concurrent use from connection receive
// loops, conversation loops, and the discovery task.
package agent
