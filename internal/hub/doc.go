// Package hub owns every websocket connection's lifecycle.
//
// Agent connections arrive two ways: the hub dials outward to configured
// endpoints (a periodic discovery task redials endpoints without a live
// connection, so late-starting agents are picked up), and agents may dial
// in to /agent. Both paths share one handshake: the first message must be
// register_agent, after which tool_response envelopes resolve pending
// correlations. A closed transport deregisters the agent and fails its
// in-flight requests as retryable.
//
// UI connections dial in to /ws and must authenticate with register_ui.
// A rejected token gets an error envelope without the connection closing,
// so the client can retry. Authenticated sessions receive a dashboard
// snapshot and then dispatch ui_events through a fixed action table:
// chat_message drives the conversation engine, dashboard and history are
// plain reads. Duplicate chat_message deliveries are suppressed by a TTL
// cache.
//
// Sessions is the shared UI broadcast map; the registry, the dispatcher,
// and the conversation engine all push to it, and every send is
// best-effort.
package hub
