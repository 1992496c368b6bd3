// ABOUTME: Event names, lifecycle states, and payload shapes for the gateway protocol.
// ABOUTME: Single source of truth for everything that crosses the socket or the bus.

package protocol

import "encoding/json"

// Inbound event names (bot -> gateway).
const (
	EventHeartbeat          = "HEARTBEAT"
	EventIdentify           = "IDENTIFY"
	EventClientStatusUpdate = "CLIENT_STATUS_UPDATE"
	EventScriptStatusUpdate = "SCRIPT_STATUS_UPDATE"
)

// Outbound event names (gateway -> bot).
const (
	EventHello         = "HELLO"
	EventReady         = "READY"
	EventScriptCreate  = "SCRIPT_CREATE"
	EventScriptUpdate  = "SCRIPT_UPDATE"
	EventScriptRemove  = "SCRIPT_REMOVE"
	EventOptionsUpdate = "OPTIONS_UPDATE" // reserved for session-scoped config push
)

// Client lifecycle states, mirrored to the store per bot.
const (
	ClientStartup = "STARTUP"
	ClientOnline  = "ONLINE"
	ClientOffline = "OFFLINE"
	ClientFailed  = "FAILED"
)

// Script run states, mirrored to the store per (bot, script).
const (
	ScriptRunning = "RUNNING"
	ScriptStopped = "STOPPED"
	ScriptErrored = "ERRORED"
)

// Script-change actions carried by bus notifications.
const (
	ActionCreate  = "CREATE"
	ActionUpdate  = "UPDATE"
	ActionRestart = "RESTART"
	ActionRemove  = "REMOVE"
)

// Frame is the envelope for every websocket message.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload greets a fresh connection before identification.
type HelloPayload struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}

// IdentifyPayload carries the bot's credential token during handshake.
type IdentifyPayload struct {
	Token string `json:"token"`
}

// ScriptInfo is the full item shape sent in READY, SCRIPT_CREATE and
// SCRIPT_UPDATE.
type ScriptInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Body     string `json:"body"`
	Platform string `json:"platform"`
}

// ReadyPayload is the workload snapshot sent once per session.
type ReadyPayload struct {
	Token   string       `json:"token"`
	Scripts []ScriptInfo `json:"scripts"`
}

// ScriptRef is the id-only shape used by SCRIPT_REMOVE and restart-flavored
// SCRIPT_UPDATE.
type ScriptRef struct {
	ID string `json:"id"`
}

// ClientStatusUpdate is the inbound lifecycle report. State is required.
type ClientStatusUpdate struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// ScriptStatusUpdate is the inbound per-script run-state report. Both fields
// are required.
type ScriptStatusUpdate struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// ScriptChange is the decoded body of a workload-change notification from
// the bus. The target bot id travels in message attributes, not the body.
type ScriptChange struct {
	Action   string `json:"action"`
	ScriptID string `json:"script"`
}
