package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionJoin  Action = "join"
	ActionLeave Action = "leave"
	ActionPing  Action = "ping"
)

// RoomRequest joins or leaves a session-scoped channel group.
type RoomRequest struct {
	Action Action `json:"action"`
	Room   string `json:"room"`
}

// PingRequest keeps the connection alive.
type PingRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventQuestionsReady Event = "questions_ready"
	EventResultsReady   Event = "results_ready"
	EventError          Event = "error"
	EventPong           Event = "pong"
)

// Envelope is every inbound frame. Data is decoded by the listener.
type Envelope struct {
	Event Event           `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Error string `json:"error"`
}

// ─── Local snapshot stream (engine → UI) ────────────────────────────

const EventSnapshot Event = "snapshot"

// SnapshotFrame wraps a snapshot pushed to UI subscribers.
type SnapshotFrame struct {
	Event Event `json:"event"`
	Data  any   `json:"data"`
}
