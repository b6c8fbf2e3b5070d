package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-attempt/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing Action = "ping"
)

// RequestEnvelope is the only client message shape; the push channel is
// otherwise one-way.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSubscribed Event = "subscribed"
	EventInterrupt  Event = "interrupt"
	EventError      Event = "error"
	EventPong       Event = "pong"
)

// Envelope peeks at the event before decoding the body.
type Envelope struct {
	Event     Event           `json:"event"`
	Interrupt json.RawMessage `json:"interrupt,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type SubscribedResponse struct {
	Event     Event  `json:"event"`
	AttemptID string `json:"attempt_id"`
}

type InterruptResponse struct {
	Event     Event           `json:"event"`
	Interrupt model.Interrupt `json:"interrupt"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
