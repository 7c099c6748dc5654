package bridge

import "github.com/stemsi/exstem-proctor/internal/environment"

// ─── Actions (Shell → Agent) ────────────────────────────────────────

type Action string

const (
	ActionSignal Action = "signal"
	ActionPing   Action = "ping"
)

// Request is one message from the shell.
type Request struct {
	Action Action           `json:"action"`
	Signal environment.Kind `json:"signal,omitempty"`
	// Combo is the key combination for restricted_key signals, e.g. "ctrl+shift+i".
	Combo string `json:"combo,omitempty"`
}

// ─── Events (Agent → Shell) ─────────────────────────────────────────

type Event string

const (
	EventState     Event = "state"
	EventDirective Event = "directive"
	EventAck       Event = "ack"
	EventError     Event = "error"
	EventPong      Event = "pong"
)

// Message is one event sent to the shell.
type Message struct {
	Event Event `json:"event"`
	Data  any   `json:"data,omitempty"`
}

// AckData tells the shell whether a signal was forwarded to the monitor.
type AckData struct {
	Signal    environment.Kind `json:"signal"`
	Forwarded bool             `json:"forwarded"`
}

type ErrorData struct {
	Error string `json:"error"`
}
