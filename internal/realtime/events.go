// Package realtime maintains the websocket sessions to the streaming
// inference API, multiplexes conversations across a connection pool, and
// relays streamed responses to a delivery sink.
package realtime

import "encoding/json"

// Wire frame types. Outbound frames configure the session and drive
// turns; inbound frames stream the response back.
const (
	frameSessionUpdate  = "session.update"
	frameItemCreate     = "conversation.item.create"
	frameResponseCreate = "response.create"
	frameResponseCancel = "response.cancel"

	frameSessionCreated   = "session.created"
	frameResponseCreated  = "response.created"
	frameTextDelta        = "response.text.delta"
	frameTextDone         = "response.text.done"
	frameFunctionCallDone = "response.function_call.done"
	frameResponseDone     = "response.done"
	frameError            = "error"
)

// frame is the wire envelope. Every frame carries the conversation it
// belongs to; tool frames additionally carry the call id.
type frame struct {
	Type           string `json:"type"`
	EventID        string `json:"event_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`

	// session.update payload.
	Session *sessionSetup `json:"session,omitempty"`

	// conversation.item.create payload.
	Item *item `json:"item,omitempty"`

	// Streaming text fields.
	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"`

	// Tool call fields.
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	ResponseID string      `json:"response_id,omitempty"`
	Error      *wireError `json:"error,omitempty"`
}

type sessionSetup struct {
	Model        string            `json:"model,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Modalities   []string          `json:"modalities,omitempty"`
	Tools        []json.RawMessage `json:"tools,omitempty"`
}

type item struct {
	Type string `json:"type"`
	Role string `json:"role,omitempty"`
	// Text carries the user message for type "message".
	Text string `json:"text,omitempty"`
	// CallID and Output carry tool results for type "function_call_output".
	CallID string          `json:"call_id,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

type wireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *wireError) String() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// EventKind discriminates the events a turn's consumer receives.
type EventKind int

const (
	// EventCreated acknowledges that the response started.
	EventCreated EventKind = iota
	// EventTextDelta appends streamed text.
	EventTextDelta
	// EventTextDone carries the complete text of the response.
	EventTextDone
	// EventToolCall asks the consumer to run a tool and resubmit.
	EventToolCall
	// EventDone ends the turn.
	EventDone
	// EventError reports an upstream failure for this turn.
	EventError
	// EventReconnecting tells the consumer its session was lost and the
	// turn should be retried once the pool rebinds.
	EventReconnecting
)

// Event is one step of a streamed turn, delivered in arrival order.
type Event struct {
	Kind  EventKind
	Delta string
	Text  string

	CallID    string
	ToolName  string
	Arguments json.RawMessage

	Err error
}
