package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionSubmit   Action = "submit"
	ActionActivity Action = "activity"
	ActionCheat    Action = "cheat"
	ActionPing     Action = "ping"
)

// RequestPayload is every client message. Fields are read per action:
// autosave uses q_id/ans or answers, activity uses activity_type/details,
// cheat uses description/evidence.
type RequestPayload struct {
	Action Action `json:"action"`

	QID     string         `json:"q_id,omitempty"`
	Answer  any            `json:"ans,omitempty"`
	Answers map[string]any `json:"answers,omitempty"`

	ActivityType string         `json:"activity_type,omitempty"`
	Details      map[string]any `json:"details,omitempty"`

	Description string         `json:"description,omitempty"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError    Event = "error"
	EventSession  Event = "session"
	EventSaved    Event = "saved"
	EventGraded   Event = "graded"
	EventRecorded Event = "recorded"
	EventPong     Event = "pong"
)

// ResponsePayload wraps every server message.
type ResponsePayload struct {
	Event Event `json:"event"`
	Data  any   `json:"data,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}
