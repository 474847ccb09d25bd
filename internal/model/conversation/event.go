package conversation

// EventType enumerates the webhook event kinds.
type EventType string

const (
	EventSessionStart  EventType = "session.start"
	EventMessage       EventType = "message"
	EventSessionUpdate EventType = "session.update"
	EventSessionEnd    EventType = "session.end"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventSessionStart, EventMessage, EventSessionUpdate, EventSessionEnd:
		return true
	default:
		return false
	}
}

// Streams reports whether the event is answered with a response stream rather
// than a plain acknowledgement.
func (t EventType) Streams() bool {
	return t == EventSessionStart || t == EventMessage
}

// InterruptionContext describes how the previous assistant turn ended.
type InterruptionContext struct {
	PreviousTurnInterrupted bool   `json:"previous_turn_interrupted"`
	WordsHeard              int    `json:"words_heard"`
	TextHeard               string `json:"text_heard"`
	AssistantTurnID         string `json:"assistant_turn_id,omitempty"`
}

// EventMetadata carries side-band hints attached to an event.
type EventMetadata struct {
	Channel string `json:"channel,omitempty"`
}

// Event is a trusted (already verified) webhook delivery.
type Event struct {
	Type                EventType            `json:"type"`
	ConversationID      string               `json:"conversation_id"`
	Text                string               `json:"text"`
	TurnID              string               `json:"turn_id"`
	InterruptionContext *InterruptionContext `json:"interruption_context,omitempty"`
	Metadata            *EventMetadata       `json:"metadata,omitempty"`
}

// SidebandChannel returns metadata.channel, or "" when absent.
func (e Event) SidebandChannel() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata.Channel
}
