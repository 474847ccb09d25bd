package conversation

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChannelTag names one leg of a call. Calls without a channel split use ChannelSingle.
type ChannelTag string

const (
	ChannelA      ChannelTag = "A"
	ChannelB      ChannelTag = "B"
	ChannelSingle ChannelTag = "single"
)

// Valid reports whether the tag is one of the supported channel tags.
func (t ChannelTag) Valid() bool {
	switch t {
	case ChannelA, ChannelB, ChannelSingle:
		return true
	default:
		return false
	}
}

// Dual reports whether the tag belongs to a dual-channel call.
func (t ChannelTag) Dual() bool {
	return t == ChannelA || t == ChannelB
}

// ParseChannelTag accepts "A", "B" and "single" (case-insensitive).
func ParseChannelTag(raw string) (ChannelTag, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "a":
		return ChannelA, true
	case "b":
		return ChannelB, true
	case "single":
		return ChannelSingle, true
	default:
		return "", false
	}
}

// Key addresses one channel of one session.
type Key struct {
	SessionID string
	Channel   ChannelTag
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.SessionID, k.Channel)
}

// ToolCall is a function call requested by the model in an assistant message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn-tagged entry of a channel history.
type Message struct {
	ID          string     `json:"id"`
	Role        Role       `json:"role"`
	TurnID      string     `json:"turnId"`
	Content     string     `json:"content"`
	ToolCalls   []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID  string     `json:"toolCallId,omitempty"`
	ToolName    string     `json:"toolName,omitempty"`
	Pending     bool       `json:"pending,omitempty"`
	Interrupted bool       `json:"interrupted,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Placeholder returns the empty assistant entry that holds a turn's slot while
// its generation is in flight.
func Placeholder(turnID string) Message {
	return Message{Role: RoleAssistant, TurnID: turnID, Pending: true}
}

// IsPlaceholder reports whether the message is an in-flight placeholder.
func (m Message) IsPlaceholder() bool {
	return m.Pending && m.Role == RoleAssistant
}

// Settled drops in-flight placeholders, returning the messages a generator may see.
func Settled(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.IsPlaceholder() {
			continue
		}
		out = append(out, m)
	}
	return out
}
