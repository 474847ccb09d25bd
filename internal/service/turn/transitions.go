package turn

import (
	"context"
	"time"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
)

// Phase is the per-channel state of the turn state machine.
type Phase int

const (
	// PhaseIdle means no generation is in flight and the channel holds no placeholder.
	PhaseIdle Phase = iota
	// PhaseAwaitingGeneration means exactly one placeholder is installed and its
	// generation is running.
	PhaseAwaitingGeneration
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingGeneration:
		return "awaiting-generation"
	default:
		return "unknown"
	}
}

// transition describes how one event kind drives a channel.
type transition struct {
	// serialize runs the event inside the channel's lane.
	serialize bool
	// preempt cancels an in-flight generation on the channel before the event runs.
	preempt bool
	// streams means the transport must be engaged and ended.
	streams bool
	run     func(c *Controller, ctx context.Context, r *request) error
}

// transitions is the event table:
//
//	session.start   idle -> idle      record + speak welcome, end turn
//	message         idle -> awaiting  user turn + placeholder, generate
//	                awaiting -> idle  replace placeholder, end turn
//	session.update  any               acknowledge
//	session.end     any               acknowledge
var transitions = map[conversation.EventType]transition{
	conversation.EventSessionStart: {
		serialize: true,
		streams:   true,
		run:       (*Controller).startSession,
	},
	conversation.EventMessage: {
		serialize: true,
		preempt:   true,
		streams:   true,
		run:       (*Controller).respond,
	},
	conversation.EventSessionUpdate: {run: (*Controller).acknowledge},
	conversation.EventSessionEnd:    {run: (*Controller).acknowledge},
}

// outcome is how a generation ended.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeInterrupted
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeCompleted:
		return "completed"
	case outcomeInterrupted:
		return "interrupted"
	default:
		return "failed"
	}
}

// classify decides the outcome of a generation run under genCtx. A cancelled
// genCtx (caller hung up or a newer utterance pre-empted the turn) is an
// interruption; anything else that errored, timeouts included, is a failure.
func classify(genCtx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeCompleted
	case genCtx.Err() != nil:
		return outcomeInterrupted
	default:
		return outcomeFailed
	}
}

// settle builds the messages that take the placeholder's place.
func settle(o outcome, turnID string, produced []conversation.Message, spoken string) []conversation.Message {
	switch o {
	case outcomeCompleted:
		out := make([]conversation.Message, 0, len(produced))
		for _, m := range produced {
			m.ID = ""
			m.TurnID = turnID
			m.Pending = false
			// the store stamps the settled instant
			m.Timestamp = time.Time{}
			out = append(out, m)
		}
		return out
	case outcomeInterrupted:
		return []conversation.Message{{
			Role:        conversation.RoleAssistant,
			TurnID:      turnID,
			Content:     spoken,
			Interrupted: true,
		}}
	default:
		if spoken == "" {
			return nil
		}
		return []conversation.Message{{
			Role:        conversation.RoleAssistant,
			TurnID:      turnID,
			Content:     spoken,
			Interrupted: true,
		}}
	}
}
