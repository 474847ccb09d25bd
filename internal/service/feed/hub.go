// Package feed fans per-session turn activity out to live observers.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
)

// subscriberBuffer bounds how far a slow observer may lag before frames are dropped.
const subscriberBuffer = 64

// Event kinds published by the turn controller.
const (
	KindSessionStarted = "session.started"
	KindTurnStarted    = "turn.started"
	KindData           = "data"
	KindTurnCompleted  = "turn.completed"
	KindTurnFailed     = "turn.failed"
	KindTurnCancelled  = "turn.interrupted"
)

// Event is one observable step of a session.
type Event struct {
	Kind      string                  `json:"kind"`
	SessionID string                  `json:"sessionId"`
	Channel   conversation.ChannelTag `json:"channel"`
	TurnID    string                  `json:"turnId,omitempty"`
	Data      any                     `json:"data,omitempty"`
	Messages  []conversation.Message  `json:"messages,omitempty"`
	Error     string                  `json:"error,omitempty"`
	At        time.Time               `json:"at"`
}

// Hub is an in-memory pub/sub keyed by session id. Publish never blocks.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event
	logger      zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With().Str("component", "feed").Logger(),
	}
}

// Subscribe registers an observer for sessionID. The subscription ends and the
// channel is closed when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (<-chan Event, string) {
	subID := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if _, ok := h.subscribers[sessionID]; !ok {
		h.subscribers[sessionID] = make(map[string]chan Event)
	}
	h.subscribers[sessionID][subID] = ch
	h.mu.Unlock()

	h.logger.Debug().Str("session_id", sessionID).Str("sub_id", subID).Msg("observer subscribed")

	go func() {
		<-ctx.Done()
		h.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Unsubscribe removes an observer and closes its channel. Unknown ids are ignored.
func (h *Hub) Unsubscribe(sessionID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[sessionID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, sessionID)
	}
}

// Publish delivers ev to every observer of its session, dropping it for
// observers whose buffer is full.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for subID, ch := range h.subscribers[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn().
				Str("session_id", ev.SessionID).
				Str("sub_id", subID).
				Str("kind", ev.Kind).
				Msg("observer buffer full, dropping event")
		}
	}
}

// Subscribers reports how many observers watch sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID])
}
