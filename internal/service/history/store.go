// Package history owns per-channel message sequences for every session.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
)

// ErrInvalidKey is returned when a key has no session id or an unknown channel.
var ErrInvalidKey = errors.New("invalid history key")

// Store is the history contract used by the turn controller. Every write against
// a key is linearizable: readers never observe a partially applied Append,
// AppendMany or ReplaceAt.
type Store interface {
	// Append adds msg at the end of the channel and returns its 1-based position.
	Append(ctx context.Context, key conversation.Key, msg conversation.Message) (int, error)
	// AppendMany adds msgs at the end of the channel as one unit.
	AppendMany(ctx context.Context, key conversation.Key, msgs []conversation.Message) error
	// ReplaceAt removes the placeholder of turnID at position and appends msgs as
	// one unit. When position no longer holds that placeholder nothing is
	// removed, msgs are still appended, and removed is false.
	ReplaceAt(ctx context.Context, key conversation.Key, position int, turnID string, msgs ...conversation.Message) (removed bool, err error)
	// Amend rewrites the content of the latest settled assistant message of turnID.
	Amend(ctx context.Context, key conversation.Key, turnID, content string) (bool, error)
	// Get returns the channel sequence in insertion order.
	Get(ctx context.Context, key conversation.Key) ([]conversation.Message, error)
	// GetCombined merges all channels of a session by timestamp.
	GetCombined(ctx context.Context, sessionID string) ([]conversation.Message, error)
	// Session describes a session, reporting false when it was never referenced.
	Session(ctx context.Context, sessionID string) (conversation.Session, bool, error)
}

func validateKey(key conversation.Key) error {
	if key.SessionID == "" || !key.Channel.Valid() {
		return ErrInvalidKey
	}
	return nil
}

// clock hands out strictly increasing instants so that messages created in
// quick succession keep a total cross-channel order.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newClock(now func() time.Time) *clock {
	if now == nil {
		now = time.Now
	}
	return &clock{now: now}
}

func (c *clock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// observe keeps the clock ahead of an externally supplied timestamp.
func (c *clock) observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t
	}
}

// stamp fills in the id and timestamp of a message about to be stored.
func (c *clock) stamp(msg conversation.Message) conversation.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.next()
	} else {
		msg.Timestamp = msg.Timestamp.UTC()
		c.observe(msg.Timestamp)
	}
	return msg
}

// channelRun is one channel's messages in insertion order.
type channelRun []conversation.Message

// mergeByTimestamp merges runs given in channel registration order. The sort is
// stable, so equal timestamps keep registration then insertion order.
func mergeByTimestamp(runs []channelRun) []conversation.Message {
	total := 0
	for _, r := range runs {
		total += len(r)
	}
	merged := make([]conversation.Message, 0, total)
	for _, r := range runs {
		merged = append(merged, r...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}

// lastSettledAssistant finds the index of the latest settled assistant reply of turnID.
func lastSettledAssistant(msgs []conversation.Message, turnID string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.TurnID == turnID && m.Role == conversation.RoleAssistant && !m.Pending && len(m.ToolCalls) == 0 {
			return i
		}
	}
	return -1
}
