package history

import (
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
)

type memorySession struct {
	startTime time.Time
	order     []conversation.ChannelTag
	channels  map[conversation.ChannelTag][]conversation.Message
}

// MemoryStore keeps history in process memory. State is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	clock    *clock
	sessions map[string]*memorySession
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.clock = newClock(now)
	}
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		clock:    newClock(nil),
		sessions: make(map[string]*memorySession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// channelLocked returns the channel slice holder, creating session and channel
// on first reference. Must be called with mu held for writing.
func (s *MemoryStore) channelLocked(key conversation.Key) *memorySession {
	sess, ok := s.sessions[key.SessionID]
	if !ok {
		sess = &memorySession{
			startTime: s.clock.next(),
			channels:  make(map[conversation.ChannelTag][]conversation.Message),
		}
		s.sessions[key.SessionID] = sess
	}
	if _, ok := sess.channels[key.Channel]; !ok {
		sess.channels[key.Channel] = make([]conversation.Message, 0, 16)
		sess.order = append(sess.order, key.Channel)
	}
	return sess
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, key conversation.Key, msg conversation.Message) (int, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.channelLocked(key)
	sess.channels[key.Channel] = append(sess.channels[key.Channel], s.clock.stamp(msg))
	return len(sess.channels[key.Channel]), nil
}

// AppendMany implements Store.
func (s *MemoryStore) AppendMany(_ context.Context, key conversation.Key, msgs []conversation.Message) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.channelLocked(key)
	for _, msg := range msgs {
		sess.channels[key.Channel] = append(sess.channels[key.Channel], s.clock.stamp(msg))
	}
	return nil
}

// ReplaceAt implements Store.
func (s *MemoryStore) ReplaceAt(_ context.Context, key conversation.Key, position int, turnID string, msgs ...conversation.Message) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.channelLocked(key)
	seq := sess.channels[key.Channel]

	removed := false
	if idx := position - 1; idx >= 0 && idx < len(seq) && seq[idx].IsPlaceholder() && seq[idx].TurnID == turnID {
		seq = append(seq[:idx:idx], seq[idx+1:]...)
		removed = true
	}
	for _, msg := range msgs {
		seq = append(seq, s.clock.stamp(msg))
	}
	sess.channels[key.Channel] = seq
	return removed, nil
}

// Amend implements Store.
func (s *MemoryStore) Amend(_ context.Context, key conversation.Key, turnID, content string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key.SessionID]
	if !ok {
		return false, nil
	}
	seq := sess.channels[key.Channel]
	idx := lastSettledAssistant(seq, turnID)
	if idx < 0 {
		return false, nil
	}
	seq[idx].Content = content
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key conversation.Key) ([]conversation.Message, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key.SessionID]
	if !ok {
		return []conversation.Message{}, nil
	}
	seq := sess.channels[key.Channel]
	copied := make([]conversation.Message, len(seq))
	copy(copied, seq)
	return copied, nil
}

// GetCombined implements Store.
func (s *MemoryStore) GetCombined(_ context.Context, sessionID string) ([]conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return []conversation.Message{}, nil
	}
	runs := make([]channelRun, 0, len(sess.order))
	for _, tag := range sess.order {
		runs = append(runs, sess.channels[tag])
	}
	return mergeByTimestamp(runs), nil
}

// Session implements Store.
func (s *MemoryStore) Session(_ context.Context, sessionID string) (conversation.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return conversation.Session{}, false, nil
	}
	return conversation.Session{
		ID:        sessionID,
		StartTime: sess.startTime,
		Channels:  append([]conversation.ChannelTag(nil), sess.order...),
	}, true, nil
}

var _ Store = (*MemoryStore)(nil)
