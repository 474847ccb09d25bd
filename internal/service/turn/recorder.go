package turn

import (
	"strings"
	"sync"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
	"github.com/zhouzirui/voxturn/backend/internal/service/feed"
)

// recorder forwards generator output to the transport while keeping what was
// actually spoken, so an interrupted turn can be settled with it.
type recorder struct {
	mu        sync.Mutex
	transport Transport
	observer  Observer
	key       conversation.Key
	turnID    string
	spoken    strings.Builder
}

func newRecorder(tr Transport, observer Observer, key conversation.Key, turnID string) *recorder {
	return &recorder{transport: tr, observer: observer, key: key, turnID: turnID}
}

func (r *recorder) Speak(text string) error {
	if text == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transport.Speak(text); err != nil {
		return err
	}
	r.spoken.WriteString(text)
	return nil
}

func (r *recorder) Data(payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.observer != nil {
		r.observer.Publish(feed.Event{
			Kind:      feed.KindData,
			SessionID: r.key.SessionID,
			Channel:   r.key.Channel,
			TurnID:    r.turnID,
			Data:      payload,
		})
	}
	return r.transport.Data(payload)
}

func (r *recorder) Spoken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spoken.String()
}
