package webhook

import (
	"errors"
	"net/http"
	"sync"

	"github.com/zhouzirui/voxturn/backend/pkg/utils"
)

// Frame types written on the response stream.
const (
	FrameTTS  = "response.tts"
	FrameData = "response.data"
	FrameEnd  = "response.end"
)

var errTurnEnded = errors.New("turn already ended")

// Frame is one SSE data frame of a turn.
type Frame struct {
	Type    string `json:"type"`
	Content any    `json:"content,omitempty"`
	TurnID  string `json:"turn_id"`
}

// sseTransport writes a turn as Server-Sent Events. Writes are serialised
// because tools may push data while text is streaming.
type sseTransport struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	turnID  string
	ended   bool
}

func newSSETransport(w http.ResponseWriter, flusher http.Flusher, turnID string) *sseTransport {
	return &sseTransport{w: w, flusher: flusher, turnID: turnID}
}

func (t *sseTransport) Speak(text string) error {
	return t.send(Frame{Type: FrameTTS, Content: text, TurnID: t.turnID})
}

func (t *sseTransport) Data(payload any) error {
	return t.send(Frame{Type: FrameData, Content: payload, TurnID: t.turnID})
}

// End writes the closing frame. Later calls are no-ops.
func (t *sseTransport) End() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return nil
	}
	t.ended = true
	return utils.SendSSEChunk(t.w, t.flusher, Frame{Type: FrameEnd, TurnID: t.turnID})
}

func (t *sseTransport) send(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return errTurnEnded
	}
	return utils.SendSSEChunk(t.w, t.flusher, f)
}
