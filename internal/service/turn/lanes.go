package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
)

// errPreempted is the cancellation cause given to a generation that a newer
// utterance on the same channel replaced.
var errPreempted = errors.New("pre-empted by a newer utterance")

// lane serialises the turn-taking events of one channel.
type lane struct {
	sem chan struct{}

	// guarded by lanes.mu
	refs        int
	preempting  int
	phase       Phase
	placeholder int
	turnID      string
	cancel      context.CancelCauseFunc
}

// lanes hands out one lane per key and forgets it once nobody waits on it.
type lanes struct {
	mu    sync.Mutex
	byKey map[conversation.Key]*lane
}

func newLanes() *lanes {
	return &lanes{byKey: make(map[conversation.Key]*lane)}
}

// acquire waits for exclusive use of key's lane. With preempt set, a running
// generation on the lane is cancelled first so the caller does not queue
// behind a reply nobody will hear.
func (l *lanes) acquire(ctx context.Context, key conversation.Key, preempt bool) (*lane, error) {
	l.mu.Lock()
	ln, ok := l.byKey[key]
	if !ok {
		ln = &lane{sem: make(chan struct{}, 1)}
		l.byKey[key] = ln
	}
	ln.refs++
	if preempt {
		// a holder that has not armed yet sees preempting on arm
		ln.preempting++
		if ln.cancel != nil {
			ln.cancel(errPreempted)
		}
	}
	l.mu.Unlock()

	var err error
	select {
	case ln.sem <- struct{}{}:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if preempt {
		l.mu.Lock()
		ln.preempting--
		l.mu.Unlock()
	}
	if err != nil {
		l.release(key, ln, false)
		return nil, err
	}
	return ln, nil
}

func (l *lanes) release(key conversation.Key, ln *lane, held bool) {
	if held {
		<-ln.sem
	}
	l.mu.Lock()
	ln.refs--
	if ln.refs == 0 {
		delete(l.byKey, key)
	}
	l.mu.Unlock()
}

// arm derives the generation context of the lane holder from parent. It is
// called right after acquire, so an utterance queued while the holder is still
// recording its turn cancels the generation before it starts.
func (l *lanes) arm(ln *lane, parent context.Context) (context.Context, context.CancelCauseFunc) {
	genCtx, cancel := context.WithCancelCause(parent)
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.cancel = cancel
	if ln.preempting > 0 {
		cancel(errPreempted)
	}
	return genCtx, cancel
}

// begin moves the lane into PhaseAwaitingGeneration. A lane can hold only one
// placeholder at a time.
func (l *lanes) begin(ln *lane, position int, turnID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln.phase != PhaseIdle {
		return fmt.Errorf("turn %q: lane already %s for turn %q", turnID, ln.phase, ln.turnID)
	}
	ln.phase = PhaseAwaitingGeneration
	ln.placeholder = position
	ln.turnID = turnID
	return nil
}

// finish returns the lane to PhaseIdle.
func (l *lanes) finish(ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.phase = PhaseIdle
	ln.placeholder = 0
	ln.turnID = ""
	ln.cancel = nil
}

// phase reports the current phase of key; unknown keys are idle.
func (l *lanes) phase(key conversation.Key) Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln, ok := l.byKey[key]; ok {
		return ln.phase
	}
	return PhaseIdle
}
