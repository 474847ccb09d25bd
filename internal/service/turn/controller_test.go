package turn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
	"github.com/zhouzirui/voxturn/backend/internal/service/feed"
	"github.com/zhouzirui/voxturn/backend/internal/service/history"
)

type generatorFunc func(ctx context.Context, req Request, sink Sink) ([]conversation.Message, error)

func (f generatorFunc) Generate(ctx context.Context, req Request, sink Sink) ([]conversation.Message, error) {
	return f(ctx, req, sink)
}

type fakeTransport struct {
	mu     sync.Mutex
	spoken []string
	data   []any
	ends   int
	endErr error
}

func (t *fakeTransport) Speak(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spoken = append(t.spoken, text)
	return nil
}

func (t *fakeTransport) Data(payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = append(t.data, payload)
	return nil
}

func (t *fakeTransport) End() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ends++
	return t.endErr
}

func (t *fakeTransport) Ends() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ends
}

type recordingObserver struct {
	mu     sync.Mutex
	events []feed.Event
}

func (o *recordingObserver) Publish(ev feed.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) kinds() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	kinds := make([]string, 0, len(o.events))
	for _, ev := range o.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// reply speaks text and returns it as the single assistant message.
func reply(text string) generatorFunc {
	return func(_ context.Context, _ Request, sink Sink) ([]conversation.Message, error) {
		if err := sink.Speak(text); err != nil {
			return nil, err
		}
		return []conversation.Message{{Role: conversation.RoleAssistant, Content: text}}, nil
	}
}

func newController(t *testing.T, gen Generator, cfg Config, opts ...Option) (*Controller, *history.MemoryStore) {
	t.Helper()
	store := history.NewMemoryStore()
	return New(store, gen, cfg, zerolog.Nop(), opts...), store
}

func message(conversationID, turnID, text string) conversation.Event {
	return conversation.Event{
		Type:           conversation.EventMessage,
		ConversationID: conversationID,
		TurnID:         turnID,
		Text:           text,
	}
}

func summarize(msgs []conversation.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Role)+":"+m.Content)
	}
	return out
}

var (
	singleC1 = conversation.Key{SessionID: "c1", Channel: conversation.ChannelSingle}
	channelA = conversation.Key{SessionID: "c1", Channel: conversation.ChannelA}
	channelB = conversation.Key{SessionID: "c1", Channel: conversation.ChannelB}
)

func TestSessionStartRecordsAndSpeaksWelcome(t *testing.T) {
	ctrl, store := newController(t, nil, Config{WelcomeMessage: "Hi"})
	tr := &fakeTransport{}

	err := ctrl.Handle(context.Background(), conversation.Event{
		Type:           conversation.EventSessionStart,
		ConversationID: "c1",
		TurnID:         "t0",
	}, tr)
	require.NoError(t, err)

	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, "t0", msgs[0].TurnID)

	assert.Equal(t, []string{"Hi"}, tr.spoken)
	assert.Equal(t, 1, tr.Ends())
}

func TestSessionStartDoesNotDuplicateWelcome(t *testing.T) {
	ctrl, store := newController(t, nil, Config{WelcomeMessage: "Hi"})
	start := conversation.Event{Type: conversation.EventSessionStart, ConversationID: "c1", TurnID: "t0"}

	require.NoError(t, ctrl.Handle(context.Background(), start, &fakeTransport{}))
	tr := &fakeTransport{}
	require.NoError(t, ctrl.Handle(context.Background(), start, tr))

	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, []string{"Hi"}, tr.spoken)
	assert.Equal(t, 1, tr.Ends())
}

func TestMessageAppendsUserAndReply(t *testing.T) {
	ctrl, store := newController(t, reply("hey"), Config{})
	tr := &fakeTransport{}

	require.NoError(t, ctrl.Handle(context.Background(), message("c1_ch_a", "t1", "hello"), tr))

	msgs, err := store.Get(context.Background(), channelA)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:hello", "assistant:hey"}, summarize(msgs))
	for _, m := range msgs {
		assert.Equal(t, "t1", m.TurnID)
		assert.False(t, m.Pending)
		assert.NotEmpty(t, m.ID)
	}
	assert.True(t, msgs[0].Timestamp.Before(msgs[1].Timestamp))

	assert.Equal(t, []string{"hey"}, tr.spoken)
	assert.Equal(t, 1, tr.Ends())
	assert.Equal(t, PhaseIdle, ctrl.phase(channelA))
}

func TestCombinedViewOrdersChannelsByTime(t *testing.T) {
	ctrl, store := newController(t, reply("ok"), Config{})

	require.NoError(t, ctrl.Handle(context.Background(), message("c1_channel_a", "t1", "from a"), &fakeTransport{}))
	require.NoError(t, ctrl.Handle(context.Background(), message("c1_channel_b", "t2", "from b"), &fakeTransport{}))

	combined, err := store.GetCombined(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:from a", "assistant:ok", "user:from b", "assistant:ok"}, summarize(combined))
}

func TestDualChannelGenerationSeesCombinedHistory(t *testing.T) {
	var seen []string
	gen := generatorFunc(func(_ context.Context, req Request, sink Sink) ([]conversation.Message, error) {
		seen = summarize(req.History)
		return []conversation.Message{{Role: conversation.RoleAssistant, Content: "ok"}}, nil
	})
	ctrl, _ := newController(t, gen, Config{})

	require.NoError(t, ctrl.Handle(context.Background(), message("c1_channel_a", "t1", "from a"), &fakeTransport{}))
	require.NoError(t, ctrl.Handle(context.Background(), message("c1_channel_b", "t2", "from b"), &fakeTransport{}))

	// the channel B placeholder is not part of the context
	assert.Equal(t, []string{"user:from a", "assistant:ok", "user:from b"}, seen)
}

func TestSingleChannelGenerationSeesOwnHistoryOnly(t *testing.T) {
	var seen []string
	gen := generatorFunc(func(_ context.Context, req Request, _ Sink) ([]conversation.Message, error) {
		seen = summarize(req.History)
		return nil, nil
	})
	ctrl, store := newController(t, gen, Config{})
	_, err := store.Append(context.Background(), channelA, conversation.Message{Role: conversation.RoleUser, Content: "other leg"})
	require.NoError(t, err)

	require.NoError(t, ctrl.Handle(context.Background(), message("c1", "t1", "solo"), &fakeTransport{}))
	assert.Equal(t, []string{"user:solo"}, seen)
}

func TestPlaceholderVisibleWhileGenerating(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := generatorFunc(func(_ context.Context, _ Request, _ Sink) ([]conversation.Message, error) {
		close(started)
		<-release
		return []conversation.Message{{Role: conversation.RoleAssistant, Content: "done"}}, nil
	})
	ctrl, store := newController(t, gen, Config{})

	errc := make(chan error, 1)
	go func() {
		errc <- ctrl.Handle(context.Background(), message("c1", "t1", "hello"), &fakeTransport{})
	}()
	<-started

	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsPlaceholder())
	assert.Equal(t, "t1", msgs[1].TurnID)
	assert.Equal(t, PhaseAwaitingGeneration, ctrl.phase(singleC1))

	close(release)
	require.NoError(t, <-errc)

	msgs, err = store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:hello", "assistant:done"}, summarize(msgs))
	assert.Equal(t, PhaseIdle, ctrl.phase(singleC1))
}

func TestGenerationFailureStillEndsTurn(t *testing.T) {
	gen := generatorFunc(func(context.Context, Request, Sink) ([]conversation.Message, error) {
		return nil, errors.New("model unavailable")
	})
	obs := &recordingObserver{}
	ctrl, store := newController(t, gen, Config{}, WithObserver(obs))
	tr := &fakeTransport{}

	require.NoError(t, ctrl.Handle(context.Background(), message("c1", "t1", "hello"), tr))

	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:hello"}, summarize(msgs))
	assert.Equal(t, 1, tr.Ends())
	assert.Equal(t, []string{feed.KindTurnStarted, feed.KindTurnFailed}, obs.kinds())
}

func TestGenerationFailureKeepsSpokenText(t *testing.T) {
	gen := generatorFunc(func(_ context.Context, _ Request, sink Sink) ([]conversation.Message, error) {
		_ = sink.Speak("It is ")
		return nil, errors.New("stream broke")
	})
	ctrl, store := newController(t, gen, Config{})

	require.NoError(t, ctrl.Handle(context.Background(), message("c1", "t1", "weather?"), &fakeTransport{}))

	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "It is ", msgs[1].Content)
	assert.True(t, msgs[1].Interrupted)
}

func TestGeneratorPanicIsContained(t *testing.T) {
	gen := generatorFunc(func(context.Context, Request, Sink) ([]conversation.Message, error) {
		panic("boom")
	})
	ctrl, store := newController(t, gen, Config{})
	tr := &fakeTransport{}

	require.NoError(t, ctrl.Handle(context.Background(), message("c1", "t1", "hello"), tr))

	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:hello"}, summarize(msgs))
	assert.Equal(t, 1, tr.Ends())
}

func TestMissingGeneratorFailsTurn(t *testing.T) {
	ctrl, store := newController(t, nil, Config{})
	tr := &fakeTransport{}

	require.NoError(t, ctrl.Handle(context.Background(), message("c1", "t1", "hello"), tr))

	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:hello"}, summarize(msgs))
	assert.Equal(t, 1, tr.Ends())
}

func TestEmptyGenerationRemovesPlaceholder(t *testing.T) {
	gen := generatorFunc(func(context.Context, Request, Sink) ([]conversation.Message, error) {
		return nil, nil
	})
	ctrl, store := newController(t, gen, Config{})

	require.NoError(t, ctrl.Handle(context.Background(), message("c1", "t1", "hello"), &fakeTransport{}))

	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:hello"}, summarize(msgs))
}

func TestGenerationTimeoutFailsTurn(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, _ Request, _ Sink) ([]conversation.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	obs := &recordingObserver{}
	ctrl, store := newController(t, gen, Config{GenerationTimeout: 20 * time.Millisecond}, WithObserver(obs))
	tr := &fakeTransport{}

	require.NoError(t, ctrl.Handle(context.Background(), message("c1", "t1", "hello"), tr))

	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:hello"}, summarize(msgs))
	assert.Equal(t, 1, tr.Ends())
	assert.Contains(t, obs.kinds(), feed.KindTurnFailed)
}

func TestCallerHangupSettlesInterruptedReply(t *testing.T) {
	spoke := make(chan struct{})
	gen := generatorFunc(func(ctx context.Context, _ Request, sink Sink) ([]conversation.Message, error) {
		_ = sink.Speak("Let me ")
		close(spoke)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	obs := &recordingObserver{}
	ctrl, store := newController(t, gen, Config{}, WithObserver(obs))
	tr := &fakeTransport{}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- ctrl.Handle(ctx, message("c1", "t1", "hello"), tr)
	}()
	<-spoke
	cancel()
	require.NoError(t, <-errc)

	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Let me ", msgs[1].Content)
	assert.True(t, msgs[1].Interrupted)
	assert.False(t, msgs[1].Pending)
	assert.Equal(t, 1, tr.Ends())
	assert.Contains(t, obs.kinds(), feed.KindTurnCancelled)
}

func TestNewUtterancePreemptsRunningGeneration(t *testing.T) {
	firstStarted := make(chan struct{})
	gen := generatorFunc(func(ctx context.Context, req Request, sink Sink) ([]conversation.Message, error) {
		if req.TurnID == "t1" {
			close(firstStarted)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []conversation.Message{{Role: conversation.RoleAssistant, Content: "second answer"}}, nil
	})
	ctrl, store := newController(t, gen, Config{})

	firstTr := &fakeTransport{}
	errc := make(chan error, 1)
	go func() {
		errc <- ctrl.Handle(context.Background(), message("c1", "t1", "first"), firstTr)
	}()
	<-firstStarted

	secondTr := &fakeTransport{}
	require.NoError(t, ctrl.Handle(context.Background(), message("c1", "t2", "second"), secondTr))
	require.NoError(t, <-errc)

	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:first", "assistant:", "user:second", "assistant:second answer"}, summarize(msgs))
	assert.True(t, msgs[1].Interrupted)
	assert.Equal(t, 1, firstTr.Ends())
	assert.Equal(t, 1, secondTr.Ends())
}

// gatedStore holds the placeholder Append of turnID until release is closed.
type gatedStore struct {
	history.Store
	turnID  string
	reached chan struct{}
	release chan struct{}
}

func newGatedStore(turnID string) *gatedStore {
	return &gatedStore{
		Store:   history.NewMemoryStore(),
		turnID:  turnID,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *gatedStore) Append(ctx context.Context, key conversation.Key, msg conversation.Message) (int, error) {
	if msg.IsPlaceholder() && msg.TurnID == s.turnID {
		close(s.reached)
		<-s.release
	}
	return s.Store.Append(ctx, key, msg)
}

func preemptingWaiters(l *lanes, key conversation.Key) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln, ok := l.byKey[key]; ok {
		return ln.preempting
	}
	return 0
}

func TestUtteranceQueuedDuringSetupPreemptsGeneration(t *testing.T) {
	var firstGenerated atomic.Bool
	gen := generatorFunc(func(ctx context.Context, req Request, sink Sink) ([]conversation.Message, error) {
		if req.TurnID == "t1" {
			firstGenerated.Store(true)
			return reply("stale answer")(ctx, req, sink)
		}
		return reply("second answer")(ctx, req, sink)
	})
	store := newGatedStore("t1")
	ctrl := New(store, gen, Config{}, zerolog.Nop())

	firstTr := &fakeTransport{}
	first := make(chan error, 1)
	go func() {
		first <- ctrl.Handle(context.Background(), message("c1", "t1", "first"), firstTr)
	}()
	<-store.reached

	secondTr := &fakeTransport{}
	second := make(chan error, 1)
	go func() {
		second <- ctrl.Handle(context.Background(), message("c1", "t2", "second"), secondTr)
	}()
	require.Eventually(t, func() bool { return preemptingWaiters(ctrl.lanes, singleC1) == 1 }, time.Second, 5*time.Millisecond)

	close(store.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	assert.False(t, firstGenerated.Load())
	assert.Empty(t, firstTr.spoken)
	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:first", "assistant:", "user:second", "assistant:second answer"}, summarize(msgs))
	assert.True(t, msgs[1].Interrupted)
	assert.Equal(t, 1, firstTr.Ends())
	assert.Equal(t, 1, secondTr.Ends())
}

func TestBusyLaneDropsPlaceholderAndEndsTurn(t *testing.T) {
	store := newGatedStore("t1")
	obs := &recordingObserver{}
	ctrl := New(store, reply("never"), Config{}, zerolog.Nop(), WithObserver(obs))

	tr := &fakeTransport{}
	errc := make(chan error, 1)
	go func() {
		errc <- ctrl.Handle(context.Background(), message("c1", "t1", "hello"), tr)
	}()
	<-store.reached

	ctrl.lanes.mu.Lock()
	ctrl.lanes.byKey[singleC1].phase = PhaseAwaitingGeneration
	ctrl.lanes.mu.Unlock()
	close(store.release)
	require.NoError(t, <-errc)

	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:hello"}, summarize(msgs))
	assert.Equal(t, 1, tr.Ends())
	assert.Empty(t, tr.spoken)
	assert.Contains(t, obs.kinds(), feed.KindTurnFailed)
	assert.Equal(t, PhaseIdle, ctrl.phase(singleC1))
}

func TestInterruptionContextTrimsPreviousReply(t *testing.T) {
	ctrl, store := newController(t, reply("The forecast for tomorrow is sunny"), Config{})
	require.NoError(t, ctrl.Handle(context.Background(), message("c1", "t1", "forecast?"), &fakeTransport{}))

	next := message("c1", "t2", "thanks")
	next.InterruptionContext = &conversation.InterruptionContext{
		PreviousTurnInterrupted: true,
		WordsHeard:              3,
		TextHeard:               "The forecast for",
		AssistantTurnID:         "t1",
	}
	ctrl.generator = reply("welcome")
	require.NoError(t, ctrl.Handle(context.Background(), next, &fakeTransport{}))

	msgs, err := store.Get(context.Background(), singleC1)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:forecast?", "assistant:The forecast for", "user:thanks", "assistant:welcome"}, summarize(msgs))
}

func TestDataFramesReachTransportAndObserver(t *testing.T) {
	gen := generatorFunc(func(_ context.Context, _ Request, sink Sink) ([]conversation.Message, error) {
		require.NoError(t, sink.Data(map[string]bool{"isThinking": true}))
		return nil, nil
	})
	obs := &recordingObserver{}
	ctrl, _ := newController(t, gen, Config{}, WithObserver(obs))
	tr := &fakeTransport{}

	require.NoError(t, ctrl.Handle(context.Background(), message("c1", "t1", "hello"), tr))

	assert.Equal(t, []any{map[string]bool{"isThinking": true}}, tr.data)
	assert.Equal(t, []string{feed.KindTurnStarted, feed.KindData, feed.KindTurnCompleted}, obs.kinds())
}

func TestAcknowledgedEventsTouchNothing(t *testing.T) {
	ctrl, store := newController(t, reply("x"), Config{WelcomeMessage: "Hi"})

	for _, typ := range []conversation.EventType{conversation.EventSessionUpdate, conversation.EventSessionEnd} {
		require.NoError(t, ctrl.Handle(context.Background(), conversation.Event{Type: typ, ConversationID: "c1"}, nil))
	}

	_, ok, err := store.Session(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleRejectsUnknownEventAndMissingTransport(t *testing.T) {
	ctrl, _ := newController(t, reply("x"), Config{})

	err := ctrl.Handle(context.Background(), conversation.Event{Type: "session.pause", ConversationID: "c1"}, &fakeTransport{})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	err = ctrl.Handle(context.Background(), message("c1", "t1", "hello"), nil)
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestTransportEndErrorIsReturned(t *testing.T) {
	ctrl, _ := newController(t, reply("x"), Config{})
	tr := &fakeTransport{endErr: errors.New("client gone")}

	err := ctrl.Handle(context.Background(), message("c1", "t1", "hello"), tr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client gone")
}

func TestChannelsProgressIndependently(t *testing.T) {
	release := make(chan struct{})
	aStarted := make(chan struct{})
	gen := generatorFunc(func(_ context.Context, req Request, _ Sink) ([]conversation.Message, error) {
		if req.Key.Channel == conversation.ChannelA {
			close(aStarted)
			<-release
		}
		return []conversation.Message{{Role: conversation.RoleAssistant, Content: "ok"}}, nil
	})
	ctrl, store := newController(t, gen, Config{})

	errc := make(chan error, 1)
	go func() {
		errc <- ctrl.Handle(context.Background(), message("c1_ch_a", "t1", "a"), &fakeTransport{})
	}()
	<-aStarted

	// channel B is not blocked by the pending generation on A
	require.NoError(t, ctrl.Handle(context.Background(), message("c1_ch_b", "t2", "b"), &fakeTransport{}))
	msgs, err := store.Get(context.Background(), channelB)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:b", "assistant:ok"}, summarize(msgs))

	close(release)
	require.NoError(t, <-errc)
}
