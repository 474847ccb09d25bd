// Package turn drives the conversational turn-taking protocol: it reacts to
// webhook events, keeps the per-channel history consistent while replies are
// generated, and tells the transport when a turn is over.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
	"github.com/zhouzirui/voxturn/backend/internal/service/channel"
	"github.com/zhouzirui/voxturn/backend/internal/service/feed"
	"github.com/zhouzirui/voxturn/backend/internal/service/history"
)

var (
	// ErrUnknownEvent is returned for event types outside the protocol.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrNoTransport is returned when a streaming event arrives without a transport.
	ErrNoTransport = errors.New("streaming event requires a transport")
	// ErrNoGenerator marks a turn failed because no generator is configured.
	ErrNoGenerator = errors.New("no generator configured")
)

// Sink receives the output of a generation as it is produced.
type Sink interface {
	// Speak emits text for speech synthesis.
	Speak(text string) error
	// Data emits a structured, non-spoken payload.
	Data(payload any) error
}

// Transport is the response stream of one event. End signals the platform
// that the turn is over and must be called exactly once per streaming event.
type Transport interface {
	Sink
	End() error
}

// Request is the input of one generation.
type Request struct {
	Key     conversation.Key
	TurnID  string
	History []conversation.Message
}

// Generator produces the assistant messages answering Request.History. Text
// meant to be heard is pushed to the sink while generating; the returned
// messages are what gets recorded.
type Generator interface {
	Generate(ctx context.Context, req Request, sink Sink) ([]conversation.Message, error)
}

// Observer is notified of turn lifecycle events.
type Observer interface {
	Publish(ev feed.Event)
}

// Config holds the controller's tunables.
type Config struct {
	WelcomeMessage    string
	GenerationTimeout time.Duration
}

// Controller is the turn state machine. It is safe for concurrent use; events
// for the same channel are serialised, different channels run in parallel.
type Controller struct {
	store     history.Store
	generator Generator
	observer  Observer
	lanes     *lanes
	cfg       Config
	logger    zerolog.Logger
}

// Option customises a Controller.
type Option func(*Controller)

// WithObserver publishes lifecycle events to o.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observer = o
	}
}

// New creates a Controller.
func New(store history.Store, generator Generator, cfg Config, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		generator: generator,
		lanes:     newLanes(),
		cfg:       cfg,
		logger:    logger.With().Str("component", "turn").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// request is one event in flight.
type request struct {
	event     conversation.Event
	key       conversation.Key
	transport Transport
	lane      *lane
	logger    zerolog.Logger
}

// Handle runs ev through the state machine. Streaming events (session.start,
// message) always end their turn on tr before Handle returns, even when
// generation fails; only transport and protocol errors are returned.
func (c *Controller) Handle(ctx context.Context, ev conversation.Event, tr Transport) error {
	tx, ok := transitions[ev.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	if tx.streams && tr == nil {
		return ErrNoTransport
	}

	key := channel.KeyFor(ev)
	r := &request{
		event:     ev,
		key:       key,
		transport: tr,
		logger: c.logger.With().
			Str("event", string(ev.Type)).
			Str("session_id", key.SessionID).
			Str("channel", string(key.Channel)).
			Str("turn_id", ev.TurnID).
			Logger(),
	}

	if !tx.serialize {
		return tx.run(c, ctx, r)
	}

	ln, err := c.lanes.acquire(ctx, key, tx.preempt)
	if err != nil {
		r.logger.Warn().Err(err).Msg("gave up waiting for channel")
		return c.end(r)
	}
	defer c.lanes.release(key, ln, true)
	r.lane = ln

	return tx.run(c, ctx, r)
}

// phase reports the state of a channel.
func (c *Controller) phase(key conversation.Key) Phase {
	return c.lanes.phase(key)
}

func (c *Controller) startSession(ctx context.Context, r *request) error {
	welcome := c.cfg.WelcomeMessage

	existing, err := c.store.Get(ctx, r.key)
	switch {
	case err != nil:
		r.logger.Error().Err(err).Msg("failed to read channel history")
	case len(existing) > 0:
		r.logger.Info().Int("messages", len(existing)).Msg("channel already has history, welcome not recorded again")
	case welcome != "":
		_, err := c.store.Append(ctx, r.key, conversation.Message{
			Role:    conversation.RoleAssistant,
			TurnID:  r.event.TurnID,
			Content: welcome,
		})
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to record welcome message")
		}
	}

	c.publish(feed.Event{Kind: feed.KindSessionStarted, SessionID: r.key.SessionID, Channel: r.key.Channel, TurnID: r.event.TurnID})
	r.logger.Info().Msg("session started")

	if welcome != "" {
		if err := r.transport.Speak(welcome); err != nil {
			return fmt.Errorf("speaking welcome: %w", err)
		}
	}
	return c.end(r)
}

func (c *Controller) respond(ctx context.Context, r *request) error {
	ev := r.event
	genCtx, cancel := c.lanes.arm(r.lane, ctx)
	defer cancel(nil)
	defer c.lanes.finish(r.lane)

	if ic := ev.InterruptionContext; ic != nil {
		c.applyInterruption(ctx, r, ic)
	}

	_, err := c.store.Append(ctx, r.key, conversation.Message{
		Role:    conversation.RoleUser,
		TurnID:  ev.TurnID,
		Content: ev.Text,
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to record user turn")
		c.publishFailure(r, err)
		return c.end(r)
	}

	position, err := c.store.Append(ctx, r.key, conversation.Placeholder(ev.TurnID))
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to install placeholder")
		c.publishFailure(r, err)
		return c.end(r)
	}

	if err := c.lanes.begin(r.lane, position, ev.TurnID); err != nil {
		r.logger.Error().Err(err).Msg("channel not idle, dropping placeholder")
		if _, err := c.store.ReplaceAt(context.WithoutCancel(ctx), r.key, position, ev.TurnID); err != nil {
			r.logger.Error().Err(err).Msg("failed to remove placeholder")
		}
		c.publishFailure(r, err)
		return c.end(r)
	}

	c.publish(feed.Event{Kind: feed.KindTurnStarted, SessionID: r.key.SessionID, Channel: r.key.Channel, TurnID: ev.TurnID})

	started := time.Now()
	rec := newRecorder(r.transport, c.observer, r.key, ev.TurnID)

	var produced []conversation.Message
	contextMsgs, err := c.generationContext(ctx, r.key)
	if err == nil {
		produced, err = c.generate(genCtx, Request{Key: r.key, TurnID: ev.TurnID, History: contextMsgs}, rec)
	}
	result := classify(genCtx, err)
	settled := settle(result, ev.TurnID, produced, rec.Spoken())

	// the request context may already be gone when the caller hung up
	writeCtx := context.WithoutCancel(ctx)
	removed, replaceErr := c.store.ReplaceAt(writeCtx, r.key, position, ev.TurnID, settled...)

	log := r.logger.With().
		Str("outcome", result.String()).
		Int("settled", len(settled)).
		Dur("elapsed", time.Since(started)).
		Logger()
	if replaceErr != nil {
		log.Error().Err(replaceErr).Msg("failed to settle placeholder")
	} else if !removed {
		log.Warn().Int("position", position).Msg("placeholder position was stale, appended without removal")
	}

	switch result {
	case outcomeCompleted:
		log.Info().Msg("turn completed")
		c.publish(feed.Event{Kind: feed.KindTurnCompleted, SessionID: r.key.SessionID, Channel: r.key.Channel, TurnID: ev.TurnID, Messages: settled})
	case outcomeInterrupted:
		log.Info().AnErr("cause", context.Cause(genCtx)).Msg("turn interrupted")
		c.publish(feed.Event{Kind: feed.KindTurnCancelled, SessionID: r.key.SessionID, Channel: r.key.Channel, TurnID: ev.TurnID, Messages: settled})
	default:
		log.Error().Err(err).Msg("generation failed")
		c.publishFailure(r, err)
	}

	return c.end(r)
}

func (c *Controller) acknowledge(_ context.Context, r *request) error {
	r.logger.Info().Msg("event acknowledged")
	return nil
}

// applyInterruption trims the interrupted assistant turn down to what the
// caller actually heard.
func (c *Controller) applyInterruption(ctx context.Context, r *request, ic *conversation.InterruptionContext) {
	if !ic.PreviousTurnInterrupted || ic.AssistantTurnID == "" || strings.TrimSpace(ic.TextHeard) == "" {
		return
	}
	ok, err := c.store.Amend(ctx, r.key, ic.AssistantTurnID, ic.TextHeard)
	switch {
	case err != nil:
		r.logger.Error().Err(err).Str("assistant_turn_id", ic.AssistantTurnID).Msg("failed to amend interrupted turn")
	case ok:
		r.logger.Debug().Str("assistant_turn_id", ic.AssistantTurnID).Int("words_heard", ic.WordsHeard).Msg("interrupted turn trimmed to heard text")
	}
}

// generationContext selects what a reply is generated from: the channel
// itself for single channel calls, the combined session view for dual ones.
func (c *Controller) generationContext(ctx context.Context, key conversation.Key) ([]conversation.Message, error) {
	var (
		msgs []conversation.Message
		err  error
	)
	if key.Channel.Dual() {
		msgs, err = c.store.GetCombined(ctx, key.SessionID)
	} else {
		msgs, err = c.store.Get(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("loading context: %w", err)
	}
	return conversation.Settled(msgs), nil
}

func (c *Controller) generate(ctx context.Context, req Request, sink Sink) (msgs []conversation.Message, err error) {
	if c.generator == nil {
		return nil, ErrNoGenerator
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.GenerationTimeout)
		defer cancel()
	}

	var pc panics.Catcher
	pc.Try(func() {
		msgs, err = c.generator.Generate(ctx, req, sink)
	})
	if recovered := pc.Recovered(); recovered != nil {
		return nil, fmt.Errorf("generator panicked: %w", recovered.AsError())
	}
	return msgs, err
}

func (c *Controller) end(r *request) error {
	if r.transport == nil {
		return nil
	}
	if err := r.transport.End(); err != nil {
		return fmt.Errorf("ending turn: %w", err)
	}
	return nil
}

func (c *Controller) publish(ev feed.Event) {
	if c.observer != nil {
		c.observer.Publish(ev)
	}
}

func (c *Controller) publishFailure(r *request, err error) {
	c.publish(feed.Event{
		Kind:      feed.KindTurnFailed,
		SessionID: r.key.SessionID,
		Channel:   r.key.Channel,
		TurnID:    r.event.TurnID,
		Error:     err.Error(),
	})
}
