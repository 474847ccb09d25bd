// Package history exposes read-only access to recorded conversations.
package history

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
	"github.com/zhouzirui/voxturn/backend/pkg/utils"
)

// Reader is the read side of the history store.
type Reader interface {
	Get(ctx context.Context, key conversation.Key) ([]conversation.Message, error)
	GetCombined(ctx context.Context, sessionID string) ([]conversation.Message, error)
	Session(ctx context.Context, sessionID string) (conversation.Session, bool, error)
}

// Handler 提供会话历史查询接口。
type Handler struct {
	store  Reader
	logger zerolog.Logger
}

// New creates a history handler.
func New(store Reader, logger zerolog.Logger) *Handler {
	return &Handler{store: store, logger: logger.With().Str("component", "history").Logger()}
}

// RegisterRoutes 注册历史查询路由。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/history", h.combined)
	r.Get("/sessions/{sessionID}/history/{channel}", h.channel)
}

// Response is the payload of both history endpoints. Channel is empty for
// the combined view.
type Response struct {
	Session  conversation.Session    `json:"session"`
	Channel  conversation.ChannelTag `json:"channel,omitempty"`
	Messages []conversation.Message  `json:"messages"`
}

var errNotFound = errors.New("session not found")

func (h *Handler) combined(w http.ResponseWriter, r *http.Request) {
	session, err := h.session(r)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	msgs, err := h.store.GetCombined(r.Context(), session.ID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, Response{Session: session, Messages: nonNil(msgs)})
}

func (h *Handler) channel(w http.ResponseWriter, r *http.Request) {
	tag, ok := conversation.ParseChannelTag(chi.URLParam(r, "channel"))
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, "channel must be A, B or single")
		return
	}

	session, err := h.session(r)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	msgs, err := h.store.Get(r.Context(), conversation.Key{SessionID: session.ID, Channel: tag})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, Response{Session: session, Channel: tag, Messages: nonNil(msgs)})
}

func (h *Handler) session(r *http.Request) (conversation.Session, error) {
	sessionID := chi.URLParam(r, "sessionID")
	session, ok, err := h.store.Session(r.Context(), sessionID)
	if err != nil {
		return conversation.Session{}, err
	}
	if !ok {
		return conversation.Session{}, errNotFound
	}
	return session, nil
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	if errors.Is(err, errNotFound) {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Error().Err(err).Msg("failed to read history")
	utils.RespondError(w, http.StatusInternalServerError, "failed to read history")
}

func nonNil(msgs []conversation.Message) []conversation.Message {
	if msgs == nil {
		return []conversation.Message{}
	}
	return msgs
}
