// Package webhook 接收语音平台的 webhook 事件，并以 SSE 流的形式返回本轮回复。
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/voxturn/backend/internal/dedupe"
	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
	"github.com/zhouzirui/voxturn/backend/internal/service/turn"
	"github.com/zhouzirui/voxturn/backend/pkg/utils"
)

// Controller handles one verified webhook event.
type Controller interface {
	Handle(ctx context.Context, ev conversation.Event, tr turn.Transport) error
}

// Handler exposes the webhook endpoint.
type Handler struct {
	controller Controller
	seen       *dedupe.Cache
	logger     zerolog.Logger
}

// New creates a webhook handler. seen may be nil to disable redelivery detection.
func New(controller Controller, seen *dedupe.Cache, logger zerolog.Logger) *Handler {
	return &Handler{
		controller: controller,
		seen:       seen,
		logger:     logger.With().Str("component", "webhook").Logger(),
	}
}

// RegisterRoutes 注册 webhook 路由，mws 只作用于该路由（例如签名校验）。
func (h *Handler) RegisterRoutes(r chi.Router, mws ...func(http.Handler) http.Handler) {
	r.With(mws...).Post("/agent", h.handleEvent)
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev conversation.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !ev.Type.Valid() {
		utils.RespondError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	if strings.TrimSpace(ev.ConversationID) == "" {
		utils.RespondError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	log := h.logger.With().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("event", string(ev.Type)).
		Str("conversation_id", ev.ConversationID).
		Str("turn_id", ev.TurnID).
		Logger()

	if !ev.Type.Streams() {
		if err := h.controller.Handle(r.Context(), ev, nil); err != nil {
			log.Error().Err(err).Msg("failed to handle event")
			utils.RespondError(w, http.StatusInternalServerError, "event handling failed")
			return
		}
		utils.RespondText(w, http.StatusOK, "OK")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, utils.ErrStreamingUnsupported.Error())
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	tr := newSSETransport(w, flusher, ev.TurnID)

	if h.redelivered(ev) {
		log.Info().Int("tracked", h.seen.Len()).Msg("duplicate delivery, ending turn without reprocessing")
		if err := tr.End(); err != nil {
			log.Warn().Err(err).Msg("failed to end duplicate turn")
		}
		return
	}

	if err := h.controller.Handle(r.Context(), ev, tr); err != nil {
		log.Warn().Err(err).Msg("turn stream ended with error")
		// let the platform's retry through
		h.forget(ev)
	}
}

func (h *Handler) forget(ev conversation.Event) {
	if h.seen == nil || ev.TurnID == "" {
		return
	}
	h.seen.Forget(dedupe.Key(string(ev.Type), ev.ConversationID, ev.TurnID))
}

func (h *Handler) redelivered(ev conversation.Event) bool {
	if h.seen == nil || ev.TurnID == "" {
		return false
	}
	return h.seen.CheckAndMark(dedupe.Key(string(ev.Type), ev.ConversationID, ev.TurnID))
}
