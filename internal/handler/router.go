package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/voxturn/backend/internal/dedupe"
	"github.com/zhouzirui/voxturn/backend/internal/handler/feed"
	"github.com/zhouzirui/voxturn/backend/internal/handler/history"
	"github.com/zhouzirui/voxturn/backend/internal/handler/webhook"
	middlewarePkg "github.com/zhouzirui/voxturn/backend/internal/middleware"
	feedService "github.com/zhouzirui/voxturn/backend/internal/service/feed"
	historyService "github.com/zhouzirui/voxturn/backend/internal/service/history"
	"github.com/zhouzirui/voxturn/backend/pkg/utils"
)

// Deps 汇总路由需要的服务。
type Deps struct {
	Controller webhook.Controller
	Store      historyService.Store
	Hub        *feedService.Hub
	Dedupe     *dedupe.Cache
	Verifier   *middlewarePkg.SignatureVerifier
	Logger     zerolog.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		// webhook 路由单独挂签名校验
		webhook.New(deps.Controller, deps.Dedupe, deps.Logger).
			RegisterRoutes(api, deps.Verifier.Middleware)

		history.New(deps.Store, deps.Logger).RegisterRoutes(api)

		if deps.Hub != nil {
			feed.New(deps.Hub, deps.Logger).RegisterRoutes(api)
		}
	})

	return r
}

// requestLogger 用 zerolog 记录每个请求，替代 chi 自带的文本日志。
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
