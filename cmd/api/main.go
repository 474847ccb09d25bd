package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/voxturn/backend/internal/config"
	"github.com/zhouzirui/voxturn/backend/internal/dedupe"
	"github.com/zhouzirui/voxturn/backend/internal/handler"
	"github.com/zhouzirui/voxturn/backend/internal/logging"
	"github.com/zhouzirui/voxturn/backend/internal/middleware"
	"github.com/zhouzirui/voxturn/backend/internal/service/ai"
	"github.com/zhouzirui/voxturn/backend/internal/service/feed"
	"github.com/zhouzirui/voxturn/backend/internal/service/history"
	"github.com/zhouzirui/voxturn/backend/internal/service/turn"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, os.Stderr)
	if envErr != nil {
		logger.Warn().Err(envErr).Msg("no .env file loaded, continuing with system environment variables only")
	}

	store, closer, err := openHistory(cfg.History, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open history store")
	}
	defer closer.Close()

	generator := newGenerator(ctx, cfg, logger)

	hub := feed.NewHub(logger)
	seen := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries)
	defer seen.Close()

	controller := turn.New(store, generator, turn.Config{
		WelcomeMessage:    cfg.Agent.WelcomeMessage,
		GenerationTimeout: cfg.Generation.Timeout,
	}, logger, turn.WithObserver(hub))

	verifier := middleware.NewSignatureVerifier(cfg.Webhook.Secret, cfg.Webhook.SignatureTolerance, logger)
	if !verifier.Enabled() {
		logger.Warn().Msg("LAYERCODE_WEBHOOK_SECRET 未配置，webhook 签名校验已关闭")
	}

	router := handler.NewRouter(handler.Deps{
		Controller: controller,
		Store:      store,
		Hub:        hub,
		Dedupe:     seen,
		Verifier:   verifier,
		Logger:     logger,
	})

	startServer(ctx, cfg.Server, router, logger)
}

// openHistory 根据配置选择内存或 SQLite 存储。
func openHistory(cfg config.HistoryConfig, logger zerolog.Logger) (history.Store, io.Closer, error) {
	if cfg.Backend == config.HistoryBackendSQLite {
		store, err := history.NewSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
	logger.Info().Msg("using in-memory history store, conversations are lost on restart")
	return history.NewMemoryStore(), io.NopCloser(nil), nil
}

// newGenerator returns nil when the model is not configured; turns then end
// without a reply.
func newGenerator(ctx context.Context, cfg *config.Config, logger zerolog.Logger) turn.Generator {
	if !cfg.AI.Enabled() {
		logger.Warn().Msg("Ark 凭证未配置，跳过 AI 功能初始化")
		return nil
	}

	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create chat model, 请检查 Ark 模型相关环境变量")
		return nil
	}

	tools := ai.NewRegistry()
	if err := ai.RegisterWeather(tools, nil); err != nil {
		logger.Error().Err(err).Msg("failed to register weather tool")
		return nil
	}

	gen, err := ai.NewGenerator(ctx, chatModel, ai.Options{
		SystemPrompt: cfg.Agent.Prompt,
		MaxSteps:     cfg.Generation.MaxSteps,
		Tools:        tools,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize generator")
		return nil
	}

	logger.Info().Str("model", cfg.AI.Model).Int("max_steps", cfg.Generation.MaxSteps).Msg("AI generator initialized")
	return gen
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger zerolog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("voxturn backend listening")
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
