package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/refurd/rag/internal/api"
	"github.com/refurd/rag/internal/chat"
	"github.com/refurd/rag/internal/config"
	"github.com/refurd/rag/internal/files"
	"github.com/refurd/rag/internal/hub"
	"github.com/refurd/rag/internal/llm"
	"github.com/refurd/rag/internal/retrieval"
	"github.com/refurd/rag/internal/session"
	"github.com/refurd/rag/internal/ws"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	log.Info().Int("http_port", cfg.HTTPPort).
		Str("llm_base_url", cfg.LLMBaseURL).
		Str("llm_model", cfg.LLMModel).
		Str("retrieval_url", cfg.RetrievalURL).
		Msg("starting chat server")

	// Session registry and eviction janitor
	store := session.NewStore(cfg.SystemPrompt)
	janitorStop := make(chan struct{})
	go store.Janitor(cfg.EvictInterval, cfg.SessionTTL, janitorStop)
	defer close(janitorStop)

	// Broadcast hub
	broker := hub.New(log)

	// Collaborators
	completion := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)
	var retrievalClient *retrieval.Client
	var retrievalSvc chat.RetrievalService
	var notifier files.Notifier
	if cfg.RetrievalURL != "" {
		retrievalClient = retrieval.NewClient(cfg.RetrievalURL, log)
		retrievalSvc = retrievalClient
		notifier = retrievalClient
	}

	// Core engine
	orchestrator := chat.New(store, broker, completion, retrievalSvc, log)

	// File management
	manager, err := files.NewManager(cfg.UploadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize file manager")
	}
	registry, err := files.OpenRegistry(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open document registry")
	}
	defer registry.Close()

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	wsServer := ws.NewServer(cfg, broker, store, orchestrator, log)
	e.GET("/ws", wsServer.HandleWebSocket)

	api.NewHandler(store).RegisterRoutes(e)
	files.NewHandler(manager, registry, notifier, log).RegisterRoutes(e)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}
