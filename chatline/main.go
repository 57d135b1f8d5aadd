package main

import (
	"chatline/chatline/config"
	"chatline/chatline/controllers"
	"chatline/chatline/realtime"
	"chatline/chatline/routes"
	"chatline/chatline/services/auth"
	"chatline/chatline/services/llm"
	"chatline/chatline/sources/psql"
	"chatline/chatline/sources/psql/dao"
	"chatline/chatline/sources/storage"
	"chatline/chatline/utils/logging"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()
	logging.InitLogger(cfg.LogDir)
	defer logging.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := psql.NewDatabase(ctx, cfg)
	if err != nil {
		logging.ErrorLogger.Error("database connection error", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		logging.ErrorLogger.Error("auth setup error", zap.Error(err))
		os.Exit(1)
	}
	generator, err := llm.NewFromConfig(cfg)
	if err != nil {
		logging.ErrorLogger.Error("llm setup error", zap.Error(err))
		os.Exit(1)
	}

	// the transcript archive is optional
	var archive controllers.TranscriptArchive
	minioClient, err := storage.NewMinIOClient(ctx, cfg)
	switch {
	case err == nil:
		archive = minioClient
	case errors.Is(err, storage.ErrNotConfigured):
		logging.AppLogger.Info("minio not configured, transcript archive disabled")
	default:
		logging.ErrorLogger.Error("minio connection error", zap.Error(err))
		os.Exit(1)
	}

	userDAO := dao.NewUserDAO(db.DB)
	chatDAO := dao.NewChatDAO(db.DB)
	authCtrl := controllers.NewAuthController(userDAO, verifier)
	chatCtrl := controllers.NewChatController(chatDAO, generator, archive)
	registry := realtime.NewRegistry()
	wsHandler := realtime.NewHandler(registry, verifier, chatDAO, chatCtrl, realtime.SessionConfig{
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
		PingInterval:      cfg.PingInterval,
		ProcessTimeout:    cfg.GenerationTimeout + 30*time.Second,
	})

	r := routes.NewRouter(routes.Deps{
		Auth:   authCtrl,
		Chat:   chatCtrl,
		Health: controllers.NewHealthController(registry),
		WS:     wsHandler,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// hijacked WebSocket connections are invisible to Shutdown
	srv.RegisterOnShutdown(wsHandler.Drain)
	go func() {
		logging.AppLogger.Info("server listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("llm_provider", cfg.LLMProvider),
			zap.String("llm_model", generator.Model()),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.ErrorLogger.Error("server listen error", zap.Error(err))
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.ErrorLogger.Error("server shutdown error", zap.Error(err))
	}
	// in-flight messages must finish before the database closes
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.GenerationTimeout+30*time.Second)
	defer drainCancel()
	if err := wsHandler.Wait(drainCtx); err != nil {
		logging.ErrorLogger.Error("websocket drain incomplete", zap.Error(err))
	}
	logging.AppLogger.Info("server shutdown complete")
}
