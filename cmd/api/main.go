package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ineffabledeeps/asym-assistant/internal/auth"
	"github.com/ineffabledeeps/asym-assistant/internal/chats"
	"github.com/ineffabledeeps/asym-assistant/internal/config"
	"github.com/ineffabledeeps/asym-assistant/internal/db"
	"github.com/ineffabledeeps/asym-assistant/internal/httpapi"
	"github.com/ineffabledeeps/asym-assistant/internal/logging"
	"github.com/ineffabledeeps/asym-assistant/internal/openrouter"
	"github.com/ineffabledeeps/asym-assistant/internal/ratelimit"
	"github.com/ineffabledeeps/asym-assistant/internal/session"
	"github.com/ineffabledeeps/asym-assistant/internal/tools"
)

const sessionSweepInterval = 15 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	loggers, err := logging.New(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer loggers.Sync()
	logger := loggers.App

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer database.Close()

	if err := db.Migrate(ctx, database); err != nil {
		logger.Fatal("migrate db", zap.Error(err))
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      cfg.RateLimitWindow,
	})
	if err != nil {
		logger.Fatal("init rate limiter", zap.Error(err))
	}

	registry, err := tools.NewDefaultRegistry(cfg, nil, logger.Named("tools"))
	if err != nil {
		logger.Fatal("init tools", zap.Error(err))
	}

	sessions := session.NewStore(database)
	if !cfg.AuthRequired {
		if err := sessions.EnsureUser(ctx, httpapi.AnonymousUser()); err != nil {
			logger.Fatal("ensure anonymous user", zap.Error(err))
		}
	}
	handler := httpapi.NewHandler(cfg, httpapi.Deps{
		Logger:   logger.Named("http"),
		Sessions: sessions,
		Chats:    chats.NewStore(database),
		Verifier: auth.NewVerifier(cfg),
		Tokens:   auth.NewTokenIssuer(cfg),
		Limiter:  limiter,
		Streamer: openrouter.NewClient(cfg, nil),
		Tools:    registry,
	})

	go limiter.Run(ctx, cfg.RateLimitSweep, func(removed int) {
		if removed > 0 {
			logger.Debug("swept rate limit windows", zap.Int("removed", removed))
		}
	})
	go sweepSessions(ctx, sessions, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddress(),
		Handler:      httpapi.NewRouter(handler, loggers.Request),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 130 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			zap.String("addr", cfg.ListenAddress()),
			zap.String("env", cfg.Environment),
			zap.Bool("auth_required", cfg.AuthRequired),
			zap.Strings("tools", registryNames(registry)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}

func sweepSessions(ctx context.Context, sessions session.Store, logger *zap.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sessions.DeleteExpiredSessions(ctx)
			if err != nil {
				logger.Warn("sweep expired sessions failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("swept expired sessions", zap.Int64("removed", removed))
			}
		}
	}
}

func registryNames(registry *tools.Registry) []string {
	list := registry.List()
	names := make([]string, 0, len(list))
	for _, tool := range list {
		names = append(names, tool.Name)
	}
	return names
}
