package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrel-iot/kestrel/internal/app"
	"github.com/kestrel-iot/kestrel/internal/auth"
	"github.com/kestrel-iot/kestrel/internal/authz"
	"github.com/kestrel-iot/kestrel/internal/platform/cache"
	"github.com/kestrel-iot/kestrel/internal/platform/db"
	"github.com/kestrel-iot/kestrel/internal/shared"
	"github.com/kestrel-iot/kestrel/internal/users"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())

	session := db.NewSession(db.NewPoolFactory(pool), cfg.AuthzInsertMaxRetry, logger)

	userRepo := users.NewRepository(session)
	directory := users.NewDirectory(userRepo)

	store := authz.NewStore(session)
	authzService := authz.NewService(store, logger)
	resolver := authz.NewResolver(directory, store, logger)
	authzMiddleware := authz.Middleware{Resolver: resolver, Directory: directory, Logger: logger}
	authzHandler := authz.NewHandler(logger, authzService, resolver, directory)

	authHandler := auth.NewHandler(logger, auth.NewService(userRepo), sessionManager)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		SessionManager:  sessionManager,
		AuthHandler:     authHandler,
		AuthzHandler:    authzHandler,
		AuthzMiddleware: authzMiddleware,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server", slog.Any("error", err))
		os.Exit(1)
	}
}
