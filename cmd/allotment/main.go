// Package main запускает HTTP-сервер сервиса учёта лимитов.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/allotment-tracker/internal/config"
	"github.com/mmeshcher/allotment-tracker/internal/fieldcrypt"
	"github.com/mmeshcher/allotment-tracker/internal/handler"
	"github.com/mmeshcher/allotment-tracker/internal/metrics"
	"github.com/mmeshcher/allotment-tracker/internal/middleware"
	"github.com/mmeshcher/allotment-tracker/internal/repository"
	"github.com/mmeshcher/allotment-tracker/internal/service"
	"github.com/mmeshcher/allotment-tracker/internal/verify"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	cipher, err := fieldcrypt.NewCipher(cfg.EncryptionKey)
	if err != nil {
		sugar.Fatalw("field encryption initialization error", "error", err.Error())
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	verifier := verify.NewClient(cfg.VerifyAPIURL, cfg.VerifyAPIKey, cfg.Environment, logger, verify.WithMetrics(m))

	svc := service.NewService(repo, verifier, cipher, logger, m)
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, sessions will not survive restart")
	}
	authMiddleware, err := middleware.NewAuthMiddleware(cfg.AuthSecret, cfg.Environment == config.Production)
	if err != nil {
		sugar.Fatalw("auth initialization error", "error", err.Error())
	}

	h := handler.NewHandler(svc, logger, authMiddleware, prometheus.DefaultGatherer)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting allotment tracker", "addr", cfg.RunAddress, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
