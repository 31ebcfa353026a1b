// Package main запускает HTTP-сервер сервиса расчётов кейтеринга.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/catering-system/internal/config"
	"github.com/mmeshcher/catering-system/internal/events"
	"github.com/mmeshcher/catering-system/internal/gateway"
	"github.com/mmeshcher/catering-system/internal/handler"
	"github.com/mmeshcher/catering-system/internal/ledger"
	"github.com/mmeshcher/catering-system/internal/middleware"
	"github.com/mmeshcher/catering-system/internal/repository"
	"github.com/mmeshcher/catering-system/internal/settlement"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var gw settlement.Gateway
	if cfg.GatewayAddress != "" {
		gw = gateway.NewClient(cfg.GatewayAddress)
	}

	var publisher *events.Publisher
	if cfg.AMQPAddress != "" {
		publisher, err = events.NewPublisher(cfg.AMQPAddress)
		if err != nil {
			sugar.Fatalw("rabbitmq initialization error", "error", err.Error())
		}
		defer publisher.Close()
	}

	ldg := ledger.NewService(repo, logger)
	svc := settlement.NewService(repo, ldg, gw, logger, settlement.Options{
		Timeout:          cfg.SettlementTimeout,
		PollInterval:     cfg.PollInterval,
		CallbackURL:      cfg.CallbackURL,
		TaxRateBP:        cfg.TaxRateBP,
		DeliveryFeeCents: cfg.DeliveryFeeCents,
	})

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновых обработчиков саги и outbox
	g.Go(func() error {
		var pub settlement.Publisher
		if publisher != nil {
			pub = publisher
		}
		svc.StartWorkers(ctx, pub)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting catering server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
