package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/account/db"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/account/domain"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/account/httpapi"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/account/messaging"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/breaker"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/config"
	shareddb "github.com/spbu-ds-practicum-2025/finance-tracker/internal/db"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/events"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/logger"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/outbox"
)

func main() {
	cfg := config.LoadAccountService()
	log := logger.New("account-service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := shareddb.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create database pool")
	}
	defer pool.Close()
	log.Info().Msg("database connection pool initialized")

	accountRepo := db.NewAccountRepository(pool.Pool)
	operationRepo := db.NewBankOperationRepository(pool.Pool)
	outboxRepo := outbox.NewRepository(pool.Pool)
	txManager := shareddb.NewTransactionManager(pool.Pool)

	retry := domain.RetryPolicy{
		MaxRetries:      cfg.Balance.MaxRetries,
		InitialInterval: cfg.Balance.InitialInterval,
		MaxInterval:     cfg.Balance.MaxInterval,
	}
	balanceService := domain.NewBalanceService(accountRepo, operationRepo, txManager, retry, log)
	accountService := domain.NewAccountService(accountRepo)
	writer := outbox.NewWriter(outboxRepo)
	log.Info().Msg("domain services initialized")

	publisher, err := events.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create publisher")
	}
	defer publisher.Close()

	relay := outbox.NewRelay(outboxRepo, publisher, breaker.New(5, 30*time.Second), cfg.Outbox, log)
	go relay.Run(ctx)

	handler := messaging.NewHandler(balanceService, writer, cfg.Topics, log)
	consumer, err := messaging.NewConsumer(cfg.RabbitMQ, cfg.Topics, handler, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create consumer")
	}
	defer consumer.Close()

	go func() {
		if err := consumer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("consumer stopped unexpectedly")
			stop()
		}
	}()

	httpHandler := httpapi.NewHandler(accountService, balanceService, log)
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("account-service HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	log.Info().Msg("account-service stopped")
}
