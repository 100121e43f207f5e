package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/order-fulfillment/internal/db"
	"github.com/avolkov/order-fulfillment/internal/events"
	"github.com/avolkov/order-fulfillment/internal/rabbitmq"
	"github.com/avolkov/order-fulfillment/internal/shipment"
	"github.com/avolkov/order-fulfillment/pkg/config"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Logger = log.With().Str("service", "inventory-service").Logger()

	log.Info().Msg("Inventory service starting...")

	cfg, err := config.Load(os.Getenv("ENV_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Postgres.MigrationsPath == "" {
		cfg.Postgres.MigrationsPath = "migrations/inventory"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if err := database.ApplyMigrations(cfg.Postgres); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	publisher, err := rabbitmq.NewPublisher(cfg.RabbitMQ)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect publisher to RabbitMQ")
	}
	defer publisher.Close()

	repo := shipment.NewRepository(database.Pool)
	ledger := shipment.NewLedger(database.Pool)
	svc := shipment.NewService(repo, ledger, publisher)
	handler := shipment.NewHandler(svc)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQ, "inventory-service.events",
		[]string{events.RoutingKey(events.TypeOrderCreated)})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect consumer to RabbitMQ")
	}
	defer consumer.Close()

	go func() {
		// The consumer loop only returns on shutdown; anything else means
		// events are no longer being applied, so die and let orchestration
		// restart the process.
		if err := consumer.Run(ctx, shipment.NewConsumer(svc).Handle); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("Consumer loop stopped")
		}
	}()

	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Shutdown failed")
	}
	log.Info().Msg("Server stopped")
}
