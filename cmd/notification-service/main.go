package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/order-fulfillment/internal/db"
	"github.com/avolkov/order-fulfillment/internal/events"
	"github.com/avolkov/order-fulfillment/internal/notification"
	"github.com/avolkov/order-fulfillment/internal/rabbitmq"
	"github.com/avolkov/order-fulfillment/pkg/config"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Logger = log.With().Str("service", "notification-service").Logger()

	log.Info().Msg("Notification service starting...")

	cfg, err := config.Load(os.Getenv("ENV_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Postgres.MigrationsPath == "" {
		cfg.Postgres.MigrationsPath = "migrations/notification"
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

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQ, "notification-service.events", []string{
		events.RoutingKey(events.TypeOrderCreated),
		events.RoutingKey(events.TypeShipmentDispatched),
		events.RoutingKey(events.TypeClientRegistered),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect consumer to RabbitMQ")
	}
	defer consumer.Close()

	projector := notification.NewProjector(notification.NewRepository(database.Pool))

	if err := consumer.Run(ctx, projector.Handle); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Consumer loop stopped")
	}
	log.Info().Msg("Notification service stopped")
}
