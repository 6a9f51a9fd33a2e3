package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/CARTAvis/go-fleet/pkg/auth"
	"github.com/CARTAvis/go-fleet/pkg/config"
	"github.com/CARTAvis/go-fleet/pkg/coordinator"
	"github.com/CARTAvis/go-fleet/pkg/events"
	helpers "github.com/CARTAvis/go-fleet/pkg/shared"
	"github.com/CARTAvis/go-fleet/services/coordinator/internal/adminApi"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := helpers.NewLogger("fleet-coordinator", "info")
	slog.SetDefault(logger)

	id := uuid.New()
	slog.Info("Starting coordinator", "uuid", id.String())

	pflag.String("config", "", "Path to config file (default: ./config.*)")
	pflag.String("log_level", "info", "Log level (debug|info|warn|error)")
	pflag.Int("port", 8090, "Port for worker connections and the admin API")
	pflag.String("hostname", "", "Hostname to listen on")
	pflag.String("auth_mode", "", "Worker authentication (none|token|jwt), token when auth_token is set")
	pflag.String("redis_addr", "", "Redis address for lifecycle events, empty to disable")
	pflag.String("override", "", "Override simple config values (string, int, bool) as comma-separated key:value pairs (e.g., coordinator.port:9000,log_level:debug)")

	pflag.Parse()

	err := config.BindFlags(map[string]string{
		"log_level":  "log_level",
		"port":       "coordinator.port",
		"hostname":   "coordinator.hostname",
		"auth_mode":  "coordinator.auth_mode",
		"redis_addr": "events.redis_addr",
	})
	if err != nil {
		slog.Error("Failed to bind flags", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(pflag.Lookup("config").Value.String(), pflag.Lookup("override").Value.String())
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Update the logger to use the configured log level
	logger = helpers.NewLogger("fleet-coordinator", cfg.LogLevel).With("environment", cfg.Environment)
	slog.SetDefault(logger)

	if err := run(cfg, id.String(), logger); err != nil {
		slog.Error("Coordinator failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, instanceId string, logger *slog.Logger) error {
	verifier, err := auth.New(auth.Mode(cfg.Coordinator.AuthMode), cfg.Coordinator.AuthToken)
	if err != nil {
		return fmt.Errorf("configuring worker authentication: %w", err)
	}
	opts := []coordinator.Option{coordinator.WithLogger(logger)}
	if verifier != nil {
		opts = append(opts, coordinator.WithVerifier(verifier))
	}

	coord := coordinator.New(coordinator.Config{
		Hostname:            cfg.Coordinator.Hostname,
		Port:                cfg.Coordinator.Port,
		HeartbeatTimeout:    cfg.Coordinator.HeartbeatTimeout,
		HeartbeatInterval:   cfg.Coordinator.HeartbeatInterval,
		HealthCheckInterval: cfg.Coordinator.HealthCheckInterval,
		AuthToken:           cfg.Coordinator.AuthToken,
	}, opts...)

	coord.AddHTTPHandler(coordinator.RouterHandler(adminApi.NewRouter(coord, logger.With("component", "adminApi"))))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Events.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
			DB:       cfg.Events.RedisDB,
		})
		defer helpers.CloseOrLogWith(logger, redisClient)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Events.RedisAddr, err)
		}
		slog.Info("Connected to redis", "addr", cfg.Events.RedisAddr, "stream", cfg.Events.Stream)

		forwarder := events.Attach(coord, events.NewRedisPublisher(redisClient, cfg.Events.Stream), instanceId, logger.With("component", "events"))
		defer forwarder.Close()
	}

	if err := coord.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return coord.Stop(shutdownCtx)
}
