package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/CARTAvis/go-fleet/pkg/config"
	helpers "github.com/CARTAvis/go-fleet/pkg/shared"
	"github.com/CARTAvis/go-fleet/pkg/shared/defs"
	"github.com/CARTAvis/go-fleet/services/worker/internal/agent"
)

func main() {
	logger := helpers.NewLogger("fleet-worker", "info")
	slog.SetDefault(logger)

	pflag.String("config", "", "Path to config file (default: ./config.*)")
	pflag.String("log_level", "info", "Log level (debug|info|warn|error)")
	pflag.String("coordinator_url", "ws://localhost:8090/", "WebSocket URL of the coordinator")
	pflag.String("id", "", "Worker id (default: random uuid)")
	pflag.String("name", "", "Human readable worker name")
	pflag.StringSlice("models", nil, "Models this worker serves")
	pflag.Int("max_concurrent_requests", 1, "Requests this worker accepts at once")
	pflag.String("override", "", "Override simple config values (string, int, bool) as comma-separated key:value pairs (e.g., worker.id:gpu-1,log_level:debug)")

	pflag.Parse()

	err := config.BindFlags(map[string]string{
		"log_level":               "log_level",
		"coordinator_url":         "worker.coordinator_url",
		"id":                      "worker.id",
		"name":                    "worker.name",
		"models":                  "worker.models",
		"max_concurrent_requests": "worker.max_concurrent_requests",
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

	logger = helpers.NewLogger("fleet-worker", cfg.LogLevel).With("environment", cfg.Environment)
	slog.SetDefault(logger)

	a := agent.New(agent.Config{
		CoordinatorURL: cfg.Worker.CoordinatorURL,
		WorkerId:       cfg.Worker.Id,
		WorkerName:     cfg.Worker.Name,
		Capabilities: defs.WorkerCapabilities{
			Models:                cfg.Worker.Models,
			MaxConcurrentRequests: cfg.Worker.MaxConcurrentRequests,
			ConcurrencyLimits:     cfg.Worker.ConcurrencyLimits,
		},
		AuthToken: cfg.Worker.AuthToken,
		Logger:    logger,
	})

	// Answers liveness probes routed through the coordinator
	a.Handle("ping", func(_ context.Context, a *agent.Agent, raw []byte) error {
		var ping struct {
			RequestId string `json:"requestId"`
		}
		if err := json.Unmarshal(raw, &ping); err != nil {
			return err
		}
		return a.Send(map[string]string{"type": "pong", "requestId": ping.RequestId, "workerId": a.WorkerId()})
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting worker", "workerId", a.WorkerId(), "coordinator", cfg.Worker.CoordinatorURL)
	if err := a.Run(ctx); err != nil {
		slog.Error("Worker stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Worker stopped")
}
