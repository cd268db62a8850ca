package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/chorus/internal/api"
	"github.com/MikeSquared-Agency/chorus/internal/config"
	"github.com/MikeSquared-Agency/chorus/internal/hermes"
	"github.com/MikeSquared-Agency/chorus/internal/session"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and NATS consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(config.Load())
		},
	}
}

func serve(cfg config.Config) error {
	slog.Info("chorus starting", "port", cfg.Port, "store", cfg.StoreBackend())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy, err := cfg.Policy()
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	slog.Info("reconciliation policy",
		"dedup_window", policy.DedupWindow,
		"match_optimistic_by_text", policy.MatchOptimisticByText,
		"collapse_user_echoes", policy.CollapseUserEchoes,
	)

	// Event store
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("event store ready", "backend", cfg.StoreBackend())

	// NATS/Hermes (optional; without it chorus only serves the HTTP API)
	var pub session.Publisher
	var hermesClient *hermes.Client
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer hermesClient.Close()
		pub = hermesClient
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS_URL empty, running without the event bus")
	}

	svc := session.New(db, pub, policy, slog.Default())

	if hermesClient != nil {
		if err := hermesClient.Subscribe(cfg.InboundSubject, svc.HandleOrchestratorEvent); err != nil {
			return fmt.Errorf("subscribe to orchestrator events: %w", err)
		}
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.APIToken, svc, cfg.StoreBackend())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	// Announce registration
	if hermesClient != nil {
		if err := hermesClient.Publish(hermes.SubjectRegistered, hermes.Registration{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Port:      cfg.Port,
			Store:     cfg.StoreBackend(),
		}); err != nil {
			slog.Warn("failed to publish registration", "error", err)
		}
	}

	slog.Info("chorus ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	cancel()
	slog.Info("chorus stopped")
	return nil
}
