package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/M0Rf30/slskdn/internal/backfill"
	"github.com/M0Rf30/slskdn/internal/cleanup"
	"github.com/M0Rf30/slskdn/internal/config"
	"github.com/M0Rf30/slskdn/internal/engine"
	"github.com/M0Rf30/slskdn/internal/governor"
	"github.com/M0Rf30/slskdn/internal/http/rest"
	"github.com/M0Rf30/slskdn/internal/logctx"
	"github.com/M0Rf30/slskdn/internal/notifier"
	"github.com/M0Rf30/slskdn/internal/peer"
	"github.com/M0Rf30/slskdn/internal/peer/fspeer"
	"github.com/M0Rf30/slskdn/internal/source"
	"github.com/M0Rf30/slskdn/internal/storage/sqlite"
	"github.com/M0Rf30/slskdn/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		slog.Error("telemetry error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	slog.Info("slskdn starting...", "log_level", cfg.LogLevel, "peer_backend", cfg.PeerBackend)

	if err := run(logctx.WithLogger(ctx, logger), cfg, tel); err != nil && err != context.Canceled {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.Telemetry.Enabled {
		if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
			logger.Warn("failed to start runtime metrics", "err", err)
		}
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	hashes := sqlite.NewInstrumentedHashRepository(database, tel)
	store := sqlite.NewInstrumentedTransferRepository(database, tel)

	// =========================================================================
	// Start Peer Network
	network, err := buildPeerNetwork(cfg)
	if err != nil {
		return fmt.Errorf("failed to build peer network: %w", err)
	}

	// =========================================================================
	// Start Transfer Engine
	registry := source.NewRegistry(source.Limits{
		SuspectAfterFailures: cfg.Sources.SuspectAfterFailures,
		SuspectCooldown:      cfg.Sources.SuspectCooldown,
		EvictAfterFailures:   cfg.Sources.EvictAfterFailures,
	})

	gov := governor.New(governor.Config{
		GlobalMax:      cfg.Governor.GlobalMaxFetches,
		PerSourceMax:   cfg.Governor.PerSourceMaxFetches,
		AcquireTimeout: cfg.Governor.AcquireTimeout,
	})

	manager := engine.NewManager(engine.Config{
		DownloadDir:      cfg.DownloadDir,
		SegmentSize:      cfg.Transfer.SegmentSize,
		MaxRetries:       cfg.Transfer.MaxRetries,
		StallWindow:      cfg.Transfer.StallWindow,
		FetchTimeout:     cfg.Transfer.FetchTimeout,
		PassInterval:     time.Second,
		DiscoveryTimeout: cfg.Sweep.DiscoveryTimeout,
	}, network, network, registry, gov, hashes, store, tel)

	engineDone := make(chan struct{})

	go func() {
		defer close(engineDone)

		manager.Run(ctx)
	}()

	// =========================================================================
	// Start Notification
	setupNotificationForManager(ctx, manager, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, manager, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for transfers...",
		"download_dir", cfg.DownloadDir,
		"segment_size", cfg.Transfer.SegmentSize,
		"sweep_interval", cfg.Sweep.Interval.String(),
		"part_retention", cfg.Cleanup.KeepPartsFor.String(),
	)

	// =========================================================================
	// Start Backfill Sweeper
	backfill.NewSweeper(manager, cfg.Sweep.Interval).Run(ctx)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, cfg)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(sctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		// Coordinators drain their in-flight fetches before Run returns.
		<-engineDone

		if err := tel.Shutdown(sctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}

		return ctx.Err()
	}
}

// peerNetwork is what the engine needs from a peer protocol backend.
type peerNetwork interface {
	peer.Client
	peer.Discoverer
}

// This is an abstract factory for the peer protocol backend.
func buildPeerNetwork(cfg *config.Config) (peerNetwork, error) {
	switch cfg.PeerBackend {
	case "fs":
		return fspeer.New(cfg.ShareRoot)
	}

	return nil, fmt.Errorf("invalid peer backend: %s", cfg.PeerBackend)
}

func setupNotificationForManager(ctx context.Context, manager *engine.Manager, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	go func() {
		for status := range manager.OnTransferFailed {
			logger.Error("transfer failed", "transfer_id", status.ID, "name", status.Name, "reason", status.Error)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(
				"❌ Download failed for file: " + status.Name + " (" + status.Error + ")",
			); notifyErr != nil {
				logger.Error("failed to send notification", "err", notifyErr)
			}
		}
	}()

	go func() {
		for status := range manager.OnTransferFinished {
			logger.Info("transfer finished", "transfer_id", status.ID, "name", status.Name)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(
				"✅ Download finished for file: " + status.Name,
			); notifyErr != nil {
				logger.Error("failed to send notification", "transfer_id", status.ID, "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *engine.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging(tel))

	r.Mount("/", rest.NewTransfersHandler(manager, tel).Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "slskdn-api"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.Cleanup.Interval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				if err := cleanup.DeleteStaleParts(ctx, cfg.DownloadDir, cfg.Cleanup.KeepPartsFor); err != nil {
					logger.Error("failed to delete stale part files", "err", err)
				}
			}
		}
	}()
}
