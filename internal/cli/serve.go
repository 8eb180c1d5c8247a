package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/hermes-sync/internal/config"
	"github.com/example/hermes-sync/internal/coordinator"
	"github.com/example/hermes-sync/internal/httpapi"
	"github.com/example/hermes-sync/internal/notify"
	"github.com/example/hermes-sync/internal/observability"
	"github.com/example/hermes-sync/internal/snapshot"
	"github.com/example/hermes-sync/internal/trigger"
	"github.com/example/hermes-sync/internal/types"
)

// NewServeCommand creates the serve command.
func NewServeCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Mirror the remote collections and serve the local API",
		Long: `Subscribe to the configured collections, keep the allocation and the
reminders up to date and expose the mirror, mutations and undo over HTTP.

Configuration is read from the environment (see internal/config).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, observability.NewLogger(os.Stderr, cfg.AppName, cfg.LogLevel))
		},
	}
}

func runServe(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	observability.RegisterRuntimeCollectors()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() { _ = telemetryShutdown(context.Background()) }()

	resources, err := config.NewResources(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize resources: %w", err)
	}
	defer resources.Close()

	opts, err := coordinatorOptions(cfg)
	if err != nil {
		return err
	}

	hub := notify.NewHub(logger, notify.HubConfig{})
	defer hub.Close()
	sink := notify.Fanout{notify.NewLogSink(logger), hub}

	coord := coordinator.New(resources.Remote, resources.Ledger, sink, logger, opts)

	g, ctx := errgroup.WithContext(ctx)

	if resources.Snapshots != nil {
		collections := coord.Mirror().Collections()
		restored, err := snapshot.Restore(ctx, coord.Mirror(), resources.Snapshots, collections)
		if err != nil {
			logger.Error().Err(err).Msg("snapshot restore failed; waiting for change feeds")
		} else {
			logger.Info().Int("documents", restored).Msg("restored mirror from snapshots")
		}
		worker := snapshot.NewWorker(coord.Mirror(), resources.Snapshots, cfg.SnapshotInterval, logger)
		g.Go(func() error { return worker.Run(ctx) })
	}

	g.Go(func() error { return coord.Run(ctx) })

	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           httpapi.NewRouter(coord, hub, logger, httpapi.WithAllowedOrigins(cfg.AllowedOrigins...)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(ctx); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info().
		Str("ledger", cfg.LedgerBackend).
		Str("remote", cfg.RemoteBackend).
		Bool("snapshots", resources.Snapshots != nil).
		Msg("server dependencies initialized")

	err = g.Wait()
	logger.Info().Msg("shutdown complete")
	return err
}

func coordinatorOptions(cfg config.Config) (coordinator.Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return coordinator.Options{}, err
	}

	var rules []trigger.Rule
	if cfg.RulesFile != "" {
		rules, err = trigger.LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return coordinator.Options{}, err
		}
	}

	settings, settingsID := cfg.SettingsLocation()
	finance, financeID := cfg.FinanceSettingsLocation()
	extra := make([]types.CollectionID, 0, len(cfg.Collections))
	for _, c := range cfg.Collections {
		extra = append(extra, types.CollectionID(c))
	}

	return coordinator.Options{
		Collections: coordinator.Collections{
			Goals:             types.CollectionID(cfg.GoalsCollection),
			Bills:             types.CollectionID(cfg.BillsCollection),
			Settings:          types.CollectionID(settings),
			SettingsID:        types.DocumentID(settingsID),
			FinanceSettings:   types.CollectionID(finance),
			FinanceSettingsID: types.DocumentID(financeID),
			Extra:             extra,
		},
		ConfirmTimeout: cfg.ConfirmTimeout,
		TriggerEvery:   cfg.TriggerInterval,
		UndoCapacity:   cfg.UndoCapacity,
		Rules:          rules,
		SettingsRules:  cfg.SettingsRules,
		Location:       loc,
	}, nil
}
