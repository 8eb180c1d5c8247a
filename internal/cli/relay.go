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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/hermes-sync/internal/config"
	"github.com/example/hermes-sync/internal/observability"
	"github.com/example/hermes-sync/internal/remote"
)

// RelayOptions configures the relay command.
type RelayOptions struct {
	Addr   string
	Memory bool
}

// NewRelayCommand creates the relay command, which exposes a remote store to
// websocket clients so several processes can share one document source.
func NewRelayCommand(_ *RootOptions) *cobra.Command {
	opts := &RelayOptions{}
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the redis document store to websocket clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, cfg, *opts, observability.NewLogger(os.Stderr, cfg.AppName, cfg.LogLevel))
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", ":8081", "listen address for websocket clients")
	cmd.Flags().BoolVar(&opts.Memory, "memory", false, "serve an in-memory store instead of redis")
	return cmd
}

func runRelay(ctx context.Context, cfg config.Config, opts RelayOptions, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "relay").Logger()

	var store remote.Store
	if opts.Memory {
		store = remote.NewMemory()
	} else {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis healthcheck failed: %w", err)
		}
		store = remote.NewRedisStore(client, logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/ws", remote.NewWSHandler(store, logger, remote.WSHandlerConfig{}))

	srv := &http.Server{Addr: opts.Addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", opts.Addr).Bool("memory", opts.Memory).Msg("relay starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
