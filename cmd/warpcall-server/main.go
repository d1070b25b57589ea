package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/logging"
	"github.com/BioHazard786/warpcall/internal/presence"
	"github.com/BioHazard786/warpcall/internal/relay"
	"github.com/BioHazard786/warpcall/internal/server"
	"github.com/BioHazard786/warpcall/internal/version"
)

func main() {
	logging.Init(zerolog.InfoLevel)

	cmd := &cobra.Command{
		Use:           "warpcall-server",
		Short:         "Signaling relay for warpcall",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(viper.New(), cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.AddServerFlags(cmd.Flags())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("relay failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ServerConfig) error {
	if os.Getenv("LOG_LEVEL") == "" {
		logging.Setup(os.Stderr, logging.ParseLevel(cfg.LogLevel, zerolog.InfoLevel))
	}

	store, closeStore, err := openPresence(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := relay.NewHub(store)
	go hub.Run()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewRouter(hub, store, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("version", version.Version).Msg("Starting signaling relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		hub.Stop()
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down relay...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Relay forced to shutdown")
	}

	hub.Stop()
	log.Info().Msg("Relay exited")
	return nil
}

// openPresence picks the Redis mirror when an address is configured and the
// in-memory one otherwise. Stale entries from a previous run are cleared.
func openPresence(ctx context.Context, cfg *config.ServerConfig) (presence.Store, func(), error) {
	if cfg.RedisAddr == "" {
		return presence.NewMemoryStore(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, err
	}

	store := presence.NewRedisStore(rdb, cfg.RedisPrefix)
	if err := store.Reset(pingCtx); err != nil {
		rdb.Close()
		return nil, nil, err
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("Presence mirrored to Redis")
	return store, func() { rdb.Close() }, nil
}
