package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/api"
	"github.com/remotesync/remotesync-server/internal/auth"
	"github.com/remotesync/remotesync-server/internal/config"
	"github.com/remotesync/remotesync-server/internal/engine"
	"github.com/remotesync/remotesync-server/internal/metrics"
	"github.com/remotesync/remotesync-server/internal/server"
	"github.com/remotesync/remotesync-server/internal/storage"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/sync-server.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	metrics.Init()

	// Open the device registry
	var store storage.Store
	if cfg.Database.DSN == "" {
		log.Info().Msg("No database configured, using in-memory store")
		store = storage.NewMemoryStore()
	} else {
		pg, err := storage.NewPostgresStore(
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		store = pg
		log.Info().Msg("Connected to database")
	}
	defer store.Close()

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional: connect the event bus
	var (
		nc     *nats.Conn
		bus    engine.Publisher
		stream api.EventStream
	)
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		conn, err := nats.Connect(cfg.NATS.URL,
			nats.Name("remotesync-sync-server"),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
			nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
				log.Error().
					Err(err).
					Str("subject", sub.Subject).
					Msg("NATS error")
			}),
		)

		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without event bus")
		} else {
			nc = conn
			defer nc.Close()
			bus = nc
			stream = api.NATSStream(nc)
			log.Info().Msg("Connected to NATS")
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	tokens := auth.NewJWTManager(&cfg.JWT)
	eng := engine.NewEngine(cfg, store, tokens, bus)

	// WaitGroup for services
	var wg sync.WaitGroup

	// Start the sync engine; it resumes paired devices from the registry.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Sync engine stopped")
		}
	}()

	// Start REST API server
	apiServer := api.NewRESTServer(cfg, store, eng, bus, stream)

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		log.Info().Str("addr", addr).Msg("Starting REST API server")
		if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Driver announcements arrive over the bus so the websocket surface can
	// run in a separate process.
	if nc != nil {
		subscriber := server.NewNATSSubscriber(nc, eng)

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("Starting NATS subscriber")
			if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("NATS subscriber stopped")
			}
		}()
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown API server
	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Sync server stopped")
}
