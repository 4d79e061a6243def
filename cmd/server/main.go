package main

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
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sketchsync/internal/adapters/auth"
	router "github.com/dkeye/sketchsync/internal/adapters/http"
	"github.com/dkeye/sketchsync/internal/adapters/memstore"
	"github.com/dkeye/sketchsync/internal/adapters/natsbus"
	"github.com/dkeye/sketchsync/internal/adapters/pgstore"
	"github.com/dkeye/sketchsync/internal/adapters/redisstore"
	"github.com/dkeye/sketchsync/internal/adapters/ws"
	"github.com/dkeye/sketchsync/internal/app"
	"github.com/dkeye/sketchsync/internal/config"
	"github.com/dkeye/sketchsync/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	store, recorders, err := openStore(ctx, cfg, &closers)
	if err != nil {
		return err
	}

	compactor := core.NewCompactor(store, cfg.Compaction.Every)
	rooms := core.NewRegistry(store, core.RoomConfig{
		MaxMembers:         cfg.Room.MaxMembers,
		LogTail:            cfg.Room.LogTail,
		MaxPayload:         cfg.Room.MaxPayload,
		AppendTimeout:      cfg.Storage.AppendTimeout,
		AppendRetries:      cfg.Storage.AppendRetries,
		ReconcileBatch:     cfg.Reconcile.BatchSize,
		ReconcileMaxFrames: max(cfg.WS.SendBuffer/4, 1),
		IdleTTL:            cfg.Room.IdleTTL,
	}, core.WithRecorder(recorders), core.WithCompactor(compactor))
	closers = append(closers, rooms.Close)

	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.AllowGuests)
	gw := app.NewGateway(verifier, rooms, app.GatewayConfig{
		HeartbeatTimeout:  cfg.Heartbeat.Timeout,
		MaxProtocolErrors: cfg.Conn.MaxProtocolErrors,
		JoinRateLimit:     cfg.Room.JoinRateLimit,
		JoinRateWindow:    cfg.Room.JoinRateWindow,
	})
	go gw.Run(ctx)

	ctl := ws.NewController(gw, ws.Config{
		ReadLimit:    cfg.WS.ReadLimit,
		DiscardLimit: cfg.WS.DiscardLimit,
		SendBuffer:   cfg.WS.SendBuffer,
		WriteWait:    cfg.WS.WriteWait,
		PingInterval: cfg.Heartbeat.Interval,
		PongWait:     cfg.Heartbeat.Timeout,
	})

	r := router.SetupRouter(ctx, cfg, gw, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("storage", cfg.Storage.Driver).Msg("sketchsync server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	gw.Shutdown()
	return nil
}

// openStore builds the persistence chain: a durable store, optionally fronted
// by the Redis snapshot cache, and the membership recorders fed by rooms.
func openStore(ctx context.Context, cfg *config.Config, closers *[]func()) (core.Store, core.MembershipRecorders, error) {
	var store core.Store
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		if cfg.Storage.Migrate {
			if err := pgstore.Migrate(cfg.Storage.PostgresDSN); err != nil {
				return nil, nil, err
			}
		}
		pool, err := pgstore.Connect(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		*closers = append(*closers, pool.Close)
		store = pgstore.New(pool)
	default:
		log.Warn().Str("module", "main").Msg("using in-memory storage, rooms do not survive restarts")
		store = memstore.New()
	}

	if cfg.Redis.URL != "" {
		client, err := redisstore.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		*closers = append(*closers, func() { _ = client.Close() })
		store = redisstore.New(store, client, cfg.Redis.SnapshotTTL)
	}

	recorders := core.MembershipRecorders{store}
	if cfg.NATS.URL != "" {
		pub, err := natsbus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return nil, nil, err
		}
		*closers = append(*closers, func() { _ = pub.Close() })
		recorders = append(recorders, pub)
	}
	return store, recorders, nil
}
