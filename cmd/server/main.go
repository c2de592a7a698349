package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/driftsync/server/internal/auth"
	"github.com/driftsync/server/internal/config"
	"github.com/driftsync/server/internal/metrics"
	"github.com/driftsync/server/internal/registry"
	"github.com/driftsync/server/internal/security"
	"github.com/driftsync/server/internal/server"
	"github.com/driftsync/server/internal/storage"
	syncpkg "github.com/driftsync/server/internal/sync"
	"github.com/driftsync/server/internal/websocket"
)

const (
	evictionInterval = time.Minute
	cleanupInterval  = time.Hour
)

func main() {
	log := newLogger("info", "json")

	cfg, err := config.Load(&log)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}
	log = newLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(log)

	serverID := uuid.NewString()
	ctx := context.Background()

	// Storage: Postgres when configured, in-memory otherwise.
	var store storage.Adapter
	if cfg.DatabaseURL != "" {
		pgConfig := storage.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		store = storage.NewPostgresAdapter(pgConfig)
	} else {
		log.Warn().Msg("DATABASE_URL not set, documents persist in memory only")
		store = storage.NewMemoryAdapter()
	}
	if err := store.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("storage connection failed")
	}

	// Redis pub/sub for multi-instance delta relay, optional.
	var pubsub *storage.RedisPubSub
	if cfg.RedisURL != "" {
		redisConfig := storage.DefaultRedisPubSubConfig()
		redisConfig.URL = cfg.RedisURL
		pubsub, err = storage.NewRedisPubSub(redisConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("redis configuration invalid")
		}
		if err := pubsub.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		pubsub.AnnouncePresence(ctx, serverID, map[string]interface{}{
			"version": server.Version,
			"host":    cfg.Host,
		})
		pubsub.SubscribeToPresence(ctx, func(event, peerID string, metadata map[string]interface{}) {
			if peerID == serverID {
				return
			}
			log.Info().Str("event", event).Str("peerId", peerID).Msg("peer instance presence change")
		})
	}

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier, err = auth.NewVerifier(cfg.JWTSecret)
		if err != nil {
			log.Fatal().Err(err).Msg("JWT secret invalid")
		}
	}

	sec := security.NewManager(security.Limits{
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		MessageRate:         float64(cfg.MessageRate),
		MessageBurst:        cfg.MessageBurst,
		MaxMessageSize:      int(cfg.MaxMessageSize),
	})

	reg := registry.New(cfg.MaxConnections)
	coordinator, err := syncpkg.NewCoordinator(store, cfg.MaxDocuments, log)
	if err != nil {
		log.Fatal().Err(err).Msg("coordinator initialization failed")
	}

	hub := websocket.NewHub(reg, coordinator, verifier, pubsub, websocket.HubConfig{
		RequireAuth:       cfg.RequireAuth,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BatchWindow:       cfg.BatchWindow,
		AckTimeout:        cfg.AckTimeout,
		AckMaxRetries:     cfg.AckMaxRetries,
		AwarenessTimeout:  cfg.AwarenessTimeout,
		ServerID:          serverID,
	}, log)
	go hub.Run()

	collector := metrics.NewCollector(cfg.MetricsInterval, metrics.Gauges{
		ActiveConnections: reg.Count,
		ResidentDocuments: coordinator.DocumentCount,
		PendingAcks:       hub.Acks().PendingCount,
	})
	collector.Start()

	evictStop := make(chan struct{})
	go func() {
		evictTicker := time.NewTicker(evictionInterval)
		cleanupTicker := time.NewTicker(cleanupInterval)
		defer evictTicker.Stop()
		defer cleanupTicker.Stop()
		for {
			select {
			case <-evictTicker.C:
				if n := coordinator.EvictIdle(context.Background()); n > 0 {
					metrics.DocumentsEvicted.Add(float64(n))
					log.Debug().Int("evicted", n).Msg("evicted idle documents")
				}
			case <-cleanupTicker.C:
				result, err := store.Cleanup(context.Background(), &storage.CleanupOptions{
					OldSessionsHours:        24,
					OldDeltasDays:           30,
					MaxSnapshotsPerDocument: 10,
				})
				if err != nil {
					log.Warn().Err(err).Msg("storage cleanup failed")
				} else if result != nil {
					log.Debug().
						Int("sessions", result.SessionsDeleted).
						Int("deltas", result.DeltasDeleted).
						Int("snapshots", result.SnapshotsDeleted).
						Msg("storage cleanup complete")
				}
			case <-evictStop:
				return
			}
		}
	}()

	srv := server.New(cfg, hub, reg, coordinator, sec, store, pubsub, log)
	go func() {
		log.Info().
			Str("addr", cfg.ListenAddr()).
			Str("serverId", serverID).
			Int("cpus", runtime.GOMAXPROCS(0)).
			Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop accepting HTTP first, then drain the sync pipeline.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown forced")
	}
	close(evictStop)
	collector.Stop()
	hub.Stop()
	coordinator.Close(shutdownCtx)

	if pubsub != nil {
		pubsub.AnnounceShutdown(shutdownCtx, serverID)
		pubsub.Disconnect(shutdownCtx)
	}
	if err := store.Disconnect(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("storage disconnect failed")
	}
	sec.Dispose()

	log.Info().Msg("shutdown complete")
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if format == "pretty" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
