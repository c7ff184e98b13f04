// Collaborative ontology server entry point
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ontocollab/internal/config"
	"github.com/ontocollab/internal/graph"
	"github.com/ontocollab/internal/grouping"
	"github.com/ontocollab/internal/hub"
	"github.com/ontocollab/internal/permission"
	"github.com/ontocollab/internal/persist"
	"github.com/ontocollab/internal/search"
	"github.com/ontocollab/internal/server"
	"github.com/ontocollab/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting ontology collaboration server")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs both user credentials and permission grants.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("Redis unreachable", zap.Error(err))
	}
	defer rdb.Close()

	gate, err := permission.NewGate(permission.NewRedisGrantStore(rdb), permission.DefaultConfig(), logger)
	if err != nil {
		logger.Fatal("Failed to create permission gate", zap.Error(err))
	}
	defer gate.Close()

	store := graph.NewStore(logger)
	engine := grouping.NewEngine(store, logger, 0)

	// Persistence: Dgraph when enabled, in-memory otherwise. Either way
	// writes go through the write-behind queue so commits never wait on
	// the backend.
	var backend persist.Persister = persist.NewMemory()
	if cfg.Dgraph.Enabled {
		dgraphCfg := persist.DefaultDgraphConfig()
		dgraphCfg.Address = cfg.Dgraph.Address
		dg, err := persist.NewDgraph(ctx, dgraphCfg, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Dgraph", zap.Error(err))
		}
		backend = dg
	}
	writer := persist.NewWriteBehind(backend, 1024, 10*time.Second, logger)
	defer writer.Close()

	searchCfg := search.DefaultConfig()
	searchCfg.IndexPath = cfg.Search.IndexPath
	searchCfg.InMemory = cfg.Search.InMemory
	index, err := search.NewIndex(searchCfg, logger)
	if err != nil {
		logger.Fatal("Failed to open search index", zap.Error(err))
	}
	defer index.Close()

	hubCfg := hub.DefaultConfig()
	hubCfg.SendBuffer = cfg.Hub.SendBuffer
	hubCfg.RecentEvents = cfg.Hub.RecentEvents
	if cfg.Hub.HeartbeatSeconds > 0 {
		hubCfg.Session = session.Config{
			HeartbeatInterval: time.Duration(cfg.Hub.HeartbeatSeconds) * time.Second,
			EvictAfter:        2 * time.Duration(cfg.Hub.HeartbeatSeconds) * time.Second,
		}
	}

	opts := []hub.Option{
		hub.WithWriteBehind(writer),
		hub.WithLoader(backend),
		hub.WithSearchIndex(index),
	}
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1))
		if err != nil {
			logger.Fatal("NATS unreachable", zap.Error(err))
		}
		defer nc.Close()
		relay := hub.NewRelay(nc, hub.DefaultRelayConfig(), logger)
		relay.Start(ctx)
		opts = append(opts, hub.WithRelay(relay))
	}

	h, err := hub.New(hubCfg, store, engine, gate, logger, opts...)
	if err != nil {
		logger.Fatal("Failed to create hub", zap.Error(err))
	}
	h.Run(ctx)

	authCfg := server.DefaultAuthConfig()
	authCfg.JWTSecret = cfg.Auth.JWTSecret
	if cfg.Auth.TokenHours > 0 {
		authCfg.TokenDuration = time.Duration(cfg.Auth.TokenHours) * time.Hour
	}
	auth, err := server.NewAuth(authCfg, rdb, logger)
	if err != nil {
		logger.Fatal("Failed to create auth", zap.Error(err))
	}

	srv := server.NewServer(h, gate, index, auth, server.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: long-lived websocket connections share this
		// listener.
	}

	go func() {
		logger.Info("HTTP server starting", zap.String("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	os.Exit(0)
}
