// Command syncserver runs the SyncKit server sync coordinator behind
// a WebSocket listener, adapted from the teacher's main.go: same
// http.Server + signal.NotifyContext graceful shutdown shape, now
// wiring server.Coordinator, a buntdb-backed persistence.Adapter, and
// an optional Redis pub/sub bridge for multi-instance fan-out.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/synckit/core/persistence/memstore"
	"github.com/synckit/core/server"
	"github.com/synckit/core/transport"
)

func loadConfig() *koanf.Koanf {
	k := koanf.New(".")
	_ = k.Load(confmap.Provider(map[string]interface{}{
		"addr":               ":8080",
		"db_path":            "synckit.db",
		"jwt_secret":         "dev-secret-change-me",
		"redis_addr":         "",
		"ack_timeout":        "2s",
		"coalesce_window":    "30ms",
		"awareness_ttl":      "30s",
		"auth_required":      true,
	}, "."), nil)
	_ = k.Load(env.Provider("SYNCKIT_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "SYNCKIT_"))
	}), nil)
	return k
}

func main() {
	k := loadConfig()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	store, err := memstore.Open(k.String("db_path"))
	if err != nil {
		logger.Error("syncserver: failed to open store", "error", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Connect(ctx); err != nil {
		logger.Error("syncserver: failed to connect store", "error", err)
		os.Exit(1)
	}
	defer store.Disconnect(context.Background())

	var pubsub *server.PubSub
	if addr := k.String("redis_addr"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		pubsub = server.NewPubSub(rdb, "synckit:doc:", logger)
	}

	cfg := server.Config{
		AckTimeout:     k.Duration("ack_timeout"),
		CoalesceWindow: k.Duration("coalesce_window"),
		AwarenessTTL:   k.Duration("awareness_ttl"),
	}
	coord := server.NewCoordinator(store, pubsub, cfg, logger)
	verifier := server.NewTokenVerifier([]byte(k.String("jwt_secret")))

	stopSweep := make(chan struct{})
	coord.RunAwarenessSweeper(0, stopSweep)
	defer close(stopSweep)

	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewWSHandler(coord, verifier, logger, k.Bool("auth_required")))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	addr := k.String("addr")
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("syncserver: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("syncserver: listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("syncserver: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
