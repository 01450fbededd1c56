package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/confmesh/confmesh/internal/config"
	"github.com/confmesh/confmesh/internal/httpserver"
	"github.com/confmesh/confmesh/internal/metrics"
	"github.com/confmesh/confmesh/internal/rooms"
	"github.com/confmesh/confmesh/internal/signaling"
	"github.com/confmesh/confmesh/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// Populate the environment from .env when present. Real environment
	// variables win; config.Load reads the merged result.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting confmesh-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"max_connections", cfg.MaxConnections,
		"kick_enforcement", cfg.KickEnforcement,
		"room_code_length", cfg.RoomCodeLength,
		"chat_history_cap", cfg.ChatHistoryCap,
		"redis_url_set", cfg.RedisURL != "",
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)

	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.SetMetrics(m)

	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
		srv.SetTURNRESTGenerator(gen)
	}

	store := newRoomStore(logger, cfg)
	rooms.NewHandler(logger, store, cfg.RoomCodeLength, cfg.ChatHistoryCap).RegisterRoutes(srv.Mux())

	hub := signaling.NewHub(logger, m, cfg.KickEnforcement, cfg.MaxConnections)
	ws, err := signaling.NewWebSocketServer(cfg, logger, hub, m)
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		os.Exit(2)
	}
	srv.Mux().Handle("GET /signaling", ws)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newRoomStore selects the room registry backend. With Redis configured the
// store runs behind an in-memory mirror so a Redis outage degrades reads
// instead of failing them.
func newRoomStore(logger *slog.Logger, cfg config.Config) rooms.Store {
	if cfg.RedisURL == "" {
		return rooms.NewMemoryStore(cfg.ChatHistoryCap)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		// Validated by config.Load.
		logger.Error("invalid redis url", "err", err)
		os.Exit(2)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, serving from memory until it recovers", "err", err)
	}

	primary := rooms.NewRedisStore(rdb, cfg.ChatHistoryCap)
	return rooms.NewFallbackStore(logger, primary, rooms.NewMemoryStore(cfg.ChatHistoryCap))
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}

	return commit, built
}
