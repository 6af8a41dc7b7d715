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

	"github.com/google/uuid"

	"github.com/cipherlink/relay/internal/account"
	"github.com/cipherlink/relay/internal/config"
	"github.com/cipherlink/relay/internal/dispatch"
	"github.com/cipherlink/relay/internal/httpserver"
	"github.com/cipherlink/relay/internal/invite"
	"github.com/cipherlink/relay/internal/kv"
	"github.com/cipherlink/relay/internal/metrics"
	"github.com/cipherlink/relay/internal/presence"
	"github.com/cipherlink/relay/internal/pubsub"
	"github.com/cipherlink/relay/internal/queue"
	"github.com/cipherlink/relay/internal/ratelimit"
	"github.com/cipherlink/relay/internal/registry"
	"github.com/cipherlink/relay/internal/safety"
	"github.com/cipherlink/relay/internal/transport"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
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

	instanceID := uuid.NewString()
	logger.Info("starting cipherlink-relay",
		"instance", instanceID,
		"listen_addr", cfg.ListenAddr(),
		"mode", cfg.Mode,
		"max_payload_size", cfg.MaxPayloadSize,
		"queue_ttl", cfg.QueueTTL,
		"max_queue_len", cfg.MaxQueueLen,
		"database_url_set", cfg.DatabaseURL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := kv.NewClient(ctx, kv.Config{
		URL:      cfg.RedisURL,
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		logger.Error("failed to connect to redis", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	var accounts account.Store
	if cfg.DatabaseURL != "" {
		pg, err := account.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to account store", "err", err)
			os.Exit(1)
		}
		defer pg.Close()
		accounts = pg
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory account store")
		accounts = account.NewMemory()
	}

	m := metrics.New()
	reg := registry.New()
	bus := pubsub.New(rdb, logger)

	dispatcher := dispatch.New(dispatch.Config{
		InstanceID:     instanceID,
		Registry:       reg,
		Presence:       presence.New(rdb, presence.DefaultTTL),
		Queue:          queue.New(rdb, cfg.QueueTTL, cfg.MaxQueueLen),
		Bus:            bus,
		Limiter:        ratelimit.NewSessionBuckets(ratelimit.RealClock{}, cfg.MaxTokens, cfg.RefillRate),
		Metrics:        m,
		Logger:         logger,
		MaxPayloadSize: cfg.MaxPayloadSize,
	})

	closeSub, err := bus.Subscribe(ctx, dispatcher.HandleBusMessage)
	if err != nil {
		logger.Error("failed to subscribe to delivery bus", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeSub(); err != nil {
			logger.Warn("delivery bus close failed", "err", err)
		}
	}()

	ws := transport.NewServer(transport.Config{
		Dispatcher:  dispatcher,
		Registry:    reg,
		Accounts:    accounts,
		Invites:     invite.New(rdb, invite.DefaultTTL),
		Safety:      safety.New(logger),
		Metrics:     m,
		Logger:      logger,
		SyncCodeTTL: cfg.SyncCodeTTL,

		MaxFrameBytes: cfg.MaxFrameBytes,
		PingInterval:  cfg.WSPingInterval,
		IdleTimeout:   cfg.WSIdleTimeout,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.Mux().Handle("GET /ws", ws)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		ws.Close()
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

	ws.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
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
