// Command chzzk-timeline discovers popular CHZZK lives and keeps one chat session open
// per qualifying channel.
// It:
//   - Loads configuration and initializes structured logging, metrics and tracing.
//   - Connects the configured chat recorders (Postgres with migrations, Redis).
//   - Runs a discovery pass at startup and, when DISCOVERY_INTERVAL is set, periodically.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /sessions and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: every session closes its socket and the process
// waits for all of them before exiting.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/LucetTin5/chzzk-timeline/cache"
	"github.com/LucetTin5/chzzk-timeline/chat"
	"github.com/LucetTin5/chzzk-timeline/chzzkapi"
	"github.com/LucetTin5/chzzk-timeline/config"
	"github.com/LucetTin5/chzzk-timeline/db"
	"github.com/LucetTin5/chzzk-timeline/discovery"
	"github.com/LucetTin5/chzzk-timeline/registry"
	"github.com/LucetTin5/chzzk-timeline/server"
	"github.com/LucetTin5/chzzk-timeline/telemetry"
)

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; requires OTEL_EXPORTER_OTLP_ENDPOINT.
	shutdown, err := telemetry.InitTracing("chzzk-timeline", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("exiting with error", slog.Any("err", err))
		stop()
		shutdown()
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	api := chzzkapi.New(cfg.APIBaseURL, cfg.UserAgent, cfg.HTTPTimeout)
	reg := registry.New()

	var (
		recorders chat.Multi
		checks    []server.Check
		graph     server.GraphStore
		chatters  server.ChatterStore
	)
	if cfg.Uses(config.RecorderPostgres) {
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return err
		}
		defer closeDB(database)

		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			return err
		}
		recorders = append(recorders, &db.Recorder{DB: database})
		graph = &db.Graph{DB: database}
		checks = append(checks, server.Check{Name: "postgres", Fn: database.PingContext})
	}
	if cfg.Uses(config.RecorderRedis) {
		rdb, err := cache.NewRedisRecorder(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ChatterTTL)
		if err != nil {
			return err
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				slog.Warn("failed to close redis client", slog.Any("err", err), slog.String("component", "cache"))
			}
		}()
		recorders = append(recorders, rdb)
		chatters = rdb
		checks = append(checks, server.Check{Name: "redis", Fn: rdb.Ping})
	}
	var recorder chat.Recorder = chat.Discard{}
	if len(recorders) > 0 {
		recorder = recorders
	}

	header := http.Header{}
	header.Set("User-Agent", cfg.UserAgent)
	sup := &chat.Supervisor{
		Registry:     reg,
		Dialer:       chat.WebsocketDialer{Header: header},
		Channels:     api,
		Recorder:     recorder,
		ChatURL:      cfg.ChatURL,
		PingInterval: cfg.PingInterval,
	}
	disc := &discovery.Discoverer{
		API:        api,
		Registry:   reg,
		MinViewers: int64(cfg.MinLiveUser),
		PageSize:   cfg.PageSize,
	}
	runner := &discovery.Runner{Discoverer: disc, Starter: sup}

	ready := &atomic.Bool{}
	handler := server.NewMux(ctx, server.Deps{
		Registry:      reg,
		Sessions:      sup,
		Discovery:     disc,
		Runner:        runner,
		Graph:         graph,
		Chatters:      chatters,
		Checks:        checks,
		Ready:         ready,
		GraphWindow:   cfg.GraphWindow,
		GraphMaxNodes: cfg.GraphMaxNodes,
	}, server.AuthConfig{
		Username: cfg.AdminUsername,
		Password: cfg.AdminPassword,
		Token:    cfg.AdminToken,
	}, server.CORSConfig{
		Permissive:     cfg.CORSPermissive,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, handler) })

	// A failed startup pass is fatal; later passes only log.
	started, err := runner.RunOnce(gctx)
	if err != nil {
		slog.Error("startup discovery failed", slog.Any("err", err), slog.String("component", "discovery"))
		cancel()
		sup.Wait()
		_ = g.Wait()
		return err
	}
	ready.Store(true)
	slog.Info("startup discovery complete", slog.Int("sessions_started", started), slog.Int("active", reg.Len()), slog.String("component", "discovery"))

	discovery.StartRescanner(gctx, runner, cfg.DiscoveryInterval)

	<-gctx.Done()
	slog.Info("shutting down", slog.Int("active_sessions", reg.Len()))
	sup.Wait()
	return g.Wait()
}

func closeDB(database *sql.DB) {
	if err := database.Close(); err != nil {
		slog.Error("failed to close database", slog.Any("err", err))
	}
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}
