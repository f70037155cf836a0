package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/eugener/warden/internal/auth"
	"github.com/eugener/warden/internal/balance"
	"github.com/eugener/warden/internal/blob"
	"github.com/eugener/warden/internal/config"
	"github.com/eugener/warden/internal/crypto"
	"github.com/eugener/warden/internal/engine"
	"github.com/eugener/warden/internal/health"
	"github.com/eugener/warden/internal/kv"
	"github.com/eugener/warden/internal/oauth"
	"github.com/eugener/warden/internal/pool"
	"github.com/eugener/warden/internal/route"
	"github.com/eugener/warden/internal/server"
	"github.com/eugener/warden/internal/storage"
	"github.com/eugener/warden/internal/storage/sqlite"
	"github.com/eugener/warden/internal/telemetry"
	"github.com/eugener/warden/internal/upstream"
	"github.com/eugener/warden/internal/worker"
)

func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config error", "error", err)
		return exitConfig
	}

	slog.Info("starting warden", "version", version, "addr", cfg.Server.Addr)

	// Storage
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		slog.Error("storage error", "error", err)
		return exitStorage
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		slog.Error("bootstrap error", "error", err)
		return exitStorage
	}

	// KV cache: Redis when configured, in-memory otherwise.
	var cache kv.Cache
	if cfg.Redis.URL != "" {
		cache, err = kv.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			slog.Error("redis error", "error", err)
			return exitStorage
		}
	} else {
		cache = kv.NewMemory()
		slog.Info("no redis configured, using in-memory kv cache")
	}
	defer cache.Close()

	encKey, err := crypto.DeriveKey(cfg.Security.EncryptionKey)
	if err != nil {
		slog.Error("config error", "error", err)
		return exitConfig
	}

	// Repositories
	accounts := storage.NewAccountRepo(store)
	keys := storage.NewKeyRepo(store)
	routeRepo := storage.NewRouteRepo(store)
	usageRepo := storage.NewUsageRepo(store)
	users := storage.NewUserRepo(store)

	// Shared DNS cache for all outbound clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				dnsResolver.Refresh(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	transports, err := upstream.NewTransports(dnsResolver, cfg.ProxyMap())
	if err != nil {
		slog.Error("config error", "error", err)
		return exitConfig
	}
	upstreams := upstream.NewRegistry()

	// Core components
	scorer, err := health.NewScorer(nil)
	if err != nil {
		slog.Error("startup error", "error", err)
		return exitConfig
	}
	balancer := balance.New(scorer, balance.Opts{MinHealthScore: cfg.Pool.MinHealthScore})

	accountPool, err := pool.New(accounts, pool.Opts{SnapshotTTL: cfg.Pool.SnapshotTTL})
	if err != nil {
		slog.Error("startup error", "error", err)
		return exitConfig
	}

	table, err := route.New(ctx, routeRepo)
	if err != nil {
		slog.Error("storage error", "error", err)
		return exitStorage
	}

	oauthMgr := oauth.New(cache, accounts, encKey, oauth.Opts{
		Anthropic: oauth.AnthropicConfig{
			AuthorizeURL: cfg.OAuth.Anthropic.AuthorizeURL,
			TokenURL:     cfg.OAuth.Anthropic.TokenURL,
			ClientID:     cfg.OAuth.Anthropic.ClientID,
			RedirectURI:  cfg.OAuth.Anthropic.RedirectURI,
			Scopes:       cfg.OAuth.Anthropic.Scopes,
		},
		Qwen: oauth.QwenConfig{
			DeviceAuthURL: cfg.OAuth.Qwen.DeviceAuthURL,
			TokenURL:      cfg.OAuth.Qwen.TokenURL,
			ClientID:      cfg.OAuth.Qwen.ClientID,
			Scopes:        cfg.OAuth.Qwen.Scopes,
		},
		ExchangeTimeout: cfg.Timeouts.OAuthExchange,
		RefreshTimeout:  cfg.Timeouts.TokenRefresh,
	})

	usageRecorder := worker.NewUsageRecorder(usageRepo)

	eng := engine.New(accountPool, balancer, table, oauthMgr, upstreams, transports,
		keys, usageRecorder, encKey, engine.Opts{
			Strategy:     cfg.Pool.Strategy,
			UnaryTimeout: cfg.Timeouts.Unary,
			StreamIdle:   cfg.Timeouts.StreamIdle,
		})

	apiKeyAuth, err := auth.NewAPIKeyAuth(keys, nil)
	if err != nil {
		slog.Error("startup error", "error", err)
		return exitConfig
	}
	adminAuth := auth.NewAdminAuth([]byte(cfg.Security.JWTSecret), nil)

	prober := health.NewProber(accounts, engine.NewProbeFunc(upstreams, transports, encKey), health.ProberOpts{
		Interval:    cfg.Probe.Interval,
		Concurrency: cfg.Probe.Concurrency,
		Timeout:     cfg.Probe.Timeout,
		Scorer:      scorer,
		Invalidator: accountPool,
	})

	// Telemetry
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	var tracer trace.Tracer
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			slog.Error("tracing setup failed", "error", err)
			return exitConfig
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx) //nolint:errcheck
		}()
		tracer = telemetry.Tracer("warden")
	}

	// Background workers
	workers := []worker.Worker{usageRecorder, prober}
	if cfg.Backup.Enabled {
		sink, err := blob.NewFS(cfg.Backup.Dir)
		if err != nil {
			slog.Error("backup sink error", "error", err)
			return exitStorage
		}
		workers = append(workers, worker.NewBackup(store, sink, cfg.Backup.Interval, cfg.Backup.Keep, nil))
	}
	runner := worker.NewRunner(workers...)
	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.Run(ctx) }()

	// HTTP server
	handler := server.New(server.Deps{
		Auth:   apiKeyAuth,
		Admin:  adminAuth,
		Engine: eng,
		OAuth:  oauthMgr,
		Prober: prober,
		Pool:   accountPool,
		Table:  table,

		Store:    store,
		Accounts: accounts,
		Keys:     keys,
		Routes:   routeRepo,
		Usage:    usageRepo,
		Users:    users,
		KV:       cache,
		EncKey:   encKey,

		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,

		MaxConcurrent: cfg.Server.MaxConcurrent,
		AdmissionWait: cfg.Server.AdmissionWait,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No write timeout: streaming responses have no total deadline.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	slog.Info("listening", "addr", cfg.Server.Addr)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serveErr:
		slog.Error("server error", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("server shutdown", "error", err)
	}

	// Workers drain on context cancellation (usage recorder flushes).
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		slog.Warn("workers did not drain before deadline")
	}

	slog.Info("shutdown complete")
	return exitOK
}
