package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tracker/pkg/api"
	"github.com/platinummonkey/tracker/pkg/auth"
	"github.com/platinummonkey/tracker/pkg/config"
	"github.com/platinummonkey/tracker/pkg/httputil"
	"github.com/platinummonkey/tracker/pkg/observability"
	"github.com/platinummonkey/tracker/pkg/ratelimit"
	"github.com/platinummonkey/tracker/pkg/storage"
	"github.com/platinummonkey/tracker/pkg/storage/memory"
	"github.com/platinummonkey/tracker/pkg/storage/postgres"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file (overrides TRACKER_CONFIG_FILE)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize logger")
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Tracker exited with error")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) (err error) {
	defer func() {
		if perr := observability.MustRecover(recover()); perr != nil {
			err = perr
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.WithFields(logrus.Fields{
		"version":     version,
		"environment": cfg.Observability.Environment,
	})

	redisClient, err := storage.NewRedisClient(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	var (
		users auth.UserRepository
		conns *postgres.ConnectionManager
	)
	switch cfg.Storage.Type {
	case storage.TypePostgres:
		conns, err = postgres.Open(cfg.Storage, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer conns.Close()
		if err := postgres.Migrate(ctx, conns.Primary()); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
		users = postgres.NewUserStore(conns)
	default:
		log.Warn("Using in-memory identity storage; accounts are lost on restart")
		users = memory.NewUserStore()
	}

	cachedUsers := auth.NewCachedUserRepository(users, cfg.Auth.IdentityCacheSize, cfg.Auth.IdentityCacheTTL)

	privateKey, publicKey, err := auth.LoadKeyPair(cfg.Auth.PrivateKeyPath, cfg.Auth.PublicKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}
	codec, err := auth.NewTokenCodec(privateKey, publicKey,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithLeeway(cfg.Auth.ClockLeeway),
	)
	if err != nil {
		return fmt.Errorf("failed to create token codec: %w", err)
	}

	hasher := auth.NewPasswordHasher(auth.PasswordConfig{
		Time:        cfg.Auth.Argon2Time,
		Memory:      cfg.Auth.Argon2Memory,
		Parallelism: cfg.Auth.Argon2Parallelism,
	})
	sessions := storage.NewRevocationStore(redisClient, cfg.Auth.RefreshTokenTTL)
	lockout := ratelimit.NewLockout(redisClient, ratelimit.LockoutConfig{
		MaxAttempts: cfg.RateLimit.LockoutThreshold,
		Duration:    cfg.RateLimit.LockoutDuration,
		Window:      cfg.RateLimit.LockoutWindow,
	})
	limiter := ratelimit.NewLimiter(redisClient)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	serviceOpts := []auth.ServiceOption{auth.WithLogger(logger)}
	if cfg.Observability.MetricsEnabled {
		serviceOpts = append(serviceOpts, auth.WithEventRecorder(metrics))
	}
	service := auth.NewService(cachedUsers, hasher, codec, sessions, lockout, auth.ServiceConfig{
		AccessTTL:      cfg.Auth.AccessTokenTTL,
		RefreshTTL:     cfg.Auth.RefreshTokenTTL,
		StrictRotation: cfg.Auth.StrictRotation,
		DefaultRole:    auth.RoleDeveloper,
	}, serviceOpts...)

	proxies, err := httputil.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}

	serverOpts := []api.ServerOption{api.WithRateLimiter(limiter)}
	if cfg.Observability.MetricsEnabled {
		serverOpts = append(serverOpts, api.WithMetrics(metrics))
	}
	apiServer := api.NewServer(service, api.ServerConfig{
		Production:           cfg.IsProduction(),
		CORSOrigins:          cfg.Server.CORSOrigins,
		CORSAllowCredentials: cfg.Server.CORSAllowCredentials,
		MaxBodyBytes:         cfg.Server.MaxBodyBytes,
		GlobalRule:           ratelimit.GlobalRule(cfg.RateLimit.GlobalRequests, cfg.RateLimit.GlobalWindow),
		LoginRule:            ratelimit.LoginRule(cfg.RateLimit.LoginAttempts, cfg.RateLimit.LoginWindow),
		TrustedProxies:       proxies,
	}, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var healthChecker *observability.HealthChecker
	if conns != nil {
		healthChecker = observability.NewHealthChecker(conns.Primary(), redisClient, version)
	} else {
		healthChecker = observability.NewHealthChecker(nil, redisClient, version)
	}
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, healthChecker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Redis and Postgres are closed by the deferred calls once every server has drained
	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, httpServer, healthServer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", httpServer.Addr).Info("Starting API server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.WithField("addr", healthServer.Addr).Info("Starting health server")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	if cfg.Observability.MetricsEnabled {
		sources := observability.StatsSources{
			Redis:         redisClient.PoolStats,
			IdentityCache: cachedUsers.Len,
		}
		if conns != nil {
			sources.DB = conns.Primary().Stats
		}
		g.Go(func() error {
			defer observability.RecoverPanic(logger, "stats collector")
			metrics.CollectStats(gctx, 15*time.Second, sources)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		return shutdown.Shutdown(context.Background())
	})

	return g.Wait()
}
