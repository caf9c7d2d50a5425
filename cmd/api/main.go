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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/app"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/audit"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/auth"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/clock"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/config"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/platform/logging"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/platform/otel"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/ratelimit"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/storage/memory"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/storage/postgres"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/storage/sqlite"
	transporthttp "github.com/sfpack1703/pack-rsvp/services/api/internal/transport/http"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/validate"
	"github.com/sfpack1703/pack-rsvp/services/api/migrations"
)

const serviceName = "pack-rsvp-api"

type rsvpStore interface {
	app.AdmissionRepository
	app.RosterRepository
}

func main() {
	envPath, envErr := config.LoadDotEnv()

	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	switch {
	case envErr != nil:
		logger.Warn("failed to load .env", zap.Error(envErr))
	case envPath == "":
		logger.Warn(".env not found in current or parent directories")
	default:
		logger.Info("loaded env", zap.String("path", envPath))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	startupCtx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	shutdownTracing, err := otel.Setup(startupCtx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	var rdb *redis.Client
	if cfg.RateLimitStore == config.RateLimitStoreRedis || cfg.AuditSink == config.AuditSinkRedis {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(startupCtx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	store, sink, closeStore, err := openStorage(startupCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if sink == nil {
		switch cfg.AuditSink {
		case config.AuditSinkRedis:
			sink = audit.NewRedisSink(rdb)
		default:
			sink = audit.NewLogSink(logger)
		}
	}
	emitter := audit.NewEmitter(sink, logger,
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithWorkers(cfg.AuditWorkers),
		audit.WithRate(cfg.AuditRPS),
	)

	var limiterStore ratelimit.Store
	if cfg.RateLimitStore == config.RateLimitStoreRedis {
		limiterStore = ratelimit.NewRedisStore(rdb)
	} else {
		mem := ratelimit.NewMemoryStore()
		mem.StartJanitor(rootCtx)
		limiterStore = mem
	}

	clk := clock.NewSystem()
	rsvpSvc := app.NewRSVPService(store, ratelimit.New(limiterStore, logger), validate.New(), clk, logger,
		app.WithRateLimit(cfg.RateLimitRSVP, cfg.RateLimitWindow),
		app.WithMaxAttempts(cfg.AdmissionMaxAttempts),
		app.WithAdmissionTimeout(cfg.AdmissionTimeout),
		app.WithAuditEmitter(emitter),
	)
	rosterSvc := app.NewRosterService(store, logger)

	deps := transporthttp.RouterDeps{
		ServiceName: serviceName,
		Submitter:   rsvpSvc,
		Roster:      rosterSvc,
		Tokens:      auth.NewTokenVerifier(cfg.JWTSecret, clk.Now),
		Logger:      logger,
	}
	if cfg.AppCheckRequired {
		deps.AppCheck = auth.NewAppCheckVerifier(cfg.AppCheckSecret, cfg.AppCheckAudience, clk.Now)
	}
	router := transporthttp.NewRouter(deps)
	handler := transporthttp.RequestLogger(transporthttp.CORS(cfg.CORSOrigins, router), logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening",
		zap.String("addr", server.Addr),
		zap.String("storage", cfg.StorageDriver),
		zap.String("rate_limit_store", cfg.RateLimitStore),
		zap.String("audit_sink", cfg.AuditSink),
	)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	stopCtx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server: %w", err)
		}
	case <-stopCtx.Done():
		logger.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := emitter.Close(shutdownCtx); err != nil {
		logger.Warn("audit emitter did not drain", zap.Error(err))
	}
	logger.Info("server stopped")
	return serveErr
}

// openStorage opens the configured RSVP backend. When the audit sink shares
// that backend the store is returned as the sink too.
func openStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (rsvpStore, audit.Sink, func(), error) {
	switch cfg.StorageDriver {
	case config.StorageDriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to db: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("db ping: %w", err)
		}
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		var sink audit.Sink
		if cfg.AuditSink == config.AuditSinkPostgres {
			sink = postgres.NewAnalyticsRepository(pool)
		}
		return postgres.NewRSVPRepository(pool), sink, pool.Close, nil

	case config.StorageDriverSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		var sink audit.Sink
		if cfg.AuditSink == config.AuditSinkSQLite {
			sink = st
		}
		closeFn := func() {
			if err := st.Close(); err != nil {
				logger.Warn("close sqlite", zap.Error(err))
			}
		}
		return st, sink, closeFn, nil

	default:
		st := memory.New()
		n, err := st.LoadEventsFile(cfg.MemoryEventsFile)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load events: %w", err)
		}
		logger.Warn("using in-memory storage, RSVPs are lost on restart",
			zap.String("events_file", cfg.MemoryEventsFile),
			zap.Int("events", n),
		)
		return st, nil, func() {}, nil
	}
}
