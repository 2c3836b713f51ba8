/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the MatchPay payout engine.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env, then config (defaults -> YAML file -> environment)
  2. Initialize SQLite store
  3. Pick a rate limiter (Redis when REDIS_URL is set, in-process otherwise)
  4. Build pipeline and catalog services, the JWT verifier and metrics
  5. Configure HTTP router
  6. Run the HTTP server and, when brokers are configured, the outbox relay

COMMAND-LINE FLAGS:
  -config  YAML config file (default: matchpay.yaml, optional)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for in-memory database
  -seed    Load a demo scenario at startup. Only allowed for ":memory:"
           or a database file that does not exist yet

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  3. Stop the outbox relay and close the Kafka writer
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/matchpay.db"

  # Demo data in memory
  ./server -db=":memory:" -seed=multi-partner

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - outbox/relay.go: Event publishing
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/matchpay/payout-engine/api"
	"github.com/matchpay/payout-engine/auth"
	"github.com/matchpay/payout-engine/catalog"
	"github.com/matchpay/payout-engine/config"
	"github.com/matchpay/payout-engine/metrics"
	"github.com/matchpay/payout-engine/outbox"
	"github.com/matchpay/payout-engine/pipeline"
	"github.com/matchpay/payout-engine/ratelimit"
	"github.com/matchpay/payout-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "matchpay.yaml", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	seed := flag.String("seed", "", "demo scenario to load into a new database")
	flag.Parse()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTPPort = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger := newLogger(cfg.LogLevel)
	if err := run(cfg, *seed, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("service", "matchpay").Logger()
}

// checkSeedTarget refuses to seed a database that already exists, since
// loading a scenario wipes every table first.
func checkSeedTarget(dbPath string) error {
	if dbPath == ":memory:" {
		return nil
	}
	_, err := os.Stat(dbPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("check database %s: %w", dbPath, err)
	default:
		return fmt.Errorf("refusing to seed existing database %s", dbPath)
	}
}

func run(cfg config.Config, seed string, logger zerolog.Logger) error {
	if seed != "" {
		if err := checkSeedTarget(cfg.DBPath); err != nil {
			return err
		}
	}

	// Initialize store
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Rate limiter
	var limiter ratelimit.Limiter = ratelimit.NewMemory()
	if cfg.RedisURL != "" {
		rl, client, err := ratelimit.NewRedisFromURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer client.Close()
		limiter = rl
		logger.Info().Msg("rate limiting via redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set, rate limits are per process")
	}

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Services
	cat := catalog.NewService(store, cfg.PublicBaseURL)
	svc := pipeline.NewService(store, store, store)

	if seed != "" {
		res, err := cat.LoadScenario(context.Background(), store, seed)
		if err != nil {
			return fmt.Errorf("seed %s: %w", seed, err)
		}
		for _, j := range res.Joins {
			logger.Info().Str("scenario", seed).Str("join_id", j.Join.ID).Str("link", j.TrackingLink).Msg("demo tracking link")
		}
	}

	handler := api.NewHandler(svc, cat, verifier, limiter)
	handler.Metrics = m
	handler.Resetter = store
	handler.DB = store
	handler.Policies = api.Policies{
		Click:      ratelimit.Policy{Name: ratelimit.ClickPolicy.Name, Limit: cfg.RateLimits.Click, Window: ratelimit.ClickPolicy.Window},
		Lead:       ratelimit.Policy{Name: ratelimit.LeadPolicy.Name, Limit: cfg.RateLimits.Lead, Window: ratelimit.LeadPolicy.Window},
		Conversion: ratelimit.Policy{Name: ratelimit.ConversionPolicy.Name, Limit: cfg.RateLimits.Conversion, Window: ratelimit.ConversionPolicy.Window},
		Webhook:    ratelimit.Policy{Name: ratelimit.WebhookPolicy.Name, Limit: cfg.RateLimits.Webhook, Window: ratelimit.WebhookPolicy.Window},
	}

	router := api.NewRouter(handler, api.RouterConfig{
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Int("port", cfg.HTTPPort).Str("db", cfg.DBPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.OutboxEnabled() {
		publisher := outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()

		relay := outbox.NewRelay(store, publisher)
		relay.PollInterval = cfg.OutboxPollInterval
		relay.BatchSize = cfg.OutboxBatchSize
		relay.Metrics = m
		relay.Logger = logger.With().Str("component", "outbox").Logger()

		g.Go(func() error { return relay.Run(gctx) })
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("outbox relay enabled")
	} else {
		logger.Warn().Msg("KAFKA_BROKERS not set, outbox events stay in the database")
	}

	// Wait for interrupt signal or a component failure
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
