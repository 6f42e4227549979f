package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/example/delivery-dispatch/internal/config"
	"github.com/example/delivery-dispatch/internal/engine"
	"github.com/example/delivery-dispatch/internal/geo"
	httpapi "github.com/example/delivery-dispatch/internal/http"
	"github.com/example/delivery-dispatch/internal/ingest"
	"github.com/example/delivery-dispatch/internal/logging"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/realtime"
	"github.com/example/delivery-dispatch/internal/storage"
)

func main() {
	var (
		envFile       string
		addr          string
		migrate       bool
		migrationFile string
	)
	pflag.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")
	pflag.StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	pflag.BoolVar(&migrate, "migrate", false, "apply the schema before serving (overrides MIGRATE)")
	pflag.StringVar(&migrationFile, "migration-file", "migrations/001_create_assignments.sql", "schema file applied with --migrate")
	pflag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.HTTPAddr = addr
	}
	if migrate {
		cfg.RunMigrations = true
	}

	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, migrationFile, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, migrationFile string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := engine.Deps{Logger: logger}
	var checks []httpapi.HealthCheck

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			schema, err := os.ReadFile(migrationFile)
			if err != nil {
				return fmt.Errorf("read migration: %w", err)
			}
			if _, err := pg.DB().ExecContext(ctx, string(schema)); err != nil {
				return fmt.Errorf("apply migration: %w", err)
			}
			logger.Info("migration applied", "file", migrationFile)
		}
		deps.Repo = pg
		deps.Orders = storage.NewPostgresOrders(pg.DB())
		checks = append(checks, httpapi.HealthCheck{Name: "postgres", Check: pg.DB().PingContext})
		logger.Info("using postgres store")
	} else {
		deps.Repo = storage.NewMemoryStore()
		deps.Orders = storage.NewMemoryOrders()
		logger.Warn("PG_DSN not set, assignments are kept in memory")
	}

	if cfg.RedisAddr != "" {
		mirror := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer mirror.Close()
		deps.Mirror = mirror
		checks = append(checks, httpapi.HealthCheck{Name: "redis", Check: mirror.Ping})
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger.With("component", "kafka"))
		defer producer.Close()
		deps.LocationSink = producer
		logger.Info("streaming locations", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	if cfg.PushEndpoint != "" {
		deps.Notifier = notify.NewPushSender(cfg.PushEndpoint, cfg.PushKey)
	} else {
		deps.Notifier = notify.LogSender{Logger: logger.With("component", "notify")}
	}

	eng := engine.New(cfg.EngineConfig(), deps)
	defer eng.Close()

	router := realtime.NewRouter(eng, logger.With("component", "realtime"))
	ws := &realtime.Handler{Router: router, Hub: eng.Hub, Logger: logger, BaseContext: ctx}
	api := httpapi.NewServer(eng, ws, logger, checks...)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
