package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"timebank/internal/api"
	"timebank/internal/config"
	"timebank/internal/database"
	"timebank/internal/domain"
	"timebank/internal/events"
	"timebank/internal/google"
	"timebank/internal/logging"
	"timebank/internal/metrics"
	"timebank/internal/repository"
	"timebank/internal/service"
	"timebank/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database, &logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.Database.Driver).Msg("init database")
		return err
	}
	defer db.Close()

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, but starting API application. Check your config.")
	}

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer (func() { _ = repository.Close(redisClient) })()
	}

	journal := initJournal(ctx, cfg, db, redisClient, &logger)
	go journal.Start(ctx)

	eventBus := events.NewEventBus()
	subscribeBookingEvents(eventBus, &logger)

	svc := buildServices(cfg, db, eventBus, journal, newRateLimiter(redisClient, &logger), &logger)

	if err := seedUsers(ctx, cfg.SeedFile, svc.Users, &logger); err != nil {
		return err
	}

	sweeper := worker.NewSweeper(svc.Slots, svc.Bookings, cfg.Market.SweepInterval, logging.Component(&logger, "sweeper"))
	go sweeper.Start(ctx)

	switch {
	case cfg.Backup.Enabled && cfg.Database.Driver != config.DriverSQLite:
		logger.Warn().Str("driver", cfg.Database.Driver).Msg("built-in backups only support sqlite, skipping")
	case cfg.Backup.Enabled:
		backupService := database.NewBackupService(db, cfg.Backup, &logger)
		go backupService.Start(ctx)
	}

	grpcServer, err := api.NewGRPCServer(cfg.API, svc, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("create grpc server")
		return err
	}
	httpServer := api.NewHTTPServer(cfg.API, svc, logging.Component(&logger, "http"))

	startMetrics(ctx, cfg, &logger)

	return startServers(ctx, grpcServer, httpServer, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = repository.Close(client)
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// newRateLimiter prefers Redis and falls back to process memory while Redis
// is unreachable.
func newRateLimiter(client *redis.Client, logger *zerolog.Logger) domain.RateLimiter {
	memory := repository.NewMemoryRateLimiter()
	if client == nil {
		return memory
	}
	return repository.NewFailoverRateLimiter(repository.NewRedisRateLimiter(client), memory, logger)
}

func initJournal(ctx context.Context, cfg *config.Config, db *database.DB, redisClient *redis.Client,
	logger *zerolog.Logger,
) *worker.JournalWorker {
	journalLogger := logging.Component(logger, "journal")
	sinks := []domain.JournalSink{worker.NewLogSink(journalLogger)}

	if cfg.Journal.Enabled {
		sheetsJournal, err := google.NewSheetsJournal(ctx, cfg.Journal)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("google sheets init failed, continuing without sheets journal")
		default:
			if err := sheetsJournal.TestConnection(ctx); err != nil {
				logger.Warn().Err(err).Msg("google sheets connection test failed")
			}
			if err := sheetsJournal.WarmUpCache(ctx); err != nil {
				logger.Warn().Err(err).Msg("google sheets cache warm-up failed")
			}
			sinks = append(sinks, sheetsJournal)
			logger.Info().Str("spreadsheet_id", cfg.Journal.SpreadsheetID).Msg("google sheets journal connected")
		}
	}

	opts := []worker.JournalOption{worker.WithPolling(cfg.Journal.PollInterval, cfg.Journal.BatchSize)}
	if redisClient != nil {
		opts = append(opts, worker.WithRedisQueue(redisClient))
	}
	retry := worker.RetryPolicy{MaxRetries: cfg.Journal.MaxRetries}
	return worker.NewJournalWorker(db, sinks, retry, journalLogger, opts...)
}

func subscribeBookingEvents(bus *events.EventBus, logger *zerolog.Logger) {
	eventsLogger := logging.Component(logger, "events")
	bus.Subscribe(events.AllEvents, func(event *events.Event) error {
		var payload events.BookingEventPayload
		if err := event.Decode(&payload); err != nil {
			return err
		}
		eventsLogger.Debug().
			Str("type", event.Type).
			Str("booking_id", payload.BookingID).
			Str("status", payload.Status).
			Msg("booking event")
		return nil
	})
}

func buildServices(cfg *config.Config, db *database.DB, bus *events.EventBus, journal *worker.JournalWorker,
	limiter domain.RateLimiter, logger *zerolog.Logger,
) api.Services {
	serviceLogger := logging.Component(logger, "service")
	ledger := service.NewLedgerService(db, serviceLogger)

	return api.Services{
		Users:  service.NewUserService(db, ledger, cfg.Market.SignupCredits, serviceLogger),
		Ledger: ledger,
		Slots:  service.NewSlotService(db, serviceLogger, nil),
		Bookings: service.NewBookingService(db, ledger, serviceLogger,
			service.WithEventPublisher(bus),
			service.WithOutboxNotifier(journal),
			service.WithRequestRateLimit(limiter, cfg.Market.RequestLimit, cfg.Market.RequestWindow),
		),
		Reviews: service.NewReviewService(db, serviceLogger),
		DB:      db,
	}
}

type seedFile struct {
	Users []struct {
		Username    string `yaml:"username"`
		Email       string `yaml:"email"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"users"`
}

// seedUsers registers the users listed in path that do not exist yet.
func seedUsers(ctx context.Context, path string, users *service.UserService, logger *zerolog.Logger) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Str("seed_file", path).Msg("seed file not found, skipping")
			return nil
		}
		return fmt.Errorf("read seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	for _, u := range seed.Users {
		user, created, err := users.EnsureUser(ctx, u.Username, u.Email, u.DisplayName)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", u.Username, err)
		}
		if created {
			logger.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("seeded user")
		}
	}
	return nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	go func() {
		if !cfg.API.GRPC.Enabled {
			return
		}
		if err := grpcServer.ListenAndServe(); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().
		Bool("grpc", cfg.API.GRPC.Enabled).Int("grpc_port", cfg.API.GRPC.Port).
		Bool("http", cfg.API.HTTP.Enabled).Int("http_port", cfg.API.HTTP.Port).
		Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
