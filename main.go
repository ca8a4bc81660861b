package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"quizcast/internal/api"
	"quizcast/internal/broadcast"
	"quizcast/internal/config"
	"quizcast/internal/logging"
	"quizcast/internal/redis"
	"quizcast/internal/service/ai"
	"quizcast/internal/service/extraction"
	"quizcast/internal/service/lecture"
	"quizcast/internal/service/push"
	"quizcast/internal/service/quiz"
	"quizcast/internal/storage"
	"quizcast/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("QUIZCAST_CONFIG"))
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Logging)

	dbType := cfg.BasicConfig.Database
	if env := os.Getenv("QUIZCAST_DB"); env != "" {
		dbType = env
	}
	db, err := storage.Open(dbType, cfg.Databases[dbType])
	if err != nil {
		logger.Fatal().Err(err).Str("driver", dbType).Msg("open database")
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		logger.Fatal().Err(err).Msg("migrate database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lectures := lecture.NewService(db, cfg.Ingestion.MaxContextChars)
	sweeper, err := lecture.NewSweeper(lectures, cfg.Sweeper.Schedule, time.Duration(cfg.Sweeper.StaleAfterMinutes)*time.Minute, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init sweeper")
	}
	if _, err := sweeper.RunOnce(ctx); err != nil {
		logger.Error().Err(err).Msg("initial stale ingestion sweep")
	}

	extractor, err := newExtractionClient(ctx, cfg.Ingestion)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Ingestion.Backend).Msg("init extraction client")
	}
	ingestion := worker.NewManager(lectures, extractor, worker.Options{
		MinWorkers:      cfg.BasicConfig.MinWorkers,
		MaxWorkers:      cfg.BasicConfig.MaxWorkers,
		QueueSize:       cfg.BasicConfig.QueueSize,
		IdleTimeout:     time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		PollInterval:    time.Duration(cfg.Ingestion.PollIntervalMS) * time.Millisecond,
		MaxPollAttempts: cfg.Ingestion.MaxPollAttempts,
		SnapshotChars:   cfg.Ingestion.SnapshotChars,
		UploadTimeout:   time.Duration(cfg.Ingestion.UploadTimeoutSec) * time.Second,
		ExtractTimeout:  time.Duration(cfg.Ingestion.ExtractTimeoutS) * time.Second,
	}, logger)
	sweeper.SkipActive(ingestion.InFlight)
	sweeper.Start()

	completer, err := ai.NewCompleter(ctx, cfg.Generation)
	if err != nil {
		logger.Fatal().Err(err).Str("provider", cfg.Generation.Provider).Msg("init generation model")
	}
	engine := quiz.NewEngine(completer, logger)

	hub := broadcast.NewHub(
		time.Duration(cfg.Broadcast.SendTimeoutMS)*time.Millisecond,
		cfg.Broadcast.SubscriberBuffer,
		logger,
	)
	var channel broadcast.Broadcaster = hub
	if cfg.Redis.Host != "" {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("create redis client")
		}
		defer rdb.Close()
		relay := broadcast.NewRelay(hub, rdb, cfg.Redis.Channel, logger)
		go func() {
			if err := relay.Run(ctx, nil); err != nil {
				logger.Error().Err(err).Msg("broadcast relay stopped")
			}
		}()
		channel = relay
		logger.Info().Str("channel", cfg.Redis.Channel).Msg("broadcast relay enabled")
	}
	coordinator := push.NewCoordinator(lectures, channel, cfg.Broadcast.PushSelectAttempts, logger)

	handlers := api.NewHandler(lectures, ingestion, engine, coordinator, hub, channel, api.Options{
		MaxUploadBytes:  int64(cfg.BasicConfig.MaxUploadMB) << 20,
		GenerateTimeout: time.Duration(cfg.Generation.TimeoutSeconds) * time.Second,
		RatePerMinute:   cfg.Generation.RatePerMinute,
		Heartbeat:       time.Duration(cfg.Broadcast.HeartbeatSeconds) * time.Second,
	}, logger)

	if logger.GetLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: router,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Streams never finish on their own; close them before draining HTTP.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := ingestion.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ingestion shutdown")
	}
	sweeper.Stop(shutdownCtx)
}

func newExtractionClient(ctx context.Context, cfg config.IngestionConfig) (extraction.Client, error) {
	switch strings.ToLower(cfg.Backend) {
	case "gemini":
		client, err := extraction.NewGeminiClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		client, err := extraction.NewLocalClient(ctx, cfg.LocalDir)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
