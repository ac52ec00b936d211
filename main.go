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

	"paperlens/internal/api"
	"paperlens/internal/config"
	"paperlens/internal/fetch"
	"paperlens/internal/logger"
	"paperlens/internal/redis"
	"paperlens/internal/service/llm"
	"paperlens/internal/service/openreview"
	"paperlens/internal/service/paper"
	"paperlens/internal/service/reader"
	"paperlens/internal/session"
	"paperlens/internal/storage"
	"paperlens/internal/stream"
	"paperlens/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("PAPERLENS_CONFIG"))
	if err != nil {
		fallback := zerolog.New(os.Stderr).With().Timestamp().Logger()
		fallback.Fatal().Err(err).Msg("load config")
	}

	log, err := logger.InitWithOptions(cfg.Log.Level, cfg.Log.File, cfg.Log.Pretty)
	if err != nil {
		fallback := zerolog.New(os.Stderr).With().Timestamp().Logger()
		fallback.Fatal().Err(err).Msg("init logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := strings.ToLower(cfg.BasicConfig.Database)
	db, err := storage.Open(dbType, cfg.Databases[dbType])
	if err != nil {
		log.Fatal().Err(err).Str("driver", dbType).Msg("open database")
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}
	log.Info().Str("driver", dbType).Msg("database ready")

	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("create redis client")
	}
	defer rdb.Close()
	if !rdb.Enabled() {
		log.Info().Msg("redis not configured, reader cache and session invalidation disabled")
	}

	model, err := llm.NewClient(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.LLM.Provider).Msg("init llm client")
	}

	retrier := fetch.NewRetrier(cfg.Fetch, log)
	httpClient := &http.Client{}
	var textReader paper.TextReader = reader.NewClient(cfg.Fetch.ReaderURL, httpClient, retrier)
	textReader = reader.NewCachedReader(textReader, rdb, time.Duration(cfg.Fetch.ReaderCacheMinutes)*time.Minute, log)

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:  cfg.Worker.MinWorkers,
		MaxWorkers:  cfg.Worker.MaxWorkers,
		QueueSize:   cfg.Worker.QueueSize,
		IdleTimeout: time.Duration(cfg.Worker.IdleSeconds) * time.Second,
	}, log)
	defer dispatcher.Close()

	registry := session.NewRegistry(log)
	registry.StartEvictor(ctx,
		time.Duration(cfg.Session.EvictIntervalMinutes)*time.Minute,
		time.Duration(cfg.Session.IdleMinutes)*time.Minute)

	invalidator := session.NewInvalidator(rdb, registry, log)
	if err := invalidator.Listen(ctx); err != nil {
		log.Error().Err(err).Msg("subscribe to session invalidations")
	}

	papers := paper.NewService(paper.Deps{
		Store:         storage.NewStore(db, dbType),
		Fetcher:       openreview.NewClient(cfg.Fetch.RegistryURL, httpClient, retrier),
		Reader:        textReader,
		LLM:           model,
		Bridge:        stream.NewBridge(dispatcher, time.Duration(cfg.Stream.PollIntervalMS)*time.Millisecond, log),
		Sessions:      registry,
		Invalidator:   invalidator,
		StreamTimeout: time.Duration(cfg.Stream.TimeoutSeconds) * time.Second,
		Logger:        log,
	})

	stats := func() gin.H {
		running, idle := dispatcher.Stats()
		return gin.H{"workers_running": running, "workers_idle": idle, "live_sessions": registry.Len()}
	}
	handlers := api.NewHandler(papers, stats, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(log), api.CORS(cfg.BasicConfig.CORSOrigins))
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
