package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"voicelink/internal/config"
	"voicelink/internal/database"
	callHandler "voicelink/internal/handler/http/call"
	pushHandler "voicelink/internal/handler/http/push"
	"voicelink/internal/middleware"
	"voicelink/internal/repository"
	cassandraRepo "voicelink/internal/repository/cassandra"
	postgresRepo "voicelink/internal/repository/postgres"
	redisRepo "voicelink/internal/repository/redis"
	callService "voicelink/internal/service/call"
	"voicelink/internal/service/presence"
	"voicelink/internal/service/recording"
	signalService "voicelink/internal/service/signal"
	"voicelink/internal/service/storage"
	"voicelink/internal/transport/pion"
	"voicelink/pkg/logger"
	"voicelink/pkg/metrics"
	"voicelink/pkg/push"
)

func main() {
	cfg := config.Load()

	// 1. Logger
	logFormat := "text"
	logLevel := "debug"
	if cfg.Env == "production" {
		logFormat = "json"
		logLevel = "info"
		gin.SetMode(gin.ReleaseMode)
	}
	if err := logger.Init(&logger.Config{Level: logLevel, Format: logFormat, Output: "stdout"}); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.With(zap.String("service", "voicelink"))
	log.Info("starting voicelink daemon",
		zap.String("username", cfg.Username),
		zap.String("relay_backend", cfg.RelayBackend))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	appMetrics := metrics.NewMetrics("voicelink")

	// 2. Redis: push token store, and the relay backend unless postgres
	// is selected
	database.InitRedisMetrics()
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisDB.Close()
	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 3. Relay backend
	var backend repository.Backend
	switch cfg.RelayBackend {
	case "postgres":
		db, err := database.NewDB(ctx, cfg.DBConnectionString(), database.DefaultDBConfig())
		if err != nil {
			log.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer db.Close()

		realtime, err := postgresRepo.NewRealtime(ctx, cfg.RealtimeURL, log)
		if err != nil {
			log.Fatal("failed to connect to realtime gateway", zap.Error(err))
		}
		defer realtime.Close()

		backend = postgresRepo.NewBackend(db.Pool, realtime, log)
		log.Info("using postgres relay backend")
	default:
		backend = redisRepo.NewBackend(redisDB.Client, config.StalenessWindow, log)
		log.Info("using redis relay backend")
	}

	// 4. Call history archive
	var archive repository.ArchiveRepository
	if cfg.ArchiveEnabled {
		cassandraDB, err := database.NewCassandraDB(&database.CassandraConfig{
			Hosts:    cfg.CassandraHosts,
			Keyspace: cfg.CassandraKeyspace,
		})
		if err != nil {
			log.Fatal("failed to connect to cassandra", zap.Error(err))
		}
		defer cassandraDB.Close()
		archive = cassandraRepo.NewArchiveRepository(cassandraDB.Session)
		log.Info("call history archiving enabled")
	}

	// 5. Recording
	var recorder *recording.Recorder
	if cfg.RecordingEnabled {
		uploader, err := storage.NewMinioUploader(ctx, &storage.MinioConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Bucket:    cfg.MinIOBucket,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to minio", zap.Error(err))
		}
		recorder = recording.NewRecorder(backend.Recordings, uploader, appMetrics, log)
		log.Info("call recording enabled", zap.String("bucket", cfg.MinIOBucket))
	}

	// 6. Push notifications
	pushProvider, err := push.NewProvider()
	if err != nil {
		log.Fatal("failed to initialize push provider", zap.Error(err))
	}
	pushSvc := push.NewService(pushProvider, redisRepo.NewPushTokenRepository(redisDB.Client), appMetrics, log)

	// 7. Presence
	presenceSvc := presence.NewService(
		backend.Users,
		cfg.Username,
		config.HeartbeatInterval,
		config.StalenessWindow,
		appMetrics,
		log,
	)
	go func() {
		if err := presenceSvc.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error("presence heartbeat stopped", zap.Error(err))
		}
	}()
	go presenceSvc.StartSweeper(ctx)

	// 8. Media transport
	transports, err := pion.NewFactory(cfg.STUNServers, log)
	if err != nil {
		log.Fatal("failed to initialize media transport", zap.Error(err))
	}

	// 9. Call session
	relay := signalService.NewRelay(backend.Signals, backend.Watch, appMetrics, log)
	session := callService.NewSession(callService.Config{
		Username:      cfg.Username,
		RingTimeout:   config.RingTimeout,
		MaxReconnects: config.MaxReconnectAttempts,
		Backend:       backend,
		Presence:      presenceSvc,
		Relay:         relay,
		Recorder:      recorder,
		Transports:    transports,
		Archive:       archive,
		Notifier:      pushSvc,
		Metrics:       appMetrics,
		Log:           log,
	})
	go func() {
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("call session stopped", zap.Error(err))
		}
	}()

	// 10. HTTP API
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Prometheus(appMetrics))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"service":  "voicelink",
			"username": cfg.Username,
			"time":     time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	v1 := router.Group("/v1")
	callHandler.NewHandler(cfg.Username, session, presenceSvc, archive, backend.Recordings).RegisterRoutes(v1)
	pushHandler.NewHandler(pushSvc, cfg.Username).RegisterRoutes(v1)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}
