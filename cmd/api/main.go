package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/studiodesk/internal/api"
	"github.com/timmy/studiodesk/internal/api/handler"
	"github.com/timmy/studiodesk/internal/api/middleware"
	"github.com/timmy/studiodesk/internal/cache"
	"github.com/timmy/studiodesk/internal/config"
	"github.com/timmy/studiodesk/internal/drive"
	"github.com/timmy/studiodesk/internal/logger"
	"github.com/timmy/studiodesk/internal/progress"
	"github.com/timmy/studiodesk/internal/queue"
	"github.com/timmy/studiodesk/internal/repository"
	"github.com/timmy/studiodesk/internal/service"
	"github.com/timmy/studiodesk/internal/storage"
)

func main() {
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = appLogger.WithContext(ctx)

	// Database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to access database handle")
	}
	defer sqlDB.Close()
	jobRepo := repository.NewArchiveJobRepository(db)

	// Object storage (supports MinIO, R2, S3)
	objectStorage, err := storage.NewStorage(&storage.S3Config{
		Type:      storage.StorageType(cfg.Storage.Type),
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
	}

	checks := map[string]handler.Pinger{"database": sqlDB.PingContext}

	// URL cache
	var urlCache cache.ArchiveCache = cache.NopCache{}
	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to connect to redis")
		}
		defer redisCache.Close()
		urlCache = redisCache
		checks["redis"] = redisCache.Ping
	}

	// Job queue
	jobQueue, err := queue.New(queue.Config{
		Driver:     cfg.Queue.Driver,
		BufferSize: cfg.Queue.BufferSize,
		RabbitMQ: queue.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Exchange:   cfg.Queue.RabbitMQ.Exchange,
			RoutingKey: cfg.Queue.RabbitMQ.RoutingKey,
			Queue:      cfg.Queue.RabbitMQ.Queue,
		},
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize job queue")
	}
	defer jobQueue.Close()

	// Drive
	driveClient, err := drive.NewClient(ctx, drive.Config{
		BaseURL:         cfg.Drive.BaseURL,
		CredentialsFile: cfg.Drive.CredentialsFile,
		AccessToken:     cfg.Drive.AccessToken,
		PageSize:        cfg.Drive.PageSize,
		RequestInterval: cfg.Drive.RequestInterval,
		Timeout:         cfg.Drive.Timeout,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize drive client")
	}
	scanner := drive.NewScanner(driveClient, cfg.Drive.Concurrency)

	// Services
	hub := progress.NewHub()
	archiveService := service.NewArchiveService(
		jobRepo,
		driveClient,
		scanner,
		objectStorage,
		urlCache,
		jobQueue,
		hub,
		appLogger,
		service.ArchiveConfig{
			RootFolderID:     cfg.Drive.RootFolderID,
			Workers:          cfg.Archive.Workers,
			TTL:              cfg.Archive.TTL,
			TempDir:          cfg.Archive.TempDir,
			KeyPrefix:        cfg.Archive.KeyPrefix,
			ProgressInterval: cfg.Archive.ProgressInterval,
			Presign:          cfg.Storage.Presign,
			StaleAfter:       cfg.Archive.StaleAfter,
		},
	)
	linkService := service.NewDriveLinkService(driveClient, scanner, cfg.Drive.RootFolderID)

	archiveService.Start(ctx)

	router := api.SetupRouter(api.Dependencies{
		Archives: archiveService,
		Links:    linkService,
		Hub:      hub,
		Tokens:   cfg.Auth.TokenTable(),
		CORS: middleware.CORSConfig{
			AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
			AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
		},
		Checks: checks,
		Logger: appLogger,
	}, cfg.Server.Mode)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":  cfg.Server.Port,
			"mode":  cfg.Server.Mode,
			"queue": cfg.Queue.Driver,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	archiveService.Wait()

	appLogger.Info("Server exited")
}
