package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gamedo/internal/ratelimit"
	"gamedo/internal/util"
	"gamedo/pkg/jobs"
	"gamedo/pkg/storage"
	"gamedo/pkg/store"
	"gamedo/services/learner/internal/app"
	"gamedo/services/learner/internal/config"
	"gamedo/services/learner/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	directoryTimeout, err := config.ParseDirectoryTimeout(cfg.DirectoryTimeout)
	if err != nil {
		log.Fatalf("failed to parse directory timeout: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session ttl: %v", err)
	}

	logger := util.InitLogger("learner", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCfg := app.Config{
		StoreConfig: store.Config{
			Driver:        cfg.StoreDriver,
			Namespace:     cfg.StoreNamespace,
			RedisAddr:     cfg.RedisAddr,
			RedisPassword: cfg.RedisPassword,
			DatabaseURL:   cfg.DatabaseURL,
		},
		DirectorySecret:  cfg.DirectorySecret,
		DirectoryTimeout: directoryTimeout,
		IdentitySuffix:   cfg.IdentitySuffix,
		CatalogSource:    cfg.CatalogSource,
		CatalogPath:      cfg.CatalogPath,
		CatalogKey:       cfg.CatalogKey,
		SessionTTL:       sessionTTL,
		OfflineToggle:    cfg.DevOfflineToggle,
	}
	if cfg.DirectoryMode == config.DirectoryRemote {
		appCfg.DirectoryURL = cfg.DirectoryURL
	}
	if cfg.CatalogSource == config.CatalogMinio {
		objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init object storage", "err", err)
		}
		appCfg.Objects = objects
	}

	if cfg.DownloadQueue {
		stream := ""
		if cfg.StoreNamespace != "" {
			stream = cfg.StoreNamespace + ":downloads"
		}
		queue, err := jobs.NewDownloadQueue(jobs.QueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   stream,
		})
		if err != nil {
			util.Fatal("failed to init download queue", "err", err)
		}
		appCfg.Downloads = queue
	}

	appCore, err := app.New(ctx, appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	defer appCore.Close()
	appCore.StartDownloads(util.ContextWithLogger(ctx, logger), cfg.DownloadWorkers)
	appCore.StartSessionSweeper(util.ContextWithLogger(ctx, logger), time.Minute)
	if cfg.DevOfflineToggle {
		logger.Warn("dev offline toggle enabled")
	}

	loginLimiter, err := ratelimit.NewMemoryLimiter(10, time.Minute)
	if err != nil {
		util.Fatal("failed to init rate limiter", "err", err)
	}
	httpServer, err := server.New(server.Config{
		App:                appCore,
		LoginLimiter:       loginLimiter,
		AllowedOrigins:     cfg.AllowedOrigins,
		LocalPasswordReset: cfg.LocalPasswordReset,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("learner server listening", "addr", addr, "store", cfg.StoreDriver, "directory", cfg.DirectoryMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
