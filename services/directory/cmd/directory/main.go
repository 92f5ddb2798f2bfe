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

	"gamedo/internal/ratelimit"
	"gamedo/internal/util"
	"gamedo/pkg/directory"
	"gamedo/services/directory/internal/config"
	"gamedo/services/directory/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}

	if sessionTTL == 0 {
		sessionTTL = 24 * time.Hour
	}

	logger := util.InitLogger("directory", cfg.LogLevel)

	var revoker directory.Revoker = directory.NewMemoryRevoker()
	var limiter ratelimit.Limiter
	limit := cfg.VerifyRateLimitPerMinute
	if limit == 0 {
		limit = 10
	}
	if cfg.RedisAddr != "" {
		redisRevoker := directory.NewRedisRevoker(cfg.RedisAddr, cfg.RedisPassword, sessionTTL)
		defer redisRevoker.Close()
		revoker = redisRevoker
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, "gamedo:directory:verify", limit, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
	} else {
		limiter, err = ratelimit.NewMemoryLimiter(limit, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}

	sessions, err := directory.NewSessions(directory.SessionConfig{
		Secret:  []byte(cfg.SessionSecret),
		TTL:     sessionTTL,
		Issuer:  cfg.SessionIssuer,
		Revoker: revoker,
	})
	if err != nil {
		util.Fatal("failed to init sessions", "err", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trustedProxies", "err", err)
	}

	httpServer, err := server.New(server.Config{
		Directory:      directory.NewMemoryDirectory(sessions),
		VerifyLimiter:  limiter,
		TrustedProxies: trusted,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("directory server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
