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
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mamahealth/internal/ratelimit"
	"mamahealth/internal/usertoken"
	"mamahealth/internal/util"
	"mamahealth/pkg/queue"
	"mamahealth/pkg/realtime"
	"mamahealth/pkg/storage"
	"mamahealth/pkg/store"
	"mamahealth/services/chat/internal/app"
	"mamahealth/services/chat/internal/config"
	"mamahealth/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, "chat")

	jwtLeeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	opTimeout, _ := config.ParseDuration("operationTimeout", cfg.OperationTimeout)
	presignExpiry, _ := config.ParseDuration("presignExpiry", cfg.PresignExpiry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore := openStore(cfg)
	defer closeStore()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis ping failed", "addr", cfg.RedisAddr, "err", err)
		}
		cancel()
	}

	feed := openFeed(cfg, rdb, st)
	defer feed.Close()

	objects, err := storage.NewMinioStore(storage.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		util.Fatal("failed to init object storage", "err", err)
	}

	var jobs *queue.RedisJobQueue
	appCfg := app.Config{
		Store:            st,
		Objects:          objects,
		Feed:             feed,
		PageSize:         cfg.PageSize,
		MaxUploadBytes:   cfg.MaxUploadBytes,
		OperationTimeout: opTimeout,
		PresignExpiry:    presignExpiry,
	}
	if rdb != nil {
		jobs, err = queue.NewRedisJobQueue(rdb, queue.RedisQueueConfig{
			Stream:     cfg.AnalysisStream,
			Group:      cfg.AnalysisGroup,
			MaxRetries: cfg.AnalysisMaxRetries,
		})
		if err != nil {
			util.Fatal("failed to init analysis queue", "err", err)
		}
		appCfg.Queue = jobs
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	serverCfg := server.Config{App: appCore, Verifier: verifier, AllowedOrigins: cfg.CORSAllowedOrigins}
	if rdb != nil {
		serverCfg.SendLimiter = newLimiter(rdb, "mamahealth:ratelimit:send", cfg.SendRateLimitPerMinute)
		serverCfg.UploadLimiter = newLimiter(rdb, "mamahealth:ratelimit:upload", cfg.UploadRateLimitPerMinute)
	}
	httpServer, err := server.New(serverCfg)
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
		slog.Info("chat server listening", "addr", addr, "store", cfg.StoreDriver, "realtime", cfg.RealtimeBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if runner, ok := feed.(realtime.Runner); ok {
		g.Go(func() error { return runner.Run(gctx) })
	}
	if jobs != nil {
		jobs.Start(gctx, cfg.AnalysisWorkers, appCore.AnalyzeAttachment)
		slog.Info("analysis workers started", "workers", cfg.AnalysisWorkers)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("chat service stopped", "err", err)
		return
	}
	logger.Info("chat service stopped")
}

func openStore(cfg config.FileConfig) (store.Store, func()) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), func() {}
	}
	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}
	return st, func() { _ = st.Close() }
}

func openFeed(cfg config.FileConfig, rdb *redis.Client, st store.Store) realtime.Feed {
	switch cfg.RealtimeBackend {
	case config.RealtimeRedis:
		feed, err := realtime.NewRedisFeed(rdb, cfg.RealtimeChannel)
		if err != nil {
			util.Fatal("failed to init redis feed", "err", err)
		}
		return feed
	case config.RealtimePostgres:
		feed, err := realtime.NewPostgresFeed(cfg.DatabaseURL, cfg.RealtimeChannel, st)
		if err != nil {
			util.Fatal("failed to init postgres feed", "err", err)
		}
		return feed
	default:
		return realtime.NewHub()
	}
}

func newLimiter(rdb *redis.Client, prefix string, perMinute int) server.Limiter {
	if perMinute <= 0 {
		return nil
	}
	limiter, err := ratelimit.NewFixedWindowLimiter(rdb, prefix, perMinute, time.Minute)
	if err != nil {
		util.Fatal("failed to init rate limiter", "err", err)
	}
	return limiter
}
