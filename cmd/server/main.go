package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/system-design/tictactoe-relay/internal"
	"github.com/koopa0/system-design/tictactoe-relay/internal/limiter"
	"github.com/koopa0/system-design/tictactoe-relay/internal/middleware"
	"github.com/koopa0/system-design/tictactoe-relay/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 解析命令行參數（非零值覆蓋配置檔）
	var (
		configPath = flag.String("config", "config.yaml", "配置檔路徑")
		port       = flag.Int("port", 0, "服務器端口")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg *internal.Config, log *slog.Logger) error {
	publisher := setupPublisher(cfg.NATS, log)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("關閉事件發布器失敗", "error", err)
		}
	}()

	manager := internal.NewManager(log, publisher, cfg.Room)
	router := internal.NewRouter(manager, log)
	wsHub := internal.NewHub(router, cfg.WebSocket, log)
	handler := internal.NewHandler(manager, router, log)

	wsHandler := http.Handler(http.HandlerFunc(wsHub.ServeWS))
	if cfg.RateLimit.Enabled {
		allow, closeLimiter := setupAdmissionLimiter(cfg, log)
		defer closeLimiter()
		wsHandler = middleware.RateLimit(middleware.RateLimitConfig{
			Limiter: allow,
			Logger:  log,
		})(wsHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.Handle("GET /ws", wsHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("井字棋服務器啟動",
			"port", cfg.Server.Port,
			"log_level", cfg.Log.Level,
			"nats", cfg.NATS.URL != "",
			"redis", cfg.Redis.Addr != "")
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case sig := <-sigChan:
		log.Info("收到關閉信號，開始優雅關閉...", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接（已升級的 WebSocket 不受影響）
	if err := server.Shutdown(ctx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}

	// 關閉所有 WebSocket，每條連接都會離開房間
	wsHub.Stop(ctx)

	manager.Stop()

	log.Info("服務器已關閉")
	return nil
}

// setupPublisher 未配置或連接失敗時不發布事件
func setupPublisher(cfg internal.NATSConfig, log *slog.Logger) internal.EventPublisher {
	if cfg.URL == "" {
		return internal.NopPublisher{}
	}

	publisher, err := internal.NewNATSPublisher(cfg, log)
	if err != nil {
		log.Warn("NATS 不可用，停用事件發布", "error", err, "url", cfg.URL)
		return internal.NopPublisher{}
	}

	log.Info("NATS 事件發布已啟用", "url", cfg.URL, "subject_prefix", cfg.SubjectPrefix)
	return publisher
}

// setupAdmissionLimiter 配置 Redis 時使用分散式限流，否則使用本地限流
func setupAdmissionLimiter(cfg *internal.Config, log *slog.Logger) (middleware.RateLimiterFunc, func()) {
	local := limiter.NewKeyedTokenBucket(cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate)
	if cfg.Redis.Addr == "" {
		return local.Allow, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("Redis 不可用，改用本地限流", "error", err, "addr", cfg.Redis.Addr)
		_ = client.Close()
		return local.Allow, func() {}
	}

	log.Info("使用 Redis 分散式限流", "addr", cfg.Redis.Addr)
	distributed := limiter.NewDistributedTokenBucket(client, "tictactoe:ws:ip:", cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate)
	return distributed.Allow, func() {
		_ = client.Close()
	}
}
