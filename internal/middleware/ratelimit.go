// Package middleware 提供 HTTP 限流中介軟體。
//
// 用於限制每個來源建立 WebSocket 連接的速率；
// 連接建立後的訊息限流由連接本身處理。
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	apperrors "github.com/koopa0/system-design/tictactoe-relay/pkg/errors"
)

// RateLimiterFunc 定義限流函數介面。
//
// limiter.KeyedTokenBucket.Allow 與 limiter.DistributedTokenBucket.Allow
// 都符合此簽名。
type RateLimiterFunc func(ctx context.Context, key string) (bool, error)

// RateLimitConfig 限流中介軟體設定。
type RateLimitConfig struct {
	// KeyFunc 從請求提取限流 key，預設為 ClientIP
	KeyFunc func(r *http.Request) string

	// Limiter 限流器函數
	Limiter RateLimiterFunc

	// OnRateLimited 限流觸發時的處理，預設返回 429
	OnRateLimited http.HandlerFunc

	// Timeout 單次限流檢查的逾時，預設 100ms
	Timeout time.Duration

	// Logger 限流器錯誤時記錄（可為 nil）
	Logger *slog.Logger
}

// RateLimit 建立限流中介軟體。
//
// 限流器回傳錯誤時放行請求（可用性優先）。
//
// 使用範例：
//
//	ipLimiter := limiter.NewDistributedTokenBucket(redisClient, "ws:ip:", 30, 10)
//	mw := RateLimit(RateLimitConfig{Limiter: ipLimiter.Allow})
//	mux.Handle("GET /ws", mw(wsHandler))
func RateLimit(config RateLimitConfig) func(http.Handler) http.Handler {
	if config.KeyFunc == nil {
		config.KeyFunc = ClientIP
	}
	if config.OnRateLimited == nil {
		config.OnRateLimited = defaultRateLimitedHandler
	}
	if config.Timeout <= 0 {
		config.Timeout = 100 * time.Millisecond
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := config.KeyFunc(r)

			ctx, cancel := context.WithTimeout(r.Context(), config.Timeout)
			defer cancel()

			allowed, err := config.Limiter(ctx, key)
			if err != nil {
				if config.Logger != nil {
					config.Logger.Warn("限流檢查失敗，放行請求", "error", err, "key", key)
				}
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				if config.Logger != nil {
					config.Logger.Debug("連接被限流", "key", key)
				}
				config.OnRateLimited(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP 取得請求來源 IP（不含 port）
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// defaultRateLimitedHandler 預設的限流回應。
func defaultRateLimitedHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": apperrors.ErrRateLimited.Message,
		"code":  apperrors.ErrRateLimited.Code,
	})
}
