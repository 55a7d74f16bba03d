// Package limiter 實作令牌桶限流。
//
// 本包提供三種實作：
//   - TokenBucket: 單一令牌桶（每條連接的訊息限流）
//   - KeyedTokenBucket: 依 key 分桶的本地限流（未配置 Redis 時限制連接建立）
//   - DistributedTokenBucket: Redis + Lua 的分散式令牌桶（多實例共享）
//
// 設計考量：
//   - 單機版使用本地記憶體
//   - 執行緒安全（使用 sync.Mutex）
package limiter

import (
	"sync"
	"time"
)

// TokenBucket 實作令牌桶演算法。
//
// 演算法原理：
//  1. 固定容量的桶，以固定速率填充令牌
//  2. 請求到達時，嘗試從桶中取出令牌
//  3. 有令牌則允許請求，無令牌則拒絕
//
// 容量決定可容忍的突發，填充速率決定長期平均值。
type TokenBucket struct {
	capacity   int64      // 桶容量
	tokens     int64      // 當前令牌數
	refillRate int64      // 每秒填充多少令牌
	lastRefill time.Time  // 上次填充時間
	lastUsed   time.Time  // 上次 Allow 時間
	mu         sync.Mutex // 保護並發存取
	now        func() time.Time
}

// NewTokenBucket 建立新的令牌桶限流器。
//
// 範例：
//
//	limiter := NewTokenBucket(40, 20) // 可突發 40 則，平均每秒 20 則
//	limiter.Allow()
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity, // 初始化時桶是滿的
		refillRate: refillRate,
		lastRefill: now(),
		lastUsed:   now(),
		now:        now,
	}
}

// Allow 檢查是否允許請求通過。
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	tb.lastUsed = tb.now()

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}

	return false
}

// Tokens 返回當前令牌數（用於監控）。
func (tb *TokenBucket) Tokens() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens
}

// idleSince 桶已滿且超過 d 沒有被使用
func (tb *TokenBucket) idleSince(d time.Duration) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens == tb.capacity && tb.now().Sub(tb.lastUsed) >= d
}

// refillLocked 依經過時間補充令牌
//
// 不足一個令牌時不更新 lastRefill，避免頻繁呼叫時小數部分被丟棄。
func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int64(elapsed.Seconds() * float64(tb.refillRate))

	if tokensToAdd > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
		tb.lastRefill = now
	}
}
