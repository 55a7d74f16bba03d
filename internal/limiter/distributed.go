package limiter

// 分散式限流設計考量：
//
// 為何需要分散式限流？
//   - 單機限流無法在多實例間共享狀態
//   - 範例：每個 IP 每秒 10 次連接，3 個實例各自限流 → 實際 30 次
//
// 為何使用 Redis + Lua？
//   - Redis：集中式狀態儲存，所有實例共享計數器
//   - Lua：讀取、補充、扣除在同一個腳本內完成，Redis 保證原子性

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedTokenBucket 分散式令牌桶限流器。
//
// Redis 中的狀態：
//   - {key}:tokens - 當前令牌數
//   - {key}:last_refill - 上次填充時間（Unix 毫秒）
type DistributedTokenBucket struct {
	client     redis.Scripter
	capacity   int64
	refillRate int64
	keyPrefix  string
	script     *redis.Script
}

// Lua 腳本：令牌桶演算法
//
// KEYS[1]: 令牌計數器的 key
// ARGV[1]: 容量
// ARGV[2]: 填充速率（每秒）
// ARGV[3]: 當前時間（Unix 毫秒）
// ARGV[4]: key 存活秒數
//
// 返回值：1 允許，0 拒絕
var tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('GET', key .. ':tokens') or capacity)
local last_refill = tonumber(redis.call('GET', key .. ':last_refill') or now)

local elapsed = math.max(0, now - last_refill) / 1000
tokens = math.min(capacity, tokens + elapsed * refill_rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('SET', key .. ':tokens', tokens, 'EX', ttl)
redis.call('SET', key .. ':last_refill', now, 'EX', ttl)

return allowed
`

// NewDistributedTokenBucket 建立分散式令牌桶。
//
// client 可以是 *redis.Client 或 *redis.ClusterClient。
// 注意 Cluster 模式下 {key}:tokens 與 {key}:last_refill 需落在同一 slot，
// keyPrefix 內可使用 hash tag。
func NewDistributedTokenBucket(client redis.Scripter, keyPrefix string, capacity, refillRate int64) *DistributedTokenBucket {
	return &DistributedTokenBucket{
		client:     client,
		capacity:   capacity,
		refillRate: refillRate,
		keyPrefix:  keyPrefix,
		script:     redis.NewScript(tokenBucketScript),
	}
}

// Allow 檢查是否允許請求。
//
// 錯誤處理策略：Redis 不可用時回傳 true 與錯誤，
// 由呼叫端決定是否降級放行。
func (dtb *DistributedTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()

	// 桶從空到滿所需的時間，再多留一分鐘
	ttl := dtb.capacity/max(dtb.refillRate, 1) + 60

	result, err := dtb.script.Run(
		ctx,
		dtb.client,
		[]string{dtb.keyPrefix + key},
		dtb.capacity,
		dtb.refillRate,
		now,
		ttl,
	).Int()

	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return result == 1, nil
}
