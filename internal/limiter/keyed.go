package limiter

import (
	"context"
	"sync"
	"time"
)

// KeyedTokenBucket 依 key 分桶的本地令牌桶。
//
// 用於單實例部署時限制每個 IP 建立連接的速率。
// 桶數超過 maxKeys 時，移除已滿且閒置超過 idleTTL 的桶。
type KeyedTokenBucket struct {
	capacity   int64
	refillRate int64
	maxKeys    int
	idleTTL    time.Duration
	buckets    map[string]*TokenBucket
	mu         sync.Mutex
	now        func() time.Time
}

// NewKeyedTokenBucket 建立分桶限流器。
func NewKeyedTokenBucket(capacity, refillRate int64) *KeyedTokenBucket {
	return &KeyedTokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		maxKeys:    10000,
		idleTTL:    10 * time.Minute,
		buckets:    make(map[string]*TokenBucket),
		now:        time.Now,
	}
}

// Allow 檢查 key 是否允許請求。
//
// 簽名與 DistributedTokenBucket.Allow 一致，可直接作為中介軟體的限流函數。
func (k *KeyedTokenBucket) Allow(_ context.Context, key string) (bool, error) {
	k.mu.Lock()
	bucket, exists := k.buckets[key]
	if !exists {
		if len(k.buckets) >= k.maxKeys {
			k.evictIdleLocked()
		}
		bucket = newTokenBucket(k.capacity, k.refillRate, k.now)
		k.buckets[key] = bucket
	}
	k.mu.Unlock()

	return bucket.Allow(), nil
}

// Len 目前的桶數
func (k *KeyedTokenBucket) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

func (k *KeyedTokenBucket) evictIdleLocked() {
	for key, bucket := range k.buckets {
		if bucket.idleSince(k.idleTTL) {
			delete(k.buckets, key)
		}
	}
}
