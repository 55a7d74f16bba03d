package limiter

import "time"

// NewTokenBucketWithClock 測試用：注入時鐘
func NewTokenBucketWithClock(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return newTokenBucket(capacity, refillRate, now)
}

// SetClock 測試用：替換分桶限流器的時鐘與上限
func (k *KeyedTokenBucket) SetClock(now func() time.Time, maxKeys int, idleTTL time.Duration) {
	k.now = now
	k.maxKeys = maxKeys
	k.idleTTL = idleTTL
}
