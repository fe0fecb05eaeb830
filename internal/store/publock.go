package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"marketlens/internal/engine"
)

const lockKeyPrefix = "marketlens:publock:"

// PublishLock 基于 Redis SETNX 的 (关键词, 日) 发布互斥锁。
//
// 重叠的调度运行可能同时重算同一 (关键词, 日)；发布边界必须
// 串行化，后来者直接跳过而不是交错写入半截结果。
type PublishLock struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPublishLock 创建发布锁。TTL 兜底持有者崩溃后锁的自动释放。
func NewPublishLock(rdb *redis.Client, ttl time.Duration) *PublishLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &PublishLock{rdb: rdb, ttl: ttl}
}

// Acquire 尝试获取 (keywordID, date) 的独占锁。
// 返回 false 表示另一次运行正持有该键。
func (l *PublishLock) Acquire(ctx context.Context, keywordID uint, date time.Time) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	ok, err := l.rdb.SetNX(ctx, l.key(keywordID, date), "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("publock setnx: %w", err)
	}
	return ok, nil
}

// Release 释放锁。
func (l *PublishLock) Release(ctx context.Context, keywordID uint, date time.Time) error {
	if l == nil || l.rdb == nil {
		return nil
	}
	if err := l.rdb.Del(ctx, l.key(keywordID, date)).Err(); err != nil {
		return fmt.Errorf("publock del: %w", err)
	}
	return nil
}

func (l *PublishLock) key(keywordID uint, date time.Time) string {
	return fmt.Sprintf("%s%d:%s", lockKeyPrefix, keywordID, engine.DayStart(date).Format("2006-01-02"))
}
