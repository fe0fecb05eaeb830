package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLockRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})
	return s, rdb
}

var lockDate = time.Date(2025, 6, 15, 13, 45, 0, 0, time.UTC)

func TestPublishLock_MutualExclusion(t *testing.T) {
	_, rdb := newLockRedis(t)
	lock := NewPublishLock(rdb, time.Minute)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, 7, lockDate)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	ok, err = lock.Acquire(ctx, 7, lockDate)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire on same (keyword, date) to lose")
	}

	if err := lock.Release(ctx, 7, lockDate); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = lock.Acquire(ctx, 7, lockDate)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if !ok {
		t.Fatal("expected acquire after release to succeed")
	}
}

// 锁按 (关键词, 日) 划分：不同关键词或不同日期互不干扰。
func TestPublishLock_ScopedPerKeywordAndDate(t *testing.T) {
	_, rdb := newLockRedis(t)
	lock := NewPublishLock(rdb, time.Minute)
	ctx := context.Background()

	if ok, _ := lock.Acquire(ctx, 7, lockDate); !ok {
		t.Fatal("acquire keyword 7 failed")
	}
	if ok, _ := lock.Acquire(ctx, 8, lockDate); !ok {
		t.Fatal("different keyword should not contend")
	}
	if ok, _ := lock.Acquire(ctx, 7, lockDate.AddDate(0, 0, 1)); !ok {
		t.Fatal("different date should not contend")
	}

	// 同日内不同时刻指向同一把锁
	if ok, _ := lock.Acquire(ctx, 7, lockDate.Add(3*time.Hour)); ok {
		t.Fatal("same calendar day should contend regardless of time of day")
	}
}

func TestPublishLock_TTLExpiry(t *testing.T) {
	s, rdb := newLockRedis(t)
	lock := NewPublishLock(rdb, time.Second)
	ctx := context.Background()

	if ok, _ := lock.Acquire(ctx, 7, lockDate); !ok {
		t.Fatal("acquire failed")
	}

	// 持有者崩溃时由 TTL 兜底
	s.FastForward(2 * time.Second)
	if ok, _ := lock.Acquire(ctx, 7, lockDate); !ok {
		t.Fatal("expected acquire after TTL expiry to succeed")
	}
}

func TestPublishLock_NilClientAlwaysAcquires(t *testing.T) {
	lock := NewPublishLock(nil, time.Minute)
	ctx := context.Background()

	for idx := 0; idx < 2; idx++ {
		ok, err := lock.Acquire(ctx, 7, lockDate)
		if err != nil || !ok {
			t.Fatalf("expected nil-client acquire to succeed, got ok=%v err=%v", ok, err)
		}
	}
	if err := lock.Release(ctx, 7, lockDate); err != nil {
		t.Fatalf("nil-client release: %v", err)
	}
}
