package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"marketlens/internal/pkg/metrics"
)

// Policy 描述存储 I/O 的重试策略：指数退避加抖动。
//
// 第 n 次失败后等待 base * 2^(n-1) 再加最多 10ms 的随机抖动；
// 耗尽 MaxAttempts 后把最后一次错误原样返回给调用方。
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	logger      *slog.Logger
}

// NewPolicy 创建重试策略。
func NewPolicy(logger *slog.Logger, maxAttempts int, baseBackoff time.Duration) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseBackoff <= 0 {
		baseBackoff = 100 * time.Millisecond
	}
	return Policy{
		MaxAttempts: maxAttempts,
		BaseBackoff: baseBackoff,
		logger:      logger,
	}
}

// Do 执行 fn，失败则按策略重试。op 仅用于日志和监控标签。
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	const jitterMax = 10 * time.Millisecond

	var lastErr error
	backoff := p.BaseBackoff

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == p.MaxAttempts {
			break
		}

		metrics.StorageRetriesTotal.WithLabelValues(op).Inc()
		if p.logger != nil {
			p.logger.Warn("storage operation failed, will retry",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("backoff", backoff.String()),
				slog.String("error", lastErr.Error()))
		}

		wait := backoff + time.Duration(rand.Int63n(int64(jitterMax)))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, lastErr)
}
