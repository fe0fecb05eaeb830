package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"marketlens/internal/pkg/metrics"
)

// Job 表示一个以关键词为单位的批处理任务。
//
// KeywordID 用于把失败归因到具体关键词；Run 执行该关键词的
// 完整流水线。一个 Job 的失败（包括 panic）不影响其他 Job。
type Job struct {
	KeywordID uint
	Run       func(ctx context.Context) error
}

// ErrorHandler 任务失败回调，用于汇总批处理报告。
type ErrorHandler func(keywordID uint, err error)

// Pool 提供固定大小的关键词批处理 worker 池。
type Pool struct {
	logger       *slog.Logger
	workers      int
	jobs         chan Job
	errorHandler ErrorHandler

	// 优雅关闭
	wg     sync.WaitGroup
	closed atomic.Bool

	// 指标统计
	stats poolStats
}

// poolStats 池内部统计信息（使用 atomic 类型）。
type poolStats struct {
	TotalEnqueued  atomic.Int64 // 总入队任务数
	TotalProcessed atomic.Int64 // 总处理完成数
	TotalSucceeded atomic.Int64 // 成功任务数
	TotalFailed    atomic.Int64 // 失败任务数
	TotalPanics    atomic.Int64 // Panic 次数
}

// PoolStats 统计信息快照（普通值类型，可安全拷贝）。
type PoolStats struct {
	TotalEnqueued  int64
	TotalProcessed int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalPanics    int64
}

// NewPool 创建一个新的 worker 池。
//
// 参数:
//   - logger: 日志记录器
//   - workers: worker 数量（至少为 1）
//   - capacity: 队列容量（至少为 1）
func NewPool(logger *slog.Logger, workers int, capacity int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, capacity),
	}
}

// SetErrorHandler 设置失败回调。
func (p *Pool) SetErrorHandler(handler ErrorHandler) {
	p.errorHandler = handler
}

// Start 启动 worker 池，直到 ctx 被取消或调用 Shutdown。
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return

		case job, ok := <-p.jobs:
			if !ok {
				p.logger.Debug("worker exit on closed channel", slog.Int("worker_id", id))
				return
			}
			metrics.BatchQueueDepth.Set(float64(len(p.jobs)))
			if job.Run != nil {
				p.executeJob(ctx, job, id)
			}
		}
	}
}

// executeJob 执行单个关键词任务，带 panic 恢复和错误归因。
func (p *Pool) executeJob(ctx context.Context, job Job, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.TotalPanics.Add(1)
			p.stats.TotalFailed.Add(1)
			p.logger.Error("keyword job panic recovered",
				slog.Int("worker_id", workerID),
				slog.Uint64("keyword_id", uint64(job.KeywordID)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			if p.errorHandler != nil {
				p.errorHandler(job.KeywordID, fmt.Errorf("panic: %v", r))
			}
		}
	}()

	err := job.Run(ctx)
	p.stats.TotalProcessed.Add(1)

	if err != nil {
		p.stats.TotalFailed.Add(1)
		p.logger.Warn("keyword job failed",
			slog.Int("worker_id", workerID),
			slog.Uint64("keyword_id", uint64(job.KeywordID)),
			slog.String("error", err.Error()))

		if p.errorHandler != nil {
			p.errorHandler(job.KeywordID, err)
		}
	} else {
		p.stats.TotalSucceeded.Add(1)
	}
}

// EnqueueBlocking 阻塞式入队，直到成功或 ctx 被取消。
//
// 批处理入口总是知道任务总量，队列满时等待而不是丢弃——
// 丢弃一个关键词等于这一天悄悄少算一行指标。
func (p *Pool) EnqueueBlocking(ctx context.Context, job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job has no run func")
	}

	if p.closed.Load() {
		return fmt.Errorf("pool is closed")
	}

	select {
	case p.jobs <- job:
		p.stats.TotalEnqueued.Add(1)
		metrics.BatchQueueDepth.Set(float64(len(p.jobs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 优雅关闭：拒绝新任务，等待在途任务完成。
func (p *Pool) Shutdown() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.jobs)
		p.logger.Info("worker pool shutdown initiated, waiting for workers to finish")
		p.wg.Wait()
		p.logger.Info("worker pool shutdown completed")
	}
}

// ShutdownWithTimeout 带超时的优雅关闭。
func (p *Pool) ShutdownWithTimeout(timeout time.Duration) error {
	if !p.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("pool already closed")
	}

	close(p.jobs)
	p.logger.Info("worker pool shutdown initiated with timeout",
		slog.String("timeout", timeout.String()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shutdown completed")
		return nil
	case <-time.After(timeout):
		p.logger.Error("worker pool shutdown timeout")
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats 获取统计信息快照。
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TotalEnqueued:  p.stats.TotalEnqueued.Load(),
		TotalProcessed: p.stats.TotalProcessed.Load(),
		TotalSucceeded: p.stats.TotalSucceeded.Load(),
		TotalFailed:    p.stats.TotalFailed.Load(),
		TotalPanics:    p.stats.TotalPanics.Load(),
	}
}

// Len 返回当前队列中待处理的任务数量。
func (p *Pool) Len() int {
	return len(p.jobs)
}

// Cap 返回队列的容量。
func (p *Pool) Cap() int {
	return cap(p.jobs)
}
