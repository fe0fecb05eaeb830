package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketlens/internal/model"
	"marketlens/internal/pkg/queue"
)

// 关键词分页批大小
const keywordPageSize = 200

// KeywordSource 按 ID 升序分页列出待处理的活跃关键词。
type KeywordSource interface {
	ActiveKeywords(ctx context.Context, afterID uint, limit int) ([]model.Keyword, error)
}

// Report 汇总一次批量运行的结果。单个关键词失败不会中断
// 其余关键词，只会反映在这里。
type Report struct {
	RunID     string
	Date      time.Time
	StartedAt time.Time
	Duration  time.Duration
	Outcomes  []Outcome

	Succeeded    int
	Insufficient int
	Skipped      int
	Failed       int
}

// Runner 把单关键词流水线铺到固定大小的工作池上，
// 驱动一个日历日的全量批处理。
type Runner struct {
	logger   *slog.Logger
	keywords KeywordSource
	pipeline *Pipeline
	workers  int
	capacity int
}

// NewRunner 创建批量运行器。
func NewRunner(logger *slog.Logger, keywords KeywordSource, pipeline *Pipeline, workers, capacity int) *Runner {
	return &Runner{
		logger:   logger,
		keywords: keywords,
		pipeline: pipeline,
		workers:  workers,
		capacity: capacity,
	}
}

// Run 对指定日历日的全部活跃关键词执行流水线并汇总报告。
// 关键词之间完全隔离：panic 和失败都只计入各自的 Outcome。
func (r *Runner) Run(ctx context.Context, date time.Time) (*Report, error) {
	date = DayStart(date)
	report := &Report{
		RunID:     uuid.NewString(),
		Date:      date,
		StartedAt: time.Now(),
	}
	logger := r.logger.With(slog.String("run_id", report.RunID))
	logger.Info("batch run started", slog.String("date", date.Format("2006-01-02")))

	var mu sync.Mutex
	record := func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		report.Outcomes = append(report.Outcomes, o)
		switch o.Status {
		case OutcomeOK:
			report.Succeeded++
		case OutcomeInsufficientData:
			report.Insufficient++
		case OutcomeSkippedLocked:
			report.Skipped++
		default:
			report.Failed++
		}
	}

	pool := queue.NewPool(logger, r.workers, r.capacity)
	// 兜底 worker 内 panic：计为该关键词失败，不影响其它任务
	pool.SetErrorHandler(func(keywordID uint, err error) {
		record(Outcome{KeywordID: keywordID, Date: date, Status: OutcomeFailed, Err: err})
	})
	pool.Start(ctx)

	var lastID uint
	total := 0
	for {
		keywords, err := r.keywords.ActiveKeywords(ctx, lastID, keywordPageSize)
		if err != nil {
			pool.Shutdown()
			return nil, err
		}
		if len(keywords) == 0 {
			break
		}
		lastID = keywords[len(keywords)-1].ID
		total += len(keywords)

		for _, kw := range keywords {
			kw := kw
			if err := pool.EnqueueBlocking(ctx, queue.Job{
				KeywordID: kw.ID,
				Run: func(ctx context.Context) error {
					record(r.pipeline.Process(ctx, kw, date))
					return nil
				},
			}); err != nil {
				pool.Shutdown()
				return nil, err
			}
		}
	}

	pool.Shutdown()
	report.Duration = time.Since(report.StartedAt)
	logger.Info("batch run finished",
		slog.String("date", date.Format("2006-01-02")),
		slog.Int("keywords", total),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("insufficient_data", report.Insufficient),
		slog.Int("skipped_locked", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", report.Duration))
	return report, nil
}
