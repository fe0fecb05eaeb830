package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"marketlens/internal/config"
	"marketlens/internal/model"
	"marketlens/internal/pkg/metrics"
	"marketlens/internal/pkg/notify"
	"marketlens/internal/pkg/retry"
)

// Outcome 状态值（只出现在运行报告里，不落库）。
const (
	OutcomeOK               = "ok"
	OutcomeInsufficientData = "insufficient_data"
	OutcomeSkippedLocked    = "skipped_locked"
	OutcomeFailed           = "failed"
)

// SnapshotSource 读取一个日历日内关键词的全部原始条目（可重放，无副作用）。
type SnapshotSource interface {
	Entries(ctx context.Context, keywordID uint, date time.Time) ([]RawEntry, error)
}

// HistorySource 读取回看窗口内的既有日指标摘要。
type HistorySource interface {
	Window(ctx context.Context, keywordID uint, before time.Time, days int) ([]DaySummary, error)
}

// MetricsSink 原子发布一行日指标与整组机会标记。
type MetricsSink interface {
	Publish(ctx context.Context, metric *model.DailyMetric, flags []model.OpportunityFlag) error
}

// ProductResolver 把当日观测解析为规范商品记录，返回漂移次数。
type ProductResolver interface {
	ResolveAll(ctx context.Context, observations []Observation) (int, error)
}

// PublishLocker 串行化同一 (关键词, 日) 的并发发布。
type PublishLocker interface {
	Acquire(ctx context.Context, keywordID uint, date time.Time) (bool, error)
	Release(ctx context.Context, keywordID uint, date time.Time) error
}

// Outcome 是单个 (关键词, 日) 流水线的执行结果。
type Outcome struct {
	KeywordID uint
	Keyword   string
	Date      time.Time
	Status    string
	FlagCount int
	Err       error
}

// Pipeline 按严格次序执行单关键词的完整流水线：
// 规范化 → 身份解析 → 聚合 → 趋势 → 机会检测 → 发布。
//
// 各关键词互相独立，可并发执行多条 Pipeline；单关键词内
// 各阶段严格串行，前一阶段完成前后一阶段不会开始。
type Pipeline struct {
	engineCfg config.EngineConfig
	logger    *slog.Logger
	snapshots SnapshotSource
	history   HistorySource
	sink      MetricsSink
	resolver  ProductResolver
	lock      PublishLocker
	detector  *Detector
	retry     retry.Policy
	notifier  notify.Notifier
}

// NewPipeline 组装流水线。notifier 可为 nil（不发提醒）。
func NewPipeline(
	cfg *config.Config,
	logger *slog.Logger,
	snapshots SnapshotSource,
	history HistorySource,
	sink MetricsSink,
	resolver ProductResolver,
	lock PublishLocker,
	notifier notify.Notifier,
) *Pipeline {
	return &Pipeline{
		engineCfg: cfg.Engine,
		logger:    logger,
		snapshots: snapshots,
		history:   history,
		sink:      sink,
		resolver:  resolver,
		lock:      lock,
		detector:  NewDetector(cfg.Rules, cfg.Engine.TopN),
		retry:     retry.NewPolicy(logger, cfg.Engine.RetryMaxAttempts, cfg.Engine.RetryBaseBackoff),
		notifier:  notifier,
	}
}

// Process 计算并发布一个 (关键词, 日) 的指标与机会标记。
//
// 数据质量问题（缺口、漂移、数据不足、低置信）被吸收进指标
// 自身的状态字段；只有存储错误耗尽重试后才以 failed 返回。
func (p *Pipeline) Process(ctx context.Context, keyword model.Keyword, date time.Time) Outcome {
	start := time.Now()
	date = DayStart(date)
	outcome := Outcome{KeywordID: keyword.ID, Keyword: keyword.Text, Date: date}

	defer func() {
		metrics.PipelineRunsTotal.WithLabelValues(outcome.Status).Inc()
		metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}()

	// 1. 读取当日原始条目
	var entries []RawEntry
	if err := p.retry.Do(ctx, "read_snapshots", func(ctx context.Context) error {
		var err error
		entries, err = p.snapshots.Entries(ctx, keyword.ID, date)
		return err
	}); err != nil {
		return p.fail(&outcome, err)
	}

	// 2. 规范化：校验 + 同日多快照折叠
	norm := Normalize(entries)
	if norm.Gaps > 0 {
		metrics.IngestionGapsTotal.Add(float64(norm.Gaps))
		p.logger.Warn("ingestion gaps recorded",
			slog.Uint64("keyword_id", uint64(keyword.ID)),
			slog.String("date", date.Format("2006-01-02")),
			slog.Int("gaps", norm.Gaps))
	}

	// 3. 身份解析（漂移按最近观测优先，非致命）
	conflicts := 0
	if len(norm.Observations) > 0 {
		if err := p.retry.Do(ctx, "resolve_identities", func(ctx context.Context) error {
			var err error
			conflicts, err = p.resolver.ResolveAll(ctx, norm.Observations)
			return err
		}); err != nil {
			return p.fail(&outcome, err)
		}
	}

	// 4. 聚合
	agg := ComputeAggregate(norm.Observations, p.engineCfg.TopN, p.engineCfg.OwnASINs)

	// 5. 回看窗口 + 趋势
	var history []DaySummary
	if err := p.retry.Do(ctx, "read_history", func(ctx context.Context) error {
		var err error
		history, err = p.history.Window(ctx, keyword.ID, date, p.engineCfg.LookbackDays)
		return err
	}); err != nil {
		return p.fail(&outcome, err)
	}
	trend := ComputeTrend(agg, history, p.engineCfg.MinLookbackDays)

	// 6. 机会检测（数据不足的日期不产出任何标记）
	var flags []Flag
	if agg.Status == model.StatusOK {
		flags = p.detector.Detect(agg, trend)
	}

	metric := p.buildMetric(keyword.ID, date, norm, agg, trend, conflicts)
	flagRows := toFlagRows(keyword.ID, date, flags)

	// 7. 发布边界：同一 (关键词, 日) 的并发重算在这里串行化
	acquired, err := p.lock.Acquire(ctx, keyword.ID, date)
	if err != nil {
		return p.fail(&outcome, fmt.Errorf("acquire publish lock: %w", err))
	}
	if !acquired {
		p.logger.Info("publish skipped, lock held by another run",
			slog.Uint64("keyword_id", uint64(keyword.ID)),
			slog.String("date", date.Format("2006-01-02")))
		outcome.Status = OutcomeSkippedLocked
		return outcome
	}
	defer func() {
		if err := p.lock.Release(context.Background(), keyword.ID, date); err != nil {
			p.logger.Warn("release publish lock failed",
				slog.Uint64("keyword_id", uint64(keyword.ID)),
				slog.String("error", err.Error()))
		}
	}()

	if err := p.retry.Do(ctx, "publish", func(ctx context.Context) error {
		return p.sink.Publish(ctx, metric, flagRows)
	}); err != nil {
		return p.fail(&outcome, err)
	}

	for _, f := range flags {
		metrics.OpportunityFlagsTotal.WithLabelValues(f.Category).Inc()
	}

	p.notifyIfWorthy(ctx, keyword, date, flagRows)

	outcome.FlagCount = len(flags)
	if agg.Status == model.StatusInsufficientData {
		outcome.Status = OutcomeInsufficientData
	} else {
		outcome.Status = OutcomeOK
	}
	p.logger.Info("keyword pipeline completed",
		slog.Uint64("keyword_id", uint64(keyword.ID)),
		slog.String("keyword", keyword.Text),
		slog.String("date", date.Format("2006-01-02")),
		slog.String("status", outcome.Status),
		slog.Int("observations", agg.ObservationCount),
		slog.Int("flags", len(flags)),
		slog.Bool("low_confidence", trend.LowConfidence))
	return outcome
}

func (p *Pipeline) fail(outcome *Outcome, err error) Outcome {
	outcome.Status = OutcomeFailed
	outcome.Err = err
	p.logger.Error("keyword pipeline failed",
		slog.Uint64("keyword_id", uint64(outcome.KeywordID)),
		slog.String("date", outcome.Date.Format("2006-01-02")),
		slog.String("error", err.Error()))
	return *outcome
}

func (p *Pipeline) buildMetric(keywordID uint, date time.Time, norm NormalizeResult, agg Aggregate, trend Trend, conflicts int) *model.DailyMetric {
	return &model.DailyMetric{
		KeywordID: keywordID,
		Date:      date,
		Status:    agg.Status,

		MedianPrice:     agg.MedianPrice,
		MinPrice:        agg.MinPrice,
		MaxPrice:        agg.MaxPrice,
		VisibilityShare: agg.VisibilityShare,
		SponsoredRatio:  agg.SponsoredRatio,
		OrganicRatio:    agg.OrganicRatio,
		AvgRating:       agg.AvgRating,
		AvgReviewCount:  agg.AvgReviewCount,

		ObservationCount:  agg.ObservationCount,
		IngestionGaps:     norm.Gaps,
		IdentityConflicts: conflicts,

		MedianPriceDelta:    trend.MedianPriceDelta,
		SponsoredRatioDelta: trend.SponsoredRatioDelta,
		LowConfidence:       trend.LowConfidence,

		TopASINs:     marshalASINs(agg.TopASINs),
		EntrantASINs: marshalASINs(trend.Entrants),
		ExitASINs:    marshalASINs(trend.Exits),
	}
}

// notifyIfWorthy 对达到分数线的标记发送摘要邮件。提醒是旁路：
// 失败只记日志，绝不影响已完成的发布。
func (p *Pipeline) notifyIfWorthy(ctx context.Context, keyword model.Keyword, date time.Time, flagRows []model.OpportunityFlag) {
	if p.notifier == nil || keyword.OwnerEmail == "" {
		return
	}
	var worthy []model.OpportunityFlag
	for _, f := range flagRows {
		if f.Score >= p.engineCfg.NotifyMinScore {
			worthy = append(worthy, f)
		}
	}
	if len(worthy) == 0 {
		return
	}
	if err := p.notifier.SendOpportunityDigest(ctx, &keyword, date, worthy, keyword.OwnerEmail); err != nil {
		p.logger.Warn("send opportunity digest failed",
			slog.Uint64("keyword_id", uint64(keyword.ID)),
			slog.String("error", err.Error()))
	}
}

func toFlagRows(keywordID uint, date time.Time, flags []Flag) []model.OpportunityFlag {
	rows := make([]model.OpportunityFlag, 0, len(flags))
	for _, f := range flags {
		rows = append(rows, model.OpportunityFlag{
			KeywordID: keywordID,
			Date:      date,
			Category:  f.Category,
			Score:     f.Score,
			Summary:   f.Summary,
		})
	}
	return rows
}

func marshalASINs(asins []string) string {
	if asins == nil {
		asins = []string{}
	}
	data, err := json.Marshal(asins)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DayStart 把时间截断到 UTC 日历日零点。
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
