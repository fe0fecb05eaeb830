package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// 引擎的 Prometheus 指标。通过 InitMetrics 完成注册后使用；
// 查询 API 的 /metrics 端点负责对外暴露。
var (
	// PipelineRunsTotal 按结果统计关键词流水线执行次数
	// (status: ok / insufficient_data / skipped_locked / failed)。
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlens_pipeline_runs_total",
			Help: "Keyword pipeline executions by outcome.",
		},
		[]string{"status"},
	)

	// PipelineDuration 单个关键词流水线耗时分布。
	PipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketlens_pipeline_duration_seconds",
			Help:    "Wall time of one keyword pipeline run.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// IngestionGapsTotal 规范化阶段丢弃的无效条目总数。
	IngestionGapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketlens_ingestion_gaps_total",
			Help: "Raw entries rejected during normalization.",
		},
	)

	// IdentityConflictsTotal 商品元数据漂移总数。
	IdentityConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketlens_identity_conflicts_total",
			Help: "Product title/brand drift events recorded.",
		},
	)

	// StorageRetriesTotal 存储 I/O 重试次数（按操作分类）。
	StorageRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlens_storage_retries_total",
			Help: "Storage operations retried after transient failures.",
		},
		[]string{"op"},
	)

	// OpportunityFlagsTotal 发布的机会标记数（按类别）。
	OpportunityFlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlens_opportunity_flags_total",
			Help: "Opportunity flags published by category.",
		},
		[]string{"category"},
	)

	// BatchQueueDepth 批处理队列中等待的关键词任务数。
	BatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketlens_batch_queue_depth",
			Help: "Keyword jobs waiting in the batch worker queue.",
		},
	)

	// BatchWorkers 当前配置的 worker 数。
	BatchWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketlens_batch_workers",
			Help: "Configured batch worker pool size.",
		},
	)
)

var initOnce sync.Once

// InitMetrics 注册所有指标（幂等，可在测试中重复调用）。
func InitMetrics(workers int) {
	initOnce.Do(func() {
		prometheus.MustRegister(
			PipelineRunsTotal,
			PipelineDuration,
			IngestionGapsTotal,
			IdentityConflictsTotal,
			StorageRetriesTotal,
			OpportunityFlagsTotal,
			BatchQueueDepth,
			BatchWorkers,
		)
	})
	BatchWorkers.Set(float64(workers))
}
