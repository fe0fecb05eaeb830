package model

import (
	"time"
)

// DailyMetric 状态值。
const (
	StatusOK               = "ok"                // 正常计算完成
	StatusInsufficientData = "insufficient_data" // 当日无有效观测，数值字段全部为 null
)

// Keyword 表示一个被跟踪的搜索关键词。
//
// 关键词由配置/种子数据创建；停用时只做软删除（Active=false），
// 只要历史数据存在就不会物理删除。
type Keyword struct {
	ID        uint      `gorm:"primaryKey"` // 关键词唯一标识
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Text        string `gorm:"type:varchar(255);uniqueIndex;not null"` // 搜索关键词文本
	Marketplace string `gorm:"type:varchar(10);default:US"`            // 市场站点 (US/JP/...)
	Active      bool   `gorm:"default:true"`                           // 是否参与批处理
	OwnerEmail  string `gorm:"type:varchar(255)"`                      // 机会提醒接收邮箱（为空则不发送）
}

// CaptureSnapshot 表示关键词结果页的一次时点抓取。
//
// 由采集端写入，本引擎只读。同一关键词同一天可能存在多个快照
// （多次定时运行），全部保留为原始历史。
type CaptureSnapshot struct {
	ID         uint      `gorm:"primaryKey"`                        // 快照唯一标识
	KeywordID  uint      `gorm:"not null;index:idx_keyword_cap_at"` // 所属关键词 ID
	CapturedAt time.Time `gorm:"not null;index:idx_keyword_cap_at"` // 抓取时间
	Page       int       `gorm:"default:1"`                         // 结果页页码
	EntryCount int       // 原始条目数量
}

// SerpEntry 表示快照内的一条排名结果。
//
// (SnapshotID, Rank) 唯一；Rank 从 1 开始连续。价格/评分/评论数
// 在页面上可能缺失，使用指针区分"未观测到"与真实的 0 值。
type SerpEntry struct {
	ID         uint `gorm:"primaryKey"`
	SnapshotID uint `gorm:"not null;uniqueIndex:idx_snapshot_rank"` // 所属快照 ID
	Rank       int  `gorm:"not null;uniqueIndex:idx_snapshot_rank"` // 排名位置（1 起）

	ASIN          string   `gorm:"type:varchar(20);index;not null"` // 商品 ASIN
	Sponsored     bool     `gorm:"default:false"`                   // 是否付费广告位
	Price         *float64 // 观测价格（null 表示页面未展示）
	Rating        *float64 // 观测评分
	ReviewCount   *int     // 观测评论数
	ObservedTitle string   `gorm:"type:text"`         // 观测到的标题
	ObservedBrand string   `gorm:"type:varchar(255)"` // 观测到的品牌
}

// Product 表示 ASIN 的规范化商品身份。
//
// 身份仅由 ASIN 决定；标题/品牌漂移按"最近观测优先"更新，
// 并在 identity_conflicts 表中留存审计记录，不会产生新实体。
type Product struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 首次入库时间
	UpdatedAt time.Time

	ASIN        string    `gorm:"type:varchar(20);uniqueIndex;not null"` // 商品唯一标识
	Title       string    `gorm:"type:text"`                             // 最近已知标题
	Brand       string    `gorm:"type:varchar(255);index"`               // 最近已知品牌
	FirstSeenAt time.Time `gorm:"not null"`                              // 首次观测时间
	LastSeenAt  time.Time `gorm:"not null"`                              // 最近观测时间
}

// PricePoint 表示独立于排名的 (商品, 时刻, 价格) 观测。
//
// 由身份解析阶段随商品刷新一并写入，按商品+时间排序，
// 供价格趋势计算使用。
type PricePoint struct {
	ID         uint      `gorm:"primaryKey"`
	ASIN       string    `gorm:"type:varchar(20);not null;index:idx_price_asin_at"`
	ObservedAt time.Time `gorm:"not null;index:idx_price_asin_at"`
	Price      float64   `gorm:"not null"`
	Currency   string    `gorm:"type:varchar(3);default:USD"`
}

// IdentityConflict 记录一次商品元数据漂移（标题或品牌变更）。
//
// 非致命信号，仅供审计；解析结果始终以最近观测为准。
type IdentityConflict struct {
	ID         uint      `gorm:"primaryKey"`
	ASIN       string    `gorm:"type:varchar(20);index;not null"`
	Field      string    `gorm:"type:varchar(20);not null"` // "title" 或 "brand"
	OldValue   string    `gorm:"type:text"`
	NewValue   string    `gorm:"type:text"`
	ObservedAt time.Time `gorm:"not null"`
}

// DailyMetric 表示 (关键词, 日历日) 的一行聚合指标。
//
// 由本引擎独占写入，自然键 (KeywordID, Date) 唯一；重算按键覆盖
// （Upsert），绝不追加重复行。指针字段在 insufficient_data 时为
// null —— 0 会与真实的零价/零评分观测无法区分。
type DailyMetric struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	KeywordID uint      `gorm:"not null;uniqueIndex:idx_keyword_date"`
	Date      time.Time `gorm:"type:date;not null;uniqueIndex:idx_keyword_date"` // 日历日 (UTC)
	Status    string    `gorm:"type:varchar(20);not null"`                       // ok / insufficient_data

	MedianPrice     *float64 // Top-N 内去重 ASIN 价格中位数
	MinPrice        *float64 // Top-N 最低价
	MaxPrice        *float64 // Top-N 最高价
	VisibilityShare *float64 // 自有 ASIN 的倒数排名加权份额（未配置则为 null）
	SponsoredRatio  *float64 // Top-N 内广告位占比
	OrganicRatio    *float64 // 1 - SponsoredRatio
	AvgRating       *float64 // 评分均值（缺失值不计入分母）
	AvgReviewCount  *float64 // 评论数均值（同上）

	ObservationCount  int // 当日去重后的有效观测数
	IngestionGaps     int // 规范化阶段丢弃的无效条目数
	IdentityConflicts int // 当日记录的元数据漂移次数

	MedianPriceDelta    *float64 // 当日中位价 - 回看窗口均值
	SponsoredRatioDelta *float64 // 当日广告占比 - 回看窗口均值
	LowConfidence       bool     // 回看窗口填充天数不足时为 true

	TopASINs     string `gorm:"column:top_asins;type:text"`     // 当日 Top-N ASIN 列表 (JSON)，供回看窗口读取
	EntrantASINs string `gorm:"column:entrant_asins;type:text"` // 新进入者 ASIN 列表 (JSON)
	ExitASINs    string `gorm:"column:exit_asins;type:text"`    // 退出者 ASIN 列表 (JSON)
}

// OpportunityFlag 表示规则引擎对 (关键词, 日) 打出的一个机会标记。
//
// 每次重算对该键做整组替换——上一轮的旧标记绝不与新一轮共存。
type OpportunityFlag struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	KeywordID uint      `gorm:"not null;index:idx_flag_keyword_date"`
	Date      time.Time `gorm:"type:date;not null;index:idx_flag_keyword_date"`
	Category  string    `gorm:"type:varchar(32);not null"` // PRICE_GAP / QUALITY_GAP / NEW_ENTRANT_SURGE / LOW_COMPETITION
	Score     int       `gorm:"not null"`                  // 0-100
	Summary   string    `gorm:"type:text"`                 // 触发信号摘要
}
