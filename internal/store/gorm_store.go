package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketlens/internal/engine"
	"marketlens/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store 是所有读写接口的 gorm/MySQL 实现。
//
// 快照/条目/商品/价格点归采集端所有，这里只读；
// DailyMetric 与 OpportunityFlag 由本引擎独占写入。
type Store struct {
	db *gorm.DB
}

// New 创建存储实例。
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 建表/迁移引擎涉及的全部模型。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Keyword{},
		&model.CaptureSnapshot{},
		&model.SerpEntry{},
		&model.Product{},
		&model.PricePoint{},
		&model.IdentityConflict{},
		&model.DailyMetric{},
		&model.OpportunityFlag{},
	)
}

// Entries 返回目标日历日内该关键词全部快照的原始条目。
//
// 可重复读取、无副作用；一天可能覆盖多个快照（多次定时运行）。
func (s *Store) Entries(ctx context.Context, keywordID uint, date time.Time) ([]engine.RawEntry, error) {
	dayStart := engine.DayStart(date)
	dayEnd := dayStart.AddDate(0, 0, 1)

	var snapshots []model.CaptureSnapshot
	if err := s.db.WithContext(ctx).
		Where("keyword_id = ? AND captured_at >= ? AND captured_at < ?", keywordID, dayStart, dayEnd).
		Order("captured_at ASC, id ASC").
		Find(&snapshots).Error; err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if len(snapshots) == 0 {
		return nil, nil
	}

	capturedAt := make(map[uint]time.Time, len(snapshots))
	ids := make([]uint, 0, len(snapshots))
	for _, snap := range snapshots {
		capturedAt[snap.ID] = snap.CapturedAt
		ids = append(ids, snap.ID)
	}

	var rows []model.SerpEntry
	if err := s.db.WithContext(ctx).
		Where("snapshot_id IN ?", ids).
		Order("snapshot_id ASC, `rank` ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load serp entries: %w", err)
	}

	entries := make([]engine.RawEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, engine.RawEntry{
			SnapshotID:  row.SnapshotID,
			CapturedAt:  capturedAt[row.SnapshotID],
			Rank:        row.Rank,
			ASIN:        row.ASIN,
			Sponsored:   row.Sponsored,
			Price:       row.Price,
			Rating:      row.Rating,
			ReviewCount: row.ReviewCount,
			Title:       row.ObservedTitle,
			Brand:       row.ObservedBrand,
		})
	}
	return entries, nil
}

// Window 返回目标日之前 days 天的既有指标摘要，按日期升序。
//
// 只返回实际存在的行——窗口填充天数不足由趋势阶段判断，
// 存储层不做补零。
func (s *Store) Window(ctx context.Context, keywordID uint, before time.Time, days int) ([]engine.DaySummary, error) {
	end := engine.DayStart(before)
	start := end.AddDate(0, 0, -days)

	var rows []model.DailyMetric
	if err := s.db.WithContext(ctx).
		Where("keyword_id = ? AND date >= ? AND date < ?", keywordID, start, end).
		Order("date ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load metric window: %w", err)
	}

	summaries := make([]engine.DaySummary, 0, len(rows))
	for _, row := range rows {
		var topASINs []string
		if row.TopASINs != "" {
			if err := json.Unmarshal([]byte(row.TopASINs), &topASINs); err != nil {
				return nil, fmt.Errorf("decode top asins for %s: %w", row.Date.Format("2006-01-02"), err)
			}
		}
		summaries = append(summaries, engine.DaySummary{
			Date:           row.Date,
			TopASINs:       topASINs,
			MedianPrice:    row.MedianPrice,
			SponsoredRatio: row.SponsoredRatio,
		})
	}
	return summaries, nil
}

// Publish 在一个事务里完成：按 (keyword_id, date) Upsert 一行指标，
// 并整组替换该键当日的机会标记。
//
// 要么全部落库、要么全部回滚——"指标写了、标记没写"属于缺陷，
// 不是可接受的中间状态。
func (s *Store) Publish(ctx context.Context, metric *model.DailyMetric, flags []model.OpportunityFlag) error {
	metric.Date = engine.DayStart(metric.Date)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "keyword_id"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status",
				"median_price", "min_price", "max_price",
				"visibility_share", "sponsored_ratio", "organic_ratio",
				"avg_rating", "avg_review_count",
				"observation_count", "ingestion_gaps", "identity_conflicts",
				"median_price_delta", "sponsored_ratio_delta", "low_confidence",
				"top_asins", "entrant_asins", "exit_asins",
				"updated_at",
			}),
		}).Create(metric).Error; err != nil {
			return fmt.Errorf("upsert daily metric: %w", err)
		}

		// 整组替换：先清旧、再插新，杜绝上一轮的残留标记
		if err := tx.Where("keyword_id = ? AND date = ?", metric.KeywordID, metric.Date).
			Delete(&model.OpportunityFlag{}).Error; err != nil {
			return fmt.Errorf("delete stale flags: %w", err)
		}
		for i := range flags {
			flags[i].ID = 0
			flags[i].KeywordID = metric.KeywordID
			flags[i].Date = metric.Date
		}
		if len(flags) > 0 {
			if err := tx.Create(&flags).Error; err != nil {
				return fmt.Errorf("insert flags: %w", err)
			}
		}
		return nil
	})
}

// ActiveKeywords 分页返回参与批处理的关键词。
func (s *Store) ActiveKeywords(ctx context.Context, afterID uint, limit int) ([]model.Keyword, error) {
	var keywords []model.Keyword
	if err := s.db.WithContext(ctx).
		Where("active = ? AND id > ?", true, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&keywords).Error; err != nil {
		return nil, fmt.Errorf("load active keywords: %w", err)
	}
	return keywords, nil
}
