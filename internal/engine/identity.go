package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketlens/internal/model"
	"marketlens/internal/pkg/metrics"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Resolver 把原始 (ASIN, 观测标题, 观测品牌) 解析为规范商品记录。
//
// 身份仅由 ASIN 决定：未见过则创建；标题/品牌发生实质变化时
// 按"最近观测优先"更新存量值，并落一条 IdentityConflict 审计
// 记录——绝不投票、绝不拒绝、绝不因此失败。
type Resolver struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewResolver 创建身份解析器。
func NewResolver(db *gorm.DB, logger *slog.Logger) *Resolver {
	return &Resolver{db: db, logger: logger}
}

// ResolveAll 解析一组当日观测，刷新商品档案并写入价格点。
//
// 返回记录的元数据漂移次数。单条观测的解析失败会中断整组
// 并返回错误，由上层按存储错误重试。
func (r *Resolver) ResolveAll(ctx context.Context, observations []Observation) (int, error) {
	conflicts := 0
	for _, obs := range observations {
		n, err := r.resolve(ctx, obs)
		if err != nil {
			return conflicts, err
		}
		conflicts += n
	}
	return conflicts, nil
}

func (r *Resolver) resolve(ctx context.Context, obs Observation) (int, error) {
	var product model.Product
	err := r.db.WithContext(ctx).Where("asin = ?", obs.ASIN).First(&product).Error

	if err == gorm.ErrRecordNotFound {
		product = model.Product{
			ASIN:        obs.ASIN,
			Title:       obs.Title,
			Brand:       obs.Brand,
			FirstSeenAt: obs.ObservedAt,
			LastSeenAt:  obs.ObservedAt,
		}
		// 并发批次可能同时首见同一 ASIN；冲突时放弃插入改走更新路径
		if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "asin"}},
			DoNothing: true,
		}).Create(&product).Error; err != nil {
			return 0, fmt.Errorf("create product %s: %w", obs.ASIN, err)
		}
		r.logger.Debug("new product observed", slog.String("asin", obs.ASIN))
		return 0, r.recordPricePoint(ctx, obs)
	}
	if err != nil {
		return 0, fmt.Errorf("load product %s: %w", obs.ASIN, err)
	}

	conflicts := 0
	updates := map[string]interface{}{
		"last_seen_at": obs.ObservedAt,
	}
	if observed := strings.TrimSpace(obs.Title); observed != "" && observed != strings.TrimSpace(product.Title) {
		if drifted(product.Title, observed) {
			conflicts++
			r.logConflict(ctx, obs.ASIN, "title", product.Title, observed, obs.ObservedAt)
		}
		updates["title"] = observed
	}
	if observed := strings.TrimSpace(obs.Brand); observed != "" && observed != strings.TrimSpace(product.Brand) {
		if drifted(product.Brand, observed) {
			conflicts++
			r.logConflict(ctx, obs.ASIN, "brand", product.Brand, observed, obs.ObservedAt)
		}
		updates["brand"] = observed
	}

	if err := r.db.WithContext(ctx).Model(&model.Product{}).
		Where("asin = ?", obs.ASIN).
		Updates(updates).Error; err != nil {
		return conflicts, fmt.Errorf("update product %s: %w", obs.ASIN, err)
	}

	return conflicts, r.recordPricePoint(ctx, obs)
}

// recordPricePoint 写入一条独立于排名的价格观测（有价格才写）。
func (r *Resolver) recordPricePoint(ctx context.Context, obs Observation) error {
	if obs.Price == nil {
		return nil
	}
	point := model.PricePoint{
		ASIN:       obs.ASIN,
		ObservedAt: obs.ObservedAt,
		Price:      *obs.Price,
	}
	if err := r.db.WithContext(ctx).Create(&point).Error; err != nil {
		return fmt.Errorf("create price point %s: %w", obs.ASIN, err)
	}
	return nil
}

// logConflict 记录一次元数据漂移。审计记录写失败只告警，
// 不能让一条日志断掉整个关键词的指标计算。
func (r *Resolver) logConflict(ctx context.Context, asin, field, oldValue, newValue string, observedAt time.Time) {
	metrics.IdentityConflictsTotal.Inc()
	r.logger.Info("identity conflict resolved by recency",
		slog.String("asin", asin),
		slog.String("field", field),
		slog.String("old", oldValue),
		slog.String("new", newValue))

	conflict := model.IdentityConflict{
		ASIN:       asin,
		Field:      field,
		OldValue:   oldValue,
		NewValue:   newValue,
		ObservedAt: observedAt,
	}
	if err := r.db.WithContext(ctx).Create(&conflict).Error; err != nil {
		r.logger.Warn("record identity conflict failed",
			slog.String("asin", asin),
			slog.String("error", err.Error()))
	}
}

// drifted 判断元数据是否实质变化：空的新观测不算漂移
// （页面经常缺字段），仅大小写/空白差异也不算。
func drifted(stored, observed string) bool {
	observed = strings.TrimSpace(observed)
	if observed == "" {
		return false
	}
	stored = strings.TrimSpace(stored)
	if stored == "" {
		return false
	}
	return !strings.EqualFold(stored, observed)
}
