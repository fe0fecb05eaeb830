package engine

import (
	"fmt"
	"math"
	"sort"

	"marketlens/internal/config"
)

// 机会标记类别。
const (
	CategoryPriceGap       = "PRICE_GAP"
	CategoryQualityGap     = "QUALITY_GAP"
	CategoryEntrantSurge   = "NEW_ENTRANT_SURGE"
	CategoryLowCompetition = "LOW_COMPETITION"
)

// 各规则的评分权重。分数 = clamp(strength * weight * 100, 0, 100)，
// strength 为规则自身归一化后的触发强度。
const (
	weightPriceGap       = 1.0
	weightQualityGap     = 0.9
	weightEntrantSurge   = 0.85
	weightLowCompetition = 0.75
)

// Flag 是规则引擎产出的一个机会标记。
type Flag struct {
	Category string
	Score    int // 0-100
	Summary  string
}

// Detector 按配置阈值评估一组互相独立、互不排斥的规则。
// 规则只读取当日聚合与趋势结果，同一 (关键词, 日) 可同时
// 命中多条规则。
type Detector struct {
	rules config.RulesConfig
	topN  int
}

// NewDetector 创建规则引擎。
func NewDetector(rules config.RulesConfig, topN int) *Detector {
	return &Detector{rules: rules, topN: topN}
}

// Detect 评估全部规则并返回按类别排序的标记列表。
//
// 输出顺序固定（类别字典序），保证同一输入重复执行产出
// 逐字节一致的标记集合。
func (d *Detector) Detect(agg Aggregate, trend Trend) []Flag {
	if agg.Status != "" && agg.ObservationCount == 0 {
		return nil
	}

	var flags []Flag
	if f, ok := d.priceGap(agg); ok {
		flags = append(flags, f)
	}
	if f, ok := d.qualityGap(agg); ok {
		flags = append(flags, f)
	}
	if f, ok := d.entrantSurge(trend); ok {
		flags = append(flags, f)
	}
	if f, ok := d.lowCompetition(agg, trend); ok {
		flags = append(flags, f)
	}

	sort.Slice(flags, func(i, j int) bool { return flags[i].Category < flags[j].Category })
	return flags
}

// priceGap: Top-N 价差超过中位价的配置倍数，且中位价上下的
// 价格带内没有任何竞品——价格分布两极分化，中间存在空档。
func (d *Detector) priceGap(agg Aggregate) (Flag, bool) {
	if agg.MedianPrice == nil || agg.MinPrice == nil || agg.MaxPrice == nil || *agg.MedianPrice <= 0 {
		return Flag{}, false
	}

	median := *agg.MedianPrice
	dispersion := *agg.MaxPrice - *agg.MinPrice
	if dispersion <= d.rules.PriceGapMultiple*median {
		return Flag{}, false
	}

	band := d.rules.PriceGapBand * median
	inBand := 0
	for _, obs := range agg.TopObservations {
		if obs.Price != nil && math.Abs(*obs.Price-median) <= band {
			inBand++
		}
	}
	if inBand > 0 {
		return Flag{}, false
	}

	// 强度：价差超出阈值的相对幅度
	strength := clamp01((dispersion/median - d.rules.PriceGapMultiple) / d.rules.PriceGapMultiple)
	return Flag{
		Category: CategoryPriceGap,
		Score:    score(strength, weightPriceGap),
		Summary: fmt.Sprintf("price dispersion %.2f exceeds %.0f%% of median %.2f with no competitor within ±%.0f%%",
			dispersion, d.rules.PriceGapMultiple*100, median, d.rules.PriceGapBand*100),
	}, true
}

// qualityGap: Top-N 平均评分低于阈值，且评论数达到口碑门槛的
// 在位者寥寥——缺少高质量、有口碑的竞品。
func (d *Detector) qualityGap(agg Aggregate) (Flag, bool) {
	if agg.AvgRating == nil || *agg.AvgRating >= d.rules.QualityRatingMax {
		return Flag{}, false
	}

	incumbents := 0
	for _, obs := range agg.TopObservations {
		if obs.ReviewCount != nil && *obs.ReviewCount >= d.rules.QualityReviewFloor {
			incumbents++
		}
	}
	if incumbents > d.rules.QualityMaxIncumbents {
		return Flag{}, false
	}

	ratingDeficit := clamp01((d.rules.QualityRatingMax - *agg.AvgRating) / d.rules.QualityRatingMax)
	scarcity := 1.0
	if d.rules.QualityMaxIncumbents > 0 {
		scarcity = clamp01(1 - float64(incumbents)/float64(d.rules.QualityMaxIncumbents+1))
	}
	strength := 0.7*ratingDeficit + 0.3*scarcity
	return Flag{
		Category: CategoryQualityGap,
		Score:    score(strength, weightQualityGap),
		Summary: fmt.Sprintf("avg rating %.2f below %.2f with only %d well-reviewed incumbents (floor %d reviews)",
			*agg.AvgRating, d.rules.QualityRatingMax, incumbents, d.rules.QualityReviewFloor),
	}, true
}

// entrantSurge: 当期新进入者数量超过 Top-N 规模的配置比例，
// 关键词正在升温。
func (d *Detector) entrantSurge(trend Trend) (Flag, bool) {
	threshold := d.rules.EntrantSurgeFraction * float64(d.topN)
	entrants := float64(len(trend.Entrants))
	if entrants <= threshold {
		return Flag{}, false
	}

	strength := clamp01((entrants - threshold) / (float64(d.topN) - threshold))
	return Flag{
		Category: CategoryEntrantSurge,
		Score:    score(strength, weightEntrantSurge),
		Summary: fmt.Sprintf("%d new entrants exceed %.0f%% of top-%d",
			len(trend.Entrants), d.rules.EntrantSurgeFraction*100, d.topN),
	}, true
}

// lowCompetition: 广告占比低于下限，且回看窗口内竞品集合稳定
// （当日零新进入者）。窗口置信度不足时不触发——稳定性结论
// 需要足够的历史支撑。
func (d *Detector) lowCompetition(agg Aggregate, trend Trend) (Flag, bool) {
	if agg.SponsoredRatio == nil || *agg.SponsoredRatio >= d.rules.LowCompSponsoredMax {
		return Flag{}, false
	}
	if len(trend.Entrants) > 0 || trend.LowConfidence {
		return Flag{}, false
	}

	strength := 1.0
	if d.rules.LowCompSponsoredMax > 0 {
		strength = clamp01((d.rules.LowCompSponsoredMax - *agg.SponsoredRatio) / d.rules.LowCompSponsoredMax)
	}
	return Flag{
		Category: CategoryLowCompetition,
		Score:    score(strength, weightLowCompetition),
		Summary: fmt.Sprintf("sponsored ratio %.2f below %.2f with stable competitor set over %d populated days",
			*agg.SponsoredRatio, d.rules.LowCompSponsoredMax, trend.PopulatedDays),
	}, true
}

func score(strength, weight float64) int {
	s := int(math.Round(strength * weight * 100))
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
