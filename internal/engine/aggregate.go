package engine

import (
	"sort"

	"marketlens/internal/model"
)

// Aggregate 是 (关键词, 日) 的聚合结果。
//
// 全部数值字段用指针：观测集合为空时保持 null，
// 绝不默认为 0（0 与真实的零价/零评分观测无法区分）。
type Aggregate struct {
	Status          string
	MedianPrice     *float64
	MinPrice        *float64
	MaxPrice        *float64
	VisibilityShare *float64
	SponsoredRatio  *float64
	OrganicRatio    *float64
	AvgRating       *float64
	AvgReviewCount  *float64

	ObservationCount int
	TopASINs         []string      // Top-N 内 ASIN，按排名升序
	TopObservations  []Observation // Top-N 内观测，供规则引擎复用
}

// ComputeAggregate 从规范化观测集合确定性地计算当日聚合。
//
// 只依赖传入的集合与参数，无任何隐藏外部状态；ownASINs 为空时
// 不计算可见度份额（保持 null）。
func ComputeAggregate(observations []Observation, topN int, ownASINs []string) Aggregate {
	if len(observations) == 0 {
		return Aggregate{Status: model.StatusInsufficientData}
	}

	top := make([]Observation, 0, len(observations))
	for _, obs := range observations {
		if obs.Rank <= topN {
			top = append(top, obs)
		}
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Rank != top[j].Rank {
			return top[i].Rank < top[j].Rank
		}
		return top[i].ASIN < top[j].ASIN
	})

	agg := Aggregate{
		Status:           model.StatusOK,
		ObservationCount: len(observations),
		TopObservations:  top,
	}
	for _, obs := range top {
		agg.TopASINs = append(agg.TopASINs, obs.ASIN)
	}

	// 价格：Top-N 内去重 ASIN 的观测价（观测集合本身已按 ASIN 去重）
	prices := make([]float64, 0, len(top))
	for _, obs := range top {
		if obs.Price != nil {
			prices = append(prices, *obs.Price)
		}
	}
	if len(prices) > 0 {
		sort.Float64s(prices)
		agg.MedianPrice = ptr(median(prices))
		agg.MinPrice = ptr(prices[0])
		agg.MaxPrice = ptr(prices[len(prices)-1])
	}

	// 广告位占比：Top-N 内广告观测数 / 总观测数
	if len(top) > 0 {
		sponsored := 0
		for _, obs := range top {
			if obs.Sponsored {
				sponsored++
			}
		}
		ratio := float64(sponsored) / float64(len(top))
		agg.SponsoredRatio = ptr(ratio)
		agg.OrganicRatio = ptr(1 - ratio)
	}

	// 可见度份额：weight(rank)=1/rank，自有 ASIN 权重和 / 全部权重和。
	// 倒数加权体现第 1 名远比第 20 名值钱。
	if len(ownASINs) > 0 && len(top) > 0 {
		own := make(map[string]bool, len(ownASINs))
		for _, asin := range ownASINs {
			own[asin] = true
		}
		var ownWeight, totalWeight float64
		for _, obs := range top {
			w := 1 / float64(obs.Rank)
			totalWeight += w
			if own[obs.ASIN] {
				ownWeight += w
			}
		}
		if totalWeight > 0 {
			agg.VisibilityShare = ptr(ownWeight / totalWeight)
		}
	}

	// 评分/评论数均值：缺失值不进分母
	var ratingSum float64
	ratingCount := 0
	var reviewSum float64
	reviewCount := 0
	for _, obs := range top {
		if obs.Rating != nil {
			ratingSum += *obs.Rating
			ratingCount++
		}
		if obs.ReviewCount != nil {
			reviewSum += float64(*obs.ReviewCount)
			reviewCount++
		}
	}
	if ratingCount > 0 {
		agg.AvgRating = ptr(ratingSum / float64(ratingCount))
	}
	if reviewCount > 0 {
		agg.AvgReviewCount = ptr(reviewSum / float64(reviewCount))
	}

	return agg
}

// median 计算已排序切片的中位数；偶数个取中间两值的平均。
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func ptr(v float64) *float64 {
	return &v
}
