package engine

import (
	"sort"
	"strings"
	"time"
)

// RawEntry 是规范化阶段的输入：某个快照里的一条原始排名结果，
// 连同快照的抓取时间。由 SnapshotSource 从存储层读出。
type RawEntry struct {
	SnapshotID  uint
	CapturedAt  time.Time
	Rank        int
	ASIN        string
	Sponsored   bool
	Price       *float64
	Rating      *float64
	ReviewCount *int
	Title       string
	Brand       string
}

// Observation 是当日去重后的单个 ASIN 观测。
//
// 同一天多个快照中的同一 ASIN 被折叠为一条：排名取观测到的
// 最优（最小）值，价格/评分/评论数/标题/品牌取最近一次非空观测，
// 广告位标记取最优排名那次观测。
type Observation struct {
	ASIN        string
	Rank        int
	Sponsored   bool
	Price       *float64
	Rating      *float64
	ReviewCount *int
	Title       string
	Brand       string
	ObservedAt  time.Time // 价格等字段来源观测的抓取时间
}

// NormalizeResult 规范化输出：观测集合与被丢弃的条目数。
type NormalizeResult struct {
	Observations []Observation
	Gaps         int // 无效条目数（负排名、缺 ASIN、负价格）
}

// Normalize 把一个日历日内所有快照的原始条目折叠为每 ASIN 一条观测。
//
// 结果对输入顺序不敏感：内部先按 (抓取时间, 快照ID, 排名) 排序，
// 再做"后到覆盖"，因此固定输入集合总是产出相同输出。
// 零有效观测返回空集合，由下游标记 insufficient_data，这里不报错。
func Normalize(entries []RawEntry) NormalizeResult {
	sorted := make([]RawEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CapturedAt.Equal(sorted[j].CapturedAt) {
			return sorted[i].CapturedAt.Before(sorted[j].CapturedAt)
		}
		if sorted[i].SnapshotID != sorted[j].SnapshotID {
			return sorted[i].SnapshotID < sorted[j].SnapshotID
		}
		return sorted[i].Rank < sorted[j].Rank
	})

	byASIN := make(map[string]*Observation)
	gaps := 0

	for _, e := range sorted {
		if e.Rank <= 0 || strings.TrimSpace(e.ASIN) == "" || (e.Price != nil && *e.Price < 0) {
			gaps++
			continue
		}

		obs, ok := byASIN[e.ASIN]
		if !ok {
			byASIN[e.ASIN] = &Observation{
				ASIN:        e.ASIN,
				Rank:        e.Rank,
				Sponsored:   e.Sponsored,
				Price:       e.Price,
				Rating:      e.Rating,
				ReviewCount: e.ReviewCount,
				Title:       e.Title,
				Brand:       e.Brand,
				ObservedAt:  e.CapturedAt,
			}
			continue
		}

		// 排名取最优；同名次时后到的观测同样覆盖广告位标记
		if e.Rank < obs.Rank {
			obs.Rank = e.Rank
			obs.Sponsored = e.Sponsored
		} else if e.Rank == obs.Rank {
			obs.Sponsored = e.Sponsored
		}

		// 值字段按"最近观测优先"：遍历顺序已按抓取时间升序
		if e.Price != nil {
			obs.Price = e.Price
		}
		if e.Rating != nil {
			obs.Rating = e.Rating
		}
		if e.ReviewCount != nil {
			obs.ReviewCount = e.ReviewCount
		}
		if strings.TrimSpace(e.Title) != "" {
			obs.Title = e.Title
		}
		if strings.TrimSpace(e.Brand) != "" {
			obs.Brand = e.Brand
		}
		if e.CapturedAt.After(obs.ObservedAt) {
			obs.ObservedAt = e.CapturedAt
		}
	}

	result := make([]Observation, 0, len(byASIN))
	for _, obs := range byASIN {
		result = append(result, *obs)
	}
	// 排名升序、同名次按 ASIN 字典序，保证输出确定
	sort.Slice(result, func(i, j int) bool {
		if result[i].Rank != result[j].Rank {
			return result[i].Rank < result[j].Rank
		}
		return result[i].ASIN < result[j].ASIN
	})

	return NormalizeResult{Observations: result, Gaps: gaps}
}
