package engine

import (
	"sort"
	"time"
)

// DaySummary 是回看窗口中一天的既有指标摘要，由 HistorySource 提供。
type DaySummary struct {
	Date           time.Time
	TopASINs       []string
	MedianPrice    *float64
	SponsoredRatio *float64
}

// Trend 是当日相对回看窗口的趋势结果。
type Trend struct {
	Entrants []string // 当日 Top-N 中、窗口内任何一天的 Top-N 都未出现过的 ASIN
	Exits    []string // 窗口内至少一天出现在 Top-N、当日缺席的 ASIN

	MedianPriceDelta    *float64 // 当日中位价 - 窗口非空中位价均值
	SponsoredRatioDelta *float64 // 当日广告占比 - 窗口非空占比均值

	PopulatedDays int  // 窗口内有数据的天数
	LowConfidence bool // 填充天数低于最小要求时为 true
}

// ComputeTrend 比较当日 Top-N 与回看窗口，计算进入/退出集合与趋势差值。
//
// 窗口填充天数不足 minLookbackDays 时不压制结果——部分信号好过
// 没有信号——只打上 LowConfidence，让消费方自行折价。
func ComputeTrend(agg Aggregate, history []DaySummary, minLookbackDays int) Trend {
	trend := Trend{PopulatedDays: len(history)}
	trend.LowConfidence = len(history) < minLookbackDays

	seen := make(map[string]bool)
	for _, day := range history {
		for _, asin := range day.TopASINs {
			seen[asin] = true
		}
	}

	current := make(map[string]bool, len(agg.TopASINs))
	for _, asin := range agg.TopASINs {
		current[asin] = true
		if !seen[asin] {
			trend.Entrants = append(trend.Entrants, asin)
		}
	}
	for asin := range seen {
		if !current[asin] {
			trend.Exits = append(trend.Exits, asin)
		}
	}
	sort.Strings(trend.Entrants)
	sort.Strings(trend.Exits)

	// 差值基于窗口内非空值的滑动均值；窗口或当日缺数据则保持 null
	if agg.MedianPrice != nil {
		if avg, ok := trailingAvg(history, func(d DaySummary) *float64 { return d.MedianPrice }); ok {
			trend.MedianPriceDelta = ptr(*agg.MedianPrice - avg)
		}
	}
	if agg.SponsoredRatio != nil {
		if avg, ok := trailingAvg(history, func(d DaySummary) *float64 { return d.SponsoredRatio }); ok {
			trend.SponsoredRatioDelta = ptr(*agg.SponsoredRatio - avg)
		}
	}

	return trend
}

func trailingAvg(history []DaySummary, pick func(DaySummary) *float64) (float64, bool) {
	var sum float64
	count := 0
	for _, day := range history {
		if v := pick(day); v != nil {
			sum += *v
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}
