package engine

import (
	"reflect"
	"testing"
	"time"
)

var (
	capture1 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	capture2 = time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	capture3 = time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
)

func f64(v float64) *float64 { return &v }
func i(v int) *int           { return &v }

// ============================================================================
// 无效条目过滤
// ============================================================================

func TestNormalize_InvalidEntriesCountAsGaps(t *testing.T) {
	tests := []struct {
		name  string
		entry RawEntry
	}{
		{"zero_rank", RawEntry{SnapshotID: 1, CapturedAt: capture1, Rank: 0, ASIN: "B000000001"}},
		{"negative_rank", RawEntry{SnapshotID: 1, CapturedAt: capture1, Rank: -3, ASIN: "B000000001"}},
		{"missing_asin", RawEntry{SnapshotID: 1, CapturedAt: capture1, Rank: 1, ASIN: ""}},
		{"blank_asin", RawEntry{SnapshotID: 1, CapturedAt: capture1, Rank: 1, ASIN: "   "}},
		{"negative_price", RawEntry{SnapshotID: 1, CapturedAt: capture1, Rank: 1, ASIN: "B000000001", Price: f64(-9.99)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Normalize([]RawEntry{tt.entry})
			if len(result.Observations) != 0 {
				t.Fatalf("expected entry to be dropped, got %d observations", len(result.Observations))
			}
			if result.Gaps != 1 {
				t.Fatalf("expected 1 gap, got %d", result.Gaps)
			}
		})
	}
}

func TestNormalize_ValidEntriesSurviveAlongsideGaps(t *testing.T) {
	result := Normalize([]RawEntry{
		{SnapshotID: 1, CapturedAt: capture1, Rank: 1, ASIN: "B000000001", Price: f64(19.99)},
		{SnapshotID: 1, CapturedAt: capture1, Rank: 0, ASIN: "B000000002"},
		{SnapshotID: 1, CapturedAt: capture1, Rank: 3, ASIN: "B000000003"},
	})
	if len(result.Observations) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(result.Observations))
	}
	if result.Gaps != 1 {
		t.Fatalf("expected 1 gap, got %d", result.Gaps)
	}
}

// ============================================================================
// 同日多快照折叠
// ============================================================================

func TestNormalize_BestRankWins(t *testing.T) {
	result := Normalize([]RawEntry{
		{SnapshotID: 1, CapturedAt: capture1, Rank: 5, ASIN: "B000000001"},
		{SnapshotID: 2, CapturedAt: capture2, Rank: 2, ASIN: "B000000001"},
		{SnapshotID: 3, CapturedAt: capture3, Rank: 8, ASIN: "B000000001"},
	})
	if len(result.Observations) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(result.Observations))
	}
	if got := result.Observations[0].Rank; got != 2 {
		t.Fatalf("expected best rank 2, got %d", got)
	}
}

func TestNormalize_MostRecentValuesWin(t *testing.T) {
	result := Normalize([]RawEntry{
		{SnapshotID: 1, CapturedAt: capture1, Rank: 1, ASIN: "B000000001", Price: f64(10), Rating: f64(4.1), Title: "old title"},
		{SnapshotID: 2, CapturedAt: capture2, Rank: 4, ASIN: "B000000001", Price: f64(12), Title: "new title"},
	})
	obs := result.Observations[0]
	if obs.Rank != 1 {
		t.Fatalf("expected rank 1, got %d", obs.Rank)
	}
	if obs.Price == nil || *obs.Price != 12 {
		t.Fatalf("expected most recent price 12, got %v", obs.Price)
	}
	// 后到快照缺评分时不得清掉已有值
	if obs.Rating == nil || *obs.Rating != 4.1 {
		t.Fatalf("expected rating 4.1 preserved, got %v", obs.Rating)
	}
	if obs.Title != "new title" {
		t.Fatalf("expected most recent title, got %q", obs.Title)
	}
}

func TestNormalize_SponsoredFollowsBestRank(t *testing.T) {
	result := Normalize([]RawEntry{
		{SnapshotID: 1, CapturedAt: capture1, Rank: 3, ASIN: "B000000001", Sponsored: true},
		{SnapshotID: 2, CapturedAt: capture2, Rank: 1, ASIN: "B000000001", Sponsored: false},
	})
	obs := result.Observations[0]
	if obs.Rank != 1 {
		t.Fatalf("expected rank 1, got %d", obs.Rank)
	}
	if obs.Sponsored {
		t.Fatal("expected sponsored flag from best-rank observation (false)")
	}
}

// ============================================================================
// 确定性：输入顺序无关
// ============================================================================

func TestNormalize_OrderIndependent(t *testing.T) {
	entries := []RawEntry{
		{SnapshotID: 2, CapturedAt: capture2, Rank: 2, ASIN: "B000000001", Price: f64(11)},
		{SnapshotID: 1, CapturedAt: capture1, Rank: 1, ASIN: "B000000002", Price: f64(20), ReviewCount: i(150)},
		{SnapshotID: 1, CapturedAt: capture1, Rank: 3, ASIN: "B000000001", Price: f64(10)},
		{SnapshotID: 2, CapturedAt: capture2, Rank: 5, ASIN: "B000000003"},
	}
	reversed := make([]RawEntry, len(entries))
	for idx, e := range entries {
		reversed[len(entries)-1-idx] = e
	}

	a := Normalize(entries)
	b := Normalize(reversed)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("normalization depends on input order:\n  forward:  %+v\n  reversed: %+v", a, b)
	}
}

func TestNormalize_OutputSortedByRankThenASIN(t *testing.T) {
	result := Normalize([]RawEntry{
		{SnapshotID: 1, CapturedAt: capture1, Rank: 2, ASIN: "B000000009"},
		{SnapshotID: 1, CapturedAt: capture1, Rank: 1, ASIN: "B000000005"},
		{SnapshotID: 2, CapturedAt: capture2, Rank: 2, ASIN: "B000000001"},
	})
	got := make([]string, 0, len(result.Observations))
	for _, obs := range result.Observations {
		got = append(got, obs.ASIN)
	}
	want := []string{"B000000005", "B000000001", "B000000009"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected order %v, got %v", want, got)
	}
}

func TestNormalize_EmptyInput(t *testing.T) {
	result := Normalize(nil)
	if len(result.Observations) != 0 || result.Gaps != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}
