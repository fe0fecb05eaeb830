package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"marketlens/internal/config"
	"marketlens/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			TopN:             20,
			LookbackDays:     90,
			MinLookbackDays:  1,
			WorkerPoolSize:   2,
			QueueCapacity:    8,
			RetryMaxAttempts: 2,
			RetryBaseBackoff: time.Millisecond,
			PublishLockTTL:   time.Minute,
			NotifyMinScore:   70,
		},
		Rules: testRules(),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// 测试桩
// ============================================================================

type stubSnapshots struct {
	entries []RawEntry
	err     error
}

func (s stubSnapshots) Entries(ctx context.Context, keywordID uint, date time.Time) ([]RawEntry, error) {
	return s.entries, s.err
}

type stubHistory struct {
	days []DaySummary
	err  error
}

func (s stubHistory) Window(ctx context.Context, keywordID uint, before time.Time, days int) ([]DaySummary, error) {
	return s.days, s.err
}

type recordingSink struct {
	metric *model.DailyMetric
	flags  []model.OpportunityFlag
	err    error
	calls  int
}

func (s *recordingSink) Publish(ctx context.Context, metric *model.DailyMetric, flags []model.OpportunityFlag) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.metric = metric
	s.flags = flags
	return nil
}

type stubResolver struct {
	conflicts int
	err       error
}

func (s stubResolver) ResolveAll(ctx context.Context, observations []Observation) (int, error) {
	return s.conflicts, s.err
}

type stubLock struct {
	acquired bool
	err      error
	releases int
}

func (l *stubLock) Acquire(ctx context.Context, keywordID uint, date time.Time) (bool, error) {
	return l.acquired, l.err
}

func (l *stubLock) Release(ctx context.Context, keywordID uint, date time.Time) error {
	l.releases++
	return nil
}

type recordingNotifier struct {
	flags []model.OpportunityFlag
	email string
}

func (n *recordingNotifier) SendOpportunityDigest(ctx context.Context, keyword *model.Keyword, date time.Time, flags []model.OpportunityFlag, toEmail string) error {
	n.flags = flags
	n.email = toEmail
	return nil
}

func newTestPipeline(snapshots SnapshotSource, history HistorySource, sink MetricsSink, lock PublishLocker) *Pipeline {
	return NewPipeline(testConfig(), testLogger(), snapshots, history, sink, stubResolver{conflicts: 1}, lock, nil)
}

var testKeyword = model.Keyword{ID: 7, Text: "wireless earbuds", Marketplace: "US", Active: true}

func testEntries() []RawEntry {
	captured := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	return []RawEntry{
		{SnapshotID: 1, CapturedAt: captured, Rank: 1, ASIN: "B000000001", Price: f64(19.99), Rating: f64(4.5), ReviewCount: i(1200)},
		{SnapshotID: 1, CapturedAt: captured, Rank: 2, ASIN: "B000000002", Price: f64(24.99), Sponsored: true},
		{SnapshotID: 1, CapturedAt: captured, Rank: 0, ASIN: "B000000003"}, // 无效条目
	}
}

// ============================================================================
// 流水线行为
// ============================================================================

func TestPipeline_ProcessPublishesMetric(t *testing.T) {
	sink := &recordingSink{}
	lock := &stubLock{acquired: true}
	p := newTestPipeline(stubSnapshots{entries: testEntries()}, stubHistory{days: []DaySummary{{Date: day(-1)}}}, sink, lock)

	outcome := p.Process(context.Background(), testKeyword, day(0))
	if outcome.Status != OutcomeOK {
		t.Fatalf("expected outcome ok, got %q (err=%v)", outcome.Status, outcome.Err)
	}
	if sink.metric == nil {
		t.Fatal("expected metric to be published")
	}
	if sink.metric.Status != model.StatusOK {
		t.Fatalf("expected metric status ok, got %q", sink.metric.Status)
	}
	if sink.metric.KeywordID != testKeyword.ID {
		t.Fatalf("expected keyword id %d, got %d", testKeyword.ID, sink.metric.KeywordID)
	}
	if sink.metric.ObservationCount != 2 {
		t.Fatalf("expected 2 observations, got %d", sink.metric.ObservationCount)
	}
	if sink.metric.IngestionGaps != 1 {
		t.Fatalf("expected 1 ingestion gap, got %d", sink.metric.IngestionGaps)
	}
	if sink.metric.IdentityConflicts != 1 {
		t.Fatalf("expected 1 identity conflict, got %d", sink.metric.IdentityConflicts)
	}
	if sink.metric.TopASINs != `["B000000001","B000000002"]` {
		t.Fatalf("unexpected top asins encoding: %s", sink.metric.TopASINs)
	}
	if lock.releases != 1 {
		t.Fatalf("expected lock released once, got %d", lock.releases)
	}
}

func TestPipeline_InsufficientDataStillPublishes(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPipeline(stubSnapshots{}, stubHistory{}, sink, &stubLock{acquired: true})

	outcome := p.Process(context.Background(), testKeyword, day(0))
	if outcome.Status != OutcomeInsufficientData {
		t.Fatalf("expected insufficient_data, got %q", outcome.Status)
	}
	if sink.metric == nil {
		t.Fatal("expected the insufficient_data row to be published")
	}
	if sink.metric.Status != model.StatusInsufficientData {
		t.Fatalf("expected metric status insufficient_data, got %q", sink.metric.Status)
	}
	if sink.metric.MedianPrice != nil || sink.metric.SponsoredRatio != nil {
		t.Fatal("expected metric fields to stay null on insufficient data")
	}
	if len(sink.flags) != 0 {
		t.Fatalf("expected no flags on insufficient data, got %+v", sink.flags)
	}
}

func TestPipeline_LockContentionSkips(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPipeline(stubSnapshots{entries: testEntries()}, stubHistory{}, sink, &stubLock{acquired: false})

	outcome := p.Process(context.Background(), testKeyword, day(0))
	if outcome.Status != OutcomeSkippedLocked {
		t.Fatalf("expected skipped_locked, got %q", outcome.Status)
	}
	if sink.calls != 0 {
		t.Fatalf("expected no publish under contention, got %d calls", sink.calls)
	}
}

func TestPipeline_PublishFailureExhaustsRetries(t *testing.T) {
	sink := &recordingSink{err: errors.New("connection reset")}
	lock := &stubLock{acquired: true}
	p := newTestPipeline(stubSnapshots{entries: testEntries()}, stubHistory{}, sink, lock)

	outcome := p.Process(context.Background(), testKeyword, day(0))
	if outcome.Status != OutcomeFailed {
		t.Fatalf("expected failed, got %q", outcome.Status)
	}
	if outcome.Err == nil {
		t.Fatal("expected error in outcome")
	}
	if sink.calls != 2 {
		t.Fatalf("expected 2 publish attempts, got %d", sink.calls)
	}
	if lock.releases != 1 {
		t.Fatalf("expected lock released after failure, got %d", lock.releases)
	}
}

func TestPipeline_ReadFailureReturnsFailed(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPipeline(stubSnapshots{err: errors.New("table gone")}, stubHistory{}, sink, &stubLock{acquired: true})

	outcome := p.Process(context.Background(), testKeyword, day(0))
	if outcome.Status != OutcomeFailed {
		t.Fatalf("expected failed, got %q", outcome.Status)
	}
	if sink.calls != 0 {
		t.Fatal("expected no publish after read failure")
	}
}

// 同一输入重复执行必须产出逐字节一致的指标行与标记集合。
func TestPipeline_Idempotent(t *testing.T) {
	run := func() (*model.DailyMetric, []model.OpportunityFlag) {
		sink := &recordingSink{}
		p := newTestPipeline(stubSnapshots{entries: testEntries()}, stubHistory{days: []DaySummary{{Date: day(-1)}}}, sink, &stubLock{acquired: true})
		if outcome := p.Process(context.Background(), testKeyword, day(0)); outcome.Status != OutcomeOK {
			t.Fatalf("expected ok, got %q", outcome.Status)
		}
		return sink.metric, sink.flags
	}

	m1, f1 := run()
	m2, f2 := run()
	if m1.TopASINs != m2.TopASINs || m1.EntrantASINs != m2.EntrantASINs || m1.ExitASINs != m2.ExitASINs {
		t.Fatal("asin encodings differ across identical runs")
	}
	if len(f1) != len(f2) {
		t.Fatalf("flag counts differ: %d vs %d", len(f1), len(f2))
	}
	for idx := range f1 {
		if f1[idx].Category != f2[idx].Category || f1[idx].Score != f2[idx].Score || f1[idx].Summary != f2[idx].Summary {
			t.Fatalf("flag %d differs: %+v vs %+v", idx, f1[idx], f2[idx])
		}
	}
}

func TestPipeline_NotifiesOnHighScoreFlags(t *testing.T) {
	// 价格两极分化触发满分 PRICE_GAP，超过通知分数线
	captured := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	entries := []RawEntry{
		{SnapshotID: 1, CapturedAt: captured, Rank: 1, ASIN: "B000000001", Price: f64(2)},
		{SnapshotID: 1, CapturedAt: captured, Rank: 2, ASIN: "B000000002", Price: f64(18)},
	}

	notifier := &recordingNotifier{}
	sink := &recordingSink{}
	p := NewPipeline(testConfig(), testLogger(),
		stubSnapshots{entries: entries},
		stubHistory{days: []DaySummary{{Date: day(-1)}}},
		sink, stubResolver{}, &stubLock{acquired: true}, notifier)

	kw := testKeyword
	kw.OwnerEmail = "owner@example.com"
	if outcome := p.Process(context.Background(), kw, day(0)); outcome.Status != OutcomeOK {
		t.Fatalf("expected ok, got %q", outcome.Status)
	}
	if notifier.email != "owner@example.com" {
		t.Fatalf("expected digest sent to owner, got %q", notifier.email)
	}
	if len(notifier.flags) == 0 {
		t.Fatal("expected at least one high-score flag in the digest")
	}
	for _, f := range notifier.flags {
		if f.Score < 70 {
			t.Fatalf("digest contains flag below threshold: %+v", f)
		}
	}
}

func TestPipeline_NoOwnerEmailNoDigest(t *testing.T) {
	notifier := &recordingNotifier{}
	sink := &recordingSink{}
	p := NewPipeline(testConfig(), testLogger(),
		stubSnapshots{entries: testEntries()},
		stubHistory{}, sink, stubResolver{}, &stubLock{acquired: true}, notifier)

	if outcome := p.Process(context.Background(), testKeyword, day(0)); outcome.Status != OutcomeOK {
		t.Fatalf("expected ok, got %q", outcome.Status)
	}
	if notifier.email != "" {
		t.Fatalf("expected no digest without owner email, got %q", notifier.email)
	}
}
